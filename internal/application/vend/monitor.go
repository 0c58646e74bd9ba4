package vend

import (
	"context"
	"sync"
	"time"

	domoutbox "github.com/kuldeep-zigg/wendor-placement/internal/domain/outbox"
	domain "github.com/kuldeep-zigg/wendor-placement/internal/domain/vend"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability"
)

// Observed is the kiosk's view of the controller, built from link broadcasts.
type Observed struct {
	Connected bool
	State     domain.State
	CycleID   string
	Items     []int64
	ElapsedMS int64
	LastEvent domain.MessageType
	UpdatedAt time.Time
}

// Monitor folds device link broadcasts into the last observed controller state.
type Monitor struct {
	mu   sync.RWMutex
	last Observed

	broadcasts observability.Counter
}

func NewMonitor(tel observability.Observability) *Monitor {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Monitor{
		last:       Observed{State: domain.StateIdle},
		broadcasts: tel.Metrics().Counter(observability.MVendBroadcasts),
	}
}

// Handle is a link subscriber.
func (m *Monitor) Handle(_ context.Context, e domoutbox.Event) error {
	msg, ok := e.(domain.Message)
	if !ok {
		return nil
	}
	m.broadcasts.Add(1, observability.L("side", "kiosk"), observability.L("type", string(msg.Type)))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.last.LastEvent = msg.Type
	m.last.UpdatedAt = time.Now().UTC()
	switch msg.Type {
	case domain.TypeLinkUp:
		m.last.Connected = true
	case domain.TypeLinkDown:
		m.last.Connected = false
	case domain.TypeStatus:
		m.last.Connected = true
		m.last.State = msg.State
		m.last.CycleID = msg.CycleID
		m.last.Items = domain.CopyItems(msg.Items)
		m.last.ElapsedMS = msg.ElapsedMS
	case domain.TypeAccepted:
		m.last.Connected = true
		m.last.State = domain.StateVending
		m.last.CycleID = msg.CycleID
		m.last.Items = domain.CopyItems(msg.Items)
		m.last.ElapsedMS = 0
	case domain.TypeComplete:
		m.last.Connected = true
		m.last.State = domain.StateIdle
		m.last.CycleID = ""
		m.last.Items = nil
		m.last.ElapsedMS = 0
	}
	return nil
}

func (m *Monitor) Snapshot() Observed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.last
	out.Items = domain.CopyItems(m.last.Items)
	return out
}
