// Package vend runs the device-side dispense state machine: one cycle at a
// time, timed status ticks, a single completion.
package vend

import (
	"context"
	"sync"
	"time"

	domoutbox "github.com/kuldeep-zigg/wendor-placement/internal/domain/outbox"
	domain "github.com/kuldeep-zigg/wendor-placement/internal/domain/vend"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability/logctx"
)

const (
	componentController = "vend_controller"

	DefaultTickInterval     = time.Second
	DefaultDispenseDuration = 5 * time.Second
	defaultRecentCommands   = 128
	publishTimeout          = 2 * time.Second
)

type IDGenerator interface {
	NewID() string
}

type Config struct {
	TickInterval     time.Duration
	DispenseDuration time.Duration
	// RecentCommands bounds how many accepted command ids are remembered for
	// duplicate detection.
	RecentCommands int
}

type Controller struct {
	cfg       Config
	publisher domoutbox.Publisher
	ids       IDGenerator
	now       func() time.Time

	mu     sync.Mutex
	state  domain.State
	cycle  *domain.Cycle
	stop   chan struct{}
	closed bool
	recent map[string]struct{}
	ring   []string
	wg     sync.WaitGroup

	log        observability.Logger
	cycles     observability.Counter // vend_cycles_total{event}
	broadcasts observability.Counter // vend_broadcasts_total{side,type}
}

func NewController(cfg Config, publisher domoutbox.Publisher, ids IDGenerator, tel observability.Observability) *Controller {
	if tel == nil {
		tel = observability.Nop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.DispenseDuration <= 0 {
		cfg.DispenseDuration = DefaultDispenseDuration
	}
	if cfg.RecentCommands <= 0 {
		cfg.RecentCommands = defaultRecentCommands
	}
	return &Controller{
		cfg:        cfg,
		publisher:  publisher,
		ids:        ids,
		now:        time.Now,
		state:      domain.StateIdle,
		recent:     make(map[string]struct{}, cfg.RecentCommands),
		log:        tel.Logger().With(observability.F("component", componentController)),
		cycles:     tel.Metrics().Counter(observability.MVendCycles),
		broadcasts: tel.Metrics().Counter(observability.MVendBroadcasts),
	}
}

// Accept starts a cycle for items. A command id that was already accepted is
// reported as a duplicate without starting anything; while a cycle runs every
// other request fails with *BusyError.
func (c *Controller) Accept(ctx context.Context, commandID string, items []int64) (duplicate bool, err error) {
	if len(items) == 0 {
		c.cycles.Add(1, observability.L("event", "rejected"))
		return false, domain.ErrInvalidItems
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, domain.ErrClosed
	}
	if commandID != "" {
		if _, seen := c.recent[commandID]; seen {
			c.cycles.Add(1, observability.L("event", "duplicate"))
			return true, nil
		}
	}
	if c.state == domain.StateVending {
		c.cycles.Add(1, observability.L("event", "busy"))
		return false, &domain.BusyError{InFlight: domain.CopyItems(c.cycle.Items)}
	}

	cycle := &domain.Cycle{
		ID:        c.ids.NewID(),
		CommandID: commandID,
		Items:     domain.CopyItems(items),
		StartedAt: c.now(),
	}
	c.state = domain.StateVending
	c.cycle = cycle
	c.remember(commandID)
	stop := make(chan struct{})
	c.stop = stop

	c.cycles.Add(1, observability.L("event", "accepted"))
	logctx.FromOr(ctx, c.log).Info("vend_cycle_accepted",
		observability.F("cycle_id", cycle.ID),
		observability.F("command_id", commandID),
		observability.F("items", cycle.Items),
	)
	c.broadcastLocked(domain.Message{
		Type:    domain.TypeAccepted,
		ID:      commandID,
		CycleID: cycle.ID,
		State:   domain.StateVending,
		Items:   domain.CopyItems(cycle.Items),
	})

	c.wg.Add(1)
	go c.run(cycle, stop)
	return false, nil
}

func (c *Controller) remember(id string) {
	if id == "" {
		return
	}
	if len(c.ring) >= c.cfg.RecentCommands {
		delete(c.recent, c.ring[0])
		c.ring = c.ring[1:]
	}
	c.ring = append(c.ring, id)
	c.recent[id] = struct{}{}
}

// run owns the cycle's tick and completion timers.
func (c *Controller) run(cycle *domain.Cycle, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	timer := time.NewTimer(c.cfg.DispenseDuration)
	defer timer.Stop()

	var last int64 = -1
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			last = c.tick(cycle, last)
		case <-timer.C:
			c.complete(cycle)
			return
		}
	}
}

func (c *Controller) tick(cycle *domain.Cycle, last int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cycle != cycle {
		return last
	}
	elapsed := cycle.Elapsed(c.now()).Milliseconds()
	if elapsed <= last {
		elapsed = last + 1
	}
	c.broadcastLocked(domain.Message{
		Type:      domain.TypeStatus,
		CycleID:   cycle.ID,
		State:     domain.StateVending,
		Items:     domain.CopyItems(cycle.Items),
		ElapsedMS: elapsed,
	})
	return elapsed
}

func (c *Controller) complete(cycle *domain.Cycle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cycle != cycle {
		return
	}
	c.state = domain.StateIdle
	c.cycle = nil
	c.stop = nil

	c.cycles.Add(1, observability.L("event", "completed"))
	c.log.Info("vend_cycle_completed",
		observability.F("cycle_id", cycle.ID),
		observability.F("command_id", cycle.CommandID),
		observability.F("elapsed_ms", cycle.Elapsed(c.now()).Milliseconds()),
	)
	c.broadcastLocked(domain.Message{
		Type:           domain.TypeComplete,
		ID:             cycle.CommandID,
		CycleID:        cycle.ID,
		State:          domain.StateIdle,
		DispensedItems: domain.CopyItems(cycle.Items),
	})
}

// broadcastLocked enqueues msg while c.mu is held so broadcasts leave in
// state-change order.
func (c *Controller) broadcastLocked(msg domain.Message) {
	c.broadcasts.Add(1, observability.L("side", "device"), observability.L("type", string(msg.Type)))
	if c.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.publisher.Publish(ctx, msg); err != nil {
		c.log.Warn("vend_broadcast_failed",
			observability.F("type", string(msg.Type)),
			observability.Err(err),
		)
	}
}

// Status reports the current state as a status message.
func (c *Controller) Status() domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := domain.Message{Type: domain.TypeStatus, State: c.state}
	if c.cycle != nil {
		msg.CycleID = c.cycle.ID
		msg.Items = domain.CopyItems(c.cycle.Items)
		msg.ElapsedMS = c.cycle.Elapsed(c.now()).Milliseconds()
	}
	return msg
}

// Close cancels the running cycle's timers and refuses further commands.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	if c.cycle != nil {
		c.log.Warn("vend_cycle_abandoned", observability.F("cycle_id", c.cycle.ID))
	}
	c.cycle = nil
	c.state = domain.StateIdle
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}
