// Package devicelink is the kiosk side of the device connection: a
// WebSocket client that reconnects on a fixed interval, correlates direct
// replies by command id and fans broadcasts out to subscribers.
package devicelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	domoutbox "github.com/kuldeep-zigg/wendor-placement/internal/domain/outbox"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/vend"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/outbox"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability/logctx"

	"github.com/gorilla/websocket"
)

const (
	componentLink = "device_link"

	DefaultReconnectInterval = 2 * time.Second
	DefaultWriteTimeout      = 2 * time.Second
	DefaultDialTimeout       = 3 * time.Second
	maxFrameBytes            = 16 << 10
)

var ErrMissingCommandID = errors.New("devicelink: command id is required")

type Config struct {
	URL               string
	ReconnectInterval time.Duration
	WriteTimeout      time.Duration
	DialTimeout       time.Duration
}

type Link struct {
	cfg    Config
	dialer *websocket.Dialer
	bus    *outbox.Bus

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan vend.Message
	writeMu sync.Mutex
	up      atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	log         observability.Logger
	connections observability.Counter // device_link_connections_total{outcome}
}

func New(cfg Config, tel observability.Observability) *Link {
	if tel == nil {
		tel = observability.Nop()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	logger := tel.Logger().With(observability.F("component", componentLink), observability.F("url", cfg.URL))
	return &Link{
		cfg:         cfg,
		dialer:      &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		bus:         outbox.NewBus(logger),
		pending:     make(map[string]chan vend.Message),
		done:        make(chan struct{}),
		log:         logger,
		connections: tel.Metrics().Counter(observability.MLinkConnections),
	}
}

// Subscribe registers h for every broadcast plus the local link-up and
// link-down notices, delivered in arrival order.
func (l *Link) Subscribe(h domoutbox.Handler) {
	l.bus.Subscribe(outbox.Wildcard, h)
}

func (l *Link) Connected() bool { return l.up.Load() }

// Start begins connecting in the background.
func (l *Link) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
		l.cancel = cancel
		l.bus.Start(bg)
		go l.loop(bg)
	})
}

// Stop closes the connection and waits for the reconnect loop, bounded by ctx.
func (l *Link) Stop(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		if l.cancel == nil {
			return
		}
		l.cancel()
		l.mu.Lock()
		if l.conn != nil {
			_ = l.conn.Close()
		}
		l.mu.Unlock()
		select {
		case <-l.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		l.bus.Stop(ctx)
	})
	return err
}

func (l *Link) loop(ctx context.Context) {
	defer close(l.done)
	for {
		dctx, cancel := context.WithTimeout(ctx, l.cfg.DialTimeout)
		conn, _, err := l.dialer.DialContext(dctx, l.cfg.URL, nil)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.connections.Add(1, observability.L("outcome", "dial_failed"))
			l.log.Debug("device_link_dial_failed", observability.Err(err))
		} else {
			l.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
		}
		if !sleep(ctx, l.cfg.ReconnectInterval) {
			return
		}
	}
}

// sleep waits d on a single timer; false means ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (l *Link) serve(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameBytes)
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.up.Store(true)

	l.connections.Add(1, observability.L("outcome", "connected"))
	l.log.Info("device_link_connected")
	l.notify(ctx, vend.Message{Type: vend.TypeLinkUp})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				l.log.Warn("device_link_dropped", observability.Err(err))
			}
			break
		}
		var msg vend.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			l.log.Warn("device_link_bad_frame", observability.Err(err))
			continue
		}
		if msg.IsReply() && msg.ID != "" {
			l.resolve(msg)
		}
		l.notify(ctx, msg)
	}

	l.up.Store(false)
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
	l.mu.Unlock()
	_ = conn.Close()

	l.connections.Add(1, observability.L("outcome", "disconnected"))
	l.notify(ctx, vend.Message{Type: vend.TypeLinkDown})
}

func (l *Link) notify(ctx context.Context, msg vend.Message) {
	if err := l.bus.Publish(context.WithoutCancel(ctx), msg); err != nil && !errors.Is(err, outbox.ErrBusClosed) {
		l.log.Warn("device_link_publish_failed", observability.Err(err))
	}
}

func (l *Link) resolve(msg vend.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.pending[msg.ID]
	if !ok {
		return
	}
	delete(l.pending, msg.ID)
	ch <- msg
}

// Send writes msg if connected and reports whether the frame went out. It
// never waits longer than the write timeout.
func (l *Link) Send(ctx context.Context, msg vend.Message) bool {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return false
	}

	deadline := time.Now().Add(l.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		logctx.FromOr(ctx, l.log).Warn("device_link_write_failed",
			observability.F("type", string(msg.Type)),
			observability.Err(err),
		)
		_ = conn.Close()
		return false
	}
	return true
}

// Request sends a command and waits for the reply carrying the same id.
func (l *Link) Request(ctx context.Context, msg vend.Message) (vend.Message, error) {
	if msg.ID == "" {
		return vend.Message{}, ErrMissingCommandID
	}
	ch := make(chan vend.Message, 1)

	l.mu.Lock()
	if l.conn == nil {
		l.mu.Unlock()
		return vend.Message{}, vend.ErrLinkUnavailable
	}
	l.pending[msg.ID] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if cur, ok := l.pending[msg.ID]; ok && cur == ch {
			delete(l.pending, msg.ID)
		}
		l.mu.Unlock()
	}()

	if !l.Send(ctx, msg) {
		return vend.Message{}, vend.ErrLinkUnavailable
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return vend.Message{}, fmt.Errorf("%w: connection dropped", vend.ErrLinkUnavailable)
		}
		return reply, nil
	case <-ctx.Done():
		return vend.Message{}, fmt.Errorf("%w: %w", vend.ErrLinkUnavailable, ctx.Err())
	}
}
