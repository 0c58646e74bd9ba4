// Package outbox is the in-process event bus that carries vend broadcasts
// from the controller to the device server and from the link to observers.
package outbox

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	domoutbox "github.com/kuldeep-zigg/wendor-placement/internal/domain/outbox"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability/logctx"
)

// Wildcard subscribes a handler to every event name.
const Wildcard = "*"

const (
	componentOutbox = "outbox"
	handlerTimeout  = 30 * time.Second
)

var ErrBusClosed = errors.New("outbox: bus stopped")

// Bus delivers events in publish order. Each event reaches all of its
// handlers before the next event is dispatched, so every subscriber sees
// the same order.
type Bus struct {
	mu          sync.RWMutex
	subs        map[string][]domoutbox.Handler
	queue       chan domoutbox.Event
	startOnce   sync.Once
	stopOnce    sync.Once
	cancel      context.CancelFunc
	stopped     chan struct{}
	done        chan struct{}
	concurrency int
	log         observability.Logger
}

func NewBus(logger observability.Logger) *Bus {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Bus{
		subs:        make(map[string][]domoutbox.Handler),
		queue:       make(chan domoutbox.Event, 1024), // buffer for backpressure
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
		concurrency: 8, // per-event handler fanout cap
		log:         logger.With(observability.F("component", componentOutbox)),
	}
}

func (b *Bus) Subscribe(eventName string, h domoutbox.Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventName] = append(b.subs[eventName], h)
}

func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
		b.cancel = cancel
		go b.dispatchLoop(bg)
		logctx.FromOr(ctx, b.log).Info("event_bus_started")
	})
}

// Stop rejects further publishes and waits for the dispatch loop to drain
// what is already queued, bounded by ctx.
func (b *Bus) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		close(b.stopped)
		if b.cancel == nil {
			return
		}
		select {
		case <-b.done:
		case <-ctx.Done():
			b.cancel()
		}
		logctx.FromOr(ctx, b.log).Info("event_bus_stopped")
	})
}

func (b *Bus) Publish(ctx context.Context, e domoutbox.Event) error {
	if e == nil {
		return nil
	}
	select {
	case <-b.stopped:
		return ErrBusClosed
	default:
	}
	select {
	case b.queue <- e:
		logctx.FromOr(ctx, b.log).Debug("event_enqueued", observability.F("event", e.EventName()))
		return nil
	case <-b.stopped:
		return ErrBusClosed
	case <-ctx.Done():
		logctx.FromOr(ctx, b.log).Warn("event_enqueue_aborted",
			observability.F("event", e.EventName()),
			observability.Err(ctx.Err()),
		)
		return ctx.Err()
	}
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.queue:
			b.fanout(ctx, e)
		case <-b.stopped:
			for {
				select {
				case e := <-b.queue:
					b.fanout(ctx, e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) handlers(name string) []domoutbox.Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domoutbox.Handler, 0, len(b.subs[name])+len(b.subs[Wildcard]))
	out = append(out, b.subs[name]...)
	if name != Wildcard {
		out = append(out, b.subs[Wildcard]...)
	}
	return out
}

func (b *Bus) fanout(ctx context.Context, e domoutbox.Event) {
	name := e.EventName()
	handlers := b.handlers(name)
	if len(handlers) == 0 {
		b.log.Debug("event_dropped_no_subscriber", observability.F("event", name))
		return
	}

	baseLogger := b.log.With(observability.F("event", name))
	ctx = logctx.With(ctx, baseLogger)

	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup

	for _, h := range handlers {
		h := h
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					baseLogger.Error("event_handler_panic",
						observability.F("panic", r),
						observability.F("stack", string(debug.Stack())),
					)
				}
				<-sem
				wg.Done()
			}()

			hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
			defer cancel()
			if err := h(hctx, e); err != nil {
				baseLogger.Warn("event_handler_error", observability.Err(err))
			}
		}()
	}

	wg.Wait()
	baseLogger.Debug("event_fanned_out", observability.F("handlers", len(handlers)))
}
