// Package dispatch delivers recorded dispense requests to the vend controller
// and re-drives the ones still pending until they are delivered or exhausted.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/dispense"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/vend"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability/logctx"
	"github.com/kuldeep-zigg/wendor-placement/internal/pkg/retry"
)

const (
	componentDispatcher = "dispatcher"
	peerDevice          = "device"
	endpointVend        = "vend"

	DefaultAckTimeout   = 3 * time.Second
	DefaultScanInterval = 15 * time.Second
)

var ErrUnexpectedReply = errors.New("dispatch: unexpected reply")

// Sender sends a command and waits for the device's direct reply.
type Sender interface {
	Request(ctx context.Context, msg vend.Message) (vend.Message, error)
}

type Store interface {
	dispense.Repository
	// Restock applies adj and updates req in one write.
	Restock(ctx context.Context, adj []catalog.Adjustment, req *dispense.Request) error
}

type Config struct {
	Policy       retry.Policy
	AckTimeout   time.Duration
	ScanInterval time.Duration
}

type Dispatcher struct {
	store  Store
	sender Sender
	cfg    Config

	mu      sync.Mutex
	claimed map[string]struct{}
	held    map[string]struct{}
	wake    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	log          observability.Logger
	attempts     observability.Counter   // dispense_attempts_total{source,outcome}
	outcomes     observability.Counter   // dispense_outcomes_total{outcome}
	extCounter   observability.Counter   // external_requests_total{peer,endpoint,outcome}
	extHistogram observability.Histogram // external_request_duration_seconds{peer,endpoint}
}

func New(store Store, sender Sender, cfg Config, tel observability.Observability) *Dispatcher {
	if tel == nil {
		tel = observability.Nop()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.DefaultPolicy()
	}
	m := tel.Metrics()
	return &Dispatcher{
		store:        store,
		sender:       sender,
		cfg:          cfg,
		claimed:      make(map[string]struct{}),
		held:         make(map[string]struct{}),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		log:          tel.Logger().With(observability.F("component", componentDispatcher)),
		attempts:     m.Counter(observability.MDispenseAttempts),
		outcomes:     m.Counter(observability.MDispenseOutcomes),
		extCounter:   m.Counter(observability.MExternalRequests),
		extHistogram: m.Histogram(observability.MExternalRequestDuration),
	}
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, held := d.held[id]; held {
		return false
	}
	return d.claimLocked(id)
}

func (d *Dispatcher) claimLocked(id string) bool {
	if _, busy := d.claimed[id]; busy {
		return false
	}
	d.claimed[id] = struct{}{}
	return true
}

// Hold reserves id for the caller's upcoming Submit. The worker skips held
// requests, so a record written between Hold and Submit is not picked up by a
// scan first. The returned release is idempotent.
func (d *Dispatcher) Hold(id string) (release func()) {
	d.mu.Lock()
	d.held[id] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.held, id)
			d.mu.Unlock()
		})
	}
}

func (d *Dispatcher) unclaim(id string) {
	d.mu.Lock()
	delete(d.claimed, id)
	d.mu.Unlock()
}

// notify asks the worker for a pass without blocking.
func (d *Dispatcher) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Submit makes one delivery attempt bounded by the ack timeout. A transient
// failure leaves the request pending for the worker; a rejection exhausts it.
// A held id is claimable only here.
func (d *Dispatcher) Submit(ctx context.Context, req *dispense.Request) (bool, error) {
	d.mu.Lock()
	ok := d.claimLocked(req.ID)
	d.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s is in flight", dispense.ErrInvalidTransition, req.ID)
	}
	defer d.unclaim(req.ID)

	err := d.attempt(ctx, req, "submit")
	switch {
	case err == nil:
		d.finish(ctx, req, retry.Delivered, nil)
		return true, nil
	case retry.IsPermanent(err):
		d.finish(ctx, req, retry.Rejected, err)
		return false, fmt.Errorf("%w: %w", dispense.ErrReconciliationRequired, err)
	default:
		d.notify()
		return false, err
	}
}

// attempt sends one command and books the attempt on req and in the store.
func (d *Dispatcher) attempt(ctx context.Context, req *dispense.Request, source string) (err error) {
	actx, cancel := context.WithTimeout(ctx, d.cfg.AckTimeout)
	defer cancel()

	start := time.Now()
	reply, err := d.sender.Request(actx, vend.NewVendCommand(req.ID, req.Items))
	d.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", peerDevice),
		observability.L("endpoint", endpointVend),
	)
	if err == nil {
		err = classify(reply)
	} else if !errors.Is(err, vend.ErrLinkUnavailable) {
		err = fmt.Errorf("%w: %w", vend.ErrLinkUnavailable, err)
	}

	outcome := attemptOutcome(err)
	d.attempts.Add(1, observability.L("source", source), observability.L("outcome", outcome))
	d.extCounter.Add(1,
		observability.L("peer", peerDevice),
		observability.L("endpoint", endpointVend),
		observability.L("outcome", outcome),
	)

	req.RecordAttempt(err)
	if uerr := d.store.UpdateDispense(context.WithoutCancel(ctx), req); uerr != nil {
		logctx.FromOr(ctx, d.log).Warn("dispense_update_failed",
			observability.F("dispense_id", req.ID),
			observability.Err(uerr),
		)
	}
	return err
}

func classify(reply vend.Message) error {
	switch reply.Type {
	case vend.TypeAccepted:
		return nil
	case vend.TypeBusy:
		return &vend.BusyError{InFlight: reply.Items}
	case vend.TypeRejected:
		return retry.Permanent(fmt.Errorf("dispatch: device rejected: %s", reply.Reason))
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedReply, reply.Type)
	}
}

func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, vend.ErrBusy):
		return "busy"
	case retry.IsPermanent(err):
		return "rejected"
	case errors.Is(err, vend.ErrLinkUnavailable):
		return "link_unavailable"
	default:
		return "error"
	}
}

// finish moves req to its terminal-for-now status and reports it.
func (d *Dispatcher) finish(ctx context.Context, req *dispense.Request, outcome retry.Outcome, cause error) {
	logger := logctx.FromOr(ctx, d.log).With(
		observability.F("dispense_id", req.ID),
		observability.F("order_id", req.OrderID),
	)
	var err error
	switch outcome {
	case retry.Delivered:
		err = req.MarkDelivered()
	case retry.Exhausted, retry.Rejected:
		err = req.MarkExhausted()
	default:
		return
	}
	if err != nil {
		logger.Warn("dispense_transition_failed", observability.Err(err))
		return
	}
	if uerr := d.store.UpdateDispense(context.WithoutCancel(ctx), req); uerr != nil {
		logger.Error("dispense_update_failed", observability.Err(uerr))
	}

	d.outcomes.Add(1, observability.L("outcome", string(outcome)))
	if outcome == retry.Delivered {
		logger.Info("dispense_delivered", observability.F("attempts", req.Attempts))
		return
	}
	logger.Error("dispense_exhausted",
		observability.F("outcome", string(outcome)),
		observability.F("attempts", req.Attempts),
		observability.F("items", req.Items),
		observability.Err(fmt.Errorf("%w: %w", dispense.ErrReconciliationRequired, cause)),
	)
}

// Start launches the worker. It re-drives pending requests immediately, one
// initial interval after every failed Submit, and every scan interval.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
		d.cancel = cancel
		go d.loop(bg)
		logctx.FromOr(ctx, d.log).Info("dispatcher_started")
	})
}

// Stop cancels the worker and waits for it, bounded by ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		if d.cancel == nil {
			close(d.done)
			return
		}
		d.cancel()
		select {
		case <-d.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		logctx.FromOr(ctx, d.log).Info("dispatcher_stopped")
	})
	return err
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()
	var retryTimer *time.Timer
	var retryC <-chan time.Time
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	d.redrive(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			if retryTimer == nil {
				retryTimer = time.NewTimer(d.cfg.Policy.Backoff(1))
			} else {
				if !retryTimer.Stop() {
					select {
					case <-retryTimer.C:
					default:
					}
				}
				retryTimer.Reset(d.cfg.Policy.Backoff(1))
			}
			retryC = retryTimer.C
		case <-retryC:
			retryC = nil
			d.redrive(ctx)
		case <-ticker.C:
			d.redrive(ctx)
		}
	}
}

// redrive delivers pending requests oldest first, one at a time.
func (d *Dispatcher) redrive(ctx context.Context) {
	pending, err := d.store.ListDispenses(ctx, dispense.StatusPending)
	if err != nil {
		d.log.Warn("dispense_scan_failed", observability.Err(err))
		return
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	for _, req := range pending {
		if ctx.Err() != nil {
			return
		}
		d.deliver(ctx, req)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, req *dispense.Request) {
	if !d.claim(req.ID) {
		return
	}
	defer d.unclaim(req.ID)

	outcome, err := d.cfg.Policy.Do(ctx, func(ctx context.Context, _ int) error {
		return d.attempt(ctx, req, "worker")
	})
	d.finish(ctx, req, outcome, err)
}

// List returns requests with the given status, or all when status is empty.
func (d *Dispatcher) List(ctx context.Context, status dispense.Status) ([]*dispense.Request, error) {
	return d.store.ListDispenses(ctx, status)
}

// Retry re-queues an exhausted request and wakes the worker.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*dispense.Request, error) {
	if !d.claim(id) {
		return nil, fmt.Errorf("%w: %s is in flight", dispense.ErrInvalidTransition, id)
	}
	defer d.unclaim(id)

	req, err := d.store.GetDispense(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.Requeue(); err != nil {
		return nil, err
	}
	if err := d.store.UpdateDispense(ctx, req); err != nil {
		return nil, fmt.Errorf("dispatch: requeue: %w", err)
	}
	logctx.FromOr(ctx, d.log).Info("dispense_requeued", observability.F("dispense_id", id))
	d.notify()
	return req, nil
}

// Refund compensates an exhausted request by returning its items to stock.
func (d *Dispatcher) Refund(ctx context.Context, id string) (*dispense.Request, error) {
	if !d.claim(id) {
		return nil, fmt.Errorf("%w: %s is in flight", dispense.ErrInvalidTransition, id)
	}
	defer d.unclaim(id)

	req, err := d.store.GetDispense(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.MarkRefunded(); err != nil {
		return nil, err
	}
	counts := req.Counts()
	adj := make([]catalog.Adjustment, 0, len(counts))
	for pid, n := range counts {
		adj = append(adj, catalog.Adjustment{ProductID: pid, Delta: n})
	}
	sort.Slice(adj, func(i, j int) bool { return adj[i].ProductID < adj[j].ProductID })

	if err := d.store.Restock(ctx, adj, req); err != nil {
		return nil, fmt.Errorf("dispatch: restock: %w", err)
	}
	d.outcomes.Add(1, observability.L("outcome", string(dispense.StatusRefunded)))
	logctx.FromOr(ctx, d.log).Info("dispense_refunded",
		observability.F("dispense_id", id),
		observability.F("items", req.Items),
	)
	return req, nil
}
