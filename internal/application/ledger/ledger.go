// Package ledger owns the kiosk cart and serializes every read-validate-write
// sequence against live stock behind one lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kuldeep-zigg/wendor-placement/internal/application"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/cart"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

const (
	ledgerService  = "ledger"
	useCaseCartAdd = "cart.add"
	useCaseClear   = "cart.clear"

	DefaultLockTimeout = 5 * time.Second
)

var ErrLockTimeout = errors.New("ledger: lock acquisition timed out")

// Products is the read side of the catalog the ledger validates against.
type Products interface {
	Get(ctx context.Context, id int64) (*catalog.Product, error)
}

type Ledger struct {
	products    Products
	lock        chan struct{}
	cart        *cart.Cart
	snapshot    atomic.Pointer[cart.Snapshot]
	lockTimeout time.Duration
	obs         application.Instruments
}

type Option func(*Ledger)

// WithLockTimeout bounds how long a caller waits for the ledger lock.
func WithLockTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.lockTimeout = d
		}
	}
}

func New(products Products, tel observability.Observability, opts ...Option) *Ledger {
	l := &Ledger{
		products:    products,
		lock:        make(chan struct{}, 1),
		cart:        cart.New(),
		lockTimeout: DefaultLockTimeout,
		obs:         application.NewInstruments(tel, ledgerService),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.publish()
	return l
}

func (l *Ledger) acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()
	select {
	case l.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
	}
}

func (l *Ledger) release() { <-l.lock }

func (l *Ledger) publish() {
	l.snapshot.Store(l.cart.Snapshot())
}

// Cart returns the last published snapshot. It never waits on the lock.
// The snapshot is shared and must be treated as read-only.
func (l *Ledger) Cart() *cart.Snapshot {
	return l.snapshot.Load()
}

// AddToCart reserves quantity more units of productID if live stock covers
// everything already in the cart plus the request.
func (l *Ledger) AddToCart(ctx context.Context, productID int64, quantity int) (_ *cart.Snapshot, err error) {
	ctx, run := l.obs.Begin(ctx, useCaseCartAdd, "AddToCart",
		attribute.Int64("cart.product_id", productID),
		attribute.Int("cart.quantity", quantity),
	)
	defer func() { run.End(err) }()

	if quantity <= 0 || quantity > cart.MaxLineQuantity {
		run.Fail("QUANTITY_INVALID")
		return nil, cart.ErrInvalidQuantity
	}
	if err := l.acquire(ctx); err != nil {
		run.Fail("LOCK_TIMEOUT")
		return nil, err
	}
	defer l.release()

	p, err := l.products.Get(ctx, productID)
	if err != nil {
		if errors.Is(err, catalog.ErrProductNotFound) {
			run.Fail("PRODUCT_NOT_FOUND")
			return nil, catalog.ErrProductNotFound
		}
		run.Fail("STOCK_LOOKUP_FAILED")
		return nil, fmt.Errorf("ledger: stock lookup: %w", err)
	}
	if !p.Purchasable() {
		run.Fail("PRODUCT_INACTIVE")
		return nil, catalog.ErrProductNotFound
	}

	// Compared as a remainder so the sum cannot wrap.
	inCart := l.cart.Quantity(productID)
	if quantity > p.StockCount-inCart {
		run.Fail("INSUFFICIENT_STOCK")
		return nil, &catalog.InsufficientStockError{
			ProductID: productID,
			Available: p.StockCount,
			InCart:    inCart,
			Requested: quantity,
		}
	}

	if err := l.cart.Add(productID, quantity); err != nil {
		run.Fail("QUANTITY_INVALID")
		return nil, err
	}
	l.publish()
	snap := l.Cart()
	run.Span.SetAttributes(attribute.Int("cart.units", snap.Units()))
	return snap, nil
}

func (l *Ledger) ClearCart(ctx context.Context) (err error) {
	ctx, run := l.obs.Begin(ctx, useCaseClear, "ClearCart")
	defer func() { run.End(err) }()

	if err := l.acquire(ctx); err != nil {
		run.Fail("LOCK_TIMEOUT")
		return err
	}
	defer l.release()
	l.cart.Clear()
	l.publish()
	return nil
}

// Settle runs fn while holding the ledger lock, handing it the current cart.
// When fn reports clear the cart is emptied before the lock is released, so
// no add can slip between the work fn did and the clear.
func (l *Ledger) Settle(ctx context.Context, fn func(ctx context.Context, snap *cart.Snapshot) (clear bool, err error)) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	clear, err := fn(ctx, l.Cart())
	if clear {
		l.cart.Clear()
		l.publish()
	}
	return err
}
