package checkout

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/kuldeep-zigg/wendor-placement/internal/application/ledger"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	domain "github.com/kuldeep-zigg/wendor-placement/internal/domain/checkout"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/dispense"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/id"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/memory"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	held      map[string]bool
	heldAtSub []bool
	submitted []*dispense.Request
	delivered bool
	err       error
}

func (f *fakeDispatcher) Hold(id string) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	f.held[id] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, id)
	}
}

func (f *fakeDispatcher) Submit(_ context.Context, req *dispense.Request) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req.Clone())
	f.heldAtSub = append(f.heldAtSub, f.held[req.ID])
	return f.delivered, f.err
}

type failingStore struct {
	*memory.Store
	err error
}

func (s failingStore) Deduct(context.Context, []catalog.Adjustment, *dispense.Request) error {
	return s.err
}

type fixture struct {
	store    *memory.Store
	ledger   *ledger.Ledger
	dispatch *fakeDispatcher
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p7, _ := catalog.NewProduct(7, "Trail Mix", decimal.RequireFromString("2.50"), 2)
	p9, _ := catalog.NewProduct(9, "Gummy Bears", decimal.RequireFromString("1.10"), 5)
	store := memory.NewStore(memory.WithProducts(p7, p9))
	l := ledger.New(store, observability.Nop())
	d := &fakeDispatcher{delivered: true}
	return &fixture{
		store:    store,
		ledger:   l,
		dispatch: d,
		svc:      NewService(l, store, d, id.NewUUIDGenerator(), observability.Nop()),
	}
}

func stock(t *testing.T, s *memory.Store, id int64) int {
	t.Helper()
	p, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return p.StockCount
}

func TestConfirmDeductsAndSubmitsExpandedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ledger.AddToCart(ctx, 7, 2); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.Confirm(ctx, ConfirmInput{})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := stock(t, f.store, 7); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
	if !reflect.DeepEqual(res.Items, []int64{7, 7}) {
		t.Fatalf("items: %v", res.Items)
	}
	if !res.DispatchedToVend || res.DispenseID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(f.dispatch.submitted) != 1 || !reflect.DeepEqual(f.dispatch.submitted[0].Items, []int64{7, 7}) {
		t.Fatalf("submitted: %+v", f.dispatch.submitted)
	}
	if !f.dispatch.heldAtSub[0] || len(f.dispatch.held) != 0 {
		t.Fatalf("dispense must be held from deduction through submit, then released: %v %v",
			f.dispatch.heldAtSub, f.dispatch.held)
	}
	if !f.ledger.Cart().IsEmpty() {
		t.Fatal("cart not cleared after confirm")
	}
	rec, err := f.store.GetDispense(ctx, res.DispenseID)
	if err != nil {
		t.Fatalf("dispense not recorded with deduction: %v", err)
	}
	if rec.Status != dispense.StatusPending {
		t.Fatalf("store record status %s", rec.Status)
	}
}

func TestConfirmFailsWholeWhenStockDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ledger.AddToCart(ctx, 9, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.AdjustStock(ctx, 9, -2); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Confirm(ctx, ConfirmInput{})
	var ise *catalog.InsufficientStockError
	if !errors.As(err, &ise) || ise.ProductID != 9 {
		t.Fatalf("expected shortfall on 9, got %v", err)
	}
	if got := stock(t, f.store, 9); got != 3 {
		t.Fatalf("expected stock 3, got %d", got)
	}
	if got := f.ledger.Cart().Quantity(9); got != 5 {
		t.Fatalf("cart changed: %d", got)
	}
	if len(f.dispatch.submitted) != 0 {
		t.Fatal("dispense submitted on failed confirm")
	}
}

func TestConfirmKeepsCartWhenDeductFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("write failed")
	svc := NewService(f.ledger, failingStore{Store: f.store, err: boom}, f.dispatch, id.NewUUIDGenerator(), nil)

	_, _ = f.ledger.AddToCart(ctx, 9, 2)
	if _, err := svc.Confirm(ctx, ConfirmInput{}); !errors.Is(err, boom) {
		t.Fatalf("expected deduct error, got %v", err)
	}
	if f.ledger.Cart().Quantity(9) != 2 || stock(t, f.store, 9) != 5 {
		t.Fatal("failed deduction mutated cart or stock")
	}
}

func TestConfirmClearsCartWhenDispenseQueued(t *testing.T) {
	f := newFixture(t)
	f.dispatch.delivered = false
	f.dispatch.err = errors.New("link unavailable")
	ctx := context.Background()

	_, _ = f.ledger.AddToCart(ctx, 9, 1)
	res, err := f.svc.Confirm(ctx, ConfirmInput{OrderID: "order-1"})
	if err != nil {
		t.Fatalf("confirm should succeed once stock is deducted: %v", err)
	}
	if res.DispatchedToVend {
		t.Fatal("expected dispatchedToVend false")
	}
	if !f.ledger.Cart().IsEmpty() {
		t.Fatal("cart should be cleared after the dispense attempt")
	}
	rec, _ := f.store.GetDispense(ctx, res.DispenseID)
	if rec.OrderID != "order-1" {
		t.Fatalf("order id not carried: %q", rec.OrderID)
	}
}

func TestPrepareIsPureAndRepeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.ledger.AddToCart(ctx, 7, 1)
	_, _ = f.ledger.AddToCart(ctx, 9, 2)

	a, err := f.svc.Prepare(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.svc.Prepare(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatal("prepare should issue a fresh order id")
	}
	if !reflect.DeepEqual(a.Items, b.Items) || !a.Total.Equal(b.Total) {
		t.Fatalf("prepares differ: %+v vs %+v", a, b)
	}
	if !a.Total.Equal(decimal.RequireFromString("4.70")) {
		t.Fatalf("total: %s", a.Total)
	}
	if stock(t, f.store, 7) != 2 || f.ledger.Cart().Units() != 3 {
		t.Fatal("prepare mutated state")
	}
}

func TestEmptyCartIsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Prepare(ctx); !errors.Is(err, domain.ErrEmptyCart) {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := f.svc.Confirm(ctx, ConfirmInput{}); !errors.Is(err, domain.ErrEmptyCart) {
		t.Fatalf("confirm: %v", err)
	}
}

func deductedUnits(res *domain.ConfirmResult) int {
	if res == nil {
		return 0
	}
	n := 0
	for _, l := range res.DeductedLines {
		n += l.Quantity
	}
	return n
}

func TestConfirmIsIndivisibleFromConcurrentAdds(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t)
		ctx := context.Background()
		if _, err := f.ledger.AddToCart(ctx, 9, 1); err != nil {
			t.Fatal(err)
		}

		var res *domain.ConfirmResult
		var g errgroup.Group
		g.Go(func() error {
			var err error
			res, err = f.svc.Confirm(ctx, ConfirmInput{})
			return err
		})
		for j := 0; j < 2; j++ {
			g.Go(func() error {
				_, err := f.ledger.AddToCart(ctx, 9, 1)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}

		deducted := deductedUnits(res)
		if deducted < 1 || deducted > 3 {
			t.Fatalf("run %d: deducted %d units", i, deducted)
		}
		if got := stock(t, f.store, 9); got != 5-deducted {
			t.Fatalf("run %d: stock %d after deducting %d", i, got, deducted)
		}
		if got := f.ledger.Cart().Units(); got != 3-deducted {
			t.Fatalf("run %d: cart holds %d units, want only the %d added after confirm", i, got, 3-deducted)
		}
		if len(res.Items) != deducted {
			t.Fatalf("run %d: dispense list %v does not match deduction %d", i, res.Items, deducted)
		}
	}
}

func TestConfirmIsIndivisibleFromConcurrentClear(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t)
		ctx := context.Background()
		if _, err := f.ledger.AddToCart(ctx, 9, 2); err != nil {
			t.Fatal(err)
		}

		var res *domain.ConfirmResult
		var confirmErr error
		var g errgroup.Group
		g.Go(func() error {
			res, confirmErr = f.svc.Confirm(ctx, ConfirmInput{})
			return nil
		})
		g.Go(func() error { return f.ledger.ClearCart(ctx) })
		if err := g.Wait(); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}

		if !f.ledger.Cart().IsEmpty() {
			t.Fatalf("run %d: cart not empty", i)
		}
		switch {
		case confirmErr == nil:
			if deductedUnits(res) != 2 || stock(t, f.store, 9) != 3 || len(f.dispatch.submitted) != 1 {
				t.Fatalf("run %d: partial confirm: %+v stock %d", i, res, stock(t, f.store, 9))
			}
		case errors.Is(confirmErr, domain.ErrEmptyCart):
			if stock(t, f.store, 9) != 5 || len(f.dispatch.submitted) != 0 {
				t.Fatalf("run %d: cleared cart but stock %d, %d submitted", i, stock(t, f.store, 9), len(f.dispatch.submitted))
			}
		default:
			t.Fatalf("run %d: confirm: %v", i, confirmErr)
		}
	}
}
