package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/dispense"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	p7, _ := catalog.NewProduct(7, "Trail Mix", decimal.RequireFromString("2.50"), 2)
	p9, _ := catalog.NewProduct(9, "Gummy Bears", decimal.RequireFromString("1.10"), 5)
	return NewStore(append([]Option{WithProducts(p7, p9)}, opts...)...)
}

func TestGetReturnsCopies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Get(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	p.StockCount = 100
	again, _ := s.Get(ctx, 7)
	if again.StockCount != 2 {
		t.Fatalf("store leaked internal record: %d", again.StockCount)
	}
	if _, err := s.Get(ctx, 42); !errors.Is(err, catalog.ErrProductNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeductIsAllOrNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req, _ := dispense.New("d1", "o1", []int64{7, 7, 9})

	err := s.Deduct(ctx, []catalog.Adjustment{{ProductID: 7, Delta: -2}, {ProductID: 9, Delta: -6}}, req)
	if !errors.Is(err, catalog.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	p7, _ := s.Get(ctx, 7)
	if p7.StockCount != 2 {
		t.Fatalf("partial deduction: stock 7 = %d", p7.StockCount)
	}
	if _, err := s.GetDispense(ctx, "d1"); !errors.Is(err, dispense.ErrNotFound) {
		t.Fatalf("dispense recorded on failure: %v", err)
	}

	if err := s.Deduct(ctx, []catalog.Adjustment{{ProductID: 7, Delta: -2}, {ProductID: 9, Delta: -1}}, req); err != nil {
		t.Fatal(err)
	}
	p7, _ = s.Get(ctx, 7)
	p9, _ := s.Get(ctx, 9)
	if p7.StockCount != 0 || p9.StockCount != 4 {
		t.Fatalf("unexpected stock: 7=%d 9=%d", p7.StockCount, p9.StockCount)
	}
	got, err := s.GetDispense(ctx, "d1")
	if err != nil || got.Status != dispense.StatusPending {
		t.Fatalf("dispense not recorded: %+v %v", got, err)
	}

	if err := s.Deduct(ctx, nil, req); !errors.Is(err, dispense.ErrConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}
}

func TestPersisterFailureLeavesStoreUnchanged(t *testing.T) {
	boom := errors.New("disk full")
	s := newTestStore(t, WithPersister(func(State) error { return boom }))
	ctx := context.Background()

	if _, err := s.AdjustStock(ctx, 9, -1); !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	p9, _ := s.Get(ctx, 9)
	if p9.StockCount != 5 {
		t.Fatalf("stock changed despite persist failure: %d", p9.StockCount)
	}
}

func TestPersisterSeesNextState(t *testing.T) {
	var seen State
	s := newTestStore(t, WithPersister(func(st State) error { seen = st; return nil }))
	req, _ := dispense.New("d1", "o1", []int64{9})
	if err := s.Deduct(context.Background(), []catalog.Adjustment{{ProductID: 9, Delta: -1}}, req); err != nil {
		t.Fatal(err)
	}
	if len(seen.Dispenses) != 1 || seen.Dispenses[0].ID != "d1" {
		t.Fatalf("persisted dispenses: %+v", seen.Dispenses)
	}
	for _, p := range seen.Products {
		if p.ID == 9 && p.StockCount != 4 {
			t.Fatalf("persisted stock for 9: %d", p.StockCount)
		}
	}
}

func TestConcurrentAdjustNeverNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AdjustStock(ctx, 9, -1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Fatalf("expected 5 successful deductions, got %d", succeeded)
	}
	p9, _ := s.Get(ctx, 9)
	if p9.StockCount != 0 {
		t.Fatalf("expected 0 stock, got %d", p9.StockCount)
	}
}

func TestListDispensesFiltersInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		r, _ := dispense.New(id, "o", []int64{9})
		if err := s.InsertDispense(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	b, _ := s.GetDispense(ctx, "b")
	_ = b.MarkDelivered()
	if err := s.UpdateDispense(ctx, b); err != nil {
		t.Fatal(err)
	}

	pending, _ := s.ListDispenses(ctx, dispense.StatusPending)
	if len(pending) != 2 || pending[0].ID != "a" || pending[1].ID != "c" {
		t.Fatalf("unexpected pending list: %+v", pending)
	}
	all, _ := s.ListDispenses(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3, got %d", len(all))
	}
}

func TestDefaultCatalogSeeds(t *testing.T) {
	s := NewStore()
	list, _ := s.List(context.Background())
	if len(list) != len(DefaultCatalog()) {
		t.Fatalf("expected %d products, got %d", len(DefaultCatalog()), len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Fatal("list not ordered by id")
		}
	}
}
