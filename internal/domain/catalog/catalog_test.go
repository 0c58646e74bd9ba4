package catalog

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewProductValidates(t *testing.T) {
	if _, err := NewProduct(0, "x", decimal.NewFromInt(1), 1); !errors.Is(err, ErrInvalidProduct) {
		t.Fatalf("expected invalid product for zero id, got %v", err)
	}
	if _, err := NewProduct(1, "x", decimal.NewFromInt(-1), 1); !errors.Is(err, ErrInvalidProduct) {
		t.Fatalf("expected invalid product for negative price, got %v", err)
	}
	p, err := NewProduct(1, "Cola", decimal.RequireFromString("1.50"), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Purchasable() {
		t.Fatal("new product should be purchasable")
	}
}

func TestAdjustRefusesNegativeStock(t *testing.T) {
	p, _ := NewProduct(7, "Chips", decimal.NewFromInt(2), 2)

	err := p.Adjust(-3)
	var ise *InsufficientStockError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatal("expected error to match ErrInsufficientStock")
	}
	if ise.Available != 2 || ise.Requested != 3 {
		t.Fatalf("unexpected payload: %+v", ise)
	}
	if p.StockCount != 2 {
		t.Fatalf("stock changed on failure: %d", p.StockCount)
	}

	if err := p.Adjust(-2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.StockCount != 0 {
		t.Fatalf("expected 0, got %d", p.StockCount)
	}
}

func TestAdjustIsBoundedWithoutWrapping(t *testing.T) {
	p, _ := NewProduct(7, "Chips", decimal.NewFromInt(2), 2)

	if err := p.Adjust(math.MaxInt); !errors.Is(err, ErrStockLimit) {
		t.Fatalf("expected stock limit, got %v", err)
	}
	if err := p.Adjust(MaxStock - 1); !errors.Is(err, ErrStockLimit) {
		t.Fatalf("expected stock limit one past max, got %v", err)
	}
	err := p.Adjust(math.MinInt)
	var ise *InsufficientStockError
	if !errors.As(err, &ise) || ise.Requested <= 0 {
		t.Fatalf("expected insufficient stock with positive request, got %v", err)
	}
	if p.StockCount != 2 {
		t.Fatalf("stock changed on failure: %d", p.StockCount)
	}
	if err := p.Adjust(MaxStock - 2); err != nil || p.StockCount != MaxStock {
		t.Fatalf("fill to limit: %d %v", p.StockCount, err)
	}
	if _, err := NewProduct(8, "Bulk", decimal.NewFromInt(1), MaxStock+1); !errors.Is(err, ErrInvalidProduct) {
		t.Fatalf("expected invalid product above limit, got %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	p, _ := NewProduct(1, "Water", decimal.NewFromInt(1), 5)
	c := p.Clone()
	c.StockCount = 1
	if p.StockCount != 5 {
		t.Fatal("clone shares state with original")
	}
}

func TestApplyAllIsAllOrNothing(t *testing.T) {
	a, _ := NewProduct(1, "A", decimal.NewFromInt(1), 5)
	b, _ := NewProduct(2, "B", decimal.NewFromInt(1), 1)
	products := map[int64]*Product{1: a, 2: b}

	_, err := ApplyAll(products, []Adjustment{{ProductID: 1, Delta: -2}, {ProductID: 2, Delta: -2}})
	var ise *InsufficientStockError
	if !errors.As(err, &ise) || ise.ProductID != 2 {
		t.Fatalf("expected shortfall on product 2, got %v", err)
	}
	if a.StockCount != 5 || b.StockCount != 1 {
		t.Fatal("inputs mutated on failure")
	}

	next, err := ApplyAll(products, []Adjustment{{ProductID: 1, Delta: -2}, {ProductID: 1, Delta: -1}})
	if err != nil {
		t.Fatal(err)
	}
	if next[1].StockCount != 2 || a.StockCount != 5 {
		t.Fatalf("unexpected result: next=%d orig=%d", next[1].StockCount, a.StockCount)
	}

	if _, err := ApplyAll(products, []Adjustment{{ProductID: 9, Delta: 1}}); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
