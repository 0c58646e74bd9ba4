// Package catalog holds the product records that stock reservations and
// deductions are checked against.
package catalog

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound   = errors.New("catalog: product not found")
	ErrInvalidQuantity   = errors.New("catalog: quantity must be greater than zero")
	ErrInsufficientStock = errors.New("catalog: insufficient stock")
	ErrInvalidProduct    = errors.New("catalog: invalid product")
	ErrStockLimit        = errors.New("catalog: stock would exceed the limit")
)

// MaxStock caps the stock count of a single product.
const MaxStock = 10000

type Product struct {
	ID         int64
	Name       string
	UnitPrice  decimal.Decimal
	StockCount int
	Active     bool
	UpdatedAt  time.Time
}

func NewProduct(id int64, name string, unitPrice decimal.Decimal, stock int) (*Product, error) {
	if id <= 0 || name == "" {
		return nil, ErrInvalidProduct
	}
	if unitPrice.IsNegative() || stock < 0 || stock > MaxStock {
		return nil, ErrInvalidProduct
	}
	return &Product{
		ID:         id,
		Name:       name,
		UnitPrice:  unitPrice,
		StockCount: stock,
		Active:     true,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

// Purchasable reports whether the product may be reserved or sold.
func (p *Product) Purchasable() bool {
	return p != nil && p.Active
}

// Adjust applies delta to the stock count, refusing to go below zero or
// above MaxStock. Bounds are compared without summing so extreme deltas cannot wrap.
func (p *Product) Adjust(delta int) error {
	if delta < -p.StockCount {
		requested := -delta
		if requested < 0 {
			requested = math.MaxInt
		}
		return &InsufficientStockError{
			ProductID: p.ID,
			Available: p.StockCount,
			Requested: requested,
		}
	}
	if delta > MaxStock-p.StockCount {
		return fmt.Errorf("%w: product %d has %d, max %d", ErrStockLimit, p.ID, p.StockCount, MaxStock)
	}
	p.StockCount += delta
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Adjustment is one signed stock change; deductions carry a negative Delta.
type Adjustment struct {
	ProductID int64
	Delta     int
}

// InsufficientStockError names the product that could not cover a request.
type InsufficientStockError struct {
	ProductID int64
	Available int
	InCart    int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("catalog: insufficient stock for product %d: available %d, in cart %d, requested %d",
		e.ProductID, e.Available, e.InCart, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ApplyAll validates every adjustment against products and returns updated
// clones of the touched records, leaving the input untouched. Either every
// adjustment fits or none is applied.
func ApplyAll(products map[int64]*Product, adj []Adjustment) (map[int64]*Product, error) {
	next := make(map[int64]*Product, len(adj))
	for _, a := range adj {
		p, ok := next[a.ProductID]
		if !ok {
			orig, exists := products[a.ProductID]
			if !exists {
				return nil, fmt.Errorf("%w: %d", ErrProductNotFound, a.ProductID)
			}
			p = orig.Clone()
			next[a.ProductID] = p
		}
		if err := p.Adjust(a.Delta); err != nil {
			return nil, err
		}
	}
	return next, nil
}
