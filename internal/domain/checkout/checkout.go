// Package checkout prices a cart snapshot into an order and describes the
// result of confirming it.
package checkout

import (
	"errors"
	"time"

	"github.com/kuldeep-zigg/wendor-placement/internal/domain/cart"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	"github.com/shopspring/decimal"
)

var ErrEmptyCart = errors.New("checkout: cart is empty")

type OrderLine struct {
	ProductID int64
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

type Order struct {
	ID         string
	Items      []OrderLine
	Total      decimal.Decimal
	PreparedAt time.Time
}

type ConfirmResult struct {
	DeductedLines    []cart.Line
	DispatchedToVend bool
	DispenseID       string
	Items            []int64
}

// Price builds order lines from the snapshot using the current product
// records. It has no side effects, so repeated calls over an unchanged cart
// and catalog produce identical lines and total.
func Price(snap *cart.Snapshot, products map[int64]*catalog.Product) ([]OrderLine, decimal.Decimal, error) {
	if snap.IsEmpty() {
		return nil, decimal.Zero, ErrEmptyCart
	}
	lines := make([]OrderLine, 0, len(snap.Lines))
	total := decimal.Zero
	for _, l := range snap.Lines {
		p, ok := products[l.ProductID]
		if !ok || !p.Purchasable() {
			return nil, decimal.Zero, catalog.ErrProductNotFound
		}
		lineTotal := p.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
		lines = append(lines, OrderLine{
			ProductID: l.ProductID,
			Name:      p.Name,
			Quantity:  l.Quantity,
			UnitPrice: p.UnitPrice,
			LineTotal: lineTotal,
		})
		total = total.Add(lineTotal)
	}
	return lines, total, nil
}

// DispenseList expands lines into one product id per unit, in line order.
func DispenseList(lines []cart.Line) []int64 {
	n := 0
	for _, l := range lines {
		n += l.Quantity
	}
	items := make([]int64, 0, n)
	for _, l := range lines {
		for i := 0; i < l.Quantity; i++ {
			items = append(items, l.ProductID)
		}
	}
	return items
}

// Deductions turns reserved lines into negative stock adjustments.
func Deductions(lines []cart.Line) []catalog.Adjustment {
	adj := make([]catalog.Adjustment, 0, len(lines))
	for _, l := range lines {
		adj = append(adj, catalog.Adjustment{ProductID: l.ProductID, Delta: -l.Quantity})
	}
	return adj
}
