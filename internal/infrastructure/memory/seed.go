package memory

import (
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	"github.com/shopspring/decimal"
)

// DefaultCatalog is the demo assortment loaded when no store file exists.
func DefaultCatalog() []*catalog.Product {
	seed := []struct {
		id    int64
		name  string
		price string
		stock int
	}{
		{1, "Spring Water 500ml", "1.00", 12},
		{2, "Cola 330ml", "1.50", 10},
		{3, "Salted Chips", "1.25", 8},
		{4, "Chocolate Bar", "1.75", 8},
		{5, "Orange Juice", "2.20", 6},
		{6, "Granola Bar", "1.40", 10},
		{7, "Trail Mix", "2.50", 2},
		{8, "Iced Coffee", "2.80", 5},
		{9, "Gummy Bears", "1.10", 5},
		{10, "Energy Drink", "2.90", 4},
	}
	out := make([]*catalog.Product, 0, len(seed))
	for _, s := range seed {
		p, err := catalog.NewProduct(s.id, s.name, decimal.RequireFromString(s.price), s.stock)
		if err != nil {
			panic(err)
		}
		out = append(out, p)
	}
	return out
}
