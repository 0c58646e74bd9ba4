// Package cart models the single kiosk session's reservation list.
package cart

import (
	"errors"
	"sort"
	"time"
)

var ErrInvalidQuantity = errors.New("cart: quantity must be between 1 and the line limit")

// MaxLineQuantity caps the units one product line may reserve.
const MaxLineQuantity = 100

type Line struct {
	ProductID int64
	Quantity  int
}

// Cart maps product id to reserved quantity. It is not safe for concurrent
// use; the ledger owns the only instance and guards it.
type Cart struct {
	lines     map[int64]int
	updatedAt time.Time
}

func New() *Cart {
	return &Cart{lines: make(map[int64]int), updatedAt: time.Now().UTC()}
}

func (c *Cart) Quantity(productID int64) int {
	return c.lines[productID]
}

func (c *Cart) Add(productID int64, quantity int) error {
	if quantity <= 0 || quantity > MaxLineQuantity-c.lines[productID] {
		return ErrInvalidQuantity
	}
	c.lines[productID] += quantity
	c.updatedAt = time.Now().UTC()
	return nil
}

func (c *Cart) Clear() {
	if len(c.lines) == 0 {
		return
	}
	c.lines = make(map[int64]int)
	c.updatedAt = time.Now().UTC()
}

// Snapshot returns an immutable copy with lines ordered by product id.
func (c *Cart) Snapshot() *Snapshot {
	lines := make([]Line, 0, len(c.lines))
	for id, q := range c.lines {
		lines = append(lines, Line{ProductID: id, Quantity: q})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return &Snapshot{Lines: lines, UpdatedAt: c.updatedAt}
}

type Snapshot struct {
	Lines     []Line
	UpdatedAt time.Time
}

func (s *Snapshot) IsEmpty() bool {
	return s == nil || len(s.Lines) == 0
}

func (s *Snapshot) Quantity(productID int64) int {
	if s == nil {
		return 0
	}
	for _, l := range s.Lines {
		if l.ProductID == productID {
			return l.Quantity
		}
	}
	return 0
}

// Units is the total number of reserved items across all lines.
func (s *Snapshot) Units() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, l := range s.Lines {
		n += l.Quantity
	}
	return n
}
