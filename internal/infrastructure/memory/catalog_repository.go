package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/dispense"
)

func (s *Store) List(ctx context.Context) ([]*catalog.Product, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*catalog.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*catalog.Product, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	return p.Clone(), nil
}

func (s *Store) AdjustStock(ctx context.Context, id int64, delta int) (*catalog.Product, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := catalog.ApplyAll(s.products, []catalog.Adjustment{{ProductID: id, Delta: delta}})
	if err != nil {
		return nil, err
	}
	if err := s.commitLocked(next, nil); err != nil {
		return nil, fmt.Errorf("memory: persist: %w", err)
	}
	return next[id].Clone(), nil
}

// Deduct applies adj and records the new dispense request in one step.
func (s *Store) Deduct(ctx context.Context, adj []catalog.Adjustment, req *dispense.Request) error {
	_ = ctx
	if req == nil || req.ID == "" {
		return fmt.Errorf("memory: dispense id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dispenses[req.ID]; exists {
		return dispense.ErrConflict
	}
	next, err := catalog.ApplyAll(s.products, adj)
	if err != nil {
		return err
	}
	if err := s.commitLocked(next, map[string]*dispense.Request{req.ID: req.Clone()}); err != nil {
		return fmt.Errorf("memory: persist: %w", err)
	}
	return nil
}

// Restock applies adj and updates an existing dispense request in one step.
func (s *Store) Restock(ctx context.Context, adj []catalog.Adjustment, req *dispense.Request) error {
	_ = ctx
	if req == nil || req.ID == "" {
		return fmt.Errorf("memory: dispense id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dispenses[req.ID]; !exists {
		return dispense.ErrNotFound
	}
	next, err := catalog.ApplyAll(s.products, adj)
	if err != nil {
		return err
	}
	if err := s.commitLocked(next, map[string]*dispense.Request{req.ID: req.Clone()}); err != nil {
		return fmt.Errorf("memory: persist: %w", err)
	}
	return nil
}
