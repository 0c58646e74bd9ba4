package memory

import (
	"context"
	"fmt"

	"github.com/kuldeep-zigg/wendor-placement/internal/domain/dispense"
)

func (s *Store) InsertDispense(ctx context.Context, r *dispense.Request) error {
	_ = ctx
	if r == nil || r.ID == "" {
		return fmt.Errorf("dispense repository: id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dispenses[r.ID]; exists {
		return dispense.ErrConflict
	}
	return s.commitLocked(nil, map[string]*dispense.Request{r.ID: r.Clone()})
}

func (s *Store) UpdateDispense(ctx context.Context, r *dispense.Request) error {
	_ = ctx
	if r == nil || r.ID == "" {
		return fmt.Errorf("dispense repository: id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dispenses[r.ID]; !exists {
		return dispense.ErrNotFound
	}
	return s.commitLocked(nil, map[string]*dispense.Request{r.ID: r.Clone()})
}

func (s *Store) GetDispense(ctx context.Context, id string) (*dispense.Request, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.dispenses[id]
	if !ok {
		return nil, dispense.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) ListDispenses(ctx context.Context, status dispense.Status) ([]*dispense.Request, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*dispense.Request, 0, len(s.order))
	for _, id := range s.order {
		r := s.dispenses[id]
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r.Clone())
	}
	return out, nil
}
