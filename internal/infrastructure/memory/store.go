// Package memory is the in-process flat record store holding products and
// dispense requests. Other backends reuse it and persist its state.
package memory

import (
	"sort"
	"sync"

	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/dispense"
)

// State is a full copy of the store contents, products ordered by id and
// dispenses in insertion order.
type State struct {
	Products  []*catalog.Product
	Dispenses []*dispense.Request
}

// Persister durably writes next before a mutation is acknowledged. A
// returned error aborts the mutation and leaves the store unchanged.
type Persister func(next State) error

type Store struct {
	mu        sync.RWMutex
	products  map[int64]*catalog.Product
	dispenses map[string]*dispense.Request
	order     []string
	persist   Persister
}

type Option func(*Store)

func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// WithState seeds the store, replacing any default catalog.
func WithState(st State) Option {
	return func(s *Store) {
		s.products = make(map[int64]*catalog.Product, len(st.Products))
		for _, p := range st.Products {
			s.products[p.ID] = p.Clone()
		}
		s.dispenses = make(map[string]*dispense.Request, len(st.Dispenses))
		s.order = s.order[:0]
		for _, d := range st.Dispenses {
			s.dispenses[d.ID] = d.Clone()
			s.order = append(s.order, d.ID)
		}
	}
}

func WithProducts(products ...*catalog.Product) Option {
	return func(s *Store) {
		s.products = make(map[int64]*catalog.Product, len(products))
		for _, p := range products {
			s.products[p.ID] = p.Clone()
		}
	}
}

// NewStore returns a store seeded with DefaultCatalog unless options say otherwise.
func NewStore(opts ...Option) *Store {
	s := &Store{
		products:  make(map[int64]*catalog.Product),
		dispenses: make(map[string]*dispense.Request),
	}
	for _, p := range DefaultCatalog() {
		s.products[p.ID] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot copies the current contents.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked(nil, nil)
}

// stateLocked renders the state with the pending changes overlaid.
func (s *Store) stateLocked(products map[int64]*catalog.Product, dispenses map[string]*dispense.Request) State {
	st := State{
		Products:  make([]*catalog.Product, 0, len(s.products)),
		Dispenses: make([]*dispense.Request, 0, len(s.order)+len(dispenses)),
	}
	for id, p := range s.products {
		if np, ok := products[id]; ok {
			p = np
		}
		st.Products = append(st.Products, p.Clone())
	}
	sort.Slice(st.Products, func(i, j int) bool { return st.Products[i].ID < st.Products[j].ID })

	seen := make(map[string]struct{}, len(s.order))
	for _, id := range s.order {
		d := s.dispenses[id]
		if nd, ok := dispenses[id]; ok {
			d = nd
		}
		seen[id] = struct{}{}
		st.Dispenses = append(st.Dispenses, d.Clone())
	}
	for id, d := range dispenses {
		if _, ok := seen[id]; !ok {
			st.Dispenses = append(st.Dispenses, d.Clone())
		}
	}
	return st
}

// commitLocked persists and then installs the changed records. Callers hold mu.
func (s *Store) commitLocked(products map[int64]*catalog.Product, dispenses map[string]*dispense.Request) error {
	if s.persist != nil {
		if err := s.persist(s.stateLocked(products, dispenses)); err != nil {
			return err
		}
	}
	for id, p := range products {
		s.products[id] = p
	}
	for id, d := range dispenses {
		if _, exists := s.dispenses[id]; !exists {
			s.order = append(s.order, id)
		}
		s.dispenses[id] = d
	}
	return nil
}
