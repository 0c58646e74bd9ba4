// Package filestore persists the flat record store as one JSON document,
// rewritten atomically before each mutation is acknowledged.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/dispense"
	"github.com/kuldeep-zigg/wendor-placement/internal/infrastructure/memory"
	"github.com/shopspring/decimal"
)

type productRecord struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
	StockCount int             `json:"stockCount"`
	Active     bool            `json:"active"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

type dispenseRecord struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	Items     []int64         `json:"items"`
	Status    dispense.Status `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type document struct {
	Products  []productRecord  `json:"products"`
	Dispenses []dispenseRecord `json:"dispenses"`
}

// Open loads path (seeding the default catalog when it does not exist yet)
// and returns a memory store that writes path on every mutation.
func Open(path string) (*memory.Store, error) {
	if path == "" {
		return nil, errors.New("filestore: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filestore: mkdir: %w", err)
	}

	st, err := load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		st = memory.State{Products: memory.DefaultCatalog()}
		if err := write(path, st); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	return memory.NewStore(
		memory.WithState(st),
		memory.WithPersister(func(next memory.State) error { return write(path, next) }),
	), nil
}

func load(path string) (memory.State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return memory.State{}, err
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return memory.State{}, fmt.Errorf("filestore: decode %s: %w", path, err)
	}
	st := memory.State{
		Products:  make([]*catalog.Product, 0, len(doc.Products)),
		Dispenses: make([]*dispense.Request, 0, len(doc.Dispenses)),
	}
	for _, p := range doc.Products {
		st.Products = append(st.Products, &catalog.Product{
			ID:         p.ID,
			Name:       p.Name,
			UnitPrice:  p.UnitPrice,
			StockCount: p.StockCount,
			Active:     p.Active,
			UpdatedAt:  p.UpdatedAt,
		})
	}
	for _, d := range doc.Dispenses {
		st.Dispenses = append(st.Dispenses, &dispense.Request{
			ID:        d.ID,
			OrderID:   d.OrderID,
			Items:     d.Items,
			Status:    d.Status,
			Attempts:  d.Attempts,
			LastError: d.LastError,
			CreatedAt: d.CreatedAt,
			UpdatedAt: d.UpdatedAt,
		})
	}
	return st, nil
}

// write replaces path with st via a synced temp file and a rename.
func write(path string, st memory.State) error {
	doc := document{
		Products:  make([]productRecord, 0, len(st.Products)),
		Dispenses: make([]dispenseRecord, 0, len(st.Dispenses)),
	}
	for _, p := range st.Products {
		doc.Products = append(doc.Products, productRecord{
			ID:         p.ID,
			Name:       p.Name,
			UnitPrice:  p.UnitPrice,
			StockCount: p.StockCount,
			Active:     p.Active,
			UpdatedAt:  p.UpdatedAt,
		})
	}
	for _, d := range st.Dispenses {
		doc.Dispenses = append(doc.Dispenses, dispenseRecord{
			ID:        d.ID,
			OrderID:   d.OrderID,
			Items:     d.Items,
			Status:    d.Status,
			Attempts:  d.Attempts,
			LastError: d.LastError,
			CreatedAt: d.CreatedAt,
			UpdatedAt: d.UpdatedAt,
		})
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("filestore: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("filestore: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("filestore: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("filestore: rename: %w", err)
	}
	return nil
}
