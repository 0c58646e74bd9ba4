package catalog

import "context"

// Repository is the flat record store behind the catalog. Every mutation is
// serialized per store so read-modify-write sequences never interleave.
type Repository interface {
	List(ctx context.Context) ([]*Product, error)
	Get(ctx context.Context, id int64) (*Product, error)
	// AdjustStock applies delta to one product and returns the new record.
	AdjustStock(ctx context.Context, id int64, delta int) (*Product, error)
}
