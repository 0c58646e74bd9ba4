package checkout

import (
	"context"

	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/dispense"
)

type IDGenerator interface {
	NewID() string
}

// Store is the catalog plus the unit of work that deducts stock and records
// the dispense request in a single durable write.
type Store interface {
	Get(ctx context.Context, id int64) (*catalog.Product, error)
	Deduct(ctx context.Context, adj []catalog.Adjustment, req *dispense.Request) error
}

// Dispatcher makes the first delivery attempt for a freshly recorded request
// and owns any retries after it. Hold keeps the background worker off an id
// from before the record is written until the caller releases it.
type Dispatcher interface {
	Hold(id string) (release func())
	Submit(ctx context.Context, req *dispense.Request) (delivered bool, err error)
}
