package dispense

import "context"

// Repository persists dispense requests. Method names carry the entity so a
// single flat store can implement it next to catalog.Repository.
type Repository interface {
	InsertDispense(ctx context.Context, r *Request) error
	UpdateDispense(ctx context.Context, r *Request) error
	GetDispense(ctx context.Context, id string) (*Request, error)
	// ListDispenses returns matching requests oldest first; an empty status matches all.
	ListDispenses(ctx context.Context, status Status) ([]*Request, error)
}
