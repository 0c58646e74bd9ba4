// Package dispense tracks dispense requests from stock deduction until the
// device accepts them or an operator reconciles them.
package dispense

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound               = errors.New("dispense: request not found")
	ErrConflict               = errors.New("dispense: request already exists")
	ErrInvalidTransition      = errors.New("dispense: invalid status transition")
	ErrReconciliationRequired = errors.New("dispense: reconciliation required")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusExhausted Status = "exhausted"
	StatusRefunded  Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusDelivered, StatusExhausted},
	StatusExhausted: {StatusPending, StatusRefunded},
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusRefunded
}

type Request struct {
	ID        string
	OrderID   string
	Items     []int64
	Status    Status
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func New(id, orderID string, items []int64) (*Request, error) {
	if id == "" {
		return nil, errors.New("dispense: id is required")
	}
	if len(items) == 0 {
		return nil, errors.New("dispense: items are required")
	}
	now := time.Now().UTC()
	return &Request{
		ID:        id,
		OrderID:   orderID,
		Items:     append([]int64(nil), items...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (r *Request) transition(to Status) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordAttempt counts one delivery attempt and keeps its failure, if any.
func (r *Request) RecordAttempt(err error) {
	r.Attempts++
	if err != nil {
		r.LastError = err.Error()
	} else {
		r.LastError = ""
	}
	r.UpdatedAt = time.Now().UTC()
}

func (r *Request) MarkDelivered() error { return r.transition(StatusDelivered) }
func (r *Request) MarkExhausted() error { return r.transition(StatusExhausted) }
func (r *Request) MarkRefunded() error  { return r.transition(StatusRefunded) }

// Requeue moves an exhausted request back to pending for another round of attempts.
func (r *Request) Requeue() error {
	if err := r.transition(StatusPending); err != nil {
		return err
	}
	r.Attempts = 0
	return nil
}

// Counts aggregates units per product, used when restocking a refund.
func (r *Request) Counts() map[int64]int {
	out := make(map[int64]int)
	for _, id := range r.Items {
		out[id]++
	}
	return out
}

func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Items = append([]int64(nil), r.Items...)
	return &c
}
