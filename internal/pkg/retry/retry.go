// Package retry runs an operation under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

type Outcome string

const (
	Delivered Outcome = "delivered"
	Exhausted Outcome = "exhausted"
	Rejected  Outcome = "rejected"
	Canceled  Outcome = "canceled"
)

// Policy mirrors a workflow-engine retry policy: the wait before attempt n+1
// is InitialInterval * BackoffCoefficient^(n-1), capped at MaximumInterval.
type Policy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:    2 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    30 * time.Second,
		MaximumAttempts:    5,
	}
}

func (p Policy) normalized() Policy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = 1
	}
	if p.MaximumInterval <= 0 || p.MaximumInterval < p.InitialInterval {
		p.MaximumInterval = p.InitialInterval
	}
	if p.MaximumAttempts <= 0 {
		p.MaximumAttempts = 1
	}
	return p
}

// Backoff returns the wait after the given 1-based attempt failed.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
	if d > float64(p.MaximumInterval) {
		return p.MaximumInterval
	}
	return time.Duration(d)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx ends. The returned error is the last one fn produced, or the
// context error when canceled. At most one timer is pending at any moment.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (Outcome, error) {
	p = p.normalized()
	var last error
	for attempt := 1; attempt <= p.MaximumAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Canceled, err
		}
		last = fn(ctx, attempt)
		if last == nil {
			return Delivered, nil
		}
		if IsPermanent(last) {
			return Rejected, last
		}
		if attempt == p.MaximumAttempts {
			break
		}
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Canceled, ctx.Err()
		case <-timer.C:
		}
	}
	return Exhausted, last
}
