// Package vend defines the dispense cycle, the controller states and the
// messages exchanged over the device link.
package vend

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBusy            = errors.New("vend: controller busy")
	ErrInvalidItems    = errors.New("vend: item list must not be empty")
	ErrLinkUnavailable = errors.New("vend: device link unavailable")
	ErrClosed          = errors.New("vend: controller closed")
)

type State string

const (
	StateIdle    State = "idle"
	StateVending State = "vending"
)

// BusyError carries the items of the cycle that is still running.
type BusyError struct {
	InFlight []int64
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("vend: controller busy with %d item(s)", len(e.InFlight))
}

func (e *BusyError) Unwrap() error { return ErrBusy }

// Cycle is the single in-flight dispense run.
type Cycle struct {
	ID        string
	CommandID string
	Items     []int64
	StartedAt time.Time
}

func (c *Cycle) Elapsed(now time.Time) time.Duration {
	if c == nil {
		return 0
	}
	return now.Sub(c.StartedAt)
}

func CopyItems(items []int64) []int64 {
	if items == nil {
		return nil
	}
	out := make([]int64, len(items))
	copy(out, items)
	return out
}
