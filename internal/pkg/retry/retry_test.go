package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		InitialInterval:    time.Millisecond,
		BackoffCoefficient: 2,
		MaximumInterval:    4 * time.Millisecond,
		MaximumAttempts:    attempts,
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := Policy{InitialInterval: time.Second, BackoffCoefficient: 2, MaximumInterval: 5 * time.Second, MaximumAttempts: 10}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}
}

func TestDoDeliversAfterTransientFailures(t *testing.T) {
	calls := 0
	outcome, err := fastPolicy(5).Do(context.Background(), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	if outcome != Delivered || err != nil {
		t.Fatalf("got %s, %v", outcome, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhausts(t *testing.T) {
	boom := errors.New("link down")
	calls := 0
	outcome, err := fastPolicy(3).Do(context.Background(), func(context.Context, int) error {
		calls++
		return boom
	})
	if outcome != Exhausted || !errors.Is(err, boom) {
		t.Fatalf("got %s, %v", outcome, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	outcome, err := fastPolicy(5).Do(context.Background(), func(context.Context, int) error {
		calls++
		return Permanent(errors.New("rejected"))
	})
	if outcome != Rejected || err == nil {
		t.Fatalf("got %s, %v", outcome, err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{InitialInterval: time.Hour, MaximumAttempts: 3}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	outcome, err := p.Do(ctx, func(context.Context, int) error { return errors.New("busy") })
	if outcome != Canceled || !errors.Is(err, context.Canceled) {
		t.Fatalf("got %s, %v", outcome, err)
	}
}
