package vend

import (
	"context"
	"reflect"
	"testing"

	domain "github.com/kuldeep-zigg/wendor-placement/internal/domain/vend"
)

func TestMonitorFollowsCycle(t *testing.T) {
	m := NewMonitor(nil)
	ctx := context.Background()

	steps := []struct {
		msg       domain.Message
		connected bool
		state     domain.State
		items     []int64
	}{
		{domain.Message{Type: domain.TypeLinkUp}, true, domain.StateIdle, nil},
		{domain.Message{Type: domain.TypeAccepted, CycleID: "c-1", Items: []int64{7, 7}}, true, domain.StateVending, []int64{7, 7}},
		{domain.Message{Type: domain.TypeStatus, State: domain.StateVending, CycleID: "c-1", Items: []int64{7, 7}, ElapsedMS: 1200}, true, domain.StateVending, []int64{7, 7}},
		{domain.Message{Type: domain.TypeComplete, CycleID: "c-1", DispensedItems: []int64{7, 7}}, true, domain.StateIdle, nil},
		{domain.Message{Type: domain.TypeLinkDown}, false, domain.StateIdle, nil},
	}
	for i, s := range steps {
		if err := m.Handle(ctx, s.msg); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		got := m.Snapshot()
		if got.Connected != s.connected || got.State != s.state || !reflect.DeepEqual(got.Items, s.items) {
			t.Fatalf("step %d (%s): got %+v", i, s.msg.Type, got)
		}
		if got.LastEvent != s.msg.Type {
			t.Fatalf("step %d: last event %s", i, got.LastEvent)
		}
	}
}

func TestMonitorSnapshotIsCopy(t *testing.T) {
	m := NewMonitor(nil)
	_ = m.Handle(context.Background(), domain.Message{Type: domain.TypeAccepted, CycleID: "c-1", Items: []int64{9}})

	snap := m.Snapshot()
	snap.Items[0] = 42
	if m.Snapshot().Items[0] != 9 {
		t.Fatal("snapshot shares backing array")
	}
}
