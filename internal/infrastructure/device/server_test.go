package device

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kuldeep-zigg/wendor-placement/internal/domain/vend"

	"github.com/gorilla/websocket"
)

type fakeController struct {
	mu       sync.Mutex
	vending  []int64
	accepted []string
	// onStatus runs at the start of Status, outside the lock.
	onStatus func()
}

func (f *fakeController) Accept(_ context.Context, id string, items []int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accepted {
		if a == id {
			return true, nil
		}
	}
	if len(items) == 0 {
		return false, vend.ErrInvalidItems
	}
	if f.vending != nil {
		return false, &vend.BusyError{InFlight: f.vending}
	}
	f.vending = items
	f.accepted = append(f.accepted, id)
	return false, nil
}

func (f *fakeController) Status() vend.Message {
	if f.onStatus != nil {
		f.onStatus()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vending != nil {
		return vend.Message{Type: vend.TypeStatus, State: vend.StateVending, Items: f.vending}
	}
	return vend.Message{Type: vend.TypeStatus, State: vend.StateIdle}
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+PathWS, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) vend.Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg vend.Message
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestInitialStatusAndCommands(t *testing.T) {
	ctrl := &fakeController{}
	srv := NewServer(ctrl, time.Second, nil)
	ws := dial(t, srv)

	if msg := read(t, ws); msg.Type != vend.TypeStatus || msg.State != vend.StateIdle {
		t.Fatalf("expected initial idle status, got %+v", msg)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if msg := read(t, ws); msg.Type != vend.TypeError || msg.Reason == "" {
		t.Fatalf("expected error frame, got %+v", msg)
	}

	_ = ws.WriteJSON(vend.Message{Type: vend.TypeVend, ID: "a", Items: []int64{3}})
	_ = ws.WriteJSON(vend.Message{Type: vend.TypeVend, ID: "b", Items: []int64{4}})
	if msg := read(t, ws); msg.Type != vend.TypeBusy || msg.ID != "b" || len(msg.Items) != 1 || msg.Items[0] != 3 {
		t.Fatalf("expected busy reply for b, got %+v", msg)
	}

	_ = ws.WriteJSON(vend.Message{Type: vend.TypeVend, ID: "a", Items: []int64{3}})
	if msg := read(t, ws); msg.Type != vend.TypeAccepted || msg.Reason != "duplicate" {
		t.Fatalf("expected duplicate acceptance, got %+v", msg)
	}

	_ = ws.WriteJSON(vend.Message{Type: vend.TypeVend, ID: "c"})
	if msg := read(t, ws); msg.Type != vend.TypeRejected || msg.ID != "c" {
		t.Fatalf("expected rejection, got %+v", msg)
	}

	_ = ws.WriteJSON(vend.Message{Type: vend.TypeStatus})
	if msg := read(t, ws); msg.Type != vend.TypeStatus || msg.State != vend.StateVending {
		t.Fatalf("expected vending status, got %+v", msg)
	}

	_ = ws.WriteJSON(vend.Message{Type: "reboot"})
	if msg := read(t, ws); msg.Type != vend.TypeError {
		t.Fatalf("expected error for unknown type, got %+v", msg)
	}
}

func TestHandleBroadcastsToPeers(t *testing.T) {
	srv := NewServer(&fakeController{}, time.Second, nil)
	a := dial(t, srv)
	b := dial(t, srv)
	read(t, a)
	read(t, b)

	deadline := time.Now().Add(2 * time.Second)
	for {
		srv.mu.Lock()
		n := len(srv.conns)
		srv.mu.Unlock()
		if n == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	complete := vend.Message{Type: vend.TypeComplete, CycleID: "c1", DispensedItems: []int64{3, 3, 5}}
	if err := srv.Handle(context.Background(), complete); err != nil {
		t.Fatal(err)
	}
	for _, ws := range []*websocket.Conn{a, b} {
		if msg := read(t, ws); msg.Type != vend.TypeComplete || msg.CycleID != "c1" {
			t.Fatalf("expected broadcast, got %+v", msg)
		}
	}
}

func TestBroadcastDuringConnectReachesNewPeer(t *testing.T) {
	ctrl := &fakeController{}
	srv := NewServer(ctrl, time.Second, nil)
	var once sync.Once
	ctrl.onStatus = func() {
		once.Do(func() {
			_ = srv.Handle(context.Background(), vend.Message{Type: vend.TypeAccepted, CycleID: "c1", Items: []int64{3}})
		})
	}
	ws := dial(t, srv)

	if msg := read(t, ws); msg.Type != vend.TypeAccepted || msg.CycleID != "c1" {
		t.Fatalf("accept fired while connecting was lost, got %+v", msg)
	}
	if msg := read(t, ws); msg.Type != vend.TypeStatus {
		t.Fatalf("expected status after the broadcast, got %+v", msg)
	}
}
