// Package device exposes the vend controller over a WebSocket endpoint:
// commands in, direct replies and broadcasts out.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	domoutbox "github.com/kuldeep-zigg/wendor-placement/internal/domain/outbox"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/vend"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability/logctx"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	componentDeviceServer = "device_server"
	PathWS                = "/ws"

	DefaultWriteTimeout = 2 * time.Second
	sendBuffer          = 64
	maxFrameBytes       = 16 << 10
)

// Controller is the state machine the server fronts.
type Controller interface {
	Accept(ctx context.Context, commandID string, items []int64) (duplicate bool, err error)
	Status() vend.Message
}

type Server struct {
	ctrl         Controller
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	mu     sync.Mutex
	conns  map[*peer]struct{}
	closed bool

	log         observability.Logger
	connections observability.Counter // device_link_connections_total{outcome}
}

func NewServer(ctrl Controller, writeTimeout time.Duration, tel observability.Observability) *Server {
	if tel == nil {
		tel = observability.Nop()
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Server{
		ctrl: ctrl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The device endpoint only listens on the kiosk's private interface.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
		conns:        make(map[*peer]struct{}),
		log:          tel.Logger().With(observability.F("component", componentDeviceServer)),
		connections:  tel.Metrics().Counter(observability.MLinkConnections),
	}
}

// Router serves the WebSocket endpoint and a health check.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(PathWS, s)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type peer struct {
	id        string
	ws        *websocket.Conn
	send      chan vend.Message
	done      chan struct{}
	closeOnce sync.Once
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.ws.Close()
	})
}

// enqueue never blocks; a peer that cannot keep up is dropped.
func (p *peer) enqueue(msg vend.Message) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- msg:
		return true
	default:
		p.close()
		return false
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connections.Add(1, observability.L("outcome", "upgrade_failed"))
		s.log.Warn("device_upgrade_failed", observability.Err(err))
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	p := &peer{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan vend.Message, sendBuffer),
		done: make(chan struct{}),
	}
	// Register before taking the status so a broadcast fired in between is
	// queued to this peer rather than lost.
	if !s.register(p) {
		_ = ws.Close()
		return
	}
	defer s.unregister(p)
	p.enqueue(s.ctrl.Status())

	logger := s.log.With(
		observability.F("peer_id", p.id),
		observability.F("remote_addr", r.RemoteAddr),
	)
	ctx := logctx.With(context.WithoutCancel(r.Context()), logger)
	s.connections.Add(1, observability.L("outcome", "accepted"))
	logger.Info("device_peer_connected")

	go s.writeLoop(p, logger)
	s.readLoop(ctx, p, logger)
	logger.Info("device_peer_disconnected")
}

func (s *Server) register(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[p] = struct{}{}
	return true
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	delete(s.conns, p)
	s.mu.Unlock()
	p.close()
}

func (s *Server) writeLoop(p *peer, logger observability.Logger) {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := p.ws.WriteJSON(msg); err != nil {
				logger.Warn("device_write_failed", observability.Err(err))
				p.close()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, p *peer, logger observability.Logger) {
	for {
		_, raw, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("device_read_failed", observability.Err(err))
			}
			return
		}
		var cmd vend.Message
		if err := json.Unmarshal(raw, &cmd); err != nil {
			p.enqueue(vend.Message{Type: vend.TypeError, Reason: "malformed command"})
			continue
		}
		if reply, ok := s.dispatch(ctx, cmd); ok {
			p.enqueue(reply)
		}
	}
}

// dispatch runs one command. A successful vend has no direct reply: the
// accepted broadcast reaches every peer, the sender included.
func (s *Server) dispatch(ctx context.Context, cmd vend.Message) (vend.Message, bool) {
	switch cmd.Type {
	case vend.TypeVend:
		dup, err := s.ctrl.Accept(ctx, cmd.ID, cmd.Items)
		var busy *vend.BusyError
		switch {
		case err == nil && dup:
			return vend.Message{Type: vend.TypeAccepted, ID: cmd.ID, Items: vend.CopyItems(cmd.Items), Reason: "duplicate"}, true
		case err == nil:
			return vend.Message{}, false
		case errors.As(err, &busy):
			return vend.Message{Type: vend.TypeBusy, ID: cmd.ID, Items: busy.InFlight, Reason: err.Error()}, true
		default:
			return vend.Message{Type: vend.TypeRejected, ID: cmd.ID, Items: vend.CopyItems(cmd.Items), Reason: err.Error()}, true
		}
	case vend.TypeStatus:
		return s.ctrl.Status(), true
	default:
		return vend.Message{Type: vend.TypeError, ID: cmd.ID, Reason: "unknown command type"}, true
	}
}

// Handle subscribes the server to controller broadcasts.
func (s *Server) Handle(_ context.Context, e domoutbox.Event) error {
	msg, ok := e.(vend.Message)
	if !ok {
		return nil
	}
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.enqueue(msg)
	}
	return nil
}

// Close drops every peer and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(s.writeTimeout))
		p.close()
	}
}
