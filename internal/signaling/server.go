package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/depthrelay/internal/transport"
	"github.com/1ureka/depthrelay/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// negotiateTimeout bounds one peer's SDP/ICE exchange.
const negotiateTimeout = 30 * time.Second

// Config configures the signaling server.
type Config struct {
	Addr       string   // listen address; ":0" picks a free port
	PIN        string   // required as ?pin= on /ws; empty disables the check
	ICEServers []string // passed to every peer transport
}

// Server is the relay-side HTTP server: /ws for signaling (one WebRTC peer per
// WebSocket), /status for the status surface and /healthz for tunnel probes.
// Any number of peers may connect concurrently.
type Server struct {
	cfg      Config
	listener net.Listener
	srv      *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	onPeer func(*transport.Transport)
	status func() any
}

// NewServer creates a signaling server. Call Start to begin listening.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":0"
	}
	return &Server{cfg: cfg}
}

// OnPeer registers the callback receiving every transport whose DataChannel
// has opened. The callback owns the transport from then on.
func (s *Server) OnPeer(fn func(*transport.Transport)) {
	s.mu.Lock()
	s.onPeer = fn
	s.mu.Unlock()
}

// SetStatus registers the provider serialized by GET /status.
func (s *Server) SetStatus(fn func() any) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

// Handler returns the server's HTTP routes. Peer transports live until ctx is
// cancelled or they close.
func (s *Server) Handler(ctx context.Context) http.Handler {
	s.mu.Lock()
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(ctx)
	}
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start begins listening on the configured address. Returns the assigned
// port number.
func (s *Server) Start(ctx context.Context) (int, error) {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start WS server: %w", err)
	}
	s.listener = listener
	s.srv = &http.Server{Handler: s.Handler(ctx), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("signaling server stopped: %v", err)
		}
	}()

	return s.Port(), nil
}

// Port returns the listening port, or 0 before Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops accepting connections and aborts negotiations in progress.
// Established peers are owned by the OnPeer callback and are not closed.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if s.srv != nil {
		return s.srv.Close()
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	fn := s.status
	s.mu.RUnlock()

	var body any = struct{}{}
	if fn != nil {
		body = fn()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PIN != "" && r.URL.Query().Get("pin") != s.cfg.PIN {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := uuid.NewString()
	util.LogDebug("[%s] signaling from %s", id, r.RemoteAddr)

	go func() {
		tr, err := s.negotiate(conn, id)
		conn.Close()
		if err != nil {
			util.LogWarning("[%s] signaling failed: %v", id, err)
			return
		}

		s.mu.RLock()
		onPeer := s.onPeer
		s.mu.RUnlock()

		if onPeer == nil {
			tr.Close()
			return
		}
		onPeer(tr)
	}()
}

// negotiate runs the offering side of the exchange on conn and returns the
// transport once its DataChannel is open.
func (s *Server) negotiate(conn *websocket.Conn, id string) (*transport.Transport, error) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	tr, err := transport.NewTransport(ctx, transport.Options{ID: id, ICEServers: s.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	x := newExchange(tr, conn, true)

	errCh := make(chan error, 1)
	go func() {
		errCh <- x.run() // Exits when conn is closed by the caller.
	}()

	// The relay sends the Offer first.
	if err := x.offer(id); err != nil {
		tr.Close()
		return nil, fmt.Errorf("failed to send Offer: %w", err)
	}

	return awaitReady(ctx, tr, errCh, negotiateTimeout)
}
