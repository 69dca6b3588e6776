// Package gateway delivers push nudges to connected clients over WebSocket.
// Clients connect with their bearer token, the gateway resolves it to an
// identity, and any notification published for that identity is forwarded as
// a text frame. Delivery is best-effort: a client that is not connected
// simply misses the nudge and finds the pending signal on its next poll.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/duet/call-app/internal/auth"
	"github.com/duet/call-app/internal/metrics"
)

// Config holds tunable parameters for the gateway server.
type Config struct {
	ListenAddr     string        // address to listen on, e.g. ":8090"
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // idle timeout for client frames
	WriteTimeout   time.Duration // timeout for outbound frame writes
}

// DefaultConfig returns a Config with sensible production defaults. The read
// timeout doubles as the idle limit: clients must ping within it or the
// connection is dropped.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8090",
		MaxConnections: 50000,
		ReadTimeout:    90 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Connection is a single WebSocket client with a write mutex serializing
// outbound frames.
type Connection struct {
	Identity  string
	Conn      net.Conn
	CreatedAt time.Time
	writeMu   sync.Mutex
}

// WriteMessage sends a text frame to this connection. Safe for concurrent use.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Registry maps identities to their active connections. An identity may hold
// several connections at once (phone and desktop); notifications go to all.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[*Connection]struct{}
	total int
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[*Connection]struct{})}
}

// Add registers a connection under its identity.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	set, ok := r.conns[c.Identity]
	if !ok {
		set = make(map[*Connection]struct{})
		r.conns[c.Identity] = set
	}
	set[c] = struct{}{}
	r.total++
	r.mu.Unlock()
}

// Remove unregisters a connection and closes it. Returns true if the
// connection was present.
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	set, ok := r.conns[c.Identity]
	if ok {
		_, ok = set[c]
	}
	if ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.conns, c.Identity)
		}
		r.total--
	}
	r.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns a snapshot of the identity's active connections.
func (r *Registry) Get(identity string) []*Connection {
	r.mu.RLock()
	set := r.conns[identity]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}

// Count returns the current number of active connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := r.total
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of every active connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, r.total)
	for _, set := range r.conns {
		for c := range set {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()
	return conns
}

// Server accepts WebSocket connections and forwards per-identity
// notifications to them. Each connection gets its own read goroutine; client
// frames only serve as keepalives, the data plane is strictly one-way.
type Server struct {
	config     Config
	tokens     auth.Verifier
	registry   *Registry
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a gateway server verifying client tokens against the
// given verifier.
func NewServer(config Config, tokens auth.Verifier) *Server {
	return &Server{
		config:   config,
		tokens:   tokens,
		registry: NewRegistry(),
	}
}

// Handler builds the route table. Exposed separately from Start so tests can
// drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleUpgrade)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start begins accepting WebSocket connections and blocks until the listener
// closes.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	log.Printf("gateway: server listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it to WebSocket, and
// starts the per-connection read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")
	identity, err := s.tokens.Verify(r.Context(), token)
	if errors.Is(err, auth.ErrInvalidToken) {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}
	if err != nil {
		log.Printf("gateway: token verify failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("gateway: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		Identity:  identity,
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	s.registry.Add(c)
	log.Printf("gateway: new connection identity=%s (total=%d)", identity, s.registry.Count())

	go s.readLoop(c)
}

// readLoop consumes frames from the client until the connection dies.
// Inbound data frames are discarded; control frames keep the connection
// alive. An idle connection past the read timeout is closed.
func (s *Server) readLoop(c *Connection) {
	defer s.removeConnection(c)

	for {
		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return
			}
			continue
		}

		// Drain and discard the data frame; clients have nothing to say here.
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return
		}
	}
}

func (s *Server) removeConnection(c *Connection) {
	if !s.registry.Remove(c) {
		return
	}
	log.Printf("gateway: connection closed identity=%s (total=%d)", c.Identity, s.registry.Count())
}

// Deliver forwards a raw notification payload to every connection the
// identity holds. Connections that fail the write are evicted.
func (s *Server) Deliver(identity string, data []byte) {
	conns := s.registry.Get(identity)
	if len(conns) == 0 {
		return
	}

	for _, c := range conns {
		if s.config.WriteTimeout > 0 {
			_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		err := c.WriteMessage(data)
		_ = c.Conn.SetWriteDeadline(time.Time{})

		if err != nil {
			log.Printf("gateway: write failed identity=%s: %v", identity, err)
			s.removeConnection(c)
			continue
		}
		metrics.PushNotificationsTotal.Inc()
	}
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown stops the listener and closes all active connections.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("gateway: shutting down server...")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("gateway: http shutdown error: %v", err)
		}
	}

	for _, c := range s.registry.All() {
		s.registry.Remove(c)
	}

	log.Printf("gateway: server stopped, all connections closed")
	return nil
}
