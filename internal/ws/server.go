// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining live endpoints, and dispatching incoming
// frames to the coordinator.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket front built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with an epoll instance for I/O
// readiness notifications, and dispatches ready connections to a bounded
// worker pool for frame reading. Each accepted connection becomes an
// Endpoint with a fresh UUID; the coordinator attaches user and session
// identity to that id.
type Server struct {
	config       ServerConfig
	poller       *Poller
	endpoints    *Registry
	nats         *messaging.Client // optional, for cross-instance delivery
	workerPool   chan struct{}     // semaphore limiting concurrent read workers
	onMessage    func(ep *Endpoint, data []byte)
	onDisconnect func(endpointID string)
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client. The
// NATS client may be nil for single-instance deployments.
func NewServer(config ServerConfig, nats *messaging.Client, onMessage func(ep *Endpoint, data []byte)) *Server {
	return &Server{
		config:     config,
		endpoints:  NewRegistry(),
		nats:       nats,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start initializes the epoll instance, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the epoll event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader. On success it creates an Endpoint, registers
// it with the registry and epoll, and subscribes its NATS delivery subject.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.endpoints.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	ep := &Endpoint{
		ID:        uuid.New().String(),
		Conn:      conn,
		Fd:        connFD(conn),
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.endpoints.Add(ep)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for endpoint %s: %v", ep.ID, err)
		s.endpoints.Remove(ep.ID)
		return
	}

	// Frames published to this endpoint's subject (by another instance, or
	// by the local coordinator taking the uniform path) are written straight
	// to the socket.
	if s.nats != nil {
		if err := s.nats.SubscribeEndpoint(ep.ID, func(data []byte) {
			if err := ep.WriteMessage(data); err != nil {
				log.Printf("ws: relay to endpoint %s failed: %v", ep.ID, err)
			}
		}); err != nil {
			log.Printf("ws: endpoint subscription failed for %s: %v", ep.ID, err)
		}
	}

	metrics.ConnectionsTotal.Set(float64(s.endpoints.Count()))
	log.Printf("ws: new connection endpoint=%s fd=%d (total=%d)", ep.ID, ep.Fd, s.endpoints.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime. Used by load balancer health
// checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.endpoints.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the endpoint is removed from
// epoll and the registry.
func (s *Server) handleConn(netConn net.Conn) {
	ep := s.endpoints.GetByConn(netConn)
	if ep == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&ep.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&ep.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection; the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveEndpoint(ep)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	ep.LastPing = time.Now()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveEndpoint(ep)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveEndpoint(ep)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(ep, data)
	}
}

// SetOnDisconnect registers a callback invoked when an endpoint is removed
// (read error, heartbeat timeout, or graceful close). The coordinator uses
// it to decide between session teardown and a stranger_disconnected notice.
func (s *Server) SetOnDisconnect(fn func(endpointID string)) {
	s.onDisconnect = fn
}

// RemoveEndpoint removes an endpoint from epoll, the registry, and its NATS
// subject, and closes the underlying network connection. Exported so the
// heartbeat monitor can evict dead connections.
func (s *Server) RemoveEndpoint(ep *Endpoint) {
	_ = s.poller.Remove(ep.Conn)

	// Guard: only proceed if the endpoint was actually in the registry.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same endpoint (e.g., read error + heartbeat timeout).
	if !s.endpoints.Remove(ep.ID) {
		return
	}

	if s.nats != nil {
		_ = s.nats.UnsubscribeEndpoint(ep.ID)
	}

	if s.onDisconnect != nil {
		s.onDisconnect(ep.ID)
	}

	metrics.ConnectionsTotal.Set(float64(s.endpoints.Count()))
	log.Printf("ws: connection closed endpoint=%s (total=%d)", ep.ID, s.endpoints.Count())
}

// SendMessage writes a WebSocket text frame to the local endpoint identified
// by endpointID. It is goroutine-safe thanks to the per-endpoint write mutex.
func (s *Server) SendMessage(endpointID string, data []byte) error {
	ep := s.endpoints.Get(endpointID)
	if ep == nil {
		return fmt.Errorf("ws: endpoint %s not found", endpointID)
	}

	if s.config.WriteTimeout > 0 {
		_ = ep.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := ep.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (e.g., heartbeat pings).
	_ = ep.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Endpoints returns the endpoint registry for external access (heartbeat,
// emitter construction).
func (s *Server) Endpoints() *Registry {
	return s.endpoints
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all live endpoints, and
// cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	// Signal the event loop to stop.
	close(s.done)

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, ep := range s.endpoints.All() {
		if s.nats != nil {
			_ = s.nats.UnsubscribeEndpoint(ep.ID)
		}
		_ = s.poller.Remove(ep.Conn)
		ep.Close()
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
