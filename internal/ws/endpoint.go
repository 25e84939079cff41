package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Endpoint represents a single live WebSocket connection. An endpoint is
// distinct from the durable user id the coordinator may bind to it; a user
// who reconnects gets a fresh endpoint with a fresh id.
type Endpoint struct {
	ID         string     // endpoint id (UUID), assigned at upgrade
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for epoll lookups
	CreatedAt  time.Time  // when the connection was established
	LastPing   time.Time  // last heartbeat received from the client
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// WriteMessage sends a WebSocket text frame to this endpoint. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (e *Endpoint) WriteMessage(data []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return wsutil.WriteServerMessage(e.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (e *Endpoint) WritePing() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return ws.WriteFrame(e.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (e *Endpoint) Close() error {
	return e.Conn.Close()
}

// Registry is a thread-safe map of live endpoints with O(1) lookups by both
// endpoint id and file descriptor.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Endpoint
	byFd map[int]*Endpoint
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*Endpoint),
		byFd: make(map[int]*Endpoint),
	}
}

// Add registers a new endpoint in both lookup maps.
func (r *Registry) Add(ep *Endpoint) {
	r.mu.Lock()
	r.byID[ep.ID] = ep
	r.byFd[ep.Fd] = ep
	r.mu.Unlock()
}

// Remove removes an endpoint by id, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// endpoint was found and removed, false if it was already gone.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	ep, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byFd, ep.Fd)
	}
	r.mu.Unlock()

	if ok {
		ep.Close()
	}
	return ok
}

// Get returns the endpoint for the given id, or nil if not found.
func (r *Registry) Get(id string) *Endpoint {
	r.mu.RLock()
	ep := r.byID[id]
	r.mu.RUnlock()
	return ep
}

// GetByFd returns the endpoint for the given file descriptor, or nil if
// not found.
func (r *Registry) GetByFd(fd int) *Endpoint {
	r.mu.RLock()
	ep := r.byFd[fd]
	r.mu.RUnlock()
	return ep
}

// GetByConn returns the endpoint for the given net.Conn by extracting its
// file descriptor. Returns nil if not found.
func (r *Registry) GetByConn(c net.Conn) *Endpoint {
	return r.GetByFd(connFD(c))
}

// Count returns the current number of live endpoints.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all current endpoints. The returned slice is
// safe to iterate without holding the lock.
func (r *Registry) All() []*Endpoint {
	r.mu.RLock()
	eps := make([]*Endpoint, 0, len(r.byID))
	for _, ep := range r.byID {
		eps = append(eps, ep)
	}
	r.mu.RUnlock()
	return eps
}
