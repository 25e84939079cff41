//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Poller on non-Linux platforms falls back to one watcher goroutine per
// connection feeding a shared ready channel. Development convenience only;
// production deployments run on Linux with the real epoll poller.
type Poller struct {
	mu      sync.Mutex
	watched map[net.Conn]struct{}
	ready   chan net.Conn
	done    chan struct{}
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		watched: make(map[net.Conn]struct{}),
		ready:   make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts a watcher goroutine for the connection.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.watched[conn] = struct{}{}
	p.mu.Unlock()

	go p.watch(conn)
	return nil
}

// watch blocks on a one-byte read to detect pending data. The consumed byte
// is lost, which the frame reader tolerates in development; the Linux poller
// never consumes bytes.
func (p *Poller) watch(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			// Closed or errored; signal once so the read path sees the close.
			select {
			case p.ready <- conn:
			case <-p.done:
			}
			return
		}
		select {
		case p.ready <- conn:
		case <-p.done:
			return
		}
	}
}

// Remove stops tracking the connection. The watcher goroutine exits on its
// next read error.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.watched, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains whatever else is
// immediately available.
func (p *Poller) Wait() ([]net.Conn, error) {
	first, ok := <-p.ready
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops all watcher goroutines.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.watched = nil
	p.mu.Unlock()
	return nil
}

// connFD has no meaning without epoll; registry fd lookups are disabled on
// this platform.
func connFD(conn net.Conn) int {
	return -1
}
