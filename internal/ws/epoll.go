//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Poller multiplexes read readiness across all endpoint sockets through a
// single epoll instance. Connections are registered by file descriptor; the
// event loop blocks in Wait and hands ready connections to the worker pool,
// so idle endpoints cost no goroutines.
type Poller struct {
	epfd    int
	mu      sync.RWMutex
	watched map[int]net.Conn
	events  []unix.EpollEvent // reused across Wait calls
}

// NewPoller creates the epoll instance.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Poller{
		epfd:    epfd,
		watched: make(map[int]net.Conn),
		events:  make([]unix.EpollEvent, 128),
	}, nil
}

// Add puts the connection's descriptor on the interest list for read and
// hangup events.
func (p *Poller) Add(conn net.Conn) error {
	fd := connFD(conn)
	err := unix.EpollCtl(p.epfd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.watched[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove takes the connection off the interest list.
func (p *Poller) Remove(conn net.Conn) error {
	fd := connFD(conn)
	if err := unix.EpollCtl(p.epfd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.watched, fd)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one watched connection is readable and returns
// the ready set. Descriptors removed between the kernel wakeup and the map
// lookup are skipped.
func (p *Poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.epfd, p.events, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	ready := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := p.watched[int(p.events[i].Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	return ready, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	p.watched = nil
	p.mu.Unlock()
	return unix.Close(p.epfd)
}

// connFD extracts the socket's file descriptor via SyscallConn. Unlike
// (*net.TCPConn).File this does not duplicate the descriptor, so the fd
// stays valid for epoll registration.
func connFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
