//go:build linux

package transport

import (
	"sync"

	"golang.org/x/sys/unix"
)

// EpollPoller is the default Poller on Linux: a thin wrapper over epoll in
// level-triggered mode (EPOLLET is not set), grounded on the retrieval pack's non-blocking event
// loop examples (gaio, gnet) though written directly against
// golang.org/x/sys/unix rather than copied from either.
type EpollPoller struct {
	fd int

	mu    sync.Mutex
	byFD  map[int]Conn
	connF func(Conn) int
}

// fdProvider is implemented by *Socket and by any Conn wrapper embedding
// one (e.g. cmd/brokerd's connection wrapper), so the epoll poller can
// reach the underlying file descriptor through either.
type fdProvider interface {
	Fd() int
}

// fdOf extracts the raw file descriptor a Conn wraps. Conn implementations
// with no file descriptor (e.g. FakeConn in tests) use a different Poller.
func fdOf(c Conn) (int, bool) {
	s, ok := c.(fdProvider)
	if !ok {
		return 0, false
	}
	return s.Fd(), true
}

// NewEpollPoller creates an epoll instance.
func NewEpollPoller() (*EpollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EpollPoller{fd: fd, byFD: make(map[int]Conn)}, nil
}

func maskToEpoll(mask EventMask) uint32 {
	var ev uint32 = unix.EPOLLRDHUP
	if mask&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *EpollPoller) Register(conn Conn, mask EventMask) error {
	fd, ok := fdOf(conn)
	if !ok {
		return unix.EINVAL
	}
	ev := &unix.EpollEvent{Events: maskToEpoll(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.byFD[fd] = conn
	p.mu.Unlock()
	return nil
}

func (p *EpollPoller) Unregister(conn Conn) error {
	fd, ok := fdOf(conn)
	if !ok {
		return unix.EINVAL
	}
	_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	p.mu.Lock()
	delete(p.byFD, fd)
	p.mu.Unlock()
	return nil
}

// SetMask re-arms epoll interest for an already-registered connection.
// internal/broker reaches this through the embedder's Conn wrapper
// (cmd/brokerd's pollConn), whose SetEventMask calls it whenever flush
// clears or sets want-write.
func (p *EpollPoller) SetMask(conn Conn, mask EventMask) error {
	fd, ok := fdOf(conn)
	if !ok {
		return unix.EINVAL
	}
	ev := &unix.EpollEvent{Events: maskToEpoll(mask), Fd: int32(fd)}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *EpollPoller) Wait(dst []Ready, timeoutMillis int) ([]Ready, error) {
	events := make([]unix.EpollEvent, 256)
	n, err := unix.EpollWait(p.fd, events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		conn, ok := p.byFD[int(events[i].Fd)]
		if !ok {
			continue
		}
		ev := events[i].Events
		dst = append(dst, Ready{
			Conn:     conn,
			Readable: ev&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: ev&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0,
		})
	}
	return dst, nil
}

func (p *EpollPoller) Close() error {
	return unix.Close(p.fd)
}
