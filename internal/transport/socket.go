package transport

import (
	"net"
	"syscall"
)

// Socket adapts a net.TCPConn into the transport.Conn interface by driving
// it through its raw file descriptor in non-blocking mode, so Recv/Send
// never block the calling I/O thread goroutine.
type Socket struct {
	nc  net.Conn
	raw syscall.RawConn
	fd  int
}

// NewSocket wraps an already-accepted TCP connection for non-blocking use.
func NewSocket(nc net.Conn) (*Socket, error) {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return nil, syscall.EINVAL
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}

	s := &Socket{nc: nc, raw: raw}
	err = raw.Control(func(fd uintptr) {
		s.fd = int(fd)
		_ = syscall.SetNonblock(int(fd), true)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Fd returns the underlying file descriptor, used by Poller implementations
// to register interest.
func (s *Socket) Fd() int { return s.fd }

func (s *Socket) Recv(buf []byte) (int, error) {
	n, err := syscall.Read(s.fd, buf)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, syscall.ECONNRESET
	}
	return n, nil
}

func (s *Socket) Send(data []byte, flushHint bool) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	n, err := syscall.Write(s.fd, data)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return n, ErrWouldBlock
		}
		return n, err
	}
	if n < len(data) {
		// The kernel accepted part of the buffer with no error — a short
		// write, not EAGAIN, but the caller must still be told to retry
		// the remainder rather than treat it as fully sent.
		return n, ErrWouldBlock
	}
	// flushHint is honored by TCP_NODELAY already set at accept time; no
	// further action needed for a raw syscall.Write-based transport.
	_ = flushHint
	return n, nil
}

func (s *Socket) SetEventMask(mask EventMask) error {
	// Socket itself holds no poller reference; the Conn wrapper registered
	// with the poller (e.g. cmd/brokerd's pollConn) overrides SetEventMask
	// to call the poller's SetMask and re-arm epoll interest.
	return nil
}

func (s *Socket) Close() error {
	return s.nc.Close()
}
