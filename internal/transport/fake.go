package transport

import "sync"

// FakeConn is an in-memory Conn used by internal/broker's tests to drive
// the I/O thread's read/flush logic deterministically, including forcing
// ErrWouldBlock partway through a batch of sends to exercise backpressure.
type FakeConn struct {
	mu sync.Mutex

	inbound []byte // bytes waiting to be Recv'd, simulating the peer's send
	sent    []byte // bytes accepted by Send, simulating the peer's receive buffer

	mask EventMask

	// blockAfterSend, if > 0, makes Send return ErrWouldBlock once
	// total bytes sent reaches this many. It stays in effect until
	// BlockSendAfter sets it again (0 turns it off).
	blockAfterSend int
	sentSoFar      int

	// shortWriteAfter, if > 0, makes Send accept only up to this many
	// total bytes and return a nil error anyway, simulating a
	// non-blocking syscall.Write that partially drains its buffer
	// without returning EAGAIN.
	shortWriteAfter int

	closed bool
}

// NewFakeConn returns a FakeConn with the given bytes queued for Recv.
func NewFakeConn(inbound []byte) *FakeConn {
	return &FakeConn{inbound: inbound}
}

// Feed appends more bytes as if the peer had sent them.
func (f *FakeConn) Feed(b []byte) {
	f.mu.Lock()
	f.inbound = append(f.inbound, b...)
	f.mu.Unlock()
}

// BlockSendAfter arranges for the Nth byte onward of future Send calls to
// return ErrWouldBlock, simulating a full kernel send buffer.
func (f *FakeConn) BlockSendAfter(n int) {
	f.mu.Lock()
	f.blockAfterSend = n
	f.mu.Unlock()
}

// ShortWriteAfter arranges for future Send calls to accept at most n total
// bytes and return a nil error, simulating a non-blocking write that only
// partially drains the kernel send buffer without signaling EAGAIN.
func (f *FakeConn) ShortWriteAfter(n int) {
	f.mu.Lock()
	f.shortWriteAfter = n
	f.mu.Unlock()
}

// Sent returns everything accepted by Send so far, in order.
func (f *FakeConn) Sent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *FakeConn) Recv(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		return 0, ErrWouldBlock
	}
	n := copy(buf, f.inbound)
	f.inbound = f.inbound[n:]
	return n, nil
}

func (f *FakeConn) Send(data []byte, flushHint bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockAfterSend > 0 && f.sentSoFar >= f.blockAfterSend {
		return 0, ErrWouldBlock
	}
	n := len(data)
	if f.blockAfterSend > 0 && f.sentSoFar+n > f.blockAfterSend {
		n = f.blockAfterSend - f.sentSoFar
	}
	if f.shortWriteAfter > 0 {
		if f.sentSoFar >= f.shortWriteAfter {
			n = 0
		} else if f.sentSoFar+n > f.shortWriteAfter {
			n = f.shortWriteAfter - f.sentSoFar
		}
	}
	f.sent = append(f.sent, data[:n]...)
	f.sentSoFar += n
	if f.shortWriteAfter > 0 && n < len(data) {
		// Partial acceptance with no error, the case a real non-blocking
		// syscall.Write can produce distinct from EAGAIN.
		return n, nil
	}
	if n < len(data) {
		return n, ErrWouldBlock
	}
	return n, nil
}

func (f *FakeConn) SetEventMask(mask EventMask) error {
	f.mu.Lock()
	f.mask = mask
	f.mu.Unlock()
	return nil
}

// EventMask returns the most recently set event mask, for test assertions.
func (f *FakeConn) EventMask() EventMask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mask
}

func (f *FakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (f *FakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
