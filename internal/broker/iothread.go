package broker

import (
	"sync"
	"sync/atomic"

	"flowbroker/internal/protocol"
	"flowbroker/internal/transport"
)

// IOThread owns a set of connections and drives their non-blocking socket
// I/O. It never blocks: Run is the single entry point an external driver
// invokes whenever its poller reports readiness.
type IOThread struct {
	id    uint32
	coord *Coordinator

	mu       sync.Mutex
	conns    map[uint64]*Connection
	ioHead   *Connection // io_list: connections needing I/O attention
	procHead *Connection // proc_list: connections needing processing attention

	connPool   *ConnPool
	packetPool *PacketPool

	running atomic.Bool // Run-reentrancy guard

	nextConnID uint64
}

// NewIOThread creates an I/O thread registered with coord. coord starts or
// joins the processing thread as needed: the second IOThread's creation
// starts the processing thread, switching the server into multi-thread
// mode.
func NewIOThread(coord *Coordinator) *IOThread {
	t := &IOThread{
		id:         coord.nextThreadID(),
		coord:      coord,
		conns:      make(map[uint64]*Connection),
		connPool:   NewConnPool(DefaultMaxPoolSize),
		packetPool: NewPacketPool(DefaultMaxPoolSize),
	}
	coord.addThread(t)
	return t
}

// Accept wraps an accepted socket as a new Connection owned by this
// thread, acquiring from the connection free-list, and registers it with
// the poller for read readiness.
func (t *IOThread) Accept(sock transport.Conn, poller transport.Poller) (*Connection, error) {
	t.mu.Lock()
	c := t.connPool.Acquire()
	t.nextConnID++
	c.ID = t.nextConnID
	c.owner = t
	c.sock = sock
	c.decoder = protocol.NewDecoder()
	t.conns[c.ID] = c
	t.mu.Unlock()

	if poller != nil {
		if err := poller.Register(sock, transport.EventRead); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// enqueueIOLocked appends conn to io_list if it is not already present.
// Called by the processing thread (possibly for a connection owned by a
// different IOThread — the caller must hold *this* thread's mu, i.e.
// conn.owner.mu) and, in single-thread mode, by command execution inline
// on the I/O thread itself.
func (t *IOThread) enqueueIOLocked(conn *Connection) {
	if conn.isInIOList() {
		return
	}
	conn.setInIOList()
	conn.ioNext = nil
	if t.ioHead == nil {
		t.ioHead = conn
		return
	}
	cur := t.ioHead
	for cur.ioNext != nil {
		cur = cur.ioNext
	}
	cur.ioNext = conn
}

// enqueueProcLocked appends conn to proc_list if not already present.
// Called by the owning I/O thread only, under its own lock.
func (t *IOThread) enqueueProcLocked(conn *Connection) {
	if conn.isInProcList() {
		return
	}
	conn.setInProcList()
	conn.procNext = nil
	if t.procHead == nil {
		t.procHead = conn
		return
	}
	cur := t.procHead
	for cur.procNext != nil {
		cur = cur.procNext
	}
	cur.procNext = conn
}

// drainIOList detaches and returns the whole io_list, clearing the head.
func (t *IOThread) drainIOList() []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Connection
	for c := t.ioHead; c != nil; {
		next := c.ioNext
		c.clearInIOList()
		c.ioNext = nil
		out = append(out, c)
		c = next
	}
	t.ioHead = nil
	return out
}

// ReadyConn pairs a connection with the readiness the poller reported for
// it, the input to Run's step 2.
type ReadyConn struct {
	Conn     *Connection
	Readable bool
	Writable bool
}

// Run executes one pass of the I/O thread's loop. ready lists the
// connections (owned by this thread) the poller reported ready this
// cycle; it may be empty. Run is non-reentrant and strictly
// single-threaded: a second concurrent call on the same thread fails
// loudly with ErrBusy instead of interleaving with the first.
func (t *IOThread) Run(ready []ReadyConn) (*Connection, Status, error) {
	if !t.running.CompareAndSwap(false, true) {
		return nil, StatusOK, ErrBusy
	}
	defer t.running.Store(false)

	multiThread := t.coord.MultiThread()

	// Step 1: drain io_list (multi-thread mode only).
	if multiThread {
		if conn, st := t.drainIOAndAct(); conn != nil {
			return conn, st, nil
		}
	}

	// Step 2: process poller-ready connections.
	for _, r := range ready {
		c := r.Conn
		if r.Readable {
			st := t.read(c)
			if st != StatusOK && st != StatusIOWait {
				return c, st, nil
			}
		}
		if r.Writable {
			st := t.flush(c, true)
			if st != StatusOK && st != StatusIOWait {
				return c, st, nil
			}
		}
	}

	// Step 3: drain io_list again (single-thread mode only) — commands run
	// inline during step 2 may have enqueued outbound traffic on sibling
	// connections. Also perform the processing thread's proc_list drain
	// inline, since single-thread mode never starts that goroutine.
	if !multiThread {
		drainProcList(t, t.coord.executor)
		if conn, st := t.drainIOAndAct(); conn != nil {
			return conn, st, nil
		}
	}

	// Step 4: check shutdown.
	return nil, t.coord.shutdownStatus(), nil
}

// drainIOAndAct performs one io_list drain pass: release FREE connections,
// surface sticky errors, and flush everything else. Returns a non-nil
// connection only when the caller must stop and propagate a fatal status.
func (t *IOThread) drainIOAndAct() (*Connection, Status) {
	for _, c := range t.drainIOList() {
		t.mu.Lock()
		free := c.isFree()
		sticky := c.lastRet
		t.mu.Unlock()

		if free {
			t.release(c)
			continue
		}
		if sticky != StatusOK && sticky != StatusIOWait {
			return c, sticky
		}
		if st := t.flush(c, false); st != StatusOK && st != StatusIOWait {
			return c, st
		}
	}
	return nil, StatusOK
}

// release returns a FREE connection to the free-list: closes its
// transport, removes it from the thread's connection table, and clears
// its fields for reuse.
func (t *IOThread) release(c *Connection) {
	t.mu.Lock()
	delete(t.conns, c.ID)
	t.mu.Unlock()

	if c.sock != nil {
		_ = c.sock.Close()
	}

	t.mu.Lock()
	t.connPool.Release(c)
	t.mu.Unlock()
}

// flush sends every queued packet in order, dequeueing each only once the
// transport has accepted its whole wire encoding. knownWritable should be
// true when the caller is acting on an actual poller writable
// notification; when false (io_list drain passes), flush short-circuits
// to IO_WAIT without a syscall if the connection is already marked
// want-write from a prior blocked send, avoiding a redundant syscall.
func (t *IOThread) flush(c *Connection, knownWritable bool) Status {
	t.mu.Lock()
	if !knownWritable && c.wantWrite {
		t.mu.Unlock()
		return StatusIOWait
	}
	t.mu.Unlock()

	for {
		t.mu.Lock()
		if len(c.outbound) == 0 {
			c.wantWrite = false
			t.mu.Unlock()
			_ = c.sock.SetEventMask(transport.EventRead)
			return StatusOK
		}
		pkt := c.outbound[0]
		isLast := len(c.outbound) == 1
		pending := c.pendingSend
		t.mu.Unlock()

		var data []byte
		if pending != nil {
			data = pending
		} else {
			encoded, err := protocol.Encode(pkt)
			if err != nil {
				return t.fatal(c, StatusExecutorError)
			}
			data = encoded
		}

		n, sendErr := c.sock.Send(data, isLast)
		if sendErr == transport.ErrWouldBlock {
			t.mu.Lock()
			if n < len(data) {
				c.pendingSend = data[n:]
			}
			c.wantWrite = true
			t.mu.Unlock()
			_ = c.sock.SetEventMask(transport.EventRead | transport.EventWrite)
			return StatusIOWait
		}
		if sendErr != nil {
			return t.fatal(c, StatusExecutorError)
		}
		if n < len(data) {
			// A non-blocking write can legitimately accept only part of the
			// buffer with a nil error. Stash the remainder and wait for the
			// next writable notification instead of dequeueing the packet.
			t.mu.Lock()
			c.pendingSend = data[n:]
			c.wantWrite = true
			t.mu.Unlock()
			_ = c.sock.SetEventMask(transport.EventRead | transport.EventWrite)
			return StatusIOWait
		}

		t.mu.Lock()
		c.outbound = c.outbound[1:]
		c.pendingSend = nil
		if pkt.CmdType == protocol.CmdNoop {
			c.clearNoopQueued()
		}
		t.packetPool.Release(pkt)
		t.mu.Unlock()
	}
}

// read drains the socket into the connection's decoder until it would
// block, dispatching each complete packet either inline (single-thread
// mode) or onto the connection's proc_inbound_queue for the processing
// thread to pick up (multi-thread mode).
func (t *IOThread) read(c *Connection) Status {
	multiThread := t.coord.MultiThread()

	for {
		pkt, err := c.decoder.Feed(c.sock.Recv)
		if err == protocol.ErrWouldBlock || err == transport.ErrWouldBlock {
			return StatusIOWait
		}
		if err != nil {
			c.MarkDead()
			return StatusIOWait
		}

		if multiThread {
			t.mu.Lock()
			c.procInbound = append(c.procInbound, pkt)
			t.enqueueProcLocked(c)
			t.mu.Unlock()
			t.coord.signalProcessing()
			continue
		}

		st := t.coord.executor.Execute(c, pkt)
		t.packetPool.Release(pkt)
		if st != StatusOK {
			t.mu.Lock()
			c.lastRet = st
			t.mu.Unlock()
			return st
		}
	}
}

func (t *IOThread) fatal(c *Connection, st Status) Status {
	t.mu.Lock()
	c.lastRet = st
	t.mu.Unlock()
	return st
}
