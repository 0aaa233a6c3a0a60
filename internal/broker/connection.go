package broker

import (
	"github.com/bits-and-blooms/bitset"

	"flowbroker/internal/protocol"
	"flowbroker/internal/transport"
)

// Flag bit positions within a Connection's status bitset.
const (
	flagDead = iota
	flagFree
	flagNoopQueued
	flagInIOList
	flagInProcList
)

// Connection is the broker-side state for one TCP session with a client or
// worker. Every field this type exposes to
// internal/broker's dispatch logic is guarded by its owning IOThread's
// lock; internal/executor only ever touches a Connection through the
// accessor methods below, which take that lock internally.
type Connection struct {
	ID    uint64
	owner *IOThread
	sock  transport.Conn

	// current_inbound: at most one packet under construction.
	decoder *protocol.Decoder

	// outbound_queue: FIFO of fully formed packets awaiting send.
	outbound []*protocol.Packet

	// proc_inbound_queue: FIFO of fully formed packets awaiting command
	// execution. Unused in single-thread mode.
	procInbound []*protocol.Packet

	// pendingSend holds the not-yet-written remainder of the head
	// outbound packet's wire encoding when a prior flush got ErrWouldBlock
	// partway through a send, so the retry does not re-send already
	// acknowledged bytes.
	pendingSend []byte

	// wantWrite mirrors whether the transport's event mask currently
	// includes want-write, so flush can skip a redundant send syscall
	// when called outside of an actual writable notification.
	wantWrite bool

	// lastRet is the last non-success, non-would-block result observed
	// from I/O or command execution; sticky until surfaced to the
	// embedder.
	lastRet Status

	flags *bitset.BitSet

	// ioNext / procNext: intrusive-style linkage for the owning thread's
	// io_list / proc_list singly-linked queues.
	ioNext   *Connection
	procNext *Connection

	// UserData is opaque state the command executor attaches to a
	// connection (e.g. a worker's registered function set, a client's
	// pending job handles). internal/broker never inspects it.
	UserData interface{}
}

func newConnection() *Connection {
	c := &Connection{flags: bitset.New(8)}
	c.reset()
	return c
}

// reset clears a Connection's transient fields so it can be handed back
// out by a ConnPool looking like new.
func (c *Connection) reset() {
	c.ID = 0
	c.owner = nil
	c.sock = nil
	c.decoder = nil
	c.outbound = nil
	c.procInbound = nil
	c.pendingSend = nil
	c.wantWrite = false
	c.lastRet = StatusOK
	c.flags.ClearAll()
	c.ioNext = nil
	c.procNext = nil
	c.UserData = nil
}

// --- flag accessors; callers must hold c.owner.mu. ---

func (c *Connection) isDead() bool        { return c.flags.Test(flagDead) }
func (c *Connection) setDead()            { c.flags.Set(flagDead) }
func (c *Connection) isFree() bool        { return c.flags.Test(flagFree) }
func (c *Connection) setFree()            { c.flags.Set(flagFree) }
func (c *Connection) isNoopQueued() bool  { return c.flags.Test(flagNoopQueued) }
func (c *Connection) setNoopQueued()      { c.flags.Set(flagNoopQueued) }
func (c *Connection) clearNoopQueued()    { c.flags.Clear(flagNoopQueued) }
func (c *Connection) isInIOList() bool    { return c.flags.Test(flagInIOList) }
func (c *Connection) setInIOList()        { c.flags.Set(flagInIOList) }
func (c *Connection) clearInIOList()      { c.flags.Clear(flagInIOList) }
func (c *Connection) isInProcList() bool  { return c.flags.Test(flagInProcList) }
func (c *Connection) setInProcList()      { c.flags.Set(flagInProcList) }
func (c *Connection) clearInProcList()    { c.flags.Clear(flagInProcList) }

// MarkDead flags the connection DEAD and enqueues it on its owning
// thread's proc_list so the processing thread releases its registrations.
// Safe to call from the owning I/O thread only (peer close / protocol
// fatal / admin close are all detected there). In multi-thread mode it also
// signals the processing thread.
func (c *Connection) MarkDead() {
	t := c.owner
	t.mu.Lock()
	if c.isDead() {
		t.mu.Unlock()
		return
	}
	c.setDead()
	t.enqueueProcLocked(c)
	t.mu.Unlock()

	if t.coord.MultiThread() {
		t.coord.signalProcessing()
	}
}

// Enqueue appends pkt to the connection's outbound_queue and, if this is a
// NOOP, enforces an at-most-one-outstanding invariant so a worker already
// woken does not accumulate duplicate wakeups. It is the one entry point
// internal/executor uses to send a reply; safe to
// call from any goroutine regardless of which thread owns the connection,
// because it takes the owning thread's lock itself.
func (c *Connection) Enqueue(pkt *protocol.Packet) {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	c.enqueueOutboundLocked(pkt)
}

func (c *Connection) enqueueOutboundLocked(pkt *protocol.Packet) {
	if pkt.CmdType == protocol.CmdNoop {
		if c.isNoopQueued() {
			return
		}
		c.setNoopQueued()
	}
	c.outbound = append(c.outbound, pkt)
}

// LastError returns the sticky last non-success status observed for this
// connection and the status the embedder should act on.
func (c *Connection) LastError() Status {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	return c.lastRet
}
