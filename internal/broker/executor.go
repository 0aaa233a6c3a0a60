package broker

import "flowbroker/internal/protocol"

// CommandExecutor interprets a decoded packet against the broker's shared
// job/worker/client state. internal/broker calls Execute either inline
// (single-thread mode, from the owning I/O thread) or from the processing
// thread (multi-thread mode); it never inspects what Execute does
// internally.
//
// Execute may enqueue outbound packets on any Connection via
// Connection.Enqueue — including connections owned by a different
// IOThread than the one executing the command — because Enqueue takes the
// target connection's own owner lock. After enqueueing, Execute (or
// whatever called it) must ensure the affected connection is scheduled for
// I/O attention; MarkNeedsFlush does that.
type CommandExecutor interface {
	Execute(conn *Connection, pkt *protocol.Packet) Status

	// Release is called exactly once by the processing thread (or, in
	// single-thread mode, by the owning I/O thread itself) when conn
	// transitions DEAD→FREE. It must release the connection's worker
	// function registrations and any client-side job bookkeeping before
	// returning.
	Release(conn *Connection)
}

// MarkNeedsFlush enqueues conn on its owning I/O thread's io_list so that
// thread's next Run call flushes whatever was just appended to its
// outbound_queue. Safe to call from the processing thread for a
// connection owned by any I/O thread, and from a single I/O thread for
// one of its own connections (single-thread mode).
func MarkNeedsFlush(conn *Connection) {
	conn.owner.mu.Lock()
	defer conn.owner.mu.Unlock()
	conn.owner.enqueueIOLocked(conn)
}
