package broker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"flowbroker/internal/protocol"
	"flowbroker/internal/transport"
)

// stubExecutor echoes every packet it sees and records released connections.
type stubExecutor struct {
	released []uint64
}

func (s *stubExecutor) Execute(conn *Connection, pkt *protocol.Packet) Status {
	conn.Enqueue(&protocol.Packet{CmdType: pkt.CmdType, Body: pkt.Body})
	MarkNeedsFlush(conn)
	return StatusOK
}

func (s *stubExecutor) Release(conn *Connection) {
	s.released = append(s.released, conn.ID)
}

func TestSingleThreadRunEchoesInline(t *testing.T) {
	exec := &stubExecutor{}
	coord := NewCoordinator(exec)
	thread := NewIOThread(coord)

	pkt := &protocol.Packet{CmdType: protocol.CmdEchoReq, Body: []byte("ping")}
	data, err := protocol.Encode(pkt)
	require.NoError(t, err)

	sock := transport.NewFakeConn(data)
	conn, err := thread.Accept(sock, nil)
	require.NoError(t, err)

	_, status, err := thread.Run([]ReadyConn{{Conn: conn, Readable: true}})
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)

	sent := sock.Sent()
	require.NotEmpty(t, sent)

	d := protocol.NewDecoder()
	reply, err := d.Feed(func(buf []byte) (int, error) {
		n := copy(buf, sent)
		sent = sent[n:]
		return n, nil
	})
	require.NoError(t, err)
	require.Equal(t, protocol.CmdEchoReq, reply.CmdType)
	require.Equal(t, []byte("ping"), reply.Body)
}

func TestRunIsNonReentrant(t *testing.T) {
	exec := &stubExecutor{}
	coord := NewCoordinator(exec)
	thread := NewIOThread(coord)

	thread.running.Store(true)
	_, _, err := thread.Run(nil)
	require.ErrorIs(t, err, ErrBusy)
}

func TestDeadConnectionIsReleasedInSingleThreadMode(t *testing.T) {
	exec := &stubExecutor{}
	coord := NewCoordinator(exec)
	thread := NewIOThread(coord)

	sock := transport.NewFakeConn(nil)
	conn, err := thread.Accept(sock, nil)
	require.NoError(t, err)
	connID := conn.ID

	conn.MarkDead()

	_, _, err = thread.Run(nil)
	require.NoError(t, err)

	require.Contains(t, exec.released, connID)
	require.True(t, sock.Closed())
}

func TestBackpressurePartialSendResumesOnNextFlush(t *testing.T) {
	exec := &stubExecutor{}
	coord := NewCoordinator(exec)
	thread := NewIOThread(coord)

	sock := transport.NewFakeConn(nil)
	conn, err := thread.Accept(sock, nil)
	require.NoError(t, err)

	pkt := &protocol.Packet{CmdType: protocol.CmdNoop}
	encoded, err := protocol.Encode(pkt)
	require.NoError(t, err)
	sock.BlockSendAfter(len(encoded) - 2)

	conn.Enqueue(pkt)
	status := thread.flush(conn, true)
	require.Equal(t, StatusIOWait, status)
	require.True(t, sock.EventMask()&transport.EventWrite != 0)

	sock.BlockSendAfter(0)
	status = thread.flush(conn, true)
	require.Equal(t, StatusOK, status)
	require.Equal(t, encoded, sock.Sent())
}

// TestShortWriteWithNilErrorIsNotDropped exercises the partial-acceptance
// path a real non-blocking syscall.Write can take without returning EAGAIN:
// flush must stash the unsent remainder and retry it rather than dequeueing
// the packet as if it had been fully sent.
func TestShortWriteWithNilErrorIsNotDropped(t *testing.T) {
	exec := &stubExecutor{}
	coord := NewCoordinator(exec)
	thread := NewIOThread(coord)

	sock := transport.NewFakeConn(nil)
	conn, err := thread.Accept(sock, nil)
	require.NoError(t, err)

	pkt := &protocol.Packet{CmdType: protocol.CmdNoop}
	encoded, err := protocol.Encode(pkt)
	require.NoError(t, err)
	sock.ShortWriteAfter(len(encoded) - 2)

	conn.Enqueue(pkt)
	status := thread.flush(conn, true)
	require.Equal(t, StatusIOWait, status)
	require.True(t, sock.EventMask()&transport.EventWrite != 0)

	require.Len(t, conn.outbound, 1, "packet must not be dequeued on a short write")
	require.Equal(t, encoded[len(encoded)-2:], conn.pendingSend)

	sock.ShortWriteAfter(0)
	status = thread.flush(conn, true)
	require.Equal(t, StatusOK, status)
	require.Equal(t, encoded, sock.Sent())
}
