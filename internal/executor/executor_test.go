package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"flowbroker/internal/broker"
	"flowbroker/internal/protocol"
	"flowbroker/internal/queue"
	"flowbroker/internal/registry"
	"flowbroker/internal/sequence"
	"flowbroker/internal/transport"
)

type fakeJobCounter struct {
	started, finished int
}

func (f *fakeJobCounter) JobStarted()  { f.started++ }
func (f *fakeJobCounter) JobFinished() { f.finished++ }

func newTestExecutor(t *testing.T) (*Executor, *fakeJobCounter, *broker.IOThread) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	reg := registry.New()
	q := queue.New(client, nil)
	seq := sequence.NewManager(client)
	exec := New(reg, q, seq, nil)

	jc := &fakeJobCounter{}
	exec.SetJobCounter(jc)

	coord := broker.NewCoordinator(exec)
	thread := broker.NewIOThread(coord)
	return exec, jc, thread
}

func newConn(t *testing.T, thread *broker.IOThread) (*broker.Connection, *transport.FakeConn) {
	sock := transport.NewFakeConn(nil)
	conn, err := thread.Accept(sock, nil)
	require.NoError(t, err)
	return conn, sock
}

// lastReply runs one pass of thread so every queued reply is flushed, then
// decodes everything sock has received and returns the most recent packet.
func lastReply(t *testing.T, thread *broker.IOThread, sock *transport.FakeConn) *protocol.Packet {
	_, _, err := thread.Run(nil)
	require.NoError(t, err)

	sent := sock.Sent()
	require.NotEmpty(t, sent)
	d := protocol.NewDecoder()
	readFn := func(buf []byte) (int, error) {
		n := copy(buf, sent)
		sent = sent[n:]
		return n, nil
	}
	var pkt *protocol.Packet
	for len(sent) > 0 {
		p, err := d.Feed(readFn)
		require.NoError(t, err)
		pkt = p
	}
	return pkt
}

func TestCanDoThenGrabJobDispatchesSubmittedJob(t *testing.T) {
	exec, jc, thread := newTestExecutor(t)

	workerConn, workerSock := newConn(t, thread)
	clientConn, clientSock := newConn(t, thread)

	body, _ := json.Marshal(map[string]string{"function": "reverse"})
	status := exec.Execute(workerConn, &protocol.Packet{CmdType: protocol.CmdCanDo, Body: body})
	require.Equal(t, broker.StatusOK, status)

	submitBody, _ := json.Marshal(map[string]interface{}{"function": "reverse", "payload": []byte("abc")})
	status = exec.Execute(clientConn, &protocol.Packet{CmdType: protocol.CmdSubmitJob, Body: submitBody})
	require.Equal(t, broker.StatusOK, status)
	require.Equal(t, 1, jc.started)

	created := lastReply(t, thread, clientSock)
	require.Equal(t, protocol.CmdJobCreated, created.CmdType)

	status = exec.Execute(workerConn, &protocol.Packet{CmdType: protocol.CmdGrabJob})
	require.Equal(t, broker.StatusOK, status)

	assigned := lastReply(t, thread, workerSock)
	require.Equal(t, protocol.CmdJobAssign, assigned.CmdType)

	var parsed struct {
		Handle   string `json:"handle"`
		Function string `json:"function"`
	}
	require.NoError(t, json.Unmarshal(assigned.Body, &parsed))
	require.Equal(t, "reverse", parsed.Function)
	require.NotEmpty(t, parsed.Handle)

	completeBody, _ := json.Marshal(map[string]string{"handle": parsed.Handle, "result": "cba"})
	status = exec.Execute(workerConn, &protocol.Packet{CmdType: protocol.CmdWorkComplete, Body: completeBody})
	require.Equal(t, broker.StatusOK, status)
	require.Equal(t, 1, jc.finished)

	result := lastReply(t, thread, clientSock)
	require.Equal(t, protocol.CmdWorkComplete, result.CmdType)
}

func TestGrabJobWithNoWorkReturnsNoJob(t *testing.T) {
	exec, _, thread := newTestExecutor(t)
	workerConn, workerSock := newConn(t, thread)

	body, _ := json.Marshal(map[string]string{"function": "noop-fn"})
	exec.Execute(workerConn, &protocol.Packet{CmdType: protocol.CmdCanDo, Body: body})

	status := exec.Execute(workerConn, &protocol.Packet{CmdType: protocol.CmdGrabJob})
	require.Equal(t, broker.StatusOK, status)

	reply := lastReply(t, thread, workerSock)
	require.Equal(t, protocol.CmdNoJob, reply.CmdType)
}

func TestReleaseRequeuesDispatchedJobs(t *testing.T) {
	exec, _, thread := newTestExecutor(t)
	workerConn, workerSock := newConn(t, thread)
	clientConn, clientSock := newConn(t, thread)

	body, _ := json.Marshal(map[string]string{"function": "sum"})
	exec.Execute(workerConn, &protocol.Packet{CmdType: protocol.CmdCanDo, Body: body})

	submitBody, _ := json.Marshal(map[string]interface{}{"function": "sum", "payload": []byte("1,2")})
	exec.Execute(clientConn, &protocol.Packet{CmdType: protocol.CmdSubmitJob, Body: submitBody})
	_ = lastReply(t, thread, clientSock)

	exec.Execute(workerConn, &protocol.Packet{CmdType: protocol.CmdGrabJob})
	_ = lastReply(t, thread, workerSock)

	exec.Release(workerConn)

	depth, err := exec.queue.Depth(context.Background(), "sum")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}
