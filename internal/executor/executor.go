// Package executor is the broker's command executor: it interprets a
// decoded protocol.Packet against the shared job/worker/client tables and
// returns the broker.Status the I/O or processing thread should observe.
// Dispatch decodes the command type, branches to a handler, JSON-unmarshals
// the body, and replies via conn.Enqueue+MarkNeedsFlush, routing each
// packet to whichever worker connection GRAB_JOB selects or back to the
// client that submitted the job.
package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"flowbroker/internal/broker"
	"flowbroker/internal/fanout"
	"flowbroker/internal/metrics"
	"flowbroker/internal/protocol"
	"flowbroker/internal/queue"
	"flowbroker/internal/registry"
	"flowbroker/internal/sequence"
)

// JobCounter is the subset of *broker.Coordinator the executor needs to
// maintain job_count. A separate interface breaks the otherwise circular
// Executor<->Coordinator construction dependency: cmd/brokerd builds the
// Executor first, then the Coordinator (which takes the Executor as its
// CommandExecutor), then calls SetJobCounter with that same Coordinator.
type JobCounter interface {
	JobStarted()
	JobFinished()
}

// workerState is the per-connection bookkeeping a worker accumulates via
// CAN_DO/CANT_DO/PRE_SLEEP. Stored in broker.Connection.UserData. Only
// ever touched while that connection's own commands are executing, which
// the broker core guarantees happens on at most one goroutine at a time,
// so no additional locking is needed here.
type workerState struct {
	functions map[string]struct{}
	sleeping  bool
}

func stateOf(conn *broker.Connection) *workerState {
	if conn.UserData == nil {
		conn.UserData = &workerState{functions: make(map[string]struct{})}
	}
	return conn.UserData.(*workerState)
}

type dispatchedJob struct {
	function string
	worker   *broker.Connection
}

// Executor implements broker.CommandExecutor.
type Executor struct {
	registry *registry.Registry
	queue    *queue.Queue
	seq      *sequence.Manager
	relay    *fanout.Relay // optional; nil disables cross-node gossip

	jobCounter JobCounter

	nodeID string
	peers  []string // sibling broker node IDs reachable over relay

	sleeping sync.Map // function(string) -> *sleepSet

	clientsByHandle   sync.Map // handle(string) -> *broker.Connection
	dispatchedByConn  sync.Map // worker connID(uint64) -> map[handle]string (function)
	dispatchedByHandle sync.Map // handle(string) -> dispatchedJob
}

type sleepSet struct {
	mu    sync.Mutex
	conns map[uint64]*broker.Connection
}

// New returns an Executor wired to the given domain-stack collaborators.
// relay may be nil for a standalone, single-node deployment.
func New(reg *registry.Registry, q *queue.Queue, seq *sequence.Manager, relay *fanout.Relay) *Executor {
	return &Executor{registry: reg, queue: q, seq: seq, relay: relay}
}

// SetJobCounter wires the Coordinator back into the Executor once both
// exist; see JobCounter's doc comment for why this is two steps.
func (e *Executor) SetJobCounter(jc JobCounter) {
	e.jobCounter = jc
}

// SetPeers records which sibling broker node IDs SUBMIT_JOB should fan out
// an availability announcement to, over the optional relay.
func (e *Executor) SetPeers(nodeID string, peers []string) {
	e.nodeID = nodeID
	e.peers = peers
}

// HandleAnnouncement is the fanout.Relay receive callback: a sibling node
// has queued a new job for Function (see announcePeers), so any local
// worker sleeping on that function should retry GRAB_JOB against the
// shared Redis queue. The announcing node doesn't ship job data itself
// — internal/queue's backing store is shared across the cluster, so waking
// a local sleeper is enough for it to dequeue directly.
func (e *Executor) HandleAnnouncement(a fanout.Announcement) {
	if a.Function != "" {
		e.wakeSleepers(a.Function)
	}
	for _, fn := range a.Functions {
		e.wakeSleepers(fn)
	}
}

// Execute implements broker.CommandExecutor.
func (e *Executor) Execute(conn *broker.Connection, pkt *protocol.Packet) broker.Status {
	ctx := context.Background()

	st := e.dispatch(ctx, conn, pkt)
	metrics.CommandsTotal.WithLabelValues(pkt.CmdType.String(), st.String()).Inc()
	return st
}

func (e *Executor) dispatch(ctx context.Context, conn *broker.Connection, pkt *protocol.Packet) broker.Status {
	switch pkt.CmdType {
	case protocol.CmdHeartbeat:
		return e.reply(conn, protocol.CmdHeartbeat, nil)
	case protocol.CmdEchoReq:
		return e.reply(conn, protocol.CmdEchoRes, pkt.Body)
	case protocol.CmdCanDo:
		return e.handleCanDo(conn, pkt)
	case protocol.CmdCantDo:
		return e.handleCantDo(conn, pkt)
	case protocol.CmdGrabJob:
		return e.handleGrabJob(ctx, conn)
	case protocol.CmdPreSleep:
		return e.handlePreSleep(conn)
	case protocol.CmdSubmitJob:
		return e.handleSubmitJob(ctx, conn, pkt)
	case protocol.CmdWorkComplete:
		return e.handleWorkComplete(ctx, conn, pkt)
	case protocol.CmdWorkFail:
		return e.handleWorkFail(ctx, conn, pkt)
	case protocol.CmdWorkData:
		return e.handleWorkData(conn, pkt)
	case protocol.CmdAdminStatus:
		return e.handleAdminStatus(ctx, conn)
	default:
		return broker.StatusOK
	}
}

// Release implements broker.CommandExecutor: undo a dead connection's
// worker registrations, sleeping-set membership, and requeue any jobs it
// had dispatched-but-unacknowledged. It also decrements
// metrics.ConnectionsActive, since it runs exactly once per closed
// connection.
func (e *Executor) Release(conn *broker.Connection) {
	metrics.ConnectionsActive.Dec()
	e.registry.ReleaseConnection(conn)

	if conn.UserData != nil {
		st := conn.UserData.(*workerState)
		for fn := range st.functions {
			e.removeSleeper(fn, conn.ID)
		}
	}

	if v, ok := e.dispatchedByConn.LoadAndDelete(conn.ID); ok {
		handles := v.(map[string]string)
		ctx := context.Background()
		for handle, function := range handles {
			e.dispatchedByHandle.Delete(handle)
			_ = e.queue.Requeue(ctx, function, handle)
		}
	}
}

func (e *Executor) reply(conn *broker.Connection, cmd protocol.Command, body []byte) broker.Status {
	conn.Enqueue(&protocol.Packet{CmdType: cmd, Version: protocol.ProtocolVersion, Body: body})
	broker.MarkNeedsFlush(conn)
	return broker.StatusOK
}

// --- CAN_DO / CANT_DO / PRE_SLEEP ---

type canDoBody struct {
	Function string `json:"function"`
}

func (e *Executor) handleCanDo(conn *broker.Connection, pkt *protocol.Packet) broker.Status {
	var body canDoBody
	if err := json.Unmarshal(pkt.Body, &body); err != nil || body.Function == "" {
		return broker.StatusOK
	}
	st := stateOf(conn)
	st.functions[body.Function] = struct{}{}
	e.registry.CanDo(conn, body.Function)
	return broker.StatusOK
}

func (e *Executor) handleCantDo(conn *broker.Connection, pkt *protocol.Packet) broker.Status {
	var body canDoBody
	if err := json.Unmarshal(pkt.Body, &body); err != nil || body.Function == "" {
		return broker.StatusOK
	}
	st := stateOf(conn)
	delete(st.functions, body.Function)
	e.registry.CantDo(conn, body.Function)
	e.removeSleeper(body.Function, conn.ID)
	return broker.StatusOK
}

func (e *Executor) handlePreSleep(conn *broker.Connection) broker.Status {
	st := stateOf(conn)
	st.sleeping = true
	for fn := range st.functions {
		e.addSleeper(fn, conn)
	}
	return broker.StatusOK
}

func (e *Executor) addSleeper(function string, conn *broker.Connection) {
	setI, _ := e.sleeping.LoadOrStore(function, &sleepSet{conns: make(map[uint64]*broker.Connection)})
	set := setI.(*sleepSet)
	set.mu.Lock()
	set.conns[conn.ID] = conn
	set.mu.Unlock()
}

func (e *Executor) removeSleeper(function string, connID uint64) {
	setI, ok := e.sleeping.Load(function)
	if !ok {
		return
	}
	set := setI.(*sleepSet)
	set.mu.Lock()
	delete(set.conns, connID)
	set.mu.Unlock()
}

// wakeSleepers sends a NOOP to every worker sleeping on function, the
// wire protocol's standard job-availability wakeup signal. Woken workers
// are expected to send GRAB_JOB next; they remain in the sleeping set for
// a function until a GRAB_JOB hands them a job of that function (a second
// wake before that is a harmless duplicate NOOP, deduplicated by
// Connection's NOOP_QUEUED invariant while the first is still unsent).
func (e *Executor) wakeSleepers(function string) {
	setI, ok := e.sleeping.Load(function)
	if !ok {
		return
	}
	set := setI.(*sleepSet)
	set.mu.Lock()
	conns := make([]*broker.Connection, 0, len(set.conns))
	for _, c := range set.conns {
		conns = append(conns, c)
	}
	set.mu.Unlock()

	for _, c := range conns {
		c.Enqueue(&protocol.Packet{CmdType: protocol.CmdNoop, Version: protocol.ProtocolVersion})
		broker.MarkNeedsFlush(c)
	}
}

// --- SUBMIT_JOB / GRAB_JOB ---

type submitJobBody struct {
	Function string `json:"function"`
	Payload  []byte `json:"payload"`
	Priority int    `json:"priority"`
}

type jobCreatedBody struct {
	Handle string `json:"handle"`
}

func (e *Executor) handleSubmitJob(ctx context.Context, conn *broker.Connection, pkt *protocol.Packet) broker.Status {
	var body submitJobBody
	if err := json.Unmarshal(pkt.Body, &body); err != nil || body.Function == "" {
		return broker.StatusExecutorError
	}

	seq, err := e.seq.Next(ctx, body.Function)
	if err != nil {
		return broker.StatusExecutorError
	}

	job := &queue.Job{
		Function: body.Function,
		Payload:  body.Payload,
		Priority: body.Priority,
		Sequence: seq,
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return broker.StatusExecutorError
	}
	if e.jobCounter != nil {
		e.jobCounter.JobStarted()
	}
	metrics.JobsQueued.Inc()
	e.clientsByHandle.Store(job.Handle, conn)

	reply, err := json.Marshal(jobCreatedBody{Handle: job.Handle})
	if err != nil {
		return broker.StatusExecutorError
	}
	st := e.reply(conn, protocol.CmdJobCreated, reply)

	e.wakeSleepers(body.Function)
	e.announcePeers(ctx, body.Function)
	return st
}

type jobAssignBody struct {
	Handle   string `json:"handle"`
	Function string `json:"function"`
	Payload  []byte `json:"payload"`
}

func (e *Executor) handleGrabJob(ctx context.Context, conn *broker.Connection) broker.Status {
	st := stateOf(conn)

	for fn := range st.functions {
		job, err := e.queue.Dequeue(ctx, fn)
		if err != nil {
			return broker.StatusExecutorError
		}
		if job == nil {
			continue
		}

		e.removeSleeper(fn, conn.ID)
		st.sleeping = false
		e.recordDispatch(conn, job.Handle, fn)
		metrics.DispatchLatency.WithLabelValues(fn).Observe(time.Since(job.CreatedAt).Seconds())

		reply, err := json.Marshal(jobAssignBody{Handle: job.Handle, Function: fn, Payload: job.Payload})
		if err != nil {
			return broker.StatusExecutorError
		}
		return e.reply(conn, protocol.CmdJobAssign, reply)
	}

	return e.reply(conn, protocol.CmdNoJob, nil)
}

func (e *Executor) announcePeers(ctx context.Context, function string) {
	if e.relay == nil {
		return
	}
	a := fanout.Announcement{FromNodeID: e.nodeID, Function: function}
	for _, peer := range e.peers {
		_ = e.relay.Announce(ctx, peer, a)
	}
}

func (e *Executor) recordDispatch(worker *broker.Connection, handle, function string) {
	e.dispatchedByHandle.Store(handle, dispatchedJob{function: function, worker: worker})

	v, _ := e.dispatchedByConn.LoadOrStore(worker.ID, make(map[string]string))
	v.(map[string]string)[handle] = function
}

// --- WORK_COMPLETE / WORK_FAIL / WORK_DATA ---

type workResultBody struct {
	Handle string `json:"handle"`
	Result []byte `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (e *Executor) handleWorkComplete(ctx context.Context, conn *broker.Connection, pkt *protocol.Packet) broker.Status {
	return e.finishJob(ctx, conn, pkt, protocol.CmdWorkComplete)
}

func (e *Executor) handleWorkFail(ctx context.Context, conn *broker.Connection, pkt *protocol.Packet) broker.Status {
	return e.finishJob(ctx, conn, pkt, protocol.CmdWorkFail)
}

func (e *Executor) finishJob(ctx context.Context, worker *broker.Connection, pkt *protocol.Packet, cmd protocol.Command) broker.Status {
	var body workResultBody
	if err := json.Unmarshal(pkt.Body, &body); err != nil || body.Handle == "" {
		return broker.StatusExecutorError
	}

	djI, ok := e.dispatchedByHandle.LoadAndDelete(body.Handle)
	if !ok {
		return broker.StatusOK
	}
	dj := djI.(dispatchedJob)

	if handles, ok := e.dispatchedByConn.Load(dj.worker.ID); ok {
		delete(handles.(map[string]string), body.Handle)
	}

	if err := e.queue.Complete(ctx, dj.function, body.Handle); err != nil {
		return broker.StatusExecutorError
	}
	if e.jobCounter != nil {
		e.jobCounter.JobFinished()
	}
	metrics.JobsQueued.Dec()

	if clientI, ok := e.clientsByHandle.LoadAndDelete(body.Handle); ok {
		client := clientI.(*broker.Connection)
		client.Enqueue(&protocol.Packet{CmdType: cmd, Version: protocol.ProtocolVersion, Body: pkt.Body})
		broker.MarkNeedsFlush(client)
	}
	return broker.StatusOK
}

func (e *Executor) handleWorkData(conn *broker.Connection, pkt *protocol.Packet) broker.Status {
	var body workResultBody
	if err := json.Unmarshal(pkt.Body, &body); err != nil || body.Handle == "" {
		return broker.StatusOK
	}
	if clientI, ok := e.clientsByHandle.Load(body.Handle); ok {
		client := clientI.(*broker.Connection)
		client.Enqueue(&protocol.Packet{CmdType: protocol.CmdWorkData, Version: protocol.ProtocolVersion, Body: pkt.Body})
		broker.MarkNeedsFlush(client)
	}
	return broker.StatusOK
}

// --- ADMIN_STATUS ---

// FunctionStatus is one function's queue depth and in-flight count, as
// reported by ADMIN_STATUS and cmd/brokerd's admin HTTP endpoint.
type FunctionStatus struct {
	Function string `json:"function"`
	Queued   int64  `json:"queued"`
	Running  int64  `json:"running"`
}

// Status reports queue depth and running-job count for every function
// with at least one registered worker. Shared by the ADMIN_STATUS wire
// command and cmd/brokerd's admin HTTP server, so both surfaces agree.
func (e *Executor) Status(ctx context.Context) ([]FunctionStatus, error) {
	var out []FunctionStatus
	for _, fn := range e.registry.Functions() {
		queued, err := e.queue.Depth(ctx, fn)
		if err != nil {
			return nil, err
		}
		running, err := e.queue.RunningCount(ctx, fn)
		if err != nil {
			return nil, err
		}
		out = append(out, FunctionStatus{Function: fn, Queued: queued, Running: running})
	}
	return out, nil
}

func (e *Executor) handleAdminStatus(ctx context.Context, conn *broker.Connection) broker.Status {
	out, err := e.Status(ctx)
	if err != nil {
		return broker.StatusExecutorError
	}

	reply, err := json.Marshal(out)
	if err != nil {
		return broker.StatusExecutorError
	}
	return e.reply(conn, protocol.CmdAdminStatusRes, reply)
}
