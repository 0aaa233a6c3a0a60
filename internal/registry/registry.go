// Package registry tracks which worker connections can execute which named
// job functions, the CAN_DO/CANT_DO bookkeeping a Gearman-style broker
// needs to pick GRAB_JOB candidates: a function-name → worker-connection-set
// map built on sync.Map, since lookups (GRAB_JOB candidate scans, job
// dispatch) vastly outnumber registrations (CAN_DO/CANT_DO, worker
// disconnect).
package registry

import (
	"sync"

	"flowbroker/internal/broker"
)

// Registry is safe for concurrent use. A single instance is shared across
// every I/O thread and the processing thread.
type Registry struct {
	// byFunction maps a job function name to the set of worker
	// connections currently able to execute it.
	byFunction sync.Map // string -> *workerSet

	// byConn tracks which functions a given connection has announced, so
	// a worker disconnect (DEAD→FREE) can undo every CAN_DO without the
	// caller having to remember them.
	byConn sync.Map // uint64 -> map[string]struct{}

	mu sync.Mutex // guards workerSet mutation and byConn bookkeeping together
}

type workerSet struct {
	mu    sync.RWMutex
	conns map[uint64]*broker.Connection
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// CanDo records that conn can execute function, per a CAN_DO packet.
func (r *Registry) CanDo(conn *broker.Connection, function string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	setI, _ := r.byFunction.LoadOrStore(function, &workerSet{conns: make(map[uint64]*broker.Connection)})
	set := setI.(*workerSet)
	set.mu.Lock()
	set.conns[conn.ID] = conn
	set.mu.Unlock()

	fnsI, _ := r.byConn.LoadOrStore(conn.ID, make(map[string]struct{}))
	fnsI.(map[string]struct{})[function] = struct{}{}
}

// CantDo undoes a prior CanDo for one function, per a CANT_DO packet.
func (r *Registry) CantDo(conn *broker.Connection, function string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(conn, function)
}

// removeLocked removes conn from function's worker set; caller holds r.mu.
func (r *Registry) removeLocked(conn *broker.Connection, function string) {
	if setI, ok := r.byFunction.Load(function); ok {
		set := setI.(*workerSet)
		set.mu.Lock()
		delete(set.conns, conn.ID)
		set.mu.Unlock()
	}
	if fnsI, ok := r.byConn.Load(conn.ID); ok {
		delete(fnsI.(map[string]struct{}), function)
	}
}

// ReleaseConnection undoes every CAN_DO a now-DEAD connection announced.
// This is the registry half of the broker.CommandExecutor.Release contract
// called on DEAD→FREE.
func (r *Registry) ReleaseConnection(conn *broker.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fnsI, ok := r.byConn.Load(conn.ID)
	if !ok {
		return
	}
	fns := fnsI.(map[string]struct{})
	for fn := range fns {
		if setI, ok := r.byFunction.Load(fn); ok {
			set := setI.(*workerSet)
			set.mu.Lock()
			delete(set.conns, conn.ID)
			set.mu.Unlock()
		}
	}
	r.byConn.Delete(conn.ID)
}

// Candidates returns a snapshot of connections currently able to execute
// function.
func (r *Registry) Candidates(function string) []*broker.Connection {
	setI, ok := r.byFunction.Load(function)
	if !ok {
		return nil
	}
	set := setI.(*workerSet)
	set.mu.RLock()
	defer set.mu.RUnlock()

	out := make([]*broker.Connection, 0, len(set.conns))
	for _, c := range set.conns {
		out = append(out, c)
	}
	return out
}

// HasWorker reports whether any local connection can execute function.
func (r *Registry) HasWorker(function string) bool {
	setI, ok := r.byFunction.Load(function)
	if !ok {
		return false
	}
	set := setI.(*workerSet)
	set.mu.RLock()
	defer set.mu.RUnlock()
	return len(set.conns) > 0
}

// Functions returns the set of function names with at least one
// registered worker, the list Executor.Status reports on.
func (r *Registry) Functions() []string {
	var out []string
	r.byFunction.Range(func(k, v interface{}) bool {
		set := v.(*workerSet)
		set.mu.RLock()
		n := len(set.conns)
		set.mu.RUnlock()
		if n > 0 {
			out = append(out, k.(string))
		}
		return true
	})
	return out
}
