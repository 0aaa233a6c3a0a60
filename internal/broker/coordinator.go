package broker

import "sync"

// Coordinator is the per-server shared state: the I/O thread list,
// processing-thread identity, the proc_wakeup/proc_shutdown condition
// variable, the shutdown flags, and job_count. Exactly one Coordinator
// exists per broker instance.
type Coordinator struct {
	mu   sync.Mutex
	cond *sync.Cond

	threads    []*IOThread
	nextID     uint32
	procThread *ProcThread

	procWakeup   bool
	procShutdown bool

	shutdown         bool
	shutdownGraceful bool

	// jobCount counts jobs that are queued-and-undispatched or
	// dispatched-and-unacknowledged. Graceful shutdown completes only once
	// this reaches zero.
	jobCount int

	executor CommandExecutor
}

// NewCoordinator returns a Coordinator driving the given command executor.
// executor must not be nil; every decoded packet is eventually handed to
// it, whether inline (single I/O thread) or via the processing thread.
func NewCoordinator(executor CommandExecutor) *Coordinator {
	c := &Coordinator{executor: executor}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Coordinator) nextThreadID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// addThread registers t with the coordinator and starts the processing
// thread the moment a second IOThread exists (single-thread mode runs
// commands inline on the lone I/O thread and never needs the processing
// goroutine).
func (c *Coordinator) addThread(t *IOThread) {
	c.mu.Lock()
	c.threads = append(c.threads, t)
	startProc := len(c.threads) == 2 && c.procThread == nil
	c.mu.Unlock()

	if startProc {
		c.startProcThread()
	}
}

// removeThread unregisters t, joining the processing thread back down when
// fewer than two I/O threads remain.
func (c *Coordinator) removeThread(t *IOThread) {
	c.mu.Lock()
	for i, th := range c.threads {
		if th == t {
			c.threads = append(c.threads[:i], c.threads[i+1:]...)
			break
		}
	}
	stopProc := len(c.threads) < 2 && c.procThread != nil
	c.mu.Unlock()

	if stopProc {
		c.stopProcThread()
	}
}

// MultiThread reports whether more than one I/O thread is registered,
// which selects between the multi-thread and single-thread I/O paths.
func (c *Coordinator) MultiThread() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.threads) > 1
}

func (c *Coordinator) startProcThread() {
	c.mu.Lock()
	p := newProcThread(c)
	c.procThread = p
	c.mu.Unlock()
	go p.run()
}

func (c *Coordinator) stopProcThread() {
	c.mu.Lock()
	c.procShutdown = true
	c.procWakeup = true
	c.cond.Broadcast()
	p := c.procThread
	c.procThread = nil
	c.mu.Unlock()

	if p != nil {
		p.wait()
	}
}

// signalProcessing sets proc_wakeup and signals the condition variable,
// waking the processing thread to drain the connection's proc_inbound_queue.
func (c *Coordinator) signalProcessing() {
	c.mu.Lock()
	c.procWakeup = true
	c.cond.Signal()
	c.mu.Unlock()
}

// Shutdown triggers immediate shutdown: in-flight work is abandoned.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.shutdown = true
	c.procWakeup = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// ShutdownGraceful triggers graceful shutdown: commands, including new job
// submissions, keep executing normally, and shutdownStatus continues
// reporting StatusShutdownGraceful until job_count reaches zero, at which
// point it reports StatusShutdown.
func (c *Coordinator) ShutdownGraceful() {
	c.mu.Lock()
	c.shutdownGraceful = true
	c.procWakeup = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// IsShuttingDown reports whether either shutdown mode is in effect.
func (c *Coordinator) IsShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown || c.shutdownGraceful
}

// shutdownStatus reports the server-wide status an I/O thread's Run
// should propagate to its driver this cycle.
func (c *Coordinator) shutdownStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return StatusShutdown
	}
	if c.shutdownGraceful {
		if c.jobCount == 0 {
			return StatusShutdown
		}
		return StatusShutdownGraceful
	}
	return StatusOK
}

// JobStarted increments job_count: called by internal/executor once per
// job, on SUBMIT_JOB. GRAB_JOB does not touch job_count, since the job
// stays outstanding while dispatched-unacknowledged.
func (c *Coordinator) JobStarted() {
	c.mu.Lock()
	c.jobCount++
	c.mu.Unlock()
}

// JobFinished decrements job_count: called by internal/executor when a job
// is acknowledged complete or failed (WORK_COMPLETE/WORK_FAIL). A job
// requeued after its worker died is still outstanding and is not counted
// down here.
func (c *Coordinator) JobFinished() {
	c.mu.Lock()
	if c.jobCount > 0 {
		c.jobCount--
	}
	c.mu.Unlock()
}

// JobCount returns the current job_count, mainly for metrics/tests.
func (c *Coordinator) JobCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobCount
}

// Threads returns a snapshot of the currently registered I/O threads, used
// by the processing thread to scan every thread's proc_list each wake.
func (c *Coordinator) Threads() []*IOThread {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*IOThread, len(c.threads))
	copy(out, c.threads)
	return out
}
