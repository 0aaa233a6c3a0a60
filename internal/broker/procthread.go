package broker

import "sync"

// ProcThread is the single per-server processing thread. It owns no
// connections directly; it scans every registered IOThread's proc_list
// each time it wakes and executes commands against the shared broker
// state via the coordinator's CommandExecutor.
type ProcThread struct {
	coord *Coordinator
	done  sync.WaitGroup
}

func newProcThread(coord *Coordinator) *ProcThread {
	p := &ProcThread{coord: coord}
	p.done.Add(1)
	return p
}

func (p *ProcThread) wait() {
	p.done.Wait()
}

// run waits for proc_wakeup (or proc_shutdown) on the coordinator's
// condition variable, then drains every I/O thread's proc_list once per
// wake. Spurious wakeups are harmless: an empty pass is a no-op.
func (p *ProcThread) run() {
	defer p.done.Done()

	c := p.coord
	for {
		c.mu.Lock()
		for !c.procWakeup {
			if c.procShutdown {
				c.mu.Unlock()
				return
			}
			c.cond.Wait()
		}
		c.procWakeup = false
		shuttingDown := c.procShutdown
		c.mu.Unlock()

		p.drainAll()

		if shuttingDown {
			return
		}
	}
}

// drainAll scans every I/O thread's proc_list once.
func (p *ProcThread) drainAll() {
	for _, t := range p.coord.Threads() {
		drainProcList(t, p.coord.executor)
	}
}

// drainProcList detaches t's whole proc_list and, for each connection,
// either releases it (DEAD) or drains its proc_inbound_queue against
// executor. Called by the processing thread in multi-thread mode and,
// inline, by the lone I/O thread in single-thread mode, where no
// processing thread exists and the I/O thread must perform this step
// itself.
func drainProcList(t *IOThread, executor CommandExecutor) {
	t.mu.Lock()
	var conns []*Connection
	for c := t.procHead; c != nil; {
		next := c.procNext
		c.clearInProcList()
		c.procNext = nil
		conns = append(conns, c)
		c = next
	}
	t.procHead = nil
	t.mu.Unlock()

	for _, c := range conns {
		drainConn(t, c, executor)
	}
}

func drainConn(t *IOThread, c *Connection, executor CommandExecutor) {
	t.mu.Lock()
	dead := c.isDead()
	t.mu.Unlock()

	if dead {
		executor.Release(c)
		t.mu.Lock()
		c.setFree()
		t.enqueueIOLocked(c)
		t.mu.Unlock()
		return
	}

	for {
		t.mu.Lock()
		if len(c.procInbound) == 0 {
			t.mu.Unlock()
			return
		}
		pkt := c.procInbound[0]
		c.procInbound = c.procInbound[1:]
		t.mu.Unlock()

		st := executor.Execute(c, pkt)

		t.mu.Lock()
		c.lastRet = st
		t.packetPool.Release(pkt)
		t.mu.Unlock()
	}
}
