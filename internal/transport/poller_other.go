//go:build !linux

package transport

import "sync"

// busyPoller is the non-Linux fallback Poller: it has no OS readiness
// primitive to lean on, so it reports every registered connection ready
// on every Wait call and relies on internal/broker's IO_WAIT handling to
// make that cheap (a connection with nothing to read or flush is a no-op
// pass). Production deployments should run on Linux and use EpollPoller;
// this fallback exists so the module still builds and its tests still run
// elsewhere.
type busyPoller struct {
	mu    sync.Mutex
	conns map[Conn]EventMask
}

// NewEpollPoller on non-Linux platforms returns the busy-poll fallback
// under the same name so cmd/brokerd doesn't need build tags of its own.
func NewEpollPoller() (*busyPoller, error) {
	return &busyPoller{conns: make(map[Conn]EventMask)}, nil
}

func (p *busyPoller) Register(conn Conn, mask EventMask) error {
	p.mu.Lock()
	p.conns[conn] = mask
	p.mu.Unlock()
	return nil
}

func (p *busyPoller) Unregister(conn Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

func (p *busyPoller) SetMask(conn Conn, mask EventMask) error {
	p.mu.Lock()
	p.conns[conn] = mask
	p.mu.Unlock()
	return nil
}

func (p *busyPoller) Wait(dst []Ready, timeoutMillis int) ([]Ready, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c, mask := range p.conns {
		dst = append(dst, Ready{
			Conn:     c,
			Readable: mask&EventRead != 0,
			Writable: mask&EventWrite != 0,
		})
	}
	return dst, nil
}

func (p *busyPoller) Close() error { return nil }
