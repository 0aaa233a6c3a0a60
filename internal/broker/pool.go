package broker

import "flowbroker/internal/protocol"

// DefaultMaxPoolSize bounds how many objects a free-list retains before it
// starts letting the garbage collector reclaim the rest; an unbounded pool
// can otherwise retain memory forever after a connection-count burst.
const DefaultMaxPoolSize = 4096

// PacketPool is a per-I/O-thread free-list of protocol.Packet objects. It
// is not safe for concurrent use; callers already hold the owning
// IOThread's lock wherever packets cross threads.
type PacketPool struct {
	free    []*protocol.Packet
	maxSize int
}

// NewPacketPool returns an empty pool bounded at maxSize retained objects.
// A non-positive maxSize falls back to DefaultMaxPoolSize.
func NewPacketPool(maxSize int) *PacketPool {
	if maxSize <= 0 {
		maxSize = DefaultMaxPoolSize
	}
	return &PacketPool{maxSize: maxSize}
}

// Acquire returns a zeroed Packet, reusing one from the free-list if
// available, else allocating a new one.
func (p *PacketPool) Acquire() *protocol.Packet {
	if n := len(p.free); n > 0 {
		pkt := p.free[n-1]
		p.free = p.free[:n-1]
		return pkt
	}
	return &protocol.Packet{}
}

// Release zeros pkt's transient fields and returns it to the free-list,
// unless the pool is already at capacity, in which case pkt is dropped for
// the GC to collect.
func (p *PacketPool) Release(pkt *protocol.Packet) {
	if pkt == nil {
		return
	}
	pkt.Reset()
	if len(p.free) >= p.maxSize {
		return
	}
	p.free = append(p.free, pkt)
}

// ConnPool is a per-I/O-thread free-list of Connection objects.
type ConnPool struct {
	free    []*Connection
	maxSize int
}

// NewConnPool returns an empty pool bounded at maxSize retained objects.
func NewConnPool(maxSize int) *ConnPool {
	if maxSize <= 0 {
		maxSize = DefaultMaxPoolSize
	}
	return &ConnPool{maxSize: maxSize}
}

// Acquire returns a zeroed Connection, reusing one from the free-list if
// available, else allocating a new one.
func (p *ConnPool) Acquire() *Connection {
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		return c
	}
	return newConnection()
}

// Release clears c's transient fields and returns it to the free-list,
// unless the pool is already at capacity.
func (p *ConnPool) Release(c *Connection) {
	if c == nil {
		return
	}
	c.reset()
	if len(p.free) >= p.maxSize {
		return
	}
	p.free = append(p.free, c)
}
