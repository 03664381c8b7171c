package buf

import (
	"sync/atomic"

	"github.com/danmuck/cpsw/internal/protocol"
)

const (
	// DefaultCapacity is the slab size of one pooled buffer.
	DefaultCapacity = 1500
	// DefaultPoolDepth bounds how many idle buffers the default pool retains.
	DefaultPoolDepth = 4096

	slabBuffers = 32
)

// Default serves chains created with NewChain.
var Default = NewPool(DefaultCapacity, DefaultPoolDepth)

// Pool hands out fixed-capacity buffers carved from larger slabs. Get and
// release are safe for concurrent use and take no locks.
type Pool struct {
	capacity  int
	free      *freeList
	allocated atomic.Int64
	inUse     atomic.Int64
}

// PoolStats is a point-in-time snapshot of pool usage.
type PoolStats struct {
	Capacity  int   `json:"capacity"`
	Allocated int64 `json:"allocated"`
	InUse     int64 `json:"in_use"`
	Free      int64 `json:"free"`
}

func NewPool(capacity, depth int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if depth <= 0 {
		depth = DefaultPoolDepth
	}
	return &Pool{capacity: capacity, free: newFreeList(depth)}
}

// Capacity is the slab size; no buffer from this pool can hold more.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Get returns an empty buffer able to hold capa bytes. A capa of 0 selects
// the full slab size. Requests above the slab size fail unless clip is set,
// in which case the capacity saturates at the slab size.
func (p *Pool) Get(capa int, clip bool) (*Buf, error) {
	if capa < 0 {
		return nil, protocol.InvalidArgf("buf: negative capacity %d", capa)
	}
	if capa > p.capacity {
		if !clip {
			return nil, protocol.InvalidArgf("buf: requested capacity %d exceeds slab size %d", capa, p.capacity)
		}
		capa = p.capacity
	}
	if capa == 0 {
		capa = p.capacity
	}
	b := p.free.pop()
	if b == nil {
		b = p.grow()
	}
	b.data = b.full[:capa]
	b.beg, b.end = 0, 0
	b.idle = false
	p.inUse.Add(1)
	return b, nil
}

func (p *Pool) Stats() PoolStats {
	alloc := p.allocated.Load()
	used := p.inUse.Load()
	return PoolStats{Capacity: p.capacity, Allocated: alloc, InUse: used, Free: alloc - used}
}

// NewChain returns an empty chain whose implicit buffers come from p.
func (p *Pool) NewChain() *Chain {
	return &Chain{pool: p}
}

func (p *Pool) grow() *Buf {
	slab := make([]byte, p.capacity*slabBuffers)
	var first *Buf
	for i := 0; i < slabBuffers; i++ {
		lo, hi := i*p.capacity, (i+1)*p.capacity
		b := &Buf{full: slab[lo:hi:hi], pool: p, idle: true}
		p.allocated.Add(1)
		if first == nil {
			first = b
			continue
		}
		if !p.free.push(b) {
			p.allocated.Add(-1)
		}
	}
	return first
}

func (p *Pool) put(b *Buf) {
	b.data = nil
	b.beg, b.end = 0, 0
	b.next, b.prev, b.chain = nil, nil, nil
	b.idle = true
	p.inUse.Add(-1)
	if !p.free.push(b) {
		p.allocated.Add(-1)
	}
}
