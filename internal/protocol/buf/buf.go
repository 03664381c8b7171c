package buf

import "github.com/danmuck/cpsw/internal/protocol"

// Buf is a fixed-capacity byte area with a payload window [beg, end).
//
// A buffer belongs to at most one chain. next is the owning link, prev and
// chain are lookup-only back references.
type Buf struct {
	full []byte
	data []byte
	beg  int
	end  int

	next  *Buf
	prev  *Buf
	chain *Chain
	pool  *Pool
	idle  bool
}

// Get allocates from the default pool.
func Get(capa int, clip bool) (*Buf, error) {
	return Default.Get(capa, clip)
}

func (b *Buf) Capacity() int {
	return len(b.data)
}

func (b *Buf) Size() int {
	return b.end - b.beg
}

// Payload is the live window; writes through it are visible to the chain.
func (b *Buf) Payload() []byte {
	return b.data[b.beg:b.end]
}

// Data is the whole backing area, used by receivers that fill the buffer
// before calling SetSize.
func (b *Buf) Data() []byte {
	return b.data
}

func (b *Buf) PayloadOffset() int {
	return b.beg
}

// Avail is the room left after the payload.
func (b *Buf) Avail() int {
	return len(b.data) - b.end
}

func (b *Buf) Headroom() int {
	return b.beg
}

func (b *Buf) Next() *Buf {
	return b.next
}

func (b *Buf) Prev() *Buf {
	return b.prev
}

func (b *Buf) Chain() *Chain {
	return b.chain
}

// SetSize sets the payload length measured from the payload offset.
func (b *Buf) SetSize(n int) error {
	if n < 0 || b.beg+n > len(b.data) {
		return protocol.InvalidArgf("buf: size %d exceeds capacity %d at offset %d", n, len(b.data), b.beg)
	}
	b.adjust(b.beg, b.beg+n)
	return nil
}

// SetPayloadOffset moves the start of the payload window. The end follows
// when the new start lies beyond it.
func (b *Buf) SetPayloadOffset(off int) error {
	if off < 0 || off > len(b.data) {
		return protocol.InvalidArgf("buf: payload offset %d outside [0,%d]", off, len(b.data))
	}
	end := b.end
	if end < off {
		end = off
	}
	b.adjust(off, end)
	return nil
}

// Reinit empties the payload window and moves it to the start of the area.
func (b *Buf) Reinit() {
	b.adjust(0, 0)
}

func (b *Buf) adjust(beg, end int) {
	delta := (end - beg) - (b.end - b.beg)
	b.beg, b.end = beg, end
	if b.chain != nil {
		b.chain.size += delta
	}
}

// After links b immediately behind other. b must be free-standing.
func (b *Buf) After(other *Buf) error {
	if err := b.checkDetached(other); err != nil {
		return err
	}
	b.prev = other
	b.next = other.next
	if other.next != nil {
		other.next.prev = b
	}
	other.next = b
	if c := other.chain; c != nil {
		if c.tail == other {
			c.tail = b
		}
		c.attach(b)
	}
	return nil
}

// Before links b immediately in front of other. b must be free-standing.
func (b *Buf) Before(other *Buf) error {
	if err := b.checkDetached(other); err != nil {
		return err
	}
	b.next = other
	b.prev = other.prev
	if other.prev != nil {
		other.prev.next = b
	}
	other.prev = b
	if c := other.chain; c != nil {
		if c.head == other {
			c.head = b
		}
		c.attach(b)
	}
	return nil
}

func (b *Buf) checkDetached(other *Buf) error {
	if other == nil || other == b {
		return protocol.InvalidArgf("buf: invalid neighbor")
	}
	if b.next != nil || b.prev != nil {
		return protocol.InvalidArgf("buf: cannot enqueue non-empty node")
	}
	if b.chain != nil {
		return protocol.InvalidArgf("buf: buffer already on a chain")
	}
	return nil
}

// Unlink removes b from its neighbors and chain.
func (b *Buf) Unlink() {
	if c := b.chain; c != nil {
		if c.head == b {
			c.head = b.next
		}
		if c.tail == b {
			c.tail = b.prev
		}
		c.length--
		c.size -= b.Size()
		b.chain = nil
	}
	if b.prev != nil {
		b.prev.next = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	}
	b.next, b.prev = nil, nil
}

// Split cuts the link to the predecessor. Chained buffers cannot be split.
func (b *Buf) Split() error {
	if b.chain != nil {
		return protocol.InvalidArgf("buf: cannot split a chained buffer")
	}
	if b.prev != nil {
		b.prev.next = nil
		b.prev = nil
	}
	return nil
}

// Release returns b to its pool. A chained buffer is unlinked first; a
// free-standing buffer releases the successors it owns as well.
func (b *Buf) Release() {
	if b == nil || b.idle {
		return
	}
	if b.chain != nil {
		b.Unlink()
		b.pool.put(b)
		return
	}
	if b.prev != nil {
		b.prev.next = nil
	}
	for cur := b; cur != nil; {
		nxt := cur.next
		if nxt != nil {
			nxt.prev = nil
		}
		cur.pool.put(cur)
		cur = nxt
	}
}
