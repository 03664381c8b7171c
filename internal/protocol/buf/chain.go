package buf

import "github.com/danmuck/cpsw/internal/protocol"

// Chain is an ordered run of buffers holding one logical byte stream. Len and
// Size are maintained on every member mutation.
//
// A chain has a single owner. Handing it to another goroutine goes through
// Transfer so the handoff is explicit at the call site.
type Chain struct {
	head   *Buf
	tail   *Buf
	length int
	size   int
	pool   *Pool
}

// NewChain returns an empty chain backed by the default pool.
func NewChain() *Chain {
	return Default.NewChain()
}

func (c *Chain) Head() *Buf {
	return c.head
}

func (c *Chain) Tail() *Buf {
	return c.tail
}

// Len is the number of buffers.
func (c *Chain) Len() int {
	return c.length
}

// Size is the number of payload bytes.
func (c *Chain) Size() int {
	return c.size
}

func (c *Chain) Pool() *Pool {
	if c.pool == nil {
		c.pool = Default
	}
	return c.pool
}

func (c *Chain) attach(b *Buf) {
	b.chain = c
	c.length++
	c.size += b.Size()
}

// AddAtHead prepends a free-standing buffer.
func (c *Chain) AddAtHead(b *Buf) error {
	if b.chain != nil {
		return protocol.InvalidArgf("buf: buffer already on a chain")
	}
	if b.next != nil || b.prev != nil {
		return protocol.InvalidArgf("buf: cannot enqueue non-empty node")
	}
	if c.head == nil {
		c.head, c.tail = b, b
		c.attach(b)
		return nil
	}
	return b.Before(c.head)
}

// AddAtTail appends a free-standing buffer.
func (c *Chain) AddAtTail(b *Buf) error {
	if b.chain != nil {
		return protocol.InvalidArgf("buf: buffer already on a chain")
	}
	if b.next != nil || b.prev != nil {
		return protocol.InvalidArgf("buf: cannot enqueue non-empty node")
	}
	if c.tail == nil {
		c.head, c.tail = b, b
		c.attach(b)
		return nil
	}
	return b.After(c.tail)
}

func (c *Chain) CreateAtHead(capa int, clip bool) (*Buf, error) {
	b, err := c.Pool().Get(capa, clip)
	if err != nil {
		return nil, err
	}
	if err := c.AddAtHead(b); err != nil {
		b.Release()
		return nil, err
	}
	return b, nil
}

func (c *Chain) CreateAtTail(capa int, clip bool) (*Buf, error) {
	b, err := c.Pool().Get(capa, clip)
	if err != nil {
		return nil, err
	}
	if err := c.AddAtTail(b); err != nil {
		b.Release()
		return nil, err
	}
	return b, nil
}

// Extract copies up to len(dst) bytes starting at off and returns the count.
// It returns 0 when off lies at or beyond the end of the chain.
func (c *Chain) Extract(dst []byte, off int) int {
	if off < 0 || off >= c.size || len(dst) == 0 {
		return 0
	}
	b := c.head
	for b != nil && off >= b.Size() {
		off -= b.Size()
		b = b.next
	}
	n := 0
	for b != nil && n < len(dst) {
		n += copy(dst[n:], b.Payload()[off:])
		off = 0
		b = b.next
	}
	return n
}

// Insert writes src at logical offset off. A gap between the current end and
// off is filled with zeroed padding. Everything behind off+len(src) is
// discarded, so the chain ends exactly at the inserted data.
func (c *Chain) Insert(src []byte, off int) error {
	if off < 0 {
		return protocol.InvalidArgf("buf: negative insert offset %d", off)
	}
	if off >= c.size {
		if err := c.fill(nil, off-c.size); err != nil {
			return err
		}
	} else {
		c.truncate(off)
	}
	return c.fill(src, len(src))
}

// Append writes src after the last byte.
func (c *Chain) Append(src []byte) error {
	return c.fill(src, len(src))
}

// Prepend writes src in front of the first byte, using headroom in the head
// buffer when there is enough of it.
func (c *Chain) Prepend(src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if h := c.head; h != nil && h.Headroom() >= len(src) {
		h.adjust(h.beg-len(src), h.end)
		copy(h.Payload(), src)
		return nil
	}
	capa := c.Pool().Capacity()
	if len(src) > capa {
		return protocol.InvalidArgf("buf: prepend of %d bytes exceeds slab size %d", len(src), capa)
	}
	b, err := c.Pool().Get(0, false)
	if err != nil {
		return err
	}
	b.beg, b.end = b.Capacity()-len(src), b.Capacity()
	copy(b.Payload(), src)
	if err := c.AddAtHead(b); err != nil {
		b.Release()
		return err
	}
	return nil
}

// TrimHead drops n bytes from the front, releasing emptied buffers.
func (c *Chain) TrimHead(n int) {
	for n > 0 && c.head != nil {
		h := c.head
		if h.Size() <= n {
			n -= h.Size()
			h.Release()
			continue
		}
		h.adjust(h.beg+n, h.end)
		n = 0
	}
}

// TrimTail drops n bytes from the end, releasing emptied buffers.
func (c *Chain) TrimTail(n int) {
	for n > 0 && c.tail != nil {
		t := c.tail
		if t.Size() <= n {
			n -= t.Size()
			t.Release()
			continue
		}
		t.adjust(t.beg, t.end-n)
		n = 0
	}
}

// Bytes flattens the chain into a fresh slice.
func (c *Chain) Bytes() []byte {
	out := make([]byte, c.size)
	c.Extract(out, 0)
	return out
}

// Release returns every buffer to its pool and leaves the chain empty.
func (c *Chain) Release() {
	if c == nil {
		return
	}
	for c.head != nil {
		c.head.Release()
	}
}

// truncate cuts the chain to off bytes; off must be below Size.
func (c *Chain) truncate(off int) {
	b := c.head
	for b != nil && off >= b.Size() {
		off -= b.Size()
		b = b.next
	}
	if b == nil {
		return
	}
	b.adjust(b.beg, b.beg+off)
	for b.next != nil {
		b.next.Release()
	}
}

// fill appends n bytes at the tail: copied from src, or zeros when src is nil.
func (c *Chain) fill(src []byte, n int) error {
	for n > 0 {
		t := c.tail
		if t == nil || t.Avail() == 0 {
			var err error
			if t, err = c.CreateAtTail(0, false); err != nil {
				return err
			}
		}
		room := t.data[t.end:]
		if len(room) > n {
			room = room[:n]
		}
		if src != nil {
			copy(room, src)
			src = src[len(room):]
		} else {
			clear(room)
		}
		t.adjust(t.beg, t.end+len(room))
		n -= len(room)
	}
	return nil
}

// Owned is a chain in transit between two owners.
type Owned struct {
	c *Chain
}

// Transfer hands the chain off. The caller must not touch c afterwards.
func (c *Chain) Transfer() Owned {
	return Owned{c: c}
}

// Take claims the chain; a second Take on the same handle returns nil.
func (o *Owned) Take() *Chain {
	c := o.c
	o.c = nil
	return c
}
