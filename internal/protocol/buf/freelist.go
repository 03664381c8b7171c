package buf

import "sync/atomic"

// freeList is a bounded lock-free MPMC ring of idle buffers. Each slot carries
// a sequence number so a recycled buffer can never be observed by two
// consumers (no ABA).
type freeList struct {
	mask  uint64
	slots []freeSlot
	_     [48]byte
	head  atomic.Uint64
	_     [56]byte
	tail  atomic.Uint64
}

type freeSlot struct {
	seq atomic.Uint64
	b   *Buf
}

func newFreeList(size int) *freeList {
	n := roundUpPow2(uint64(size))
	f := &freeList{mask: n - 1, slots: make([]freeSlot, n)}
	for i := range f.slots {
		f.slots[i].seq.Store(uint64(i))
	}
	return f
}

// push returns false when the ring is full.
func (f *freeList) push(b *Buf) bool {
	pos := f.tail.Load()
	for {
		s := &f.slots[pos&f.mask]
		diff := int64(s.seq.Load() - pos)
		if diff == 0 {
			if f.tail.CompareAndSwap(pos, pos+1) {
				s.b = b
				s.seq.Store(pos + 1)
				return true
			}
		} else if diff < 0 {
			return false
		}
		pos = f.tail.Load()
	}
}

// pop returns nil when the ring is empty.
func (f *freeList) pop() *Buf {
	pos := f.head.Load()
	for {
		s := &f.slots[pos&f.mask]
		diff := int64(s.seq.Load() - (pos + 1))
		if diff == 0 {
			if f.head.CompareAndSwap(pos, pos+1) {
				b := s.b
				s.b = nil
				s.seq.Store(pos + f.mask + 1)
				return b
			}
		} else if diff < 0 {
			return nil
		}
		pos = f.head.Load()
	}
}

func roundUpPow2(v uint64) uint64 {
	if v < 2 {
		return 2
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}
