package port

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/danmuck/cpsw/internal/protocol/buf"
)

// Queue is the bounded blocking hand-off between two stages.
type Queue struct {
	ch    chan buf.Owned
	depth int
	drops atomic.Uint64
}

func NewQueue(depth int) *Queue {
	if depth < 1 {
		depth = 1
	}
	return &Queue{ch: make(chan buf.Owned, depth), depth: depth}
}

func (q *Queue) Depth() int {
	return q.depth
}

func (q *Queue) Len() int {
	return len(q.ch)
}

// Push blocks until there is room, the timeout elapses or ctx ends. On
// failure the chain stays with the caller.
func (q *Queue) Push(ctx context.Context, c *buf.Chain, to Timeout) bool {
	o := c.Transfer()
	select {
	case q.ch <- o:
		return true
	default:
	}
	if to.IsNone() {
		return false
	}
	timer, stop := timerFor(to)
	defer stop()
	select {
	case q.ch <- o:
		return true
	case <-timer:
		return false
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) TryPush(c *buf.Chain) bool {
	return q.Push(context.Background(), c, NoWait)
}

// PushDrop is TryPush that releases and counts the chain when the queue is
// full. Receive paths use it so a slow consumer never stalls a socket.
func (q *Queue) PushDrop(c *buf.Chain) bool {
	if q.TryPush(c) {
		return true
	}
	q.drops.Add(1)
	c.Release()
	return false
}

// Pop returns nil on timeout or when ctx ends.
func (q *Queue) Pop(ctx context.Context, to Timeout) *buf.Chain {
	select {
	case o := <-q.ch:
		return o.Take()
	default:
	}
	if to.IsNone() {
		return nil
	}
	timer, stop := timerFor(to)
	defer stop()
	select {
	case o := <-q.ch:
		return o.Take()
	case <-timer:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (q *Queue) TryPop() *buf.Chain {
	return q.Pop(context.Background(), NoWait)
}

func (q *Queue) Drops() uint64 {
	return q.drops.Load()
}

// Drain releases everything still queued.
func (q *Queue) Drain() {
	for {
		select {
		case o := <-q.ch:
			o.Take().Release()
		default:
			return
		}
	}
}

func timerFor(to Timeout) (<-chan time.Time, func()) {
	deadline, ok := to.Deadline(time.Now())
	if !ok {
		return nil, func() {}
	}
	t := time.NewTimer(time.Until(deadline))
	return t.C, func() { t.Stop() }
}
