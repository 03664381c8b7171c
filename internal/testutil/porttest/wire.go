// Package porttest provides a scripted bottom-of-stack port for protocol
// module tests.
package porttest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/cpsw/internal/protocol/buf"
	"github.com/danmuck/cpsw/internal/protocol/port"
)

// Wire records every pushed frame and feeds scripted replies back through
// its output queue.
type Wire struct {
	port.Base
	DestPort uint

	mu    sync.Mutex
	sent  [][]byte
	reply func(req []byte) [][]byte
	ups   int
}

func NewWire(name string, depth int) *Wire {
	return &Wire{Base: port.NewBase(name, depth)}
}

// OnPush installs the reply script; each returned slice is delivered as one
// inbound chain.
func (w *Wire) OnPush(fn func(req []byte) [][]byte) {
	w.mu.Lock()
	w.reply = fn
	w.mu.Unlock()
}

func (w *Wire) Push(ctx context.Context, c *buf.Chain, to port.Timeout) bool {
	data := c.Bytes()
	c.Release()
	w.mu.Lock()
	w.sent = append(w.sent, data)
	fn := w.reply
	w.mu.Unlock()
	if fn != nil {
		for _, r := range fn(data) {
			w.Deliver(r)
		}
	}
	return true
}

func (w *Wire) TryPush(c *buf.Chain) bool {
	return w.Push(context.Background(), c, port.NoWait)
}

// Deliver queues b as an inbound chain.
func (w *Wire) Deliver(b []byte) {
	c := buf.NewChain()
	_ = c.Append(b)
	w.Out().PushDrop(c)
}

// DeliverChain queues c as is.
func (w *Wire) DeliverChain(c *buf.Chain) {
	w.Out().PushDrop(c)
}

func (w *Wire) Sent() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.sent))
	copy(out, w.sent)
	return out
}

// WaitSent blocks until at least n frames were pushed or d elapses.
func (w *Wire) WaitSent(n int, d time.Duration) [][]byte {
	deadline := time.Now().Add(d)
	for {
		if s := w.Sent(); len(s) >= n || time.Now().After(deadline) {
			return s
		}
		time.Sleep(time.Millisecond)
	}
}

func (w *Wire) Mod() port.Mod {
	return w
}

func (w *Wire) Match(p *port.MatchParams) int {
	return p.UDPDestPort.HandleValue(w, w.DestPort)
}

func (w *Wire) Startup() error {
	w.mu.Lock()
	w.ups++
	w.mu.Unlock()
	return nil
}

func (w *Wire) Shutdown() error {
	w.mu.Lock()
	w.ups--
	w.mu.Unlock()
	return nil
}

// Running is the net number of Startup calls.
func (w *Wire) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ups
}

func (w *Wire) DumpInfo(out io.Writer) {
	fmt.Fprintf(out, "Wire %s: %d frames sent\n", w.Name(), len(w.Sent()))
}

func (w *Wire) Stats() map[string]uint64 {
	return map[string]uint64{"sent": uint64(len(w.Sent()))}
}
