package mux

import (
	"context"
	"fmt"
	"io"

	"github.com/danmuck/cpsw/internal/protocol/buf"
	"github.com/danmuck/cpsw/internal/protocol/depack"
	"github.com/danmuck/cpsw/internal/protocol/port"
)

// TDestMux routes reassembled frames by the TDEST field of their
// depacketizer header.
type TDestMux struct {
	core
}

func NewTDestMux(name string) *TDestMux {
	m := &TDestMux{}
	m.core.init(name, m.route)
	return m
}

// CreatePort claims tdest. A stripping port adds the frame header and tail
// on the way out and removes them on the way in; otherwise clients handle
// framing and only the TDEST field is rewritten.
func (m *TDestMux) CreatePort(tdest uint8, stripHeader bool, depth int) (*TDestPort, error) {
	p := &TDestPort{mux: m, tdest: tdest, strip: stripHeader, out: port.NewQueue(max(depth, 1))}
	if err := m.register(uint(tdest), p); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *TDestMux) route(c *buf.Chain) (uint, bool) {
	var hdr [depack.HeaderSize]byte
	if c.Extract(hdr[:], 0) < depack.HeaderSize {
		return 0, false
	}
	h, ok := depack.ParseHeader(hdr[:])
	if !ok {
		return 0, false
	}
	return uint(h.TDest), true
}

func (m *TDestMux) DumpInfo(w io.Writer) {
	s := m.Stats()
	fmt.Fprintf(w, "TDEST mux %s: TDESTs %v\n", m.name, m.keys())
	fmt.Fprintf(w, "  rx %d, tx %d, unrouted %d, queue drops %d, bad header %d\n",
		s["rx"], s["tx"], s["unrouted"], s["dropped"], s["bad"])
}

// TDestPort is one stream of a TDestMux.
type TDestPort struct {
	mux   *TDestMux
	tdest uint8
	strip bool
	out   *port.Queue
}

func (p *TDestPort) TDest() uint8 {
	return p.tdest
}

func (p *TDestPort) StripHeader() bool {
	return p.strip
}

func (p *TDestPort) deliver(c *buf.Chain) bool {
	if p.strip {
		if c.Size() < depack.HeaderSize+depack.TailSize {
			c.Release()
			return false
		}
		c.TrimHead(depack.HeaderSize)
		c.TrimTail(depack.TailSize)
	}
	return p.out.PushDrop(c)
}

func (p *TDestPort) frame(c *buf.Chain) bool {
	if p.strip {
		if err := c.Prepend(depack.NewHeader(p.tdest)); err != nil {
			return false
		}
		return c.Append(make([]byte, depack.TailSize)) == nil
	}
	head := c.Head()
	if head == nil || head.Size() < depack.HeaderSize {
		return false
	}
	hb := head.Payload()[:depack.HeaderSize]
	h, ok := depack.ParseHeader(hb)
	if !ok {
		return false
	}
	h.TDest = p.tdest
	depack.PutHeader(hb, h)
	return true
}

func (p *TDestPort) Push(ctx context.Context, c *buf.Chain, to port.Timeout) bool {
	if !p.frame(c) {
		p.mux.log.Error().Uint8("tdest", p.tdest).Int("size", c.Size()).Msg("cannot frame outbound message")
		c.Release()
		return false
	}
	return p.mux.pushUp(ctx, c, to)
}

func (p *TDestPort) TryPush(c *buf.Chain) bool {
	return p.Push(context.Background(), c, port.NoWait)
}

func (p *TDestPort) Pop(ctx context.Context, to port.Timeout) *buf.Chain {
	return p.out.Pop(ctx, to)
}

func (p *TDestPort) TryPop() *buf.Chain {
	return p.out.TryPop()
}

func (p *TDestPort) Mod() port.Mod {
	return p.mux
}

func (p *TDestPort) Upstream() port.Port {
	return p.mux.upstream
}

func (p *TDestPort) Match(mp *port.MatchParams) int {
	return mp.TDest.HandleValue(p.mux, uint(p.tdest))
}

func (p *TDestPort) Close() {
	p.mux.unregister(uint(p.tdest))
	p.out.Drain()
}
