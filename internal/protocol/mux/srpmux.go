package mux

import (
	"context"
	"fmt"
	"io"

	"github.com/danmuck/cpsw/internal/protocol"
	"github.com/danmuck/cpsw/internal/protocol/buf"
	"github.com/danmuck/cpsw/internal/protocol/port"
	"github.com/danmuck/cpsw/internal/protocol/srp"
)

// MaxVC is the highest SRP virtual channel a port may claim.
const MaxVC = 127

// SRPMux routes SRP responses to the port owning their virtual channel.
// Outbound requests get the port's channel stamped into the VC byte (V1)
// or the top byte of the transaction id (V2, V3).
type SRPMux struct {
	core
	version srp.Version
}

func NewSRPMux(name string, v srp.Version) *SRPMux {
	m := &SRPMux{version: v}
	m.core.init(name, m.route)
	return m
}

func (m *SRPMux) Version() srp.Version {
	return m.version
}

// CreatePort claims vc; depth bounds the replies buffered for it.
func (m *SRPMux) CreatePort(vc uint8, depth int) (*SRPPort, error) {
	if vc > MaxVC {
		return nil, protocol.InvalidArgf("%s: virtual channel %d out of range", m.name, vc)
	}
	p := &SRPPort{mux: m, vc: vc, out: port.NewQueue(max(depth, 1))}
	if err := m.register(uint(vc), p); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *SRPMux) route(c *buf.Chain) (uint, bool) {
	var hdr [8]byte
	n := c.Extract(hdr[:], 0)
	vc, ok := srp.ResponseVC(m.version, hdr[:n])
	return uint(vc), ok
}

func (m *SRPMux) vcOffset() int {
	if m.version == srp.V1 {
		return 0
	}
	return m.version.TIDOffset() + 3
}

func (m *SRPMux) DumpInfo(w io.Writer) {
	s := m.Stats()
	fmt.Fprintf(w, "SRP mux %s (%s): VCs %v\n", m.name, m.version, m.keys())
	fmt.Fprintf(w, "  rx %d, tx %d, unrouted %d, queue drops %d, malformed %d\n",
		s["rx"], s["tx"], s["unrouted"], s["dropped"], s["bad"])
}

// SRPPort is one virtual channel of an SRPMux.
type SRPPort struct {
	mux *SRPMux
	vc  uint8
	out *port.Queue
}

func (p *SRPPort) VC() uint8 {
	return p.vc
}

func (p *SRPPort) deliver(c *buf.Chain) bool {
	return p.out.PushDrop(c)
}

func (p *SRPPort) Push(ctx context.Context, c *buf.Chain, to port.Timeout) bool {
	if !pokeByte(c, p.mux.vcOffset(), p.vc) {
		p.mux.log.Error().Int("size", c.Size()).Msg("request too short for virtual channel")
		c.Release()
		return false
	}
	return p.mux.pushUp(ctx, c, to)
}

func (p *SRPPort) TryPush(c *buf.Chain) bool {
	return p.Push(context.Background(), c, port.NoWait)
}

func (p *SRPPort) Pop(ctx context.Context, to port.Timeout) *buf.Chain {
	return p.out.Pop(ctx, to)
}

func (p *SRPPort) TryPop() *buf.Chain {
	return p.out.TryPop()
}

func (p *SRPPort) Mod() port.Mod {
	return p.mux
}

func (p *SRPPort) Upstream() port.Port {
	return p.mux.upstream
}

func (p *SRPPort) Match(mp *port.MatchParams) int {
	n := mp.SRPVersion.HandleValue(p.mux, uint(p.mux.version))
	n += mp.SRPVC.HandleValue(p.mux, uint(p.vc))
	return n
}

// Close releases the channel and anything still queued on it.
func (p *SRPPort) Close() {
	p.mux.unregister(uint(p.vc))
	p.out.Drain()
}
