package port

import (
	"context"
	"io"
	"time"

	"github.com/danmuck/cpsw/internal/protocol/buf"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Port is one attachment point of a protocol module. Data flows down the
// stack through Push and up through Pop.
type Port interface {
	// Push hands c towards the wire. The port owns c afterwards, whether
	// or not the push succeeded.
	Push(ctx context.Context, c *buf.Chain, to Timeout) bool
	// Pop returns the next inbound chain or nil on timeout.
	Pop(ctx context.Context, to Timeout) *buf.Chain
	TryPush(c *buf.Chain) bool
	TryPop() *buf.Chain
	Mod() Mod
	Upstream() Port
	// Match records which match parameters this port handles and returns the
	// number it satisfies. It does not recurse upstream.
	Match(p *MatchParams) int
}

// Mod is a protocol module. Muxes own several ports; every other module is
// its own single port.
type Mod interface {
	Name() string
	Attach(up Port)
	UpstreamPort() Port
	Startup() error
	Shutdown() error
	DumpInfo(w io.Writer)
	Stats() map[string]uint64
}

// UpstreamMod is the module feeding m, or nil at the bottom of the stack.
func UpstreamMod(m Mod) Mod {
	if up := m.UpstreamPort(); up != nil {
		return up.Mod()
	}
	return nil
}

// Chain lists the modules from p down to the transport.
func Chain(p Port) []Mod {
	var mods []Mod
	for ; p != nil; p = p.Upstream() {
		mods = append(mods, p.Mod())
	}
	return mods
}

// AbsTimeoutPop snapshots the clock once so a caller can reuse the deadline
// across a loop of pops.
func AbsTimeoutPop(d time.Duration) Timeout {
	return Until(time.Now().Add(d))
}

// Base carries the upstream link and inbound queue shared by single-port
// modules.
type Base struct {
	name     string
	upstream Port
	out      *Queue
	log      zerolog.Logger
}

func NewBase(name string, depth int) Base {
	return Base{
		name: name,
		out:  NewQueue(depth),
		log:  log.With().Str("mod", name).Logger(),
	}
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) Attach(up Port) {
	b.upstream = up
}

func (b *Base) UpstreamPort() Port {
	return b.upstream
}

func (b *Base) Upstream() Port {
	return b.upstream
}

func (b *Base) Out() *Queue {
	return b.out
}

func (b *Base) Logger() *zerolog.Logger {
	return &b.log
}

func (b *Base) Pop(ctx context.Context, to Timeout) *buf.Chain {
	return b.out.Pop(ctx, to)
}

func (b *Base) TryPop() *buf.Chain {
	return b.out.TryPop()
}

// ForwardPush sends c to the upstream port, which owns it from then on.
func (b *Base) ForwardPush(ctx context.Context, c *buf.Chain, to Timeout) bool {
	if b.upstream == nil {
		b.log.Error().Msg("push without upstream")
		c.Release()
		return false
	}
	return b.upstream.Push(ctx, c, to)
}
