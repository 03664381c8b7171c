// Package rssi provides the reliable-transport layer slot of a stack. The
// connection state machine lives on the far side of the link; this module
// only carries its parameters and decouples the two directions with queues.
package rssi

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/danmuck/cpsw/internal/protocol"
	"github.com/danmuck/cpsw/internal/protocol/buf"
	"github.com/danmuck/cpsw/internal/protocol/port"
)

const (
	MaxWindow = 255

	DefaultWindow      = 8
	DefaultSegmentSize = 1024
	DefaultQueueDepth  = 32
)

// Config holds the negotiated-connection parameters.
type Config struct {
	Window            int
	SegmentSize       int
	RetransmitTimeout time.Duration
	CumAckTimeout     time.Duration
	NullTimeout       time.Duration
	MaxRetransmits    int
	MaxUnacked        int
	QueueDepth        int
}

func DefaultConfig() Config {
	return Config{
		Window:            DefaultWindow,
		SegmentSize:       DefaultSegmentSize,
		RetransmitTimeout: 10 * time.Millisecond,
		CumAckTimeout:     5 * time.Millisecond,
		NullTimeout:       time.Second,
		MaxRetransmits:    15,
		MaxUnacked:        DefaultWindow / 2,
		QueueDepth:        DefaultQueueDepth,
	}
}

// Validate applies defaults and rejects out-of-range parameters.
func (c Config) Validate() (Config, error) {
	def := DefaultConfig()
	if c.Window == 0 {
		c.Window = def.Window
	}
	if c.Window < 0 || c.Window > MaxWindow {
		return c, protocol.InvalidArgf("rssi: window %d out of range 1..%d", c.Window, MaxWindow)
	}
	if c.SegmentSize <= 0 {
		c.SegmentSize = def.SegmentSize
	}
	if c.RetransmitTimeout <= 0 {
		c.RetransmitTimeout = def.RetransmitTimeout
	}
	if c.CumAckTimeout <= 0 {
		c.CumAckTimeout = def.CumAckTimeout
	}
	if c.NullTimeout <= 0 {
		c.NullTimeout = def.NullTimeout
	}
	if c.MaxRetransmits <= 0 {
		c.MaxRetransmits = def.MaxRetransmits
	}
	if c.MaxUnacked <= 0 {
		c.MaxUnacked = max(c.Window/2, 1)
	}
	if c.MaxUnacked > c.Window {
		return c, protocol.InvalidArgf("rssi: max unacked %d exceeds window %d", c.MaxUnacked, c.Window)
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = def.QueueDepth
	}
	return c, nil
}

// RSSI forwards segments between the stack above and the transport below
// through an input queue (towards the wire) and an output queue (towards
// the clients).
type RSSI struct {
	port.Base
	cfg Config
	inp *port.Queue
	run port.Runner

	txSegs  atomic.Uint64
	rxSegs  atomic.Uint64
	txFails atomic.Uint64
	oversz  atomic.Uint64
}

func New(name string, cfg Config) (*RSSI, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	return &RSSI{
		Base: port.NewBase(name, cfg.QueueDepth),
		cfg:  cfg,
		inp:  port.NewQueue(cfg.QueueDepth),
	}, nil
}

func (r *RSSI) Config() Config {
	return r.cfg
}

func (r *RSSI) Mod() port.Mod {
	return r
}

func (r *RSSI) Match(p *port.MatchParams) int {
	return p.HaveRSSI.Handle(r, true)
}

func (r *RSSI) Push(ctx context.Context, c *buf.Chain, to port.Timeout) bool {
	if c.Size() > r.cfg.SegmentSize {
		r.oversz.Add(1)
		r.Logger().Error().Int("size", c.Size()).Int("segment", r.cfg.SegmentSize).Msg("message exceeds segment size")
		c.Release()
		return false
	}
	if !r.inp.Push(ctx, c, to) {
		c.Release()
		return false
	}
	return true
}

func (r *RSSI) TryPush(c *buf.Chain) bool {
	return r.Push(context.Background(), c, port.NoWait)
}

func (r *RSSI) Startup() error {
	if r.Upstream() == nil {
		return protocol.ConfigErrorf("rssi %s: not attached", r.Name())
	}
	if r.run.Start(r.txLoop, r.rxLoop) {
		r.Logger().Debug().
			Int("window", r.cfg.Window).
			Int("segment", r.cfg.SegmentSize).
			Dur("rexmit", r.cfg.RetransmitTimeout).
			Msg("rssi started")
	}
	return nil
}

func (r *RSSI) Shutdown() error {
	return r.run.Stop(nil)
}

func (r *RSSI) txLoop(ctx context.Context) error {
	up := r.Upstream()
	for {
		c := r.inp.Pop(ctx, port.Indefinite)
		if c == nil {
			if ctx.Err() != nil {
				r.inp.Drain()
				return nil
			}
			continue
		}
		if up.Push(ctx, c, port.After(r.cfg.RetransmitTimeout*time.Duration(r.cfg.MaxRetransmits))) {
			r.txSegs.Add(1)
		} else {
			r.txFails.Add(1)
		}
	}
}

func (r *RSSI) rxLoop(ctx context.Context) error {
	up := r.Upstream()
	for {
		c := up.Pop(ctx, port.Indefinite)
		if c == nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		r.rxSegs.Add(1)
		r.Out().PushDrop(c)
	}
}

func (r *RSSI) Stats() map[string]uint64 {
	return map[string]uint64{
		"tx_segments":   r.txSegs.Load(),
		"rx_segments":   r.rxSegs.Load(),
		"tx_failures":   r.txFails.Load(),
		"oversized":     r.oversz.Load(),
		"rx_queue_full": r.Out().Drops(),
	}
}

func (r *RSSI) DumpInfo(w io.Writer) {
	s := r.Stats()
	fmt.Fprintf(w, "RSSI %s: window %d, segment %d, max unacked %d\n",
		r.Name(), r.cfg.Window, r.cfg.SegmentSize, r.cfg.MaxUnacked)
	fmt.Fprintf(w, "  Timeouts: rexmit %s, cum ack %s, null %s (max %d retransmissions)\n",
		r.cfg.RetransmitTimeout, r.cfg.CumAckTimeout, r.cfg.NullTimeout, r.cfg.MaxRetransmits)
	fmt.Fprintf(w, "  Segments tx %d rx %d, tx failures %d, oversized %d, rx queue full %d\n",
		s["tx_segments"], s["rx_segments"], s["tx_failures"], s["oversized"], s["rx_queue_full"])
}
