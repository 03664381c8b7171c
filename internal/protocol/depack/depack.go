package depack

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
	// MaxUnfragmented bounds outbound frames; they are always sent as a
	// single fragment.
	MaxUnfragmented = 1024 - 16

	MaxWinLog2 = 10

	noFrag = ^uint32(0)
)

// Config sizes the reassembly windows.
type Config struct {
	QueueDepth   int
	FrameWinLog2 uint
	FragWinLog2  uint
	Timeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueDepth:   50,
		FrameWinLog2: 5,
		FragWinLog2:  5,
		Timeout:      time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueDepth <= 0 {
		c.QueueDepth = def.QueueDepth
	}
	if c.FrameWinLog2 == 0 {
		c.FrameWinLog2 = def.FrameWinLog2
	}
	if c.FragWinLog2 == 0 {
		c.FragWinLog2 = def.FragWinLog2
	}
	if c.FrameWinLog2 > MaxWinLog2 {
		c.FrameWinLog2 = MaxWinLog2
	}
	if c.FragWinLog2 > MaxWinLog2 {
		c.FragWinLog2 = MaxWinLog2
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

type counters struct {
	badHeader         atomic.Uint64
	oldFrame          atomic.Uint64
	newFrame          atomic.Uint64
	oldFrag           atomic.Uint64
	newFrag           atomic.Uint64
	duplicateFrag     atomic.Uint64
	duplicateLastSeen atomic.Uint64
	noLastSeen        atomic.Uint64
	pastLast          atomic.Uint64
	fragsAccepted     atomic.Uint64
	framesAccepted    atomic.Uint64
	oqueueFull        atomic.Uint64
	evicted           atomic.Uint64
	incomplete        atomic.Uint64
	empty             atomic.Uint64
	timedOut          atomic.Uint64
	internal          atomic.Uint64
}

type frame struct {
	id         int
	oldestFrag uint32
	lastFrag   uint32
	frags      []*buf.Buf
	prod       *buf.Chain
	running    bool
	deadline   time.Time
}

func newFrame(fragWin int) *frame {
	return &frame{id: -1, lastFrag: noFrag, frags: make([]*buf.Buf, fragWin)}
}

func (f *frame) complete() bool {
	return f.lastFrag != noFrag && f.oldestFrag > f.lastFrag
}

// updateChain moves the contiguous run of fragments starting at oldestFrag
// into the output chain. A buffer that cannot be chained is released.
func (f *frame) updateChain() error {
	mask := uint32(len(f.frags) - 1)
	for f.lastFrag == noFrag || f.oldestFrag <= f.lastFrag {
		idx := f.oldestFrag & mask
		b := f.frags[idx]
		if b == nil {
			return nil
		}
		f.frags[idx] = nil
		f.oldestFrag++
		if err := f.prod.AddAtTail(b); err != nil {
			b.Release()
			return err
		}
	}
	return nil
}

func (f *frame) reset() {
	for i, b := range f.frags {
		if b != nil {
			b.Release()
			f.frags[i] = nil
		}
	}
	f.prod.Release()
	f.prod = nil
	f.id = -1
	f.oldestFrag = 0
	f.lastFrag = noFrag
	f.running = false
}

// Depack reassembles fragmented frames arriving from upstream and forwards
// complete frames to its output queue. All window state is owned by the
// receive goroutine.
type Depack struct {
	port.Base
	cfg  Config
	pool *buf.Pool

	frames     []*frame
	haveOldest bool
	oldest     uint16

	txFrameNo atomic.Uint32
	run       port.Runner
	cnt       counters
	now       func() time.Time
}

func New(name string, cfg Config) *Depack {
	cfg = cfg.withDefaults()
	d := &Depack{
		Base: port.NewBase(name, cfg.QueueDepth),
		cfg:  cfg,
		pool: buf.Default,
		now:  time.Now,
	}
	d.frames = make([]*frame, 1<<cfg.FrameWinLog2)
	for i := range d.frames {
		d.frames[i] = newFrame(1 << cfg.FragWinLog2)
	}
	return d
}

func (d *Depack) Config() Config {
	return d.cfg
}

func (d *Depack) Mod() port.Mod {
	return d
}

func (d *Depack) Match(p *port.MatchParams) int {
	n := p.HaveDepack.Handle(d, true)
	n += p.DepackVersion.HandleValue(d, Version0)
	return n
}

// Push stamps the next frame number, fragment 0, SOF and EOF into the
// caller-supplied header and tail, then forwards upstream.
func (d *Depack) Push(ctx context.Context, c *buf.Chain, to port.Timeout) bool {
	if err := d.frameOutput(c); err != nil {
		d.Logger().Error().Err(err).Msg("outbound frame rejected")
		c.Release()
		return false
	}
	return d.ForwardPush(ctx, c, to)
}

func (d *Depack) TryPush(c *buf.Chain) bool {
	return d.Push(context.Background(), c, port.NoWait)
}

func (d *Depack) frameOutput(c *buf.Chain) error {
	if c.Size() > MaxUnfragmented {
		return protocol.InvalidArgf("depack: outgoing data cannot be fragmented (%d bytes)", c.Size())
	}
	head, tail := c.Head(), c.Tail()
	if head == nil || head.Size() < HeaderSize || c.Size() < HeaderSize+TailSize {
		return protocol.InvalidArgf("depack: frame too short for header and tail")
	}
	hb := head.Payload()[:HeaderSize]
	h, ok := ParseHeader(hb)
	if !ok {
		return protocol.InvalidArgf("depack: bad outbound header")
	}
	h.FrameNo = uint16(d.txFrameNo.Add(1)-1) & FrameNoMask
	h.FragNo = 0
	h.TUsr1 |= tUsr1SOF
	PutHeader(hb, h)
	tp := tail.Payload()
	if len(tp) == 0 {
		return protocol.InvalidArgf("depack: empty tail buffer")
	}
	tp[len(tp)-1] = SetTailEOF(tp[len(tp)-1], true)
	return nil
}

func (d *Depack) Startup() error {
	if d.Upstream() == nil {
		return protocol.ConfigErrorf("depack %s: not attached", d.Name())
	}
	if d.run.Start(d.loop) {
		d.Logger().Debug().
			Int("frame_win", len(d.frames)).
			Int("frag_win", 1<<d.cfg.FragWinLog2).
			Dur("timeout", d.cfg.Timeout).
			Msg("depack started")
	}
	return nil
}

func (d *Depack) Shutdown() error {
	return d.run.Stop(nil)
}

func (d *Depack) loop(ctx context.Context) error {
	defer d.flush()
	up := d.Upstream()
	for {
		to := port.Indefinite
		if s := d.oldestSlot(); s != nil && s.running {
			to = port.Until(s.deadline)
		}
		c := up.Pop(ctx, to)
		if ctx.Err() != nil {
			c.Release()
			return nil
		}
		if c == nil {
			d.releaseOldestFrame(ctx, false)
			d.cnt.timedOut.Add(1)
			d.releaseFrames(ctx, true)
			continue
		}
		for b := c.Head(); b != nil; b = c.Head() {
			b.Unlink()
			d.processBuffer(ctx, b)
			d.releaseFrames(ctx, true)
		}
	}
}

func (d *Depack) flush() {
	for _, f := range d.frames {
		f.reset()
	}
	d.haveOldest = false
	d.Out().Drain()
}

func (d *Depack) slot(frameNo uint16) *frame {
	return d.frames[int(frameNo)&(len(d.frames)-1)]
}

func (d *Depack) oldestSlot() *frame {
	if !d.haveOldest {
		return nil
	}
	return d.slot(d.oldest)
}

func (d *Depack) processBuffer(ctx context.Context, b *buf.Buf) {
	payload := b.Payload()
	h, ok := ParseHeader(payload)
	if !ok || len(payload) < HeaderSize+TailSize {
		d.cnt.badHeader.Add(1)
		b.Release()
		return
	}
	log := d.Logger()

	if !d.haveOldest {
		d.haveOldest = true
		d.oldest = h.FrameNo
	}

	win := len(d.frames)
	rel := frameDiff(h.FrameNo, d.oldest)
	if rel < 0 {
		d.cnt.oldFrame.Add(1)
		log.Trace().Uint16("frame", h.FrameNo).Uint16("oldest", d.oldest).Msg("old frame dropped")
		d.frameSync(ctx, h.FrameNo, rel)
		b.Release()
		return
	}
	if rel > win {
		d.cnt.newFrame.Add(1)
		log.Trace().Uint16("frame", h.FrameNo).Uint16("oldest", d.oldest).Msg("new frame dropped")
		d.frameSync(ctx, h.FrameNo, rel)
		b.Release()
		return
	}
	if rel == win {
		d.cnt.evicted.Add(1)
		if !d.releaseOldestFrame(ctx, false) {
			d.oldest = nextFrame(d.oldest)
		}
	}

	f := d.slot(h.FrameNo)
	fragWin := uint32(len(f.frags))
	if h.FragNo < f.oldestFrag {
		d.cnt.oldFrag.Add(1)
		b.Release()
		return
	}
	if h.FragNo-f.oldestFrag >= fragWin {
		d.cnt.newFrag.Add(1)
		b.Release()
		return
	}
	fragIdx := h.FragNo & (fragWin - 1)

	if f.id < 0 {
		f.prod = d.pool.NewChain()
		f.id = int(h.FrameNo)
		d.startTimeouts(h.FrameNo)
	} else {
		if f.id != int(h.FrameNo) {
			d.cnt.internal.Add(1)
			log.Error().
				Err(protocol.InternalErrorf("depack: slot holds frame %d, got %d", f.id, h.FrameNo)).
				Msg("frame window inconsistent")
			b.Release()
			return
		}
		if f.frags[fragIdx] != nil {
			d.cnt.duplicateFrag.Add(1)
			b.Release()
			return
		}
		if f.lastFrag != noFrag && h.FragNo > f.lastFrag {
			d.cnt.pastLast.Add(1)
			b.Release()
			return
		}
	}

	f.frags[fragIdx] = b
	d.markLast(f, h.FragNo, TailEOF(payload[len(payload)-1]))
	var err error
	if h.FragNo != 0 {
		err = b.SetPayloadOffset(b.PayloadOffset() + HeaderSize)
	}
	if err == nil && h.FragNo != f.lastFrag {
		err = b.SetSize(b.Size() - TailSize)
	}
	if err == nil {
		err = f.updateChain()
	}
	if err != nil {
		d.cnt.internal.Add(1)
		log.Error().Err(err).Uint16("frame", h.FrameNo).Uint32("frag", h.FragNo).Msg("fragment window inconsistent")
	}
}

// markLast records the end of frame f. The reserved FragMax number ends a
// frame whose sender never flagged EOF.
func (d *Depack) markLast(f *frame, fragNo uint32, eof bool) {
	forced := fragNo == FragMax
	if !eof && !forced {
		return
	}
	if f.lastFrag != noFrag {
		d.cnt.duplicateLastSeen.Add(1)
		return
	}
	f.lastFrag = fragNo
	if forced {
		d.cnt.noLastSeen.Add(1)
	}
}

// startTimeouts arms the deadline of every idle slot from the oldest frame up
// to frameNo so frames that never see a fragment still age out.
func (d *Depack) startTimeouts(frameNo uint16) {
	deadline := d.now().Add(d.cfg.Timeout)
	for n := d.oldest; ; n = nextFrame(n) {
		if s := d.slot(n); !s.running {
			s.running = true
			s.deadline = deadline
		}
		if n == frameNo {
			return
		}
	}
}

// frameSync restarts the window after frameNo when it is too far away from
// the oldest frame to be a straggler.
func (d *Depack) frameSync(ctx context.Context, frameNo uint16, rel int) {
	if rel < 0 {
		rel = -rel
	}
	if rel > len(d.frames) {
		d.releaseFrames(ctx, false)
		d.oldest = nextFrame(frameNo)
	}
}

// releaseOldestFrame retires the oldest slot. With onlyComplete set it only
// does so for a complete frame.
func (d *Depack) releaseOldestFrame(ctx context.Context, onlyComplete bool) bool {
	f := d.oldestSlot()
	if f == nil || !f.running {
		return false
	}
	complete := f.complete()
	if onlyComplete && !complete {
		return false
	}
	prod := f.prod
	f.prod = nil
	f.reset()
	switch {
	case complete:
		n := prod.Len()
		if d.Out().Push(ctx, prod, port.Indefinite) {
			d.cnt.fragsAccepted.Add(uint64(n))
			d.cnt.framesAccepted.Add(1)
		} else {
			d.cnt.oqueueFull.Add(1)
			prod.Release()
		}
	case prod != nil:
		d.cnt.incomplete.Add(1)
		prod.Release()
	default:
		d.cnt.empty.Add(1)
	}
	d.oldest = nextFrame(d.oldest)
	return true
}

func (d *Depack) releaseFrames(ctx context.Context, onlyComplete bool) {
	for d.releaseOldestFrame(ctx, onlyComplete) {
	}
}

func (d *Depack) Stats() map[string]uint64 {
	return map[string]uint64{
		"bad_header_drops":      d.cnt.badHeader.Load(),
		"old_frame_drops":       d.cnt.oldFrame.Load(),
		"new_frame_drops":       d.cnt.newFrame.Load(),
		"old_frag_drops":        d.cnt.oldFrag.Load(),
		"new_frag_drops":        d.cnt.newFrag.Load(),
		"duplicate_frag_drops":  d.cnt.duplicateFrag.Load(),
		"duplicate_last_seen":   d.cnt.duplicateLastSeen.Load(),
		"no_last_seen":          d.cnt.noLastSeen.Load(),
		"past_last_drops":       d.cnt.pastLast.Load(),
		"frags_accepted":        d.cnt.fragsAccepted.Load(),
		"frames_accepted":       d.cnt.framesAccepted.Load(),
		"oqueue_full_drops":     d.cnt.oqueueFull.Load(),
		"evicted_frames":        d.cnt.evicted.Load(),
		"incomplete_drops":      d.cnt.incomplete.Load(),
		"empty_drops":           d.cnt.empty.Load(),
		"timed_out_frames":      d.cnt.timedOut.Load(),
		"internal_errors":       d.cnt.internal.Load(),
		"output_queue_depth":    uint64(d.cfg.QueueDepth),
		"output_queue_occupied": uint64(d.Out().Len()),
	}
}

func (d *Depack) DumpInfo(w io.Writer) {
	s := d.Stats()
	fmt.Fprintf(w, "Depacketizer %s:\n", d.Name())
	fmt.Fprintf(w, "  Frame window:  %d (timeout %s)\n", len(d.frames), d.cfg.Timeout)
	fmt.Fprintf(w, "  Frag window:   %d\n", 1<<d.cfg.FragWinLog2)
	fmt.Fprintf(w, "  Frames accepted: %d (%d fragments)\n", s["frames_accepted"], s["frags_accepted"])
	fmt.Fprintf(w, "  Drops: bad header %d, old frame %d, new frame %d, old frag %d, new frag %d\n",
		s["bad_header_drops"], s["old_frame_drops"], s["new_frame_drops"], s["old_frag_drops"], s["new_frag_drops"])
	fmt.Fprintf(w, "         duplicate %d, past last %d, incomplete %d, empty %d, queue full %d\n",
		s["duplicate_frag_drops"], s["past_last_drops"], s["incomplete_drops"], s["empty_drops"], s["oqueue_full_drops"])
	fmt.Fprintf(w, "  Evicted %d, timed out %d, duplicate EOF %d, forced EOF %d\n",
		s["evicted_frames"], s["timed_out_frames"], s["duplicate_last_seen"], s["no_last_seen"])
}
