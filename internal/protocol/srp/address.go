package srp

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/cpsw/internal/observability"
	"github.com/danmuck/cpsw/internal/protocol"
	"github.com/danmuck/cpsw/internal/protocol/buf"
	"github.com/danmuck/cpsw/internal/protocol/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Cacheable describes whether partial words of a region may be merged with a
// read-back before writing.
type Cacheable int

const (
	UnknownCacheable Cacheable = iota
	NotCacheable
	WTCacheable
	WBCacheable
)

func ParseCacheable(raw string) (Cacheable, error) {
	switch raw {
	case "", "unknown":
		return UnknownCacheable, nil
	case "none", "not":
		return NotCacheable, nil
	case "wt", "write-through":
		return WTCacheable, nil
	case "wb", "write-back":
		return WBCacheable, nil
	}
	return UnknownCacheable, fmt.Errorf("srp: unknown cacheability %q", raw)
}

// Config is the per-address transaction policy.
type Config struct {
	Version    Version
	Timeout    time.Duration
	RetryCount int
	DynTimeout bool
	// TimeoutCap is the floor of the adaptive timeout.
	TimeoutCap time.Duration
	VC         uint8
	// TIDBits is the width of the transaction id owned by the address; a
	// virtual-channel mux claims the bits above it.
	TIDBits        uint
	ByteResolution bool
	IgnoreMemResp  bool
	MaxWordsRx     int
	MaxWordsTx     int
	Cacheable      Cacheable
}

func DefaultConfig() Config {
	return Config{
		Version:    V2,
		Timeout:    10 * time.Millisecond,
		RetryCount: 10,
		DynTimeout: true,
		TimeoutCap: DefaultTimeoutCap,
		TIDBits:    32,
		MaxWordsRx: MaxWords,
		MaxWordsTx: MaxWords,
	}
}

type stats struct {
	reads       uint64
	writes      uint64
	retries     uint64
	timeouts    uint64
	badStatus   uint64
	tidMismatch uint64
}

// Address issues SRP read and write transactions through a port. Calls on
// one Address are serialized so at most one request is on the wire.
type Address struct {
	name string
	port port.Port
	cfg  Config

	mu      sync.Mutex
	tid     uint32
	tidMask uint32
	dyn     *DynTimeout
	st      stats
	log     zerolog.Logger
}

func NewAddress(name string, p port.Port, cfg Config) (*Address, error) {
	if p == nil {
		return nil, protocol.InvalidArgf("srp %s: nil port", name)
	}
	if cfg.Version < V1 || cfg.Version > V3 {
		return nil, protocol.InvalidArgf("srp %s: unsupported version %s", name, cfg.Version)
	}
	if cfg.ByteResolution && cfg.Version != V3 {
		return nil, protocol.InvalidArgf("srp %s: byte resolution requires v3", name)
	}
	if cfg.RetryCount < 0 {
		return nil, protocol.InvalidArgf("srp %s: negative retry count", name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.TIDBits == 0 || cfg.TIDBits > 32 {
		cfg.TIDBits = 32
	}
	if cfg.MaxWordsRx <= 0 {
		cfg.MaxWordsRx = MaxWords
	}
	if cfg.MaxWordsTx <= 0 {
		cfg.MaxWordsTx = MaxWords
	}
	a := &Address{
		name:    name,
		port:    p,
		cfg:     cfg,
		tidMask: uint32(uint64(1)<<cfg.TIDBits - 1),
		dyn:     NewDynTimeout(cfg.Timeout, cfg.TimeoutCap),
		log:     log.With().Str("srp", name).Str("version", cfg.Version.String()).Logger(),
	}
	return a, nil
}

func (a *Address) Name() string {
	return a.name
}

func (a *Address) Port() port.Port {
	return a.port
}

func (a *Address) Config() Config {
	return a.cfg
}

func (a *Address) byteRes() bool {
	return a.cfg.ByteResolution
}

func (a *Address) nextTID() uint32 {
	a.tid++
	return a.tid & a.tidMask
}

func (a *Address) timeout() time.Duration {
	if a.cfg.DynTimeout {
		return a.dyn.Get()
	}
	return a.cfg.Timeout
}

// Read fills dst from the device starting at byte offset off.
func (a *Address) Read(ctx context.Context, dst []byte, off uint64) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.read(ctx, dst, off)
}

func (a *Address) read(ctx context.Context, dst []byte, off uint64) (int, error) {
	total := 0
	for len(dst) > 0 {
		headbytes := 0
		if !a.byteRes() {
			headbytes = int(off & 3)
		}
		chunk := len(dst)
		if (headbytes+chunk+3)/4 > a.cfg.MaxWordsRx {
			chunk = a.cfg.MaxWordsRx*4 - headbytes
		}
		if err := a.readBlk(ctx, dst[:chunk], off); err != nil {
			return total, err
		}
		total += chunk
		dst = dst[chunk:]
		off += uint64(chunk)
	}
	return total, nil
}

func (a *Address) readBlk(ctx context.Context, dst []byte, off uint64) error {
	sbytes := len(dst)
	headbytes := 0
	if !a.byteRes() {
		headbytes = int(off & 3)
	}
	totbytes := headbytes + sbytes
	nWords := (totbytes + 3) / 4
	req := request{
		version:  a.cfg.Version,
		vc:       a.cfg.VC,
		off:      off,
		byteRes:  a.byteRes(),
		ignore:   a.cfg.IgnoreMemResp,
		totbytes: totbytes,
		nWords:   nWords,
	}
	rsp, err := a.transact(ctx, "read", func(tid uint32) ([]byte, error) {
		req.tid = tid
		return req.readHeader(), nil
	})
	if err != nil {
		return err
	}
	a.st.reads++
	if err := a.checkResponse("read", rsp, nWords); err != nil {
		return err
	}
	start := 4 * (a.cfg.Version.overheadWords() - 1)
	words := rsp[start : start+4*nWords]
	if a.cfg.Version == V1 {
		swapWords(words)
	}
	copy(dst, words[headbytes:headbytes+sbytes])
	return nil
}

// WriteArgs describes a write. Bits set in Msk1 (first byte) and Mskn (last
// byte) keep the device's current value.
type WriteArgs struct {
	Off       uint64
	Src       []byte
	Msk1      byte
	Mskn      byte
	Cacheable Cacheable
}

// Write stores src at off using the address's configured cacheability.
func (a *Address) Write(ctx context.Context, src []byte, off uint64) (int, error) {
	return a.WriteMasked(ctx, WriteArgs{Off: off, Src: src, Cacheable: a.cfg.Cacheable})
}

func (a *Address) WriteMasked(ctx context.Context, args WriteArgs) (int, error) {
	if len(args.Src) == 0 {
		return 0, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	src, off := args.Src, args.Off
	msk1 := args.Msk1
	total := 0
	for len(src) > 0 {
		headbytes := 0
		if !a.byteRes() {
			headbytes = int(off & 3)
		}
		chunk, mskn := len(src), args.Mskn
		if (headbytes+chunk+3)/4 > a.cfg.MaxWordsTx {
			chunk = a.cfg.MaxWordsTx*4 - headbytes
			mskn = 0
		}
		if err := a.writeBlk(ctx, src[:chunk], off, msk1, mskn, args.Cacheable); err != nil {
			return total, err
		}
		msk1 = 0
		total += chunk
		src = src[chunk:]
		off += uint64(chunk)
	}
	return total, nil
}

func (a *Address) writeBlk(ctx context.Context, src []byte, off uint64, msk1, mskn byte, cacheable Cacheable) error {
	dbytes := len(src)
	headbytes := 0
	if !a.byteRes() {
		headbytes = int(off & 3)
	}
	totbytes := headbytes + dbytes
	nWords := (totbytes + 3) / 4

	mergeFirst := headbytes != 0 || msk1 != 0
	mergeLast := (!a.byteRes() && totbytes&3 != 0) || mskn != 0
	if (mergeFirst || mergeLast) && cacheable < WTCacheable {
		return protocol.IOErrorf("srp %s: cannot merge bits/bytes to non-cacheable area", a.name)
	}

	toput := dbytes
	var first, last []byte
	if mergeFirst {
		if mergeLast && dbytes == 1 {
			msk1 |= mskn
			mergeLast = false
		}
		firstByte := headbytes
		lastInFirst := mergeLast && totbytes <= 4
		nbytes := 4
		roff := off &^ 3
		if a.byteRes() {
			nbytes, roff = 1, off
			if lastInFirst {
				nbytes = totbytes
			}
		}
		first = make([]byte, nbytes)
		if _, err := a.read(ctx, first, roff); err != nil {
			return err
		}
		remaining := min(totbytes, nbytes) - firstByte - 1
		first[firstByte] = first[firstByte]&msk1 | src[0]&^msk1
		toput--
		if lastInFirst {
			lb := totbytes - 1
			first[lb] = first[lb]&mskn | src[dbytes-1]&^mskn
			remaining--
			toput--
			mergeLast = false
		}
		if remaining > 0 {
			copy(first[firstByte+1:], src[1:1+remaining])
			toput -= remaining
		}
	}
	if mergeLast {
		nbytes, lastByte := 4, (totbytes-1)&3
		roff := (off + uint64(dbytes) - 1) &^ 3
		if a.byteRes() {
			nbytes, lastByte = 1, 0
			roff = off + uint64(dbytes) - 1
		}
		last = make([]byte, nbytes)
		if _, err := a.read(ctx, last, roff); err != nil {
			return err
		}
		last[lastByte] = last[lastByte]&mskn | src[dbytes-1]&^mskn
		toput--
		if lastByte > 0 {
			copy(last[:lastByte], src[dbytes-1-lastByte:dbytes-1])
			toput -= lastByte
		}
	}

	// the middle run ends where the bytes merged into the last word begin
	tailTaken := 0
	if last != nil {
		tailTaken = 1 + (totbytes-1)&3
		if a.byteRes() {
			tailTaken = 1
		}
	}
	midStart := dbytes - toput - tailTaken
	payload := make([]byte, 0, len(first)+toput+len(last))
	payload = append(payload, first...)
	if toput > 0 {
		payload = append(payload, src[midStart:midStart+toput]...)
	}
	payload = append(payload, last...)
	if a.cfg.Version == V1 {
		swapWords(payload)
	}

	req := request{
		version:  a.cfg.Version,
		vc:       a.cfg.VC,
		off:      off,
		byteRes:  a.byteRes(),
		ignore:   a.cfg.IgnoreMemResp,
		totbytes: totbytes,
		nWords:   nWords,
	}
	rsp, err := a.transact(ctx, "write", func(tid uint32) ([]byte, error) {
		req.tid = tid
		hdr := req.writeHeader()
		frame := make([]byte, 0, len(hdr)+len(payload)+4)
		frame = append(frame, hdr...)
		frame = append(frame, payload...)
		return append(frame, req.writeTrailer()...), nil
	})
	if err != nil {
		return err
	}
	a.st.writes++
	return a.checkResponse("write", rsp, nWords)
}

// checkResponse validates the response length and status word.
func (a *Address) checkResponse(op string, rsp []byte, nWords int) error {
	expected := a.cfg.Version.overheadWords()
	order := a.cfg.Version.ByteOrder()
	if len(rsp) != 4*(nWords+expected) {
		if len(rsp) < 4*expected {
			return protocol.IOErrorf("srp %s: %s response truncated (%d bytes)", a.name, op, len(rsp))
		}
		a.st.badStatus++
		return &protocol.BadStatusError{Op: op, Status: order.Uint32(rsp[len(rsp)-4:])}
	}
	if status := order.Uint32(rsp[len(rsp)-4:]); status != 0 {
		a.st.badStatus++
		return &protocol.BadStatusError{Op: op, Status: status}
	}
	return nil
}

// transact sends the frame produced by build and waits for the reply
// carrying the same transaction id, retrying on timeout.
func (a *Address) transact(ctx context.Context, op string, build func(tid uint32) ([]byte, error)) ([]byte, error) {
	for attempt := 0; attempt <= a.cfg.RetryCount; attempt++ {
		tid := a.nextTID()
		frame, err := build(tid)
		if err != nil {
			return nil, err
		}
		c := buf.NewChain()
		if err := c.Insert(frame, 0); err != nil {
			c.Release()
			return nil, err
		}
		then := time.Now()
		if a.port.Push(ctx, c, port.After(a.timeout())) {
			if rsp := a.awaitReply(ctx, tid); rsp != nil {
				rtt := time.Since(then)
				if a.cfg.DynTimeout {
					a.dyn.Update(rtt)
				}
				observability.ObserveSRPTransaction(a.name, op, rtt, attempt, nil)
				return rsp, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("srp %s: %s: %w", a.name, op, err)
		}
		a.st.retries++
		if a.cfg.DynTimeout {
			a.dyn.Relax()
		}
		a.log.Debug().Str("op", op).Int("attempt", attempt).Dur("timeout", a.timeout()).Msg("srp retry")
	}
	a.st.timeouts++
	if a.cfg.DynTimeout {
		a.dyn.Reset(a.cfg.Timeout)
	}
	err := protocol.IOErrorf("srp %s: %s: no response (timeout)", a.name, op)
	observability.ObserveSRPTransaction(a.name, op, 0, a.cfg.RetryCount, err)
	a.log.Warn().Str("op", op).Int("retries", a.cfg.RetryCount).Msg("srp transaction timed out")
	return nil, err
}

// awaitReply discards late replies to earlier attempts until the matching
// one arrives or the deadline passes.
func (a *Address) awaitReply(ctx context.Context, tid uint32) []byte {
	deadline := port.AbsTimeoutPop(a.timeout())
	for {
		c := a.port.Pop(ctx, deadline)
		if c == nil {
			return nil
		}
		rsp := c.Bytes()
		c.Release()
		if responseTID(a.cfg.Version, rsp)&a.tidMask == tid {
			return rsp
		}
		a.st.tidMismatch++
		a.log.Trace().Uint32("want", tid).Msg("discarding reply with stale transaction id")
	}
}

// CurrentTimeout is the wait applied to the next reply.
func (a *Address) CurrentTimeout() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeout()
}

func (a *Address) Stats() map[string]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]uint64{
		"reads":             a.st.reads,
		"writes":            a.st.writes,
		"retries":           a.st.retries,
		"timeouts":          a.st.timeouts,
		"bad_status":        a.st.badStatus,
		"tid_mismatches":    a.st.tidMismatch,
		"timeout_us":        uint64(a.timeout() / time.Microsecond),
		"max_round_trip_us": uint64(a.dyn.MaxRTT() / time.Microsecond),
	}
}

func (a *Address) DumpInfo(w io.Writer) {
	s := a.Stats()
	fmt.Fprintf(w, "SRP address %s (%s, vc %d):\n", a.name, a.cfg.Version, a.cfg.VC)
	fmt.Fprintf(w, "  Reads %d, writes %d, retries %d, timeouts %d, bad status %d\n",
		s["reads"], s["writes"], s["retries"], s["timeouts"], s["bad_status"])
	mode := "static"
	if a.cfg.DynTimeout {
		mode = "dynamic"
	}
	fmt.Fprintf(w, "  Timeout %dus (%s, floor %s), max round trip %dus\n",
		s["timeout_us"], mode, a.cfg.TimeoutCap, s["max_round_trip_us"])
}
