package mux

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/danmuck/cpsw/internal/protocol"
	"github.com/danmuck/cpsw/internal/protocol/buf"
	"github.com/danmuck/cpsw/internal/protocol/depack"
	"github.com/danmuck/cpsw/internal/protocol/port"
	"github.com/danmuck/cpsw/internal/protocol/srp"
	"github.com/danmuck/cpsw/internal/testutil/porttest"
	"github.com/danmuck/cpsw/internal/testutil/testlog"
	"golang.org/x/sync/errgroup"
)

func chainOf(t *testing.T, b []byte) *buf.Chain {
	t.Helper()
	c := buf.NewChain()
	if err := c.Append(b); err != nil {
		t.Fatalf("append: %v", err)
	}
	return c
}

func startup(t *testing.T, m port.Mod) {
	t.Helper()
	if err := m.Startup(); err != nil {
		t.Fatalf("startup %s: %v", m.Name(), err)
	}
	t.Cleanup(func() { _ = m.Shutdown() })
}

func waitStat(t *testing.T, m port.Mod, key string, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Stats()[key] == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("%s: %s never reached %d (now %d)", m.Name(), key, want, m.Stats()[key])
}

func TestSRPMuxStampsAndRoutesByVC(t *testing.T) {
	testlog.Start(t)

	w := porttest.NewWire("udp", 16)
	w.OnPush(func(req []byte) [][]byte { return [][]byte{req} })
	m := NewSRPMux("srpmux", srp.V2)
	m.Attach(w)
	a, err := m.CreatePort(3, 4)
	if err != nil {
		t.Fatalf("create port: %v", err)
	}
	b, err := m.CreatePort(5, 4)
	if err != nil {
		t.Fatalf("create port: %v", err)
	}
	startup(t, m)

	ctx := context.Background()
	if !a.Push(ctx, chainOf(t, []byte{1, 2, 3, 0xff, 9, 9, 9, 9}), port.After(time.Second)) {
		t.Fatalf("push failed")
	}
	if sent := w.Sent()[0]; sent[3] != 3 {
		t.Fatalf("expected vc 3 in tid top byte, got %x", sent[:4])
	}
	rsp := a.Pop(ctx, port.After(time.Second))
	if rsp == nil {
		t.Fatalf("no reply routed to vc 3")
	}
	rsp.Release()
	if c := b.TryPop(); c != nil {
		t.Fatalf("reply leaked to vc 5")
	}
}

func TestSRPMuxV1UsesLeadingByte(t *testing.T) {
	testlog.Start(t)

	w := porttest.NewWire("udp", 16)
	w.OnPush(func(req []byte) [][]byte { return [][]byte{req} })
	m := NewSRPMux("srpmux", srp.V1)
	m.Attach(w)
	p, err := m.CreatePort(7, 4)
	if err != nil {
		t.Fatalf("create port: %v", err)
	}
	startup(t, m)

	if !p.Push(context.Background(), chainOf(t, make([]byte, 8)), port.After(time.Second)) {
		t.Fatalf("push failed")
	}
	if sent := w.Sent()[0]; sent[0] != 7 {
		t.Fatalf("expected vc 7 in leading byte, got %x", sent[:4])
	}
	rsp := p.Pop(context.Background(), port.After(time.Second))
	if rsp == nil {
		t.Fatalf("no reply")
	}
	rsp.Release()
}

func TestSRPMuxDropsUnknownAndShortResponses(t *testing.T) {
	testlog.Start(t)

	w := porttest.NewWire("udp", 16)
	m := NewSRPMux("srpmux", srp.V2)
	m.Attach(w)
	if _, err := m.CreatePort(1, 4); err != nil {
		t.Fatalf("create port: %v", err)
	}
	startup(t, m)

	w.Deliver([]byte{0, 0, 0, 9, 0, 0, 0, 0})
	waitStat(t, m, "unrouted", 1)
	w.Deliver([]byte{1, 2})
	waitStat(t, m, "bad", 1)
}

func TestSRPMuxRejectsBadChannels(t *testing.T) {
	testlog.Start(t)

	m := NewSRPMux("srpmux", srp.V3)
	if _, err := m.CreatePort(MaxVC+1, 4); !errors.Is(err, protocol.ErrInvalidArg) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	p, err := m.CreatePort(4, 4)
	if err != nil {
		t.Fatalf("create port: %v", err)
	}
	if _, err := m.CreatePort(4, 4); !errors.Is(err, protocol.ErrConfiguration) {
		t.Fatalf("expected configuration error for reused vc, got %v", err)
	}
	p.Close()
	if _, err := m.CreatePort(4, 4); err != nil {
		t.Fatalf("vc should be free after close: %v", err)
	}
	if err := m.Startup(); !errors.Is(err, protocol.ErrConfiguration) {
		t.Fatalf("expected unattached startup to fail, got %v", err)
	}
}

func TestSRPMuxMatch(t *testing.T) {
	testlog.Start(t)

	w := porttest.NewWire("udp", 4)
	w.DestPort = 8192
	m := NewSRPMux("srpmux", srp.V2)
	m.Attach(w)
	p, err := m.CreatePort(5, 4)
	if err != nil {
		t.Fatalf("create port: %v", err)
	}

	var mp port.MatchParams
	mp.UDPDestPort.Set(8192)
	mp.SRPVersion.Set(uint(srp.V2))
	mp.SRPVC.Set(5)
	if got := mp.FindMatches(p); got != mp.Requested() {
		t.Fatalf("expected full match, got %d of %d", got, mp.Requested())
	}
	if mp.SRPVC.HandledBy != port.Mod(m) {
		t.Fatalf("vc not handled by mux")
	}

	mp.SRPVC.Set(6)
	if got := mp.FindMatches(p); got == mp.Requested() {
		t.Fatalf("vc 6 should not match")
	}
	if mp.SRPVC.HandledBy != port.Mod(m) {
		t.Fatalf("mux should still be recorded as handler")
	}
}

// Two register clients on different virtual channels share one wire.
func TestConcurrentAddressesShareTransport(t *testing.T) {
	testlog.Start(t)

	w := porttest.NewWire("udp", 64)
	w.OnPush(func(req []byte) [][]byte {
		n := int(binary.LittleEndian.Uint32(req[8:])) + 1
		rsp := append([]byte(nil), req[:8]...)
		rsp = append(rsp, bytes.Repeat([]byte{req[3]}, 4*n)...)
		return [][]byte{append(rsp, 0, 0, 0, 0)}
	})
	m := NewSRPMux("srpmux", srp.V2)
	m.Attach(w)
	startup(t, m)

	g, ctx := errgroup.WithContext(context.Background())
	for _, vc := range []uint8{17, 81} {
		p, err := m.CreatePort(vc, 4)
		if err != nil {
			t.Fatalf("create port: %v", err)
		}
		cfg := srp.DefaultConfig()
		cfg.VC = vc
		cfg.TIDBits = 24
		cfg.Timeout = 200 * time.Millisecond
		a, err := srp.NewAddress(fmt.Sprintf("vc%d", vc), p, cfg)
		if err != nil {
			t.Fatalf("new address: %v", err)
		}
		g.Go(func() error {
			dst := make([]byte, 8)
			for i := 0; i < 20; i++ {
				if _, err := a.Read(ctx, dst, uint64(8*i)); err != nil {
					return err
				}
				if !bytes.Equal(dst, bytes.Repeat([]byte{vc}, 8)) {
					return fmt.Errorf("vc %d got %x", vc, dst)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent reads: %v", err)
	}
}

func TestTDestMuxFramesAndStrips(t *testing.T) {
	testlog.Start(t)

	w := porttest.NewWire("depack", 16)
	m := NewTDestMux("tdestmux")
	m.Attach(w)
	p, err := m.CreatePort(5, true, 4)
	if err != nil {
		t.Fatalf("create port: %v", err)
	}
	startup(t, m)

	ctx := context.Background()
	if !p.Push(ctx, chainOf(t, []byte("abc")), port.After(time.Second)) {
		t.Fatalf("push failed")
	}
	sent := w.Sent()[0]
	if len(sent) != depack.HeaderSize+3+depack.TailSize {
		t.Fatalf("unexpected frame length %d", len(sent))
	}
	h, ok := depack.ParseHeader(sent)
	if !ok || h.TDest != 5 || !h.SOF() {
		t.Fatalf("unexpected header %+v", h)
	}
	if string(sent[depack.HeaderSize:depack.HeaderSize+3]) != "abc" {
		t.Fatalf("payload not preserved: %x", sent)
	}

	frame := append(depack.NewHeader(5), 'x', 'y', 'z', 0x80)
	w.Deliver(frame)
	got := p.Pop(ctx, port.After(time.Second))
	if got == nil {
		t.Fatalf("no inbound frame")
	}
	if string(got.Bytes()) != "xyz" {
		t.Fatalf("expected stripped payload, got %q", got.Bytes())
	}
	got.Release()
}

func TestTDestMuxRawPortRewritesTDest(t *testing.T) {
	testlog.Start(t)

	w := porttest.NewWire("depack", 16)
	m := NewTDestMux("tdestmux")
	m.Attach(w)
	raw, err := m.CreatePort(6, false, 4)
	if err != nil {
		t.Fatalf("create port: %v", err)
	}
	startup(t, m)

	ctx := context.Background()
	frame := append(depack.NewHeader(9), 'z', 'z', 0)
	if !raw.Push(ctx, chainOf(t, frame), port.After(time.Second)) {
		t.Fatalf("push failed")
	}
	if h, _ := depack.ParseHeader(w.Sent()[0]); h.TDest != 6 {
		t.Fatalf("expected tdest 6, got %d", h.TDest)
	}
	if raw.Push(ctx, chainOf(t, []byte("ab")), port.After(time.Second)) {
		t.Fatalf("frame without header should be rejected")
	}

	in := append(depack.NewHeader(6), 'q', 0x80)
	w.Deliver(in)
	got := raw.Pop(ctx, port.After(time.Second))
	if got == nil || !bytes.Equal(got.Bytes(), in) {
		t.Fatalf("raw port should keep framing")
	}
	got.Release()
}

func TestTDestMuxCountsUnroutedAndBadHeaders(t *testing.T) {
	testlog.Start(t)

	w := porttest.NewWire("depack", 16)
	m := NewTDestMux("tdestmux")
	m.Attach(w)
	if _, err := m.CreatePort(1, true, 4); err != nil {
		t.Fatalf("create port: %v", err)
	}
	if _, err := m.CreatePort(1, false, 4); !errors.Is(err, protocol.ErrConfiguration) {
		t.Fatalf("expected duplicate tdest to fail, got %v", err)
	}
	startup(t, m)

	w.Deliver(append(depack.NewHeader(7), 0x80))
	waitStat(t, m, "unrouted", 1)

	bad := depack.NewHeader(1)
	bad[0] |= 0x3
	w.Deliver(append(bad, 0x80))
	waitStat(t, m, "bad", 1)
}

func TestSharedMuxStartsOnce(t *testing.T) {
	testlog.Start(t)

	w := porttest.NewWire("udp", 4)
	m := NewSRPMux("srpmux", srp.V2)
	m.Attach(w)
	if err := m.Startup(); err != nil {
		t.Fatalf("startup: %v", err)
	}
	if err := m.Startup(); err != nil {
		t.Fatalf("second startup: %v", err)
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !m.run.Running() {
		t.Fatalf("mux stopped while still referenced")
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if m.run.Running() {
		t.Fatalf("mux still running after last shutdown")
	}
}
