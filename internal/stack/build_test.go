package stack

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/cpsw/internal/protocol"
	"github.com/danmuck/cpsw/internal/protocol/depack"
	"github.com/danmuck/cpsw/internal/protocol/mux"
	"github.com/danmuck/cpsw/internal/protocol/port"
	"github.com/danmuck/cpsw/internal/protocol/rssi"
	"github.com/danmuck/cpsw/internal/protocol/srp"
	"github.com/danmuck/cpsw/internal/testutil/porttest"
	"github.com/danmuck/cpsw/internal/testutil/testlog"
	"github.com/danmuck/cpsw/internal/transport"
)

// wireFactory stands in for sockets and remembers every transport made.
type wireFactory struct {
	made []*porttest.Wire
}

func (f *wireFactory) UDP(name string, cfg transport.UDPConfig) (port.Port, error) {
	w := porttest.NewWire(name, max(cfg.QueueDepth, 4))
	w.DestPort = cfg.Port
	f.made = append(f.made, w)
	return w, nil
}

func (f *wireFactory) TCP(name string, cfg transport.TCPConfig) (port.Port, error) {
	return nil, errors.New("tcp not available in tests")
}

func build(t *testing.T, f *wireFactory, b Builder, existing ...port.Port) port.Port {
	t.Helper()
	p, err := b.BuildWith(existing, f)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return p
}

func TestBuildPlainSRPStack(t *testing.T) {
	testlog.Start(t)

	f := &wireFactory{}
	top := build(t, f, NewBuilder("10.0.0.1"))

	sp, ok := top.(*mux.SRPPort)
	if !ok {
		t.Fatalf("expected SRP mux port on top, got %T", top)
	}
	if sp.VC() != 0 {
		t.Fatalf("expected vc 0, got %d", sp.VC())
	}
	mods := port.Chain(top)
	if len(mods) != 2 || mods[1] != port.Mod(f.made[0]) {
		t.Fatalf("unexpected chain %v", mods)
	}
	if f.made[0].DestPort != transport.DefaultUDPPort {
		t.Fatalf("expected default udp port, got %d", f.made[0].DestPort)
	}
}

func TestSecondVirtualChannelSharesTransport(t *testing.T) {
	testlog.Start(t)

	f := &wireFactory{}
	first := build(t, f, NewBuilder("10.0.0.1"))

	b := NewBuilder("10.0.0.1")
	b.SRPVC = 1
	second := build(t, f, b, first)

	if len(f.made) != 1 {
		t.Fatalf("expected one transport, made %d", len(f.made))
	}
	if first.Mod() != second.Mod() {
		t.Fatalf("expected shared SRP mux")
	}
	if _, err := b.BuildWith([]port.Port{first, second}, f); !errors.Is(err, protocol.ErrConfiguration) {
		t.Fatalf("expected VC in use error, got %v", err)
	}
}

func TestSharingRequiresDemuxer(t *testing.T) {
	testlog.Start(t)

	f := &wireFactory{}
	first := build(t, f, NewBuilder("10.0.0.1"))

	b := NewBuilder("10.0.0.1")
	b.SRPMux = Bool(false)
	if _, err := b.BuildWith([]port.Port{first}, f); !errors.Is(err, protocol.ErrConfiguration) {
		t.Fatalf("expected demuxer error, got %v", err)
	}

	other := NewBuilder("10.0.0.1")
	other.UDPPort = 8193
	other.SRPMux = Bool(false)
	build(t, f, other, first)
	if len(f.made) != 2 {
		t.Fatalf("different port should get its own transport")
	}
}

func TestMismatchedLowerStackIsRejected(t *testing.T) {
	testlog.Start(t)

	f := &wireFactory{}
	first := build(t, f, NewBuilder("10.0.0.1"))

	b := NewBuilder("10.0.0.1")
	b.RSSI = true
	b.SRPVC = 2
	if _, err := b.BuildWith([]port.Port{first}, f); !errors.Is(err, protocol.ErrConfiguration) {
		t.Fatalf("expected rssi mismatch to be rejected, got %v", err)
	}
}

func TestTDestStacksShareDepack(t *testing.T) {
	testlog.Start(t)

	f := &wireFactory{}
	b1 := NewBuilder("10.0.0.1")
	b1.TDestMux = true
	b1.TDest = 1
	p1 := build(t, f, b1)

	mods := port.Chain(p1)
	if len(mods) != 4 {
		t.Fatalf("expected srp mux, tdest mux, depack, transport; got %d modules", len(mods))
	}
	if _, ok := mods[1].(*mux.TDestMux); !ok {
		t.Fatalf("expected tdest mux below srp mux, got %T", mods[1])
	}
	if _, ok := mods[2].(*depack.Depack); !ok {
		t.Fatalf("expected depack below tdest mux, got %T", mods[2])
	}

	b2 := b1
	b2.TDest = 2
	p2 := build(t, f, b2, p1)
	m2 := port.Chain(p2)
	if m2[1] != mods[1] || m2[2] != mods[2] {
		t.Fatalf("tdest 2 should reuse tdest mux and depack")
	}
	if m2[0] == mods[0] {
		t.Fatalf("tdest 2 needs its own SRP mux")
	}

	b3 := b1
	b3.SRPVC = 5
	p3 := build(t, f, b3, p1, p2)
	if p3.Mod() != p1.Mod() {
		t.Fatalf("same tdest should share the SRP mux")
	}
	if len(f.made) != 1 {
		t.Fatalf("expected a single transport, got %d", len(f.made))
	}
}

func TestStreamTDestPort(t *testing.T) {
	testlog.Start(t)

	f := &wireFactory{}
	b := NewBuilder("10.0.0.1")
	b.SRPVersion = srp.VersionNone
	b.TDestMux = true
	b.TDest = 7
	top := build(t, f, b)

	tp, ok := top.(*mux.TDestPort)
	if !ok {
		t.Fatalf("expected tdest port on top, got %T", top)
	}
	if tp.StripHeader() {
		t.Fatalf("stream ports keep their framing by default")
	}
	if _, err := b.BuildWith([]port.Port{top}, f); !errors.Is(err, protocol.ErrConfiguration) {
		t.Fatalf("expected shared tdest without srp to fail, got %v", err)
	}
}

func TestRSSIStack(t *testing.T) {
	testlog.Start(t)

	f := &wireFactory{}
	b := NewBuilder("10.0.0.1")
	b.RSSI = true
	top := build(t, f, b)

	mods := port.Chain(top)
	if _, ok := mods[1].(*rssi.RSSI); !ok {
		t.Fatalf("expected rssi under the SRP mux, got %T", mods[1])
	}
}

func TestDefaultsDependOnTransport(t *testing.T) {
	testlog.Start(t)

	plain := NewBuilder("h")
	if plain.Timeout() != DefaultTimeout || plain.RetryCount() != DefaultRetryCount || !plain.DynTimeout() {
		t.Fatalf("unexpected plain defaults")
	}
	if plain.SRPMuxQueueDepth() != 2*(DefaultRetryCount+1) {
		t.Fatalf("unexpected mux queue depth %d", plain.SRPMuxQueueDepth())
	}

	withRSSI := plain
	withRSSI.RSSI = true
	if withRSSI.Timeout() != DefaultRSSITimeout || withRSSI.RetryCount() != 0 || withRSSI.DynTimeout() {
		t.Fatalf("unexpected rssi defaults")
	}
	if cfg := withRSSI.SRPConfig(); cfg.TimeoutCap != srp.RSSITimeoutCap {
		t.Fatalf("rssi stacks use the larger timeout floor")
	}
	if withRSSI.DepackConfig().FrameWinLog2 != DefaultRSSIWinLog2 {
		t.Fatalf("rssi shrinks depack windows")
	}

	tcp := plain
	tcp.Transport = TCP
	if tcp.Timeout() != DefaultTCPTimeout || tcp.RetryCount() != 0 || tcp.DestPort() != transport.DefaultTCPPort {
		t.Fatalf("unexpected tcp defaults")
	}

	tdest := plain
	tdest.TDestMux = true
	if !tdest.HasDepack() || tdest.DynTimeout() || !tdest.StripHeader() {
		t.Fatalf("unexpected tdest defaults")
	}

	explicit := plain
	explicit.SRPRetryCount = Int(0)
	explicit.SRPTimeout = 3 * time.Millisecond
	if explicit.RetryCount() != 0 || explicit.Timeout() != 3*time.Millisecond {
		t.Fatalf("explicit values must win")
	}

	v3 := plain
	v3.SRPVersion = srp.V3
	v3.TDestMux = true
	if v3.SRPConfig().MaxWordsRx != MaxWordsRxDepack {
		t.Fatalf("v3 over depack lifts the read limit")
	}
	if v3.SRPConfig().TIDBits != 24 {
		t.Fatalf("muxed addresses leave the top tid byte to the mux")
	}
}

func TestValidate(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		mut  func(*Builder)
		want error
	}{
		{"no host", func(b *Builder) { b.Host = "" }, protocol.ErrConfiguration},
		{"mux without srp", func(b *Builder) { b.SRPVersion = srp.VersionNone; b.SRPMux = Bool(true) }, protocol.ErrConfiguration},
		{"vc range", func(b *Builder) { b.SRPVC = 200 }, protocol.ErrInvalidArg},
		{"window", func(b *Builder) { b.DepackFrameWinLog2 = 11 }, protocol.ErrInvalidArg},
		{"threads", func(b *Builder) { b.UDPRxThreads = 101 }, protocol.ErrInvalidArg},
		{"byte resolution", func(b *Builder) { b.SRPByteResolution = true }, protocol.ErrInvalidArg},
		{"tdest without depack", func(b *Builder) { b.TDestMux = true; b.Depack = Bool(false) }, protocol.ErrConfiguration},
		{"rssi window", func(b *Builder) { b.RSSI = true; b.RSSIConfig.Window = 300 }, protocol.ErrInvalidArg},
	}
	for _, tc := range cases {
		b := NewBuilder("10.0.0.1")
		tc.mut(&b)
		if err := b.Validate(); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if err := NewBuilder("10.0.0.1").Validate(); err != nil {
		t.Fatalf("default builder should validate: %v", err)
	}
}
