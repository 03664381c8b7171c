package srp

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/cpsw/internal/protocol"
	"github.com/danmuck/cpsw/internal/testutil/porttest"
	"github.com/danmuck/cpsw/internal/testutil/testlog"
)

func TestNewAddressRejectsBadConfig(t *testing.T) {
	testlog.Start(t)

	w := porttest.NewWire("wire", 4)
	cases := []Config{
		{Version: VersionNone},
		{Version: V2, ByteResolution: true},
		{Version: V3, RetryCount: -1},
	}
	for _, cfg := range cases {
		if _, err := NewAddress("dev", w, cfg); !errors.Is(err, protocol.ErrInvalidArg) {
			t.Fatalf("config %+v: expected invalid argument, got %v", cfg, err)
		}
	}
	if _, err := NewAddress("dev", nil, DefaultConfig()); !errors.Is(err, protocol.ErrInvalidArg) {
		t.Fatalf("expected invalid argument for nil port, got %v", err)
	}
}

func TestReadAllVersions(t *testing.T) {
	testlog.Start(t)

	for _, v := range []Version{V1, V2, V3} {
		d := newDevice(v)
		a, _ := newTestAddress(t, testConfig(v), d)

		dst := make([]byte, 7)
		n, err := a.Read(context.Background(), dst, 13)
		if err != nil {
			t.Fatalf("%s read: %v", v, err)
		}
		if n != 7 || !bytes.Equal(dst, d.snapshot(13, 7)) {
			t.Fatalf("%s read mismatch: n=%d got %x want %x", v, n, dst, d.snapshot(13, 7))
		}
	}
}

func TestV1WriteReadRoundTrip(t *testing.T) {
	testlog.Start(t)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 64; i++ {
		d := newDevice(V1)
		a, _ := newTestAddress(t, testConfig(V1), d)

		off := uint64(rng.Intn(64))
		src := make([]byte, 1+rng.Intn(40))
		rng.Read(src)
		before := d.snapshot(0, 128)

		if _, err := a.Write(context.Background(), src, off); err != nil {
			t.Fatalf("write %d bytes at %d: %v", len(src), off, err)
		}
		after := d.snapshot(0, 128)
		want := append([]byte(nil), before...)
		copy(want[off:], src)
		if !bytes.Equal(after, want) {
			t.Fatalf("write %d bytes at %d corrupted memory:\n got %x\nwant %x", len(src), off, after, want)
		}

		got := make([]byte, len(src))
		if _, err := a.Read(context.Background(), got, off); err != nil {
			t.Fatalf("read back: %v", err)
		}
		if !bytes.Equal(got, src) {
			t.Fatalf("read back %x want %x", got, src)
		}
	}
}

func TestV1PayloadWordsAreNetworkOrder(t *testing.T) {
	testlog.Start(t)

	d := newDevice(V1)
	a, w := newTestAddress(t, testConfig(V1), d)

	if _, err := a.Write(context.Background(), []byte{0x01, 0x02, 0x03, 0x04}, 8); err != nil {
		t.Fatalf("write: %v", err)
	}
	req := w.Sent()[0]
	if got := req[12:16]; !bytes.Equal(got, []byte{0x04, 0x03, 0x02, 0x01}) {
		t.Fatalf("expected swapped payload word, got %x", got)
	}
	if req[0] != 0 || req[11] != 2 {
		t.Fatalf("unexpected v1 header %x", req[:12])
	}
}

func TestV2OddOffsetSingleByteMerge(t *testing.T) {
	testlog.Start(t)

	d := newDevice(V2)
	a, w := newTestAddress(t, testConfig(V2), d)

	if _, err := a.Write(context.Background(), []byte{0xaa}, 5); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := d.snapshot(4, 4); !bytes.Equal(got, []byte{4, 0xaa, 6, 7}) {
		t.Fatalf("unexpected word after merge: %x", got)
	}
	// one read-back plus the write
	if n := len(w.Sent()); n != 2 {
		t.Fatalf("expected 2 transactions, got %d", n)
	}
}

func TestMaskedWriteKeepsMaskedBits(t *testing.T) {
	testlog.Start(t)

	d := newDevice(V2)
	a, _ := newTestAddress(t, testConfig(V2), d)

	_, err := a.WriteMasked(context.Background(), WriteArgs{
		Off:       0x35,
		Src:       []byte{0xa0},
		Msk1:      0x0f,
		Cacheable: WTCacheable,
	})
	if err != nil {
		t.Fatalf("masked write: %v", err)
	}
	if got := d.snapshot(0x35, 1)[0]; got != 0xa5 {
		t.Fatalf("expected 0xa5, got %#x", got)
	}
}

func TestUnalignedWritesPreserveNeighbours(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		off uint64
		n   int
	}{
		{2, 6}, {0, 5}, {1, 2}, {3, 1}, {6, 11},
		{5, 1}, {0, 2}, {4, 3}, {1, 3}, {7, 1}, {0, 7}, {3, 2},
	}
	for _, tc := range cases {
		d := newDevice(V2)
		a, _ := newTestAddress(t, testConfig(V2), d)
		src := bytes.Repeat([]byte{0xee}, tc.n)
		want := d.snapshot(0, 32)
		copy(want[tc.off:], src)

		if _, err := a.Write(context.Background(), src, tc.off); err != nil {
			t.Fatalf("write %d at %d: %v", tc.n, tc.off, err)
		}
		if got := d.snapshot(0, 32); !bytes.Equal(got, want) {
			t.Fatalf("write %d at %d:\n got %x\nwant %x", tc.n, tc.off, got, want)
		}
	}
}

func TestSubWordWritesKeepWordIntact(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		v    Version
		args WriteArgs
		want []byte
	}{
		{"one byte odd offset", V2, WriteArgs{Off: 5, Src: []byte{0xaa}}, []byte{4, 0xaa, 6, 7}},
		{"first and last in one word", V2, WriteArgs{Off: 1, Src: []byte{0xaa, 0xbb}}, []byte{0, 0xaa, 0xbb, 3}},
		{"masked aligned", V2, WriteArgs{Off: 0, Src: []byte{0xaa, 0xbb}, Msk1: 0x0f}, []byte{0xa0, 0xbb, 2, 3}},
		{"masked first and last", V2, WriteArgs{Off: 4, Src: []byte{0xaa, 0xbb}, Msk1: 0x0f, Mskn: 0xf0}, []byte{0xa4, 0x0b, 6, 7}},
		{"v1 short write", V1, WriteArgs{Off: 9, Src: []byte{0xaa, 0xbb}}, []byte{8, 0xaa, 0xbb, 11}},
		{"v1 single byte", V1, WriteArgs{Off: 3, Src: []byte{0xcc}}, []byte{0, 1, 2, 0xcc}},
	}
	for _, tc := range cases {
		d := newDevice(tc.v)
		a, _ := newTestAddress(t, testConfig(tc.v), d)
		tc.args.Cacheable = WTCacheable
		if _, err := a.WriteMasked(context.Background(), tc.args); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		word := tc.args.Off &^ 3
		if got := d.snapshot(int(word), 4); !bytes.Equal(got, tc.want) {
			t.Fatalf("%s: got %x want %x", tc.name, got, tc.want)
		}
		if got := d.snapshot(int(word)+4, 4); !bytes.Equal(got, newDevice(tc.v).snapshot(int(word)+4, 4)) {
			t.Fatalf("%s: next word touched: %x", tc.name, got)
		}
	}
}

func TestMergeRequiresCacheableRegion(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(V2)
	cfg.Cacheable = UnknownCacheable
	a, w := newTestAddress(t, cfg, newDevice(V2))

	if _, err := a.Write(context.Background(), []byte{1}, 1); !errors.Is(err, protocol.ErrIO) {
		t.Fatalf("expected io error, got %v", err)
	}
	if len(w.Sent()) != 0 {
		t.Fatalf("nothing should reach the wire")
	}
	if _, err := a.Write(context.Background(), []byte{1, 2, 3, 4}, 8); err != nil {
		t.Fatalf("aligned write should not need a merge: %v", err)
	}
}

func TestV3Headers(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(V3)
	cfg.ByteResolution = true
	cfg.IgnoreMemResp = true
	cfg.RetryCount = 0
	cfg.Timeout = time.Millisecond
	a, w := newTestAddress(t, cfg, nil)

	_, _ = a.Read(context.Background(), make([]byte, 3), 0x1_0000_0005)
	req := w.Sent()[0]
	if len(req) != 20 {
		t.Fatalf("expected 5 word read request, got %d bytes", len(req))
	}
	order := V3.ByteOrder()
	want := []uint32{cmdReadV3 | protoVersion3 | ignoreMemResp, 1, 5, 1, 2}
	for i, wv := range want {
		if got := order.Uint32(req[4*i:]); got != wv {
			t.Fatalf("word %d: got %#x want %#x", i, got, wv)
		}
	}

	_, _ = a.Write(context.Background(), []byte{1, 2, 3, 4, 5}, 9)
	req = w.Sent()[1]
	if got := order.Uint32(req); got != cmdWriteV3|protoVersion3|ignoreMemResp {
		t.Fatalf("unexpected write command %#x", got)
	}
	if got := order.Uint32(req[16:]); got != 4 {
		t.Fatalf("unexpected size word %d", got)
	}
	if len(req) != 20+8 {
		t.Fatalf("expected payload padded to 8 bytes, got frame of %d", len(req))
	}
}

func TestV3WordResolutionAlignsAddress(t *testing.T) {
	testlog.Start(t)

	d := newDevice(V3)
	a, w := newTestAddress(t, testConfig(V3), d)

	dst := make([]byte, 2)
	if _, err := a.Read(context.Background(), dst, 0x2e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(dst, []byte{0x2e, 0x2f}) {
		t.Fatalf("unexpected data %x", dst)
	}
	req := w.Sent()[0]
	if lo := V3.ByteOrder().Uint32(req[8:]); lo != 0x2c {
		t.Fatalf("expected aligned address 0x2c, got %#x", lo)
	}
}

func TestStaleTransactionIDsAreDiscarded(t *testing.T) {
	testlog.Start(t)

	d := newDevice(V2)
	d.stale = true
	a, _ := newTestAddress(t, testConfig(V2), d)

	dst := make([]byte, 4)
	if _, err := a.Read(context.Background(), dst, 16); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(dst, []byte{16, 17, 18, 19}) {
		t.Fatalf("unexpected data %x", dst)
	}
	if got := a.Stats()["tid_mismatches"]; got != 1 {
		t.Fatalf("expected 1 mismatch, got %d", got)
	}
}

func TestBadStatusAndTruncatedResponses(t *testing.T) {
	testlog.Start(t)

	d := newDevice(V2)
	d.status = 0x1234
	a, _ := newTestAddress(t, testConfig(V2), d)

	_, err := a.Read(context.Background(), make([]byte, 4), 0)
	var bs *protocol.BadStatusError
	if !errors.As(err, &bs) || bs.Status != 0x1234 || !errors.Is(err, protocol.ErrBadStatus) {
		t.Fatalf("expected bad status 0x1234, got %v", err)
	}

	d = newDevice(V2)
	d.short = true
	a, _ = newTestAddress(t, testConfig(V2), d)
	if _, err := a.Read(context.Background(), make([]byte, 4), 0); !errors.Is(err, protocol.ErrBadStatus) {
		t.Fatalf("length mismatch should report bad status, got %v", err)
	}

	w := porttest.NewWire("wire", 4)
	w.OnPush(func(req []byte) [][]byte { return [][]byte{req[:4]} })
	a, err = NewAddress("dev", w, testConfig(V2))
	if err != nil {
		t.Fatalf("new address: %v", err)
	}
	if _, err := a.Read(context.Background(), make([]byte, 4), 0); !errors.Is(err, protocol.ErrIO) {
		t.Fatalf("expected truncated io error, got %v", err)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	testlog.Start(t)

	d := newDevice(V2)
	d.drop = 1
	cfg := testConfig(V2)
	cfg.Timeout = 5 * time.Millisecond
	a, w := newTestAddress(t, cfg, d)

	if _, err := a.Read(context.Background(), make([]byte, 4), 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n := len(w.Sent()); n != 2 {
		t.Fatalf("expected one retransmission, got %d frames", n)
	}
	if got := a.Stats()["retries"]; got != 1 {
		t.Fatalf("expected 1 retry, got %d", got)
	}
}

func TestRetryExhaustionTimesOut(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(V2)
	cfg.Timeout = 2 * time.Millisecond
	a, w := newTestAddress(t, cfg, nil)

	_, err := a.Read(context.Background(), make([]byte, 4), 0)
	if !errors.Is(err, protocol.ErrIO) {
		t.Fatalf("expected io error, got %v", err)
	}
	if n := len(w.Sent()); n != cfg.RetryCount+1 {
		t.Fatalf("expected %d attempts, got %d", cfg.RetryCount+1, n)
	}
	if got := a.Stats()["timeouts"]; got != 1 {
		t.Fatalf("expected 1 timeout, got %d", got)
	}
}

func TestCancelledContextStopsRetries(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(V2)
	cfg.RetryCount = 100
	a, w := newTestAddress(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Read(ctx, make([]byte, 4), 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if n := len(w.Sent()); n > 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}

func TestLargeReadIsSplit(t *testing.T) {
	testlog.Start(t)

	d := newDevice(V2)
	cfg := testConfig(V2)
	cfg.MaxWordsRx = 4
	a, w := newTestAddress(t, cfg, d)

	dst := make([]byte, 20)
	if _, err := a.Read(context.Background(), dst, 2); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(dst, d.snapshot(2, 20)) {
		t.Fatalf("split read mismatch %x", dst)
	}
	if n := len(w.Sent()); n != 2 {
		t.Fatalf("expected 2 transactions, got %d", n)
	}
}

func TestLargeWriteIsSplit(t *testing.T) {
	testlog.Start(t)

	d := newDevice(V2)
	cfg := testConfig(V2)
	cfg.MaxWordsTx = 2
	a, w := newTestAddress(t, cfg, d)

	src := []byte{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, 0xff, 0xfe}
	if _, err := a.Write(context.Background(), src, 32); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(d.snapshot(32, 12), src) {
		t.Fatalf("split write mismatch %x", d.snapshot(32, 12))
	}
	if n := len(w.Sent()); n != 2 {
		t.Fatalf("expected 2 transactions, got %d", n)
	}
}

func TestTransactionIDWidth(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(V2)
	cfg.TIDBits = 24
	a, _ := newTestAddress(t, cfg, newDevice(V2))
	a.tid = 0xffffff

	if _, err := a.Read(context.Background(), make([]byte, 4), 0); err != nil {
		t.Fatalf("read across tid wrap: %v", err)
	}
	if a.tid&a.tidMask != 0 {
		t.Fatalf("expected wrapped tid, got %#x", a.tid)
	}
}

func TestResponseVC(t *testing.T) {
	testlog.Start(t)

	if vc, ok := ResponseVC(V1, []byte{3, 0, 0, 0}); !ok || vc != 3 {
		t.Fatalf("v1 vc: %d %v", vc, ok)
	}
	if vc, ok := ResponseVC(V2, []byte{1, 2, 3, 7}); !ok || vc != 7 {
		t.Fatalf("v2 vc: %d %v", vc, ok)
	}
	if vc, ok := ResponseVC(V3, []byte{0, 0, 0, 0, 1, 2, 3, 9}); !ok || vc != 9 {
		t.Fatalf("v3 vc: %d %v", vc, ok)
	}
	if _, ok := ResponseVC(V3, []byte{0, 0, 0, 0}); ok {
		t.Fatalf("short v3 response should have no vc")
	}
}
