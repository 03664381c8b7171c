package srp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/cpsw/internal/protocol"
	"github.com/danmuck/cpsw/internal/protocol/port"
	"github.com/danmuck/cpsw/internal/testutil/porttest"
	"github.com/danmuck/cpsw/internal/testutil/testlog"
)

func TestStreamWriteThenRead(t *testing.T) {
	testlog.Start(t)

	w := porttest.NewWire("wire", 4)
	w.OnPush(func(req []byte) [][]byte { return [][]byte{append(req, '!')} })
	s, err := NewStream("strm", w, time.Second)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}

	ctx := context.Background()
	if n, err := s.Write(ctx, []byte("abc")); err != nil || n != 3 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	dst := make([]byte, 2)
	n, err := s.Read(ctx, dst, port.After(time.Second))
	if err != nil || n != 2 || string(dst) != "ab" {
		t.Fatalf("read: n=%d err=%v data=%q", n, err, dst)
	}
	if st := s.Stats(); st["rx_truncated"] != 1 || st["tx_msgs"] != 1 {
		t.Fatalf("unexpected stats %v", st)
	}
}

func TestStreamReadTimeoutAndCancel(t *testing.T) {
	testlog.Start(t)

	s, err := NewStream("strm", porttest.NewWire("wire", 4), 0)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	if n, err := s.Read(context.Background(), make([]byte, 4), port.After(time.Millisecond)); n != 0 || err != nil {
		t.Fatalf("expected empty timeout read, got n=%d err=%v", n, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Read(ctx, make([]byte, 4), port.Indefinite); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if n, err := s.Write(context.Background(), nil); n != 0 || err != nil {
		t.Fatalf("empty write should be a no-op")
	}
	if _, err := NewStream("strm", nil, 0); !errors.Is(err, protocol.ErrInvalidArg) {
		t.Fatalf("expected invalid argument for nil port")
	}
}
