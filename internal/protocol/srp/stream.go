package srp

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

// Stream moves whole messages through a port without SRP framing. Each
// Write is one message and each Read returns one message.
type Stream struct {
	name    string
	port    port.Port
	timeout time.Duration

	rxMsgs   atomic.Uint64
	rxOctets atomic.Uint64
	rxTrunc  atomic.Uint64
	txMsgs   atomic.Uint64
	txOctets atomic.Uint64
	txFails  atomic.Uint64
}

// NewStream uses timeout for writes; a non-positive timeout blocks.
func NewStream(name string, p port.Port, timeout time.Duration) (*Stream, error) {
	if p == nil {
		return nil, protocol.InvalidArgf("stream %s: nil port", name)
	}
	return &Stream{name: name, port: p, timeout: timeout}, nil
}

func (s *Stream) Name() string {
	return s.name
}

func (s *Stream) Port() port.Port {
	return s.port
}

// Read copies the next message into dst. It returns 0 when to expires;
// excess bytes of a message larger than dst are dropped.
func (s *Stream) Read(ctx context.Context, dst []byte, to port.Timeout) (int, error) {
	c := s.port.Pop(ctx, to)
	if c == nil {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("stream %s: %w", s.name, err)
		}
		return 0, nil
	}
	defer c.Release()
	n := c.Extract(dst, 0)
	if n < c.Size() {
		s.rxTrunc.Add(1)
	}
	s.rxMsgs.Add(1)
	s.rxOctets.Add(uint64(n))
	return n, nil
}

func (s *Stream) Write(ctx context.Context, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	c := buf.NewChain()
	if err := c.Append(src); err != nil {
		c.Release()
		return 0, err
	}
	to := port.Indefinite
	if s.timeout > 0 {
		to = port.After(s.timeout)
	}
	if !s.port.Push(ctx, c, to) {
		s.txFails.Add(1)
		return 0, protocol.IOErrorf("stream %s: write of %d bytes not accepted", s.name, len(src))
	}
	s.txMsgs.Add(1)
	s.txOctets.Add(uint64(len(src)))
	return len(src), nil
}

func (s *Stream) Stats() map[string]uint64 {
	return map[string]uint64{
		"rx_msgs":      s.rxMsgs.Load(),
		"rx_octets":    s.rxOctets.Load(),
		"rx_truncated": s.rxTrunc.Load(),
		"tx_msgs":      s.txMsgs.Load(),
		"tx_octets":    s.txOctets.Load(),
		"tx_failures":  s.txFails.Load(),
	}
}

func (s *Stream) DumpInfo(w io.Writer) {
	st := s.Stats()
	fmt.Fprintf(w, "Stream %s:\n", s.name)
	fmt.Fprintf(w, "  RX %d messages (%d octets, %d truncated), TX %d messages (%d octets, %d failed)\n",
		st["rx_msgs"], st["rx_octets"], st["rx_truncated"], st["tx_msgs"], st["tx_octets"], st["tx_failures"])
}
