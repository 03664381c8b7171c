package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/cpsw/internal/protocol"
	"github.com/danmuck/cpsw/internal/protocol/buf"
	"github.com/danmuck/cpsw/internal/protocol/port"
	"github.com/jpillora/backoff"
)

const (
	DefaultTCPPort       = 8000
	DefaultTCPQueueDepth = 10

	lengthSize = 4
)

type TCPConfig struct {
	Host           string
	Port           uint
	QueueDepth     int
	ConnectTimeout time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
}

func (c TCPConfig) withDefaults() TCPConfig {
	if c.Port == 0 {
		c.Port = DefaultTCPPort
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultTCPQueueDepth
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 100 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = max(10*time.Second, c.BackoffMin)
	}
	return c
}

// TCP carries chains over a stream connection, each prefixed with its
// little-endian 32-bit length. A lost connection is re-established in the
// background with jittered exponential backoff; pushes fail until then.
type TCP struct {
	port.Base
	cfg  TCPConfig
	addr string

	mu   sync.Mutex
	wmu  sync.Mutex
	conn net.Conn

	run      port.Runner
	cnt      counters
	connects atomic.Uint64
}

func NewTCP(name string, cfg TCPConfig) (*TCP, error) {
	cfg = cfg.withDefaults()
	addr, err := peer(cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}
	return &TCP{Base: port.NewBase(name, cfg.QueueDepth), cfg: cfg, addr: addr}, nil
}

func (t *TCP) Config() TCPConfig {
	return t.cfg
}

func (t *TCP) Mod() port.Mod {
	return t
}

func (t *TCP) Match(p *port.MatchParams) int {
	return p.TCPDestPort.HandleValue(t, t.cfg.Port)
}

func (t *TCP) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *TCP) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *TCP) Push(ctx context.Context, c *buf.Chain, to port.Timeout) bool {
	defer c.Release()
	conn := t.current()
	if conn == nil {
		t.cnt.txErrs.Add(1)
		return false
	}
	payload := c.Bytes()
	var hdr [lengthSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))

	t.wmu.Lock()
	defer t.wmu.Unlock()
	// a stream write cannot be abandoned halfway, so NoWait blocks like
	// Indefinite
	if deadline, ok := to.Deadline(time.Now()); ok && !to.IsNone() {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	bufs := net.Buffers{hdr[:], payload}
	if _, err := bufs.WriteTo(conn); err != nil {
		t.cnt.txErrs.Add(1)
		t.Logger().Debug().Err(err).Msg("tcp send failed")
		_ = conn.Close()
		return false
	}
	t.cnt.sent(t.Name(), len(payload))
	return true
}

func (t *TCP) TryPush(c *buf.Chain) bool {
	return t.Push(context.Background(), c, port.NoWait)
}

func (t *TCP) Startup() error {
	if t.run.Start(t.connLoop) {
		t.Logger().Info().Str("peer", t.addr).Msg("tcp transport starting")
	}
	return nil
}

func (t *TCP) Shutdown() error {
	return t.run.Stop(func() {
		t.mu.Lock()
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.mu.Unlock()
	})
}

// connLoop owns the connection: dial, read until failure, back off, repeat.
func (t *TCP) connLoop(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    t.cfg.BackoffMin,
		Max:    t.cfg.BackoffMax,
		Factor: 2,
		Jitter: true,
	}
	for {
		dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", t.addr)
		if err == nil {
			b.Reset()
			t.mu.Lock()
			t.conn = conn
			t.mu.Unlock()
			t.connects.Add(1)
			t.Logger().Debug().Str("peer", t.addr).Msg("tcp connected")

			err = t.readFrames(conn)

			t.mu.Lock()
			t.conn = nil
			t.mu.Unlock()
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		delay := b.Duration()
		t.Logger().Warn().Err(err).Dur("retry_in", delay).Msg("tcp connection lost")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (t *TCP) readFrames(conn net.Conn) error {
	r := bufio.NewReader(conn)
	var hdr [lengthSize]byte
	scratch := make([]byte, MaxMessage)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return err
		}
		n := int(binary.LittleEndian.Uint32(hdr[:]))
		if n > MaxMessage {
			return protocol.IOErrorf("tcp %s: message of %d bytes exceeds limit", t.Name(), n)
		}
		if _, err := io.ReadFull(r, scratch[:n]); err != nil {
			return err
		}
		c := buf.NewChain()
		if err := c.Append(scratch[:n]); err != nil {
			c.Release()
			return err
		}
		t.cnt.received(t.Name(), n)
		t.Out().PushDrop(c)
	}
}

func (t *TCP) Stats() map[string]uint64 {
	s := t.cnt.stats(t.Out().Drops())
	s["connects"] = t.connects.Load()
	return s
}

func (t *TCP) DumpInfo(w io.Writer) {
	s := t.Stats()
	state := "disconnected"
	if t.Connected() {
		state = "connected"
	}
	fmt.Fprintf(w, "TCP %s: peer %s (%s, %d connects)\n", t.Name(), t.addr, state, s["connects"])
	fmt.Fprintf(w, "  TX: %d messages, %d octets, %d errors\n", s["tx_msgs"], s["tx_octets"], s["tx_errors"])
	fmt.Fprintf(w, "  RX: %d messages, %d octets, %d dropped\n", s["rx_msgs"], s["rx_octets"], s["rx_drops"])
}
