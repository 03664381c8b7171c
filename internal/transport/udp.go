package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/cpsw/internal/protocol"
	"github.com/danmuck/cpsw/internal/protocol/buf"
	"github.com/danmuck/cpsw/internal/protocol/port"
)

const (
	DefaultUDPPort       = 8192
	DefaultUDPQueueDepth = 10
	MaxRxThreads         = 100
)

type UDPConfig struct {
	Host       string
	Port       uint
	QueueDepth int
	RxThreads  int
	// PollSecs > 0 sends an empty datagram at that interval to keep the
	// peer's ARP and firewall state alive.
	PollSecs int
}

func (c UDPConfig) withDefaults() (UDPConfig, error) {
	if c.Port == 0 {
		c.Port = DefaultUDPPort
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultUDPQueueDepth
	}
	if c.RxThreads == 0 {
		c.RxThreads = 1
	}
	if c.RxThreads < 0 || c.RxThreads > MaxRxThreads {
		return c, protocol.InvalidArgf("udp: %d rx threads out of range 1..%d", c.RxThreads, MaxRxThreads)
	}
	return c, nil
}

// UDP sends each chain as one datagram on a connected socket. Received
// datagrams are queued for the module above; a full queue drops them.
type UDP struct {
	port.Base
	cfg  UDPConfig
	addr string

	mu   sync.Mutex
	conn *net.UDPConn

	run port.Runner
	cnt counters
}

func NewUDP(name string, cfg UDPConfig) (*UDP, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	addr, err := peer(cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}
	return &UDP{Base: port.NewBase(name, cfg.QueueDepth), cfg: cfg, addr: addr}, nil
}

func (u *UDP) Config() UDPConfig {
	return u.cfg
}

func (u *UDP) Mod() port.Mod {
	return u
}

func (u *UDP) Match(p *port.MatchParams) int {
	return p.UDPDestPort.HandleValue(u, u.cfg.Port)
}

// LocalAddr is the bound socket address while running.
func (u *UDP) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

func (u *UDP) Push(ctx context.Context, c *buf.Chain, to port.Timeout) bool {
	defer c.Release()
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		u.cnt.txErrs.Add(1)
		return false
	}
	data := c.Bytes()
	if _, err := conn.Write(data); err != nil {
		u.cnt.txErrs.Add(1)
		u.Logger().Debug().Err(err).Msg("udp send failed")
		return false
	}
	u.cnt.sent(u.Name(), len(data))
	return true
}

func (u *UDP) TryPush(c *buf.Chain) bool {
	return u.Push(context.Background(), c, port.NoWait)
}

func (u *UDP) Startup() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		raddr, err := net.ResolveUDPAddr("udp", u.addr)
		if err != nil {
			return protocol.IOErrorf("udp %s: resolve %s: %v", u.Name(), u.addr, err)
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return protocol.IOErrorf("udp %s: dial %s: %v", u.Name(), u.addr, err)
		}
		u.conn = conn
	}
	conn := u.conn
	loops := make([]func(context.Context) error, 0, u.cfg.RxThreads+1)
	for i := 0; i < u.cfg.RxThreads; i++ {
		loops = append(loops, func(ctx context.Context) error { return u.rxLoop(ctx, conn) })
	}
	if u.cfg.PollSecs > 0 {
		loops = append(loops, func(ctx context.Context) error { return u.pollLoop(ctx, conn) })
	}
	if u.run.Start(loops...) {
		u.Logger().Info().Str("peer", u.addr).Int("rx_threads", u.cfg.RxThreads).Msg("udp transport up")
	}
	return nil
}

func (u *UDP) Shutdown() error {
	return u.run.Stop(func() {
		u.mu.Lock()
		if u.conn != nil {
			_ = u.conn.Close()
			u.conn = nil
		}
		u.mu.Unlock()
	})
}

// rxLoop reads from the socket opened by the Startup that launched it; the
// socket may already be closed when the loop first runs.
func (u *UDP) rxLoop(ctx context.Context, conn *net.UDPConn) error {
	scratch := make([]byte, MaxMessage)
	for {
		n, err := conn.Read(scratch)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// connected sockets report ICMP errors from earlier sends here
			u.Logger().Debug().Err(err).Msg("udp receive error")
			continue
		}
		c := buf.NewChain()
		if err := c.Append(scratch[:n]); err != nil {
			c.Release()
			u.Logger().Error().Err(err).Msg("udp receive buffer")
			continue
		}
		u.cnt.received(u.Name(), n)
		u.Out().PushDrop(c)
	}
}

func (u *UDP) pollLoop(ctx context.Context, conn *net.UDPConn) error {
	t := time.NewTicker(time.Duration(u.cfg.PollSecs) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := conn.Write(nil); err != nil && errors.Is(err, net.ErrClosed) {
				return nil
			}
		}
	}
}

func (u *UDP) Stats() map[string]uint64 {
	return u.cnt.stats(u.Out().Drops())
}

func (u *UDP) DumpInfo(w io.Writer) {
	s := u.Stats()
	fmt.Fprintf(w, "UDP %s: peer %s, %d rx threads, queue depth %d\n",
		u.Name(), u.addr, u.cfg.RxThreads, u.Out().Depth())
	fmt.Fprintf(w, "  TX: %d datagrams, %d octets, %d errors\n", s["tx_msgs"], s["tx_octets"], s["tx_errors"])
	fmt.Fprintf(w, "  RX: %d datagrams, %d octets, %d dropped\n", s["rx_msgs"], s["rx_octets"], s["rx_drops"])
}
