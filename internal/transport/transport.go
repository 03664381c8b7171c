// Package transport holds the bottom-of-stack modules that move chains over
// UDP datagrams or a framed TCP stream.
package transport

import (
	"net"
	"strconv"
	"sync/atomic"

	"github.com/danmuck/cpsw/internal/observability"
	"github.com/danmuck/cpsw/internal/protocol"
)

// MaxMessage bounds a single received message.
const MaxMessage = 1 << 16

type counters struct {
	txOctets atomic.Uint64
	txMsgs   atomic.Uint64
	txErrs   atomic.Uint64
	rxOctets atomic.Uint64
	rxMsgs   atomic.Uint64
}

func (c *counters) sent(mod string, n int) {
	c.txOctets.Add(uint64(n))
	c.txMsgs.Add(1)
	observability.RecordTransport(mod, "tx", n)
}

func (c *counters) received(mod string, n int) {
	c.rxOctets.Add(uint64(n))
	c.rxMsgs.Add(1)
	observability.RecordTransport(mod, "rx", n)
}

func (c *counters) stats(drops uint64) map[string]uint64 {
	return map[string]uint64{
		"tx_octets": c.txOctets.Load(),
		"tx_msgs":   c.txMsgs.Load(),
		"tx_errors": c.txErrs.Load(),
		"rx_octets": c.rxOctets.Load(),
		"rx_msgs":   c.rxMsgs.Load(),
		"rx_drops":  drops,
	}
}

func peer(host string, port uint) (string, error) {
	if host == "" {
		return "", protocol.ConfigErrorf("transport: missing peer host")
	}
	if port == 0 || port > 65535 {
		return "", protocol.InvalidArgf("transport: invalid port %d", port)
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}
