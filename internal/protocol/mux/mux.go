// Package mux fans one upstream port out to several downstream ports keyed
// by SRP virtual channel or by depacketizer TDEST.
package mux

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danmuck/cpsw/internal/protocol"
	"github.com/danmuck/cpsw/internal/protocol/buf"
	"github.com/danmuck/cpsw/internal/protocol/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// sink is the receive side of one downstream port.
type sink interface {
	deliver(c *buf.Chain) bool
}

// core holds the upstream link and the receive loop shared by both muxes.
type core struct {
	name     string
	upstream port.Port
	route    func(c *buf.Chain) (uint, bool)

	mu    sync.RWMutex
	sinks map[uint]sink

	run port.Runner
	log zerolog.Logger

	rx       atomic.Uint64
	tx       atomic.Uint64
	bad      atomic.Uint64
	unrouted atomic.Uint64
	dropped  atomic.Uint64
}

func (m *core) init(name string, route func(c *buf.Chain) (uint, bool)) {
	m.name = name
	m.route = route
	m.sinks = make(map[uint]sink)
	m.log = log.With().Str("mod", name).Logger()
}

func (m *core) Name() string {
	return m.name
}

func (m *core) Attach(up port.Port) {
	m.upstream = up
}

func (m *core) UpstreamPort() port.Port {
	return m.upstream
}

func (m *core) register(key uint, s sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sinks[key]; ok {
		return protocol.ConfigErrorf("%s: channel %d already in use", m.name, key)
	}
	m.sinks[key] = s
	return nil
}

func (m *core) unregister(key uint) {
	m.mu.Lock()
	delete(m.sinks, key)
	m.mu.Unlock()
}

func (m *core) keys() []uint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint, 0, len(m.sinks))
	for k := range m.sinks {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *core) Startup() error {
	if m.upstream == nil {
		return protocol.ConfigErrorf("%s: not attached", m.name)
	}
	if m.run.Start(m.loop) {
		m.log.Debug().Int("ports", len(m.keys())).Msg("mux started")
	}
	return nil
}

func (m *core) Shutdown() error {
	return m.run.Stop(nil)
}

func (m *core) loop(ctx context.Context) error {
	for {
		c := m.upstream.Pop(ctx, port.Indefinite)
		if c == nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		m.dispatch(c)
	}
}

func (m *core) dispatch(c *buf.Chain) {
	m.rx.Add(1)
	key, ok := m.route(c)
	if !ok {
		m.bad.Add(1)
		c.Release()
		return
	}
	m.mu.RLock()
	s := m.sinks[key]
	m.mu.RUnlock()
	if s == nil {
		m.unrouted.Add(1)
		m.log.Trace().Uint("channel", key).Msg("no port for inbound message")
		c.Release()
		return
	}
	if !s.deliver(c) {
		m.dropped.Add(1)
	}
}

// pushUp forwards c to the shared upstream port.
func (m *core) pushUp(ctx context.Context, c *buf.Chain, to port.Timeout) bool {
	if m.upstream == nil {
		m.log.Error().Msg("push without upstream")
		c.Release()
		return false
	}
	if !m.upstream.Push(ctx, c, to) {
		return false
	}
	m.tx.Add(1)
	return true
}

func (m *core) Stats() map[string]uint64 {
	return map[string]uint64{
		"rx":       m.rx.Load(),
		"tx":       m.tx.Load(),
		"bad":      m.bad.Load(),
		"unrouted": m.unrouted.Load(),
		"dropped":  m.dropped.Load(),
		"ports":    uint64(len(m.keys())),
	}
}

// pokeByte overwrites the byte at off counting from the chain's start.
func pokeByte(c *buf.Chain, off int, v byte) bool {
	for b := c.Head(); b != nil; b = b.Next() {
		p := b.Payload()
		if off < len(p) {
			p[off] = v
			return true
		}
		off -= len(p)
	}
	return false
}
