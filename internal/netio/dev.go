// Package netio is the network device: it owns the port stacks towards one
// peer and the SRP or stream address sitting on top of each.
package netio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/cpsw/internal/observability"
	"github.com/danmuck/cpsw/internal/protocol"
	"github.com/danmuck/cpsw/internal/protocol/port"
	"github.com/danmuck/cpsw/internal/protocol/srp"
	"github.com/danmuck/cpsw/internal/stack"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Entry is one named port of a device.
type Entry struct {
	Name    string
	Builder stack.Builder
	Top     port.Port
	// exactly one of SRP and Stream is set
	SRP    *srp.Address
	Stream *srp.Stream

	running bool
}

// Modules lists the entry's stack from the top module down to the transport.
func (e *Entry) Modules() []port.Mod {
	return port.Chain(e.Top)
}

func (e *Entry) Kind() string {
	if e.SRP != nil {
		return "srp"
	}
	return "stream"
}

type Option func(*Dev)

// WithFactory replaces the socket factory, mainly for tests.
func WithFactory(f stack.Factory) Option {
	return func(d *Dev) { d.factory = f }
}

type Dev struct {
	name    string
	host    string
	factory stack.Factory

	mu      sync.Mutex
	entries []*Entry
	byName  map[string]*Entry
	log     zerolog.Logger
}

func New(name, host string, opts ...Option) *Dev {
	d := &Dev{
		name:    name,
		host:    host,
		factory: stack.Sockets,
		byName:  make(map[string]*Entry),
		log:     log.With().Str("dev", name).Str("host", host).Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dev) Name() string {
	return d.name
}

func (d *Dev) Host() string {
	return d.host
}

func (d *Dev) tops() []port.Port {
	out := make([]port.Port, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.Top
	}
	return out
}

// PortInUse reports whether some stack already talks to the UDP port.
func (d *Dev) PortInUse(udpPort uint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	var mp port.MatchParams
	mp.UDPDestPort.Set(udpPort)
	for _, p := range d.tops() {
		if mp.FindMatches(p) == mp.Requested() {
			return true
		}
	}
	return false
}

// AddPort builds the stack described by b and puts an SRP address (or a
// stream when b has no SRP version) on top of it. An empty b.Host means the
// device's host.
func (d *Dev) AddPort(name string, b stack.Builder) (*Entry, error) {
	return d.addPort(name, b, b.SRPConfig())
}

func (d *Dev) addPort(name string, b stack.Builder, cfg srp.Config) (*Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name == "" {
		return nil, protocol.InvalidArgf("netio %s: empty port name", d.name)
	}
	if _, ok := d.byName[name]; ok {
		return nil, protocol.ConfigErrorf("netio %s: port %q already exists", d.name, name)
	}
	if b.Host == "" {
		b.Host = d.host
	}
	top, err := b.BuildWith(d.tops(), d.factory)
	if err != nil {
		return nil, fmt.Errorf("netio %s: port %q: %w", d.name, name, err)
	}
	e := &Entry{Name: name, Builder: b, Top: top}
	qualified := d.name + "/" + name
	if b.HasSRP() {
		e.SRP, err = srp.NewAddress(qualified, top, cfg)
		if err != nil {
			release(top)
			return nil, err
		}
		observability.RegisterStatsSource(qualified, e.SRP)
	} else {
		e.Stream, err = srp.NewStream(qualified, top, b.Timeout())
		if err != nil {
			release(top)
			return nil, err
		}
		observability.RegisterStatsSource(qualified, e.Stream)
	}
	for _, m := range e.Modules() {
		observability.RegisterStatsSource(m.Name(), m)
	}
	d.entries = append(d.entries, e)
	d.byName[name] = e
	d.log.Info().Str("port", name).Str("kind", e.Kind()).Int("modules", len(e.Modules())).Msg("port added")
	return e, nil
}

// release gives back a demultiplexer channel claimed by a port that never
// made it into the device.
func release(top port.Port) {
	if c, ok := top.(interface{ Close() }); ok {
		c.Close()
	}
}

func (d *Dev) Entry(name string) (*Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.byName[name]
	return e, ok
}

// Entries in the order they were added.
func (d *Dev) Entries() []*Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Startup starts every stack from the transport up. Modules shared between
// stacks count their starts and run once.
func (d *Dev) Startup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.entries {
		if e.running {
			continue
		}
		if err := startStack(e); err != nil {
			d.log.Error().Err(err).Str("port", e.Name).Msg("stack startup failed")
			return err
		}
		e.running = true
	}
	return nil
}

func startStack(e *Entry) error {
	mods := e.Modules()
	for i := len(mods) - 1; i >= 0; i-- {
		if err := mods[i].Startup(); err != nil {
			for j := i + 1; j < len(mods); j++ {
				_ = mods[j].Shutdown()
			}
			return fmt.Errorf("port %q: start %s: %w", e.Name, mods[i].Name(), err)
		}
	}
	return nil
}

// Shutdown stops every stack from the top down.
func (d *Dev) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for i := len(d.entries) - 1; i >= 0; i-- {
		e := d.entries[i]
		if !e.running {
			continue
		}
		for _, m := range e.Modules() {
			if err := m.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("port %q: stop %s: %w", e.Name, m.Name(), err))
			}
		}
		e.running = false
	}
	return errors.Join(errs...)
}

// Running reports whether every port has been started.
func (d *Dev) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.entries {
		if !e.running {
			return false
		}
	}
	return len(d.entries) > 0
}

func (d *Dev) srpEntry(name string) (*Entry, error) {
	e, ok := d.Entry(name)
	if !ok {
		return nil, protocol.InvalidArgf("netio %s: no port %q", d.name, name)
	}
	if e.SRP == nil {
		return nil, protocol.InvalidArgf("netio %s: port %q is a stream", d.name, name)
	}
	return e, nil
}

// Read fills dst from register space of the named SRP port.
func (d *Dev) Read(ctx context.Context, name string, dst []byte, off uint64) (int, error) {
	e, err := d.srpEntry(name)
	if err != nil {
		return 0, err
	}
	return e.SRP.Read(ctx, dst, off)
}

func (d *Dev) Write(ctx context.Context, name string, args srp.WriteArgs) (int, error) {
	e, err := d.srpEntry(name)
	if err != nil {
		return 0, err
	}
	if args.Cacheable == srp.UnknownCacheable {
		args.Cacheable = e.SRP.Config().Cacheable
	}
	return e.SRP.WriteMasked(ctx, args)
}

// DumpInfo writes the address and every module of the named port.
func (d *Dev) DumpInfo(w io.Writer, name string) error {
	e, ok := d.Entry(name)
	if !ok {
		return protocol.InvalidArgf("netio %s: no port %q", d.name, name)
	}
	if e.SRP != nil {
		e.SRP.DumpInfo(w)
	} else {
		e.Stream.DumpInfo(w)
	}
	for _, m := range e.Modules() {
		m.DumpInfo(w)
	}
	return nil
}
