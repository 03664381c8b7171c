package stack

import (
	"fmt"

	"github.com/danmuck/cpsw/internal/protocol"
	"github.com/danmuck/cpsw/internal/protocol/depack"
	"github.com/danmuck/cpsw/internal/protocol/mux"
	"github.com/danmuck/cpsw/internal/protocol/port"
	"github.com/danmuck/cpsw/internal/protocol/rssi"
	"github.com/danmuck/cpsw/internal/transport"
	"github.com/rs/zerolog/log"
)

// Factory creates the bottom module of a new stack.
type Factory interface {
	UDP(name string, cfg transport.UDPConfig) (port.Port, error)
	TCP(name string, cfg transport.TCPConfig) (port.Port, error)
}

type netFactory struct{}

func (netFactory) UDP(name string, cfg transport.UDPConfig) (port.Port, error) {
	return transport.NewUDP(name, cfg)
}

func (netFactory) TCP(name string, cfg transport.TCPConfig) (port.Port, error) {
	return transport.NewTCP(name, cfg)
}

// Sockets creates real UDP and TCP transports.
var Sockets Factory = netFactory{}

// findPort returns the first existing stack satisfying every requested
// parameter. mp keeps the handlers recorded for that stack.
func findPort(mp *port.MatchParams, existing []port.Port) port.Port {
	want := mp.Requested()
	for _, p := range existing {
		if mp.FindMatches(p) == want {
			return p
		}
	}
	return nil
}

// Build returns the top port of a stack described by b, sharing modules with
// the existing stacks where the description allows.
func (b Builder) Build(existing []port.Port) (port.Port, error) {
	return b.BuildWith(existing, Sockets)
}

func (b Builder) BuildWith(existing []port.Port, f Factory) (port.Port, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	logger := log.With().Str("stack", b.prefix()).Logger()

	var (
		mp         port.MatchParams
		top        port.Port
		tdestMux   *mux.TDestMux
		srpMux     *mux.SRPMux
		foundLower bool
	)
	if b.Transport == TCP {
		mp.TCPDestPort.Set(b.DestPort())
	} else {
		mp.UDPDestPort.Set(b.DestPort())
	}

	if findPort(&mp, existing) != nil {
		if !b.TDestMux && !(b.HasSRP() && b.HasSRPMux()) {
			return nil, protocol.ConfigErrorf("stack %s: some kind of demuxer must be used when sharing a transport port", b.prefix())
		}
		if b.rssiOverUDP() {
			mp.HaveRSSI.Include()
		} else {
			mp.HaveRSSI.Exclude()
		}
		if b.HasDepack() {
			mp.HaveDepack.Include()
			mp.DepackVersion.Set(depack.Version0)
		} else {
			mp.HaveDepack.Exclude()
		}
		if b.TDestMux {
			mp.TDest.Set(uint(b.TDest))
			mp.DepackVersion.Set(depack.Version0)
		} else {
			mp.TDest.Exclude()
		}

		if findPort(&mp, existing) != nil {
			// the whole lower stack exists; only a new SRP channel can be
			// added on top of it
			foundLower = true
			if !b.HasSRP() {
				return nil, protocol.ConfigErrorf("stack %s: cannot share TDEST %d without SRP demuxer", b.prefix(), b.TDest)
			}
			if !b.HasSRPMux() {
				return nil, protocol.ConfigErrorf("stack %s: lower stack already in use and no SRP demuxer requested", b.prefix())
			}
			mp.SRPVersion.Set(uint(b.SRPVersion))
			mp.SRPVC.Set(uint(b.SRPVC))
			if findPort(&mp, existing) != nil {
				return nil, protocol.ConfigErrorf("stack %s: SRP VC %d already in use", b.prefix(), b.SRPVC)
			}
			mp.SRPVC.Wildcard()
			if findPort(&mp, existing) == nil {
				return nil, protocol.ConfigErrorf("stack %s: no SRP demultiplexer found; cannot create SRP port on existing protocol modules", b.prefix())
			}
			m, ok := mp.SRPVC.HandledBy.(*mux.SRPMux)
			if !ok {
				return nil, protocol.InternalErrorf("stack %s: SRP VC handled by %T", b.prefix(), mp.SRPVC.HandledBy)
			}
			srpMux = m
		} else {
			if !b.TDestMux {
				return nil, protocol.ConfigErrorf("stack %s: unable to create new port on existing protocol modules", b.prefix())
			}
			mp.TDest.Wildcard()
			if findPort(&mp, existing) == nil {
				return nil, protocol.ConfigErrorf("stack %s: no TDEST demultiplexer found", b.prefix())
			}
			m, ok := mp.TDest.HandledBy.(*mux.TDestMux)
			if !ok {
				return nil, protocol.InternalErrorf("stack %s: TDEST handled by %T", b.prefix(), mp.TDest.HandledBy)
			}
			tdestMux = m
		}
		logger.Debug().Bool("lower_stack", foundLower).Msg("reusing existing protocol modules")
	} else {
		var err error
		if b.Transport == TCP {
			top, err = f.TCP(b.prefix(), b.TCPConfig())
		} else {
			top, err = f.UDP(b.prefix(), b.UDPConfig())
		}
		if err != nil {
			return nil, err
		}
		if b.rssiOverUDP() {
			r, err := rssi.New(b.prefix()+"/rssi", b.RSSIConfig)
			if err != nil {
				return nil, err
			}
			r.Attach(top)
			top = r
		}
		if b.HasDepack() {
			d := depack.New(b.prefix()+"/depack", b.DepackConfig())
			d.Attach(top)
			top = d
		}
		logger.Debug().Bool("rssi", b.rssiOverUDP()).Bool("depack", b.HasDepack()).Msg("created transport stack")
	}

	if b.TDestMux && !foundLower {
		if tdestMux == nil {
			tdestMux = mux.NewTDestMux(b.prefix() + "/tdest")
			tdestMux.Attach(top)
		}
		p, err := tdestMux.CreatePort(b.TDest, b.StripHeader(), b.TDestDepth())
		if err != nil {
			return nil, err
		}
		top = p
	}

	if b.HasSRPMux() {
		if srpMux == nil {
			name := b.prefix() + "/srp"
			if b.TDestMux {
				name = fmt.Sprintf("%s/tdest%d/srp", b.prefix(), b.TDest)
			}
			srpMux = mux.NewSRPMux(name, b.SRPVersion)
			srpMux.Attach(top)
		}
		p, err := srpMux.CreatePort(b.SRPVC, b.SRPMuxQueueDepth())
		if err != nil {
			return nil, err
		}
		top = p
	}
	return top, nil
}
