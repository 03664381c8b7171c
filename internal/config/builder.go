package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/cpsw/internal/protocol/srp"
	"github.com/danmuck/cpsw/internal/stack"
)

// ToBuilder converts the entry into stack builder options for host.
func (p PortConfig) ToBuilder(host string) (stack.Builder, error) {
	b := stack.NewBuilder(host)

	t, err := stack.ParseTransport(p.Transport)
	if err != nil {
		return b, err
	}
	b.Transport = t
	b.UDPPort = p.UDPPort
	b.UDPQueueDepth = p.UDPQueueDepth
	b.UDPRxThreads = p.UDPThreads
	b.UDPPollSecs = p.UDPPollSecs
	b.TCPPort = p.TCPPort
	b.TCPQueueDepth = p.TCPQueueDepth

	if strings.TrimSpace(p.SRPVersion) != "" {
		if b.SRPVersion, err = srp.ParseVersion(p.SRPVersion); err != nil {
			return b, err
		}
	}
	if b.SRPTimeout, err = duration("srp_timeout", p.SRPTimeout); err != nil {
		return b, err
	}
	b.SRPRetryCount = p.SRPRetries
	b.SRPDynTimeout = p.SRPDynTimeout
	b.SRPByteResolution = p.SRPByteResolution
	b.SRPIgnoreMemResp = p.SRPIgnoreMemResp
	if b.SRPCacheable, err = srp.ParseCacheable(p.Cacheable); err != nil {
		return b, err
	}

	b.RSSI = p.RSSI
	b.RSSIConfig.Window = p.RSSIWindow
	b.RSSIConfig.SegmentSize = p.RSSISegmentSize

	b.Depack = p.Depack
	b.DepackQueueDepth = p.DepackQueueDepth
	b.DepackFrameWinLog2 = p.DepackFrameWinLog2
	b.DepackFragWinLog2 = p.DepackFragWinLog2
	if b.DepackTimeout, err = duration("depack_timeout", p.DepackTimeout); err != nil {
		return b, err
	}

	b.TDestMux = p.TDestMux
	b.TDest = uint8(p.TDest)
	b.TDestStripHeader = p.TDestStripHeader
	b.TDestQueueDepth = p.TDestQueueDepth

	b.SRPMux = p.SRPMux
	b.SRPVC = uint8(p.SRPVC)

	if host != "" {
		if err := b.Validate(); err != nil {
			return b, err
		}
	}
	return b, nil
}

func duration(field, raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", field, raw)
	}
	return d, nil
}

// Builders converts every port of the device, keyed by port name in file
// order.
func (c DeviceConfig) Builders() ([]string, []stack.Builder, error) {
	names := make([]string, 0, len(c.Ports))
	out := make([]stack.Builder, 0, len(c.Ports))
	for _, p := range c.Ports {
		b, err := p.ToBuilder(c.IP)
		if err != nil {
			return nil, nil, fmt.Errorf("port %q: %w", p.Name, err)
		}
		names = append(names, p.Name)
		out = append(out, b)
	}
	return names, out, nil
}
