// Package stack composes protocol modules into per-address port stacks and
// reuses transport, RSSI and depacketizer segments shared between them.
package stack

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/cpsw/internal/protocol"
	"github.com/danmuck/cpsw/internal/protocol/depack"
	"github.com/danmuck/cpsw/internal/protocol/mux"
	"github.com/danmuck/cpsw/internal/protocol/rssi"
	"github.com/danmuck/cpsw/internal/protocol/srp"
	"github.com/danmuck/cpsw/internal/transport"
)

type Transport int

const (
	UDP Transport = iota
	TCP
)

func ParseTransport(raw string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "udp":
		return UDP, nil
	case "tcp":
		return TCP, nil
	}
	return UDP, fmt.Errorf("stack: unknown transport %q", raw)
}

func (t Transport) String() string {
	if t == TCP {
		return "tcp"
	}
	return "udp"
}

const (
	DefaultTimeout     = 10 * time.Millisecond
	DefaultRSSITimeout = 500 * time.Millisecond
	DefaultTCPTimeout  = 4 * time.Second
	DefaultRetryCount  = 10

	DefaultDepackQueueDepth = 50
	DefaultWinLog2          = 5
	DefaultRSSIWinLog2      = 1
	DefaultTDestQueueDepth  = 50

	// MaxWordsRxDepack is the read limit once a depacketizer reassembles
	// large responses.
	MaxWordsRxDepack = 1 << 14
)

// Builder declares one port stack. Unset fields take defaults that depend
// on the other choices (RSSI, TCP, TDEST mux); pointer fields distinguish
// an explicit zero or false from "unset".
type Builder struct {
	Host      string
	Transport Transport

	UDPPort       uint
	UDPQueueDepth int
	UDPRxThreads  int
	UDPPollSecs   int

	TCPPort       uint
	TCPQueueDepth int

	SRPVersion        srp.Version
	SRPTimeout        time.Duration
	SRPRetryCount     *int
	SRPDynTimeout     *bool
	SRPByteResolution bool
	SRPIgnoreMemResp  bool
	SRPCacheable      srp.Cacheable

	RSSI       bool
	RSSIConfig rssi.Config

	Depack             *bool
	DepackQueueDepth   int
	DepackFrameWinLog2 uint
	DepackFragWinLog2  uint
	DepackTimeout      time.Duration

	TDestMux         bool
	TDest            uint8
	TDestStripHeader *bool
	TDestQueueDepth  int

	SRPMux *bool
	SRPVC  uint8
}

func Int(v int) *int {
	return &v
}

func Bool(v bool) *bool {
	return &v
}

// NewBuilder is a UDP stack speaking SRP V2 to host.
func NewBuilder(host string) Builder {
	return Builder{Host: host, Transport: UDP, SRPVersion: srp.V2}
}

func (b Builder) HasSRP() bool {
	return b.SRPVersion != srp.VersionNone
}

func (b Builder) rssiOverUDP() bool {
	return b.RSSI && b.Transport == UDP
}

func (b Builder) Timeout() time.Duration {
	switch {
	case b.SRPTimeout > 0:
		return b.SRPTimeout
	case b.rssiOverUDP():
		return DefaultRSSITimeout
	case b.Transport == TCP:
		return DefaultTCPTimeout
	}
	return DefaultTimeout
}

func (b Builder) RetryCount() int {
	switch {
	case b.SRPRetryCount != nil:
		return *b.SRPRetryCount
	case b.rssiOverUDP(), b.Transport == TCP:
		return 0
	}
	return DefaultRetryCount
}

func (b Builder) DynTimeout() bool {
	if b.SRPDynTimeout != nil {
		return *b.SRPDynTimeout
	}
	return !b.RSSI && b.Transport != TCP && !b.TDestMux
}

func (b Builder) HasDepack() bool {
	if b.Depack != nil {
		return *b.Depack
	}
	return b.TDestMux
}

func (b Builder) HasSRPMux() bool {
	if b.SRPMux != nil {
		return *b.SRPMux
	}
	return b.HasSRP()
}

func (b Builder) StripHeader() bool {
	if b.TDestStripHeader != nil {
		return *b.TDestStripHeader
	}
	return b.HasSRP()
}

func (b Builder) DestPort() uint {
	if b.Transport == TCP {
		if b.TCPPort == 0 {
			return transport.DefaultTCPPort
		}
		return b.TCPPort
	}
	if b.UDPPort == 0 {
		return transport.DefaultUDPPort
	}
	return b.UDPPort
}

// SRPMuxQueueDepth holds replies to every retry of one request.
func (b Builder) SRPMuxQueueDepth() int {
	return 2 * (b.RetryCount() + 1)
}

func (b Builder) UDPConfig() transport.UDPConfig {
	return transport.UDPConfig{
		Host:       b.Host,
		Port:       b.DestPort(),
		QueueDepth: b.UDPQueueDepth,
		RxThreads:  b.UDPRxThreads,
		PollSecs:   b.UDPPollSecs,
	}
}

func (b Builder) TCPConfig() transport.TCPConfig {
	return transport.TCPConfig{
		Host:       b.Host,
		Port:       b.DestPort(),
		QueueDepth: b.TCPQueueDepth,
	}
}

func (b Builder) DepackConfig() depack.Config {
	win := uint(DefaultWinLog2)
	if b.rssiOverUDP() {
		win = DefaultRSSIWinLog2
	}
	cfg := depack.Config{
		QueueDepth:   b.DepackQueueDepth,
		FrameWinLog2: b.DepackFrameWinLog2,
		FragWinLog2:  b.DepackFragWinLog2,
		Timeout:      b.DepackTimeout,
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultDepackQueueDepth
	}
	if cfg.FrameWinLog2 == 0 {
		cfg.FrameWinLog2 = win
	}
	if cfg.FragWinLog2 == 0 {
		cfg.FragWinLog2 = win
	}
	return cfg
}

func (b Builder) TDestDepth() int {
	if b.TDestQueueDepth <= 0 {
		return DefaultTDestQueueDepth
	}
	return b.TDestQueueDepth
}

// SRPConfig is the transaction policy for an address on top of this stack.
func (b Builder) SRPConfig() srp.Config {
	cfg := srp.DefaultConfig()
	cfg.Version = b.SRPVersion
	cfg.Timeout = b.Timeout()
	cfg.RetryCount = b.RetryCount()
	cfg.DynTimeout = b.DynTimeout()
	cfg.TimeoutCap = srp.DefaultTimeoutCap
	if b.RSSI {
		cfg.TimeoutCap = srp.RSSITimeoutCap
	}
	cfg.VC = b.SRPVC
	if b.HasSRPMux() {
		cfg.TIDBits = 24
	}
	cfg.ByteResolution = b.SRPByteResolution
	cfg.IgnoreMemResp = b.SRPIgnoreMemResp
	cfg.Cacheable = b.SRPCacheable
	if b.SRPVersion == srp.V3 && b.HasDepack() {
		cfg.MaxWordsRx = MaxWordsRxDepack
	}
	return cfg
}

// Validate rejects illegal combinations before anything is built.
func (b Builder) Validate() error {
	if strings.TrimSpace(b.Host) == "" {
		return protocol.ConfigErrorf("stack: only UDP or TCP to a peer host is supported (no host)")
	}
	if b.SRPVersion < srp.VersionNone || b.SRPVersion > srp.V3 {
		return protocol.InvalidArgf("stack: invalid SRP version %d", b.SRPVersion)
	}
	if !b.HasSRP() && b.SRPMux != nil && *b.SRPMux {
		return protocol.ConfigErrorf("stack: cannot configure an SRP demuxer without an SRP version")
	}
	if b.SRPByteResolution && b.SRPVersion != srp.V3 {
		return protocol.InvalidArgf("stack: byte resolution requires SRP v3")
	}
	if b.SRPRetryCount != nil && *b.SRPRetryCount < 0 {
		return protocol.InvalidArgf("stack: negative retry count")
	}
	if b.DestPort() > 65535 {
		return protocol.InvalidArgf("stack: invalid %s port %d", b.Transport, b.DestPort())
	}
	if b.UDPRxThreads < 0 || b.UDPRxThreads > transport.MaxRxThreads {
		return protocol.InvalidArgf("stack: too many UDP rx threads (%d)", b.UDPRxThreads)
	}
	if b.DepackFrameWinLog2 > depack.MaxWinLog2 || b.DepackFragWinLog2 > depack.MaxWinLog2 {
		return protocol.InvalidArgf("stack: requested depacketizer window too large")
	}
	if b.HasSRPMux() && b.SRPVC > mux.MaxVC {
		return protocol.InvalidArgf("stack: SRP mux virtual channel %d out of range", b.SRPVC)
	}
	if b.TDestMux && !b.HasDepack() {
		return protocol.ConfigErrorf("stack: a TDEST mux requires a depacketizer")
	}
	if b.rssiOverUDP() {
		if _, err := b.RSSIConfig.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// prefix names the modules of this stack after its transport endpoint.
func (b Builder) prefix() string {
	return fmt.Sprintf("%s:%s%d", b.Host, b.Transport, b.DestPort())
}
