package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// DeviceConfig describes one peer and the port stacks opened towards it.
type DeviceConfig struct {
	Name  string       `toml:"name"`
	IP    string       `toml:"ip"`
	Ports []PortConfig `toml:"ports"`
}

// PortConfig mirrors the stack builder options. Pointer fields distinguish
// an explicit false or zero from "use the default".
type PortConfig struct {
	Name      string `toml:"name"`
	Transport string `toml:"transport"`

	UDPPort       uint `toml:"udp_port"`
	UDPQueueDepth int  `toml:"udp_queue_depth"`
	UDPThreads    int  `toml:"udp_threads"`
	UDPPollSecs   int  `toml:"udp_poll_secs"`

	TCPPort       uint `toml:"tcp_port"`
	TCPQueueDepth int  `toml:"tcp_queue_depth"`

	// SRPVersion is v1, v2, v3 or none; empty means v2.
	SRPVersion        string `toml:"srp_version"`
	SRPTimeout        string `toml:"srp_timeout"`
	SRPRetries        *int   `toml:"srp_retries"`
	SRPDynTimeout     *bool  `toml:"srp_dyn_timeout"`
	SRPByteResolution bool   `toml:"srp_byte_resolution"`
	SRPIgnoreMemResp  bool   `toml:"srp_ignore_mem_resp"`
	Cacheable         string `toml:"cacheable"`

	RSSI            bool `toml:"rssi"`
	RSSIWindow      int  `toml:"rssi_window"`
	RSSISegmentSize int  `toml:"rssi_segment_size"`

	Depack             *bool  `toml:"depack"`
	DepackQueueDepth   int    `toml:"depack_queue_depth"`
	DepackFrameWinLog2 uint   `toml:"depack_frame_win_log2"`
	DepackFragWinLog2  uint   `toml:"depack_frag_win_log2"`
	DepackTimeout      string `toml:"depack_timeout"`

	TDestMux         bool  `toml:"tdest_mux"`
	TDest            int   `toml:"tdest"`
	TDestStripHeader *bool `toml:"tdest_strip_header"`
	TDestQueueDepth  int   `toml:"tdest_queue_depth"`

	SRPMux *bool `toml:"srp_mux"`
	SRPVC  int   `toml:"srp_vc"`
}

func LoadDeviceConfig(path string) (DeviceConfig, error) {
	var cfg DeviceConfig
	if err := loadToml(path, &cfg); err != nil {
		return DeviceConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "device"
	}
	if err := ValidateDeviceConfig(cfg); err != nil {
		return DeviceConfig{}, err
	}
	return cfg, nil
}

func ParseDeviceConfig(data []byte) (DeviceConfig, error) {
	var cfg DeviceConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return DeviceConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = "device"
	}
	if err := ValidateDeviceConfig(cfg); err != nil {
		return DeviceConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateDeviceConfig(cfg DeviceConfig) error {
	if strings.TrimSpace(cfg.IP) == "" {
		return fmt.Errorf("device config missing ip")
	}
	if strings.Contains(cfg.IP, ":") && net.ParseIP(cfg.IP) == nil {
		return fmt.Errorf("device ip %q must not carry a port", cfg.IP)
	}
	if len(cfg.Ports) == 0 {
		return fmt.Errorf("device config has no ports")
	}
	seen := make(map[string]bool, len(cfg.Ports))
	for i, p := range cfg.Ports {
		if err := ValidatePortEntry(p); err != nil {
			return fmt.Errorf("port[%d] invalid: %w", i, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("port[%d] invalid: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// ValidatePortEntry checks field syntax and ranges; combination rules are
// left to the stack builder.
func ValidatePortEntry(p PortConfig) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if p.TDest < 0 || p.TDest > 255 {
		return fmt.Errorf("tdest %d out of range 0..255", p.TDest)
	}
	if p.SRPVC < 0 || p.SRPVC > 127 {
		return fmt.Errorf("srp_vc %d out of range 0..127", p.SRPVC)
	}
	if p.UDPPort > 65535 || p.TCPPort > 65535 {
		return fmt.Errorf("port number out of range")
	}
	_, err := p.ToBuilder("")
	return err
}
