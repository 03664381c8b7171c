package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

type ServiceConfig struct {
	AdminAddr    string
	DeviceConfig string
	LogLevel     string
	CorsOrigins  []string
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		AdminAddr:    ":9300",
		DeviceConfig: "device.toml",
		LogLevel:     "info",
	}
}

type fileConfig struct {
	AdminAddr    string   `toml:"admin_addr"`
	DeviceConfig string   `toml:"device_config"`
	LogLevel     string   `toml:"log_level"`
	CorsOrigins  []string `toml:"cors_origins"`
}

func loadServiceConfig(path string) (ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("load cpswctl config: %w", err)
	}

	if meta.IsDefined("admin_addr") {
		if addr := strings.TrimSpace(raw.AdminAddr); addr != "" {
			cfg.AdminAddr = addr
		}
	}

	if meta.IsDefined("device_config") {
		p := strings.TrimSpace(raw.DeviceConfig)
		if p == "" {
			return ServiceConfig{}, fmt.Errorf("device_config must not be empty")
		}
		cfg.DeviceConfig = p
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}

	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ServiceConfig{}, fmt.Errorf("unknown cpswctl config key %q", undecoded[0].String())
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if v := strings.TrimSpace(o); v != "" {
			out = append(out, v)
		}
	}
	return out
}
