package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "device":
		return deviceTemplate, nil
	case "ctl", "cpswctl":
		return ctlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const deviceTemplate = `name = "fpga"
ip = "192.168.2.10"

[[ports]]
name = "regs"
srp_version = "v2"
udp_port = 8192
srp_timeout = "10ms"
srp_retries = 10
cacheable = "wt"

[[ports]]
name = "regs-vc1"
srp_version = "v3"
udp_port = 8193
rssi = true
tdest_mux = true
tdest = 0
srp_vc = 1

[[ports]]
name = "stream"
srp_version = "none"
udp_port = 8193
rssi = true
tdest_mux = true
tdest = 1
tdest_strip_header = true
`

const ctlTemplate = `admin_addr = ":9300"
device_config = "device.toml"
log_level = "info"
cors_origins = ["http://localhost:3000"]
`
