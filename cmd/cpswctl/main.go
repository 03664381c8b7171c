package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/danmuck/cpsw/internal/admin"
	"github.com/danmuck/cpsw/internal/config"
	"github.com/danmuck/cpsw/internal/logging"
	"github.com/danmuck/cpsw/internal/netio"
	"github.com/danmuck/cpsw/internal/observability"
	"github.com/danmuck/cpsw/internal/protocol/srp"
	"github.com/rs/zerolog/log"
)

const usage = `usage: cpswctl [-config cpswctl.toml] [command]

commands:
  serve                          run the admin API until interrupted (default)
  read  <port> <offset> <length> read registers and print them as hex
  write <port> <offset> <hex>    write hex bytes to registers
  info  <port>                   print the port's module information
  template <device|ctl> <path>   write a config template
`

func main() {
	configPath := flag.String("config", "cpswctl.toml", "cpswctl config file")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if err := run(*configPath, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "cpswctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, args []string, out io.Writer) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	if cmd == "template" {
		if len(args) != 2 {
			return fmt.Errorf("template: want <kind> <path>")
		}
		return config.WriteTemplate(args[1], args[0], false)
	}

	observability.InitLogger("cpswctl")
	cfg, err := loadServiceConfig(configPath)
	if err != nil {
		return err
	}
	if !logging.SetLevel(cfg.LogLevel) {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level ignored")
	}

	dev, err := openDevice(configPath, cfg)
	if err != nil {
		return err
	}
	if err := dev.Startup(); err != nil {
		return err
	}
	defer func() {
		if err := dev.Shutdown(); err != nil {
			log.Error().Err(err).Msg("device shutdown")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "serve":
		srv := admin.New("cpswctl", cfg.AdminAddr, dev, cfg.CorsOrigins)
		return srv.Serve(ctx)
	case "read":
		return readCmd(ctx, dev, args, out)
	case "write":
		return writeCmd(ctx, dev, args, out)
	case "info":
		if len(args) != 1 {
			return fmt.Errorf("info: want <port>")
		}
		return dev.DumpInfo(out, args[0])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// openDevice resolves the device file relative to the cpswctl config and
// adds every port it lists.
func openDevice(configPath string, cfg ServiceConfig) (*netio.Dev, error) {
	path := cfg.DeviceConfig
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(configPath), path)
	}
	devCfg, err := config.LoadDeviceConfig(path)
	if err != nil {
		return nil, err
	}
	names, builders, err := devCfg.Builders()
	if err != nil {
		return nil, err
	}
	dev := netio.New(devCfg.Name, devCfg.IP)
	for i, name := range names {
		if _, err := dev.AddPort(name, builders[i]); err != nil {
			return nil, err
		}
	}
	return dev, nil
}

func readCmd(ctx context.Context, dev *netio.Dev, args []string, out io.Writer) error {
	if len(args) != 3 {
		return fmt.Errorf("read: want <port> <offset> <length>")
	}
	off, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return fmt.Errorf("read: offset: %w", err)
	}
	n, err := strconv.Atoi(args[2])
	if err != nil || n <= 0 || n > admin.MaxReadLength {
		return fmt.Errorf("read: invalid length %q", args[2])
	}
	dst := make([]byte, n)
	got, err := dev.Read(ctx, args[0], dst, off)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hex.EncodeToString(dst[:got]))
	return nil
}

func writeCmd(ctx context.Context, dev *netio.Dev, args []string, out io.Writer) error {
	if len(args) != 3 {
		return fmt.Errorf("write: want <port> <offset> <hex>")
	}
	off, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return fmt.Errorf("write: offset: %w", err)
	}
	src, err := hex.DecodeString(strings.TrimPrefix(args[2], "0x"))
	if err != nil || len(src) == 0 {
		return fmt.Errorf("write: data must be non-empty hex")
	}
	n, err := dev.Write(ctx, args[0], srp.WriteArgs{Off: off, Src: src})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d bytes\n", n)
	return nil
}
