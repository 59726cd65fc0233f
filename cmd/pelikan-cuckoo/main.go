// Command pelikan-cuckoo runs the fixed-footprint cuckoo hash engine
// (C2) behind the memcached ASCII wire protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pelikan-go/storectl/internal/config"
	"github.com/pelikan-go/storectl/internal/cuckoo"
	"github.com/pelikan-go/storectl/internal/item"
	"github.com/pelikan-go/storectl/internal/metrics"
	"github.com/pelikan-go/storectl/internal/process"
	"github.com/pelikan-go/storectl/internal/server"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultDataPort = 22222

type cli struct {
	Config  string           `short:"c" help:"Path to a \"name: value\" configuration file." type:"path"`
	Version kong.VersionFlag `short:"v" help:"Print version and exit."`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("pelikan-cuckoo"),
		kong.Description("Fixed-footprint cuckoo hash cache server."),
		kong.Vars{"version": version},
	)

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pelikan-cuckoo: logger init:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(c, logger); err != nil {
		logger.Error("fatal", zap.Error(err))
		if errors.Is(err, errUsage) {
			os.Exit(64)
		}
		os.Exit(1)
	}
}

// errUsage marks a configuration/usage failure, distinct from a runtime
// startup failure, so main can map it to exit code 64 (EX_USAGE).
var errUsage = errors.New("usage error")

func run(c cli, logger *zap.Logger) error {
	cfg := config.Default()
	cfg.ServerPort = defaultDataPort
	if c.Config != "" {
		loaded, err := config.Load(c.Config)
		if err != nil {
			return fmt.Errorf("load configuration: %w: %w", errUsage, err)
		}
		cfg = loaded
		if cfg.ServerPort == 0 {
			cfg.ServerPort = defaultDataPort
		}
	}

	cuckooCfg, err := cfg.CuckooConfig()
	if err != nil {
		return fmt.Errorf("cuckoo configuration: %w: %w", errUsage, err)
	}

	cas := item.NewCASCounter()
	eng, err := cuckoo.NewEngine(cuckooCfg, cas)
	if err != nil {
		return errors.Wrap(err, "construct cuckoo engine")
	}

	reg := metrics.NewRegistry()
	proc := process.NewCuckooProcessor(eng, reg, version)

	srv := server.New(server.Config{
		BufInitSize:  cfg.BufInitSize,
		DbufMaxPower: cfg.DbufMaxPower,
		MaxConns:     cfg.MaxConns,
	}, proc, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dataAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	adminAddr := fmt.Sprintf("%s:%d", cfg.AdminHost, cfg.AdminPort)
	logger.Info("starting pelikan-cuckoo",
		zap.String("data_addr", dataAddr),
		zap.String("admin_addr", adminAddr),
		zap.String("table_footprint", humanize.IBytes(uint64(cuckooCfg.NSlot*cuckooCfg.SlotSize))),
		zap.Int("capacity", cuckooCfg.Capacity()),
	)

	return srv.Run(ctx, dataAddr, adminAddr)
}
