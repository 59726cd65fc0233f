// Command pelikan-slab runs the slab/segment engine (C3) behind the
// memcached ASCII wire protocol, supporting the full verb set including
// CAS, APPEND/PREPEND, and FLUSH_ALL.
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
	"github.com/pelikan-go/storectl/internal/item"
	"github.com/pelikan-go/storectl/internal/metrics"
	"github.com/pelikan-go/storectl/internal/process"
	"github.com/pelikan-go/storectl/internal/server"
	"github.com/pelikan-go/storectl/internal/slab"
)

var version = "dev"

const defaultDataPort = 12321

type cli struct {
	Config     string           `short:"c" help:"Path to a \"name: value\" configuration file." type:"path"`
	AllowFlush bool             `help:"Permit the admin \"flush\" command to clear the cache." default:"true"`
	Version    kong.VersionFlag `short:"v" help:"Print version and exit."`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("pelikan-slab"),
		kong.Description("Slab/segment cache server with CAS and eviction."),
		kong.Vars{"version": version},
	)

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pelikan-slab: logger init:", err)
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

	slabCfg, err := cfg.SlabConfig()
	if err != nil {
		return fmt.Errorf("slab configuration: %w: %w", errUsage, err)
	}

	cas := item.NewCASCounter()
	eng, err := slab.NewEngine(slabCfg, cas)
	if err != nil {
		return errors.Wrap(err, "construct slab engine")
	}

	reg := metrics.NewRegistry()
	proc := process.NewSlabProcessor(eng, reg, version, c.AllowFlush)

	srv := server.New(server.Config{
		BufInitSize:  cfg.BufInitSize,
		DbufMaxPower: cfg.DbufMaxPower,
		MaxConns:     cfg.MaxConns,
	}, proc, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dataAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	adminAddr := fmt.Sprintf("%s:%d", cfg.AdminHost, cfg.AdminPort)
	logger.Info("starting pelikan-slab",
		zap.String("data_addr", dataAddr),
		zap.String("admin_addr", adminAddr),
		zap.String("slab_budget", humanize.IBytes(uint64(slabCfg.SlabSize*slabCfg.MaxSlabs))),
	)

	return srv.Run(ctx, dataAddr, adminAddr)
}
