package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sentinelops/sentinel-backend/internal/infrastructure/config"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/telemetry"
)

// sysexits-style codes shared with sentinelctl.
const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitSoftware    = 70
	exitTempFail    = 75
)

func main() {
	var (
		configPath = flag.String("config", "", "path to configuration file")
		migrate    = flag.Bool("migrate", false, "run event store schema migrations and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sentineld: configuration:", err)
		os.Exit(exitUsage)
	}

	log, err := telemetry.SetupLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sentineld: logger:", err)
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *migrate {
		if cfg.Database.URL == "" {
			fmt.Fprintln(os.Stderr, "sentineld: -migrate requires database.url")
			os.Exit(exitUsage)
		}
		if err := runMigrations(cfg.Database.URL, log); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(exitUnavailable)
		}
		log.Info("migrations applied")
		os.Exit(exitOK)
	}

	provider, err := telemetry.Init(ctx, "sentineld", cfg.Version, cfg.Environment, &cfg.Telemetry)
	if err != nil {
		log.Error("telemetry init failed", "error", err)
		os.Exit(exitUnavailable)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("daemon exited", "error", err)
		os.Exit(exitSoftware)
	}
}
