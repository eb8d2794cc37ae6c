package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	pflag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lattice-cqrs/partition-publisher/common/logger"
	"github.com/lattice-cqrs/partition-publisher/services/partition-publisher/internal/app"
	"github.com/lattice-cqrs/partition-publisher/services/partition-publisher/internal/config"
)

func main() {
	configPath := pflag.String("config", "config/config.yaml", "path to config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, DevMode: cfg.Logging.DevMode})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.Logging.DevMode {
		cfg.Print()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("starting service",
		zap.String("service.name", cfg.ServiceName),
		zap.String("service.version", cfg.ServiceVersion),
	)

	if err := app.Run(ctx, cfg, log); err != nil {
		log.Error("application exited with error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("shutdown complete")
}
