// Command privatemarkets runs the settlement engine: it loads and validates
// configuration, recovers state from the event log and serves until
// SIGINT or SIGTERM.
package main

import (
	"PrivateMarkets/internal/app"
	"PrivateMarkets/internal/config"
	"PrivateMarkets/internal/observability"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	logger := observability.NewLoggerWithLevel("privatemarkets", observability.ParseLogLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	logger.Info().
		Str("config", *configPath).
		Str("compute_mode", cfg.Compute.Mode).
		Msg("privatemarkets starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("exited with error")
		application.Close()
		os.Exit(1)
	}
	logger.Info().Msg("privatemarkets stopped")
}
