package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/uwbctl/internal/config"
	"github.com/danmuck/uwbctl/internal/daemon"
	"github.com/danmuck/uwbctl/internal/observability"
	profilesqlite "github.com/danmuck/uwbctl/internal/profile/sqlite"
)

func main() {
	path := flag.String("config", "", "path to uwbd config (defaults plus UWBCTL_* env when empty)")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "uwbd: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger := observability.InitLogger(cfg.Name)

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Name, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("uwbd tracing shutdown failed")
		}
	}()

	store, err := profilesqlite.Open(ctx, cfg.ProfileDB)
	if err != nil {
		return fmt.Errorf("open profile store: %w", err)
	}
	defer store.Close()

	svc, err := daemon.NewService(cfg, store)
	if err != nil {
		return err
	}
	logger.Info().Str("addr", cfg.Addr).Str("profile_db", cfg.ProfileDB).Msg("uwbd starting")
	return svc.Run(ctx)
}
