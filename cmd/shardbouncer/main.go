// Command shardbouncer runs the sharded PostgreSQL connection pool.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shardbouncer/shardbouncer/internal/admin"
	"github.com/shardbouncer/shardbouncer/internal/config"
	"github.com/shardbouncer/shardbouncer/internal/pgpool"
	"github.com/shardbouncer/shardbouncer/internal/server"
	"github.com/shardbouncer/shardbouncer/internal/stats"
)

func main() {
	configPath := flag.String("config", "configs/shardbouncer.yaml", "path to configuration file")
	adminAddr := flag.String("admin-addr", "127.0.0.1:9930", "admin/metrics listen address")
	flag.Parse()

	slog.Info("shardbouncer starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "pools", len(cfg.Pools))

	collector := stats.New()
	dialer := &server.Connector{DialTimeout: cfg.General.ConnectTimeout}
	registry := pgpool.NewRegistry(dialer, collector)

	ctx := context.Background()
	if err := registry.FromConfig(ctx, cfg); err != nil {
		slog.Error("failed to build initial pools", "err", err)
		os.Exit(1)
	}
	slog.Info("initial pools built", "addresses", registry.GetNumberOfAddresses())

	adminServer := admin.NewServer(registry, collector.Registry)
	if err := adminServer.Start(*adminAddr); err != nil {
		slog.Error("failed to start admin surface", "err", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg pgpool.RegistryConfig) {
		reloadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := registry.FromConfig(reloadCtx, newCfg); err != nil {
			slog.Error("config reload rejected", "err", err)
		}
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("shardbouncer ready", "admin_addr", *adminAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	adminServer.Stop()

	slog.Info("shardbouncer stopped")
}
