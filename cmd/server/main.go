// Command capsyd is the real-time pillbox scheduling server.
// It loads configuration, opens the user/config store, and serves the
// WebSocket protocol spoken by caregiver apps and pillbox devices.
//
// Usage:
//
//	capsyd [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/depremu/capsyd/internal/config"
	"github.com/depremu/capsyd/internal/dispatch"
	"github.com/depremu/capsyd/internal/ident"
	"github.com/depremu/capsyd/internal/metrics"
	"github.com/depremu/capsyd/internal/registry"
	"github.com/depremu/capsyd/internal/router"
	"github.com/depremu/capsyd/internal/store"
	"github.com/depremu/capsyd/internal/timer"
	transportws "github.com/depremu/capsyd/internal/transport/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "capsyd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Server identity ───────────────────────────────────────────────────
	serverID, err := ident.LoadServerID(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("init identity: %w", err)
	}

	slog.Info("capsyd starting",
		"server_id", serverID,
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", cfg.Node.DataDir,
		"reload_interval", cfg.Registry.ReloadInterval,
	)

	// ── 4. Open the user/config store ────────────────────────────────────────
	st, err := store.Open(filepath.Join(cfg.Node.DataDir, "capsyd.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// ── 5. Metrics registry ──────────────────────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 6. Core: timers, connection registry, dispatcher, router ────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timers := timer.New(timer.WithMetrics(metricsReg))
	timers.Start(ctx)

	reg := registry.New(st, timers,
		registry.WithReloadInterval(cfg.ReloadInterval()),
		registry.WithMetrics(metricsReg),
	)
	go reg.Run(ctx)

	disp := dispatch.New(reg, timers, dispatch.WithMetrics(metricsReg))
	rt := router.New(reg, disp, st,
		router.WithMetrics(metricsReg),
		router.WithInitWait(cfg.InitWait()),
	)

	// ── 7. WebSocket transport ───────────────────────────────────────────────
	srv := transportws.New(rt, cfg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("capsyd ready", "server_id", serverID, "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 8. Dedicated Prometheus metrics listener ─────────────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 9. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()

	cancel() // stop reload loop and timer run goroutine
	timers.Stop()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	if err := st.Close(); err != nil {
		slog.Warn("store close error", "err", err)
	}

	slog.Info("capsyd stopped")
	return nil
}
