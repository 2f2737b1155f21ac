// Command fabricd starts the Agent Coordination Fabric: it brings up the
// Coordination Hub, applies pending migrations, and runs until signaled to
// stop. It owns no HTTP or CLI surface of its own — agent processes talk to
// the fabric's Go API directly, in-process or via their own transport.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sabiedu/sabiedu-edulms/internal/config"
	"github.com/sabiedu/sabiedu-edulms/internal/hub"
	"github.com/sabiedu/sabiedu-edulms/internal/logging"
	sentryinit "github.com/sabiedu/sabiedu-edulms/internal/sentry"
	"github.com/sabiedu/sabiedu-edulms/internal/version"
	"github.com/sabiedu/sabiedu-edulms/migrations"
)

func main() {
	_ = godotenv.Load()

	cfg := config.FromEnv()
	log := logging.New(cfg.Log.Level).With(
		slog.String("app_env", cfg.AppEnv),
		slog.String("version", version.String()),
	)
	slog.SetDefault(log)

	if err := sentryinit.Init(cfg.Sentry.DSN, cfg.Sentry.Environment, cfg.Sentry.Release); err != nil {
		log.Error("sentry init failed", slog.String("error", err.Error()))
	}
	if sentryinit.Enabled() {
		defer sentryinit.Flush(5 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()

	h, err := hub.New(ctx, cfg, log, registry)
	if err != nil {
		log.Error("hub construction failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := migrations.Apply(ctx, h.Store.Pool, log); err != nil {
		log.Error("migrations failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := h.Start(ctx); err != nil {
		log.Error("hub start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("fabric started")

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer shutdownCancel()
	h.Stop(shutdownCtx)

	log.Info("fabric stopped")
}
