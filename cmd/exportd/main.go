// Command exportd serves the export job pipeline and the signed artifact
// download gateway.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hamgam/exportd/pkg/api"
	"github.com/hamgam/exportd/pkg/config"
	"github.com/hamgam/exportd/pkg/exporter"
	"github.com/hamgam/exportd/pkg/gateway"
	"github.com/hamgam/exportd/pkg/jobstore"
	"github.com/hamgam/exportd/pkg/observability"
	"github.com/hamgam/exportd/pkg/orchestrator"
	"github.com/hamgam/exportd/pkg/retry"
	"github.com/hamgam/exportd/pkg/signing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("exportd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys, err := config.LoadKeys(cfg.KeyFile)
	if err != nil {
		return err
	}
	ring, err := signing.NewKeyRing(keys)
	if err != nil {
		return err
	}
	signer := signing.NewSigner(ring, nil)

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.MetricsEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = true
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}()
	metrics, err := observability.NewMetrics(provider.Meter())
	if err != nil {
		return err
	}

	var store jobstore.Store
	if cfg.RedisAddr != "" {
		rs := jobstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			return err
		}
		store = rs
		logger.Info("job store", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		store = jobstore.NewMemoryStore()
		logger.Info("job store", "backend", "memory")
	}

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return err
	}

	csv := exporter.NewCSV(cfg.WorkspaceRoot, exporter.NewFileProvider(cfg.SourceFile))
	orch := orchestrator.New(orchestrator.Config{
		Workers:    cfg.Workers,
		QueueDepth: cfg.QueueDepth,
	}, store, csv, metrics)
	orch.Start(ctx)
	defer orch.Shutdown()

	gw := gateway.New(cfg.WorkspaceRoot, signer, retry.DefaultPolicy(), metrics)
	srv := api.NewServer(orch, signer, gw, cfg.DownloadTTL, logger)
	limiter := api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func logLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
