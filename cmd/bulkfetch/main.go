package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bulkfetch "github.com/relaydown/bulkfetch"
	"github.com/relaydown/bulkfetch/internal/config"
	"github.com/relaydown/bulkfetch/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("bulkfetch starting...", "log_level", cfg.LogLevel, "manifest", cfg.ManifestPath)

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "bulkfetch",
		ServiceVersion: "dev",
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	if cfg.Telemetry.Enabled {
		server := &http.Server{
			Addr:    cfg.Telemetry.BindAddress,
			Handler: tel.Handler(),
		}

		go func() {
			logger.Info("serving telemetry", "addr", cfg.Telemetry.BindAddress)

			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("telemetry server error", "err", err)
			}
		}()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to shut down telemetry server", "err", err)
			}
		}()
	}

	// =========================================================================
	// Build Engine
	engine := bulkfetch.New(
		bulkfetch.WithStatePath(cfg.StatePath),
		bulkfetch.WithMaxConcurrency(cfg.MaxConcurrency),
		bulkfetch.WithBatchSize(cfg.BatchSize),
		bulkfetch.WithRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffCap),
		bulkfetch.WithResumeThreshold(cfg.ResumeThreshold),
		bulkfetch.WithVerifyWorkers(cfg.VerifyWorkers),
		bulkfetch.WithPruneRemoved(cfg.PruneRemoved),
		bulkfetch.WithLogger(logger),
		bulkfetch.WithTelemetry(tel),
	)
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("failed to close engine", "err", err)
		}
	}()

	engine.Subscribe(
		func(name string, downloaded, total int64, rate float64) {
			logger.Debug("progress", "name", name, "downloaded", downloaded, "total", total, "bytes_per_sec", rate)
		},
		func(level slog.Level, msg string, attrs map[string]any) {
			logger.LogAttrs(context.Background(), level, msg, attrsToSlog(attrs)...)
		},
	)

	manifestFile, err := os.Open(cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer manifestFile.Close()

	if err := engine.LoadManifest(ctx, manifestFile); err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	if err := engine.SetDownloadRoot(cfg.DownloadRoot); err != nil {
		return fmt.Errorf("failed to set download root: %w", err)
	}

	// =========================================================================
	// Run
	selection := engine.Select()

	logger.Info("starting run", "selected", len(selection))

	go func() {
		<-ctx.Done()
		logger.Info("cancellation requested, draining in-flight downloads")
		engine.Cancel()
	}()

	if err := engine.Start(ctx, selection); err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	stats := engine.Statistics()
	logger.Info("run complete",
		"bytes_raw", stats.BytesRaw,
		"bytes_decoded", stats.BytesDecoded,
		"elapsed", stats.Elapsed.String(),
		"h2_requests", stats.H2Requests,
		"h1_requests", stats.H1Requests,
		"connection_reuse_ratio", stats.ConnectionReuseRatio,
		"compression_ratio", stats.CompressionRatio,
	)

	for status, count := range stats.StateCounts {
		logger.Info("final state count", "status", status, "count", count)
	}

	return nil
}

func attrsToSlog(attrs map[string]any) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, slog.Any(k, v))
	}

	return out
}
