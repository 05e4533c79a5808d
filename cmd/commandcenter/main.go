// Command commandcenter is the Command Center server binary. It loads a
// YAML configuration file (with environment variable overrides), opens the
// embedded event database, starts the rule evaluator, delivery dispatcher,
// and retention worker, exposes the HTTP API, and shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opscenter/commandcenter/internal/config"
	"github.com/opscenter/commandcenter/internal/delivery"
	"github.com/opscenter/commandcenter/internal/event"
	"github.com/opscenter/commandcenter/internal/hub"
	"github.com/opscenter/commandcenter/internal/ingest"
	"github.com/opscenter/commandcenter/internal/metrics"
	"github.com/opscenter/commandcenter/internal/retention"
	"github.com/opscenter/commandcenter/internal/rules"
	"github.com/opscenter/commandcenter/internal/server/rest"
	"github.com/opscenter/commandcenter/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to the YAML configuration file (optional)")
		logLevel   = flag.String("log-level", "", "Override the configured log level: debug | info | warn | error")
	)
	flag.Parse()

	// .env is a development convenience; a missing file is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "commandcenter: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("command center starting",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("db_path", cfg.DBPath),
		slog.Int("webhooks", len(cfg.Webhooks)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Embedded event database ───────────────────────────────────────────────
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open event database", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("event database ready", slog.String("path", cfg.DBPath))

	// ── Schema registry ───────────────────────────────────────────────────────
	registry, err := event.NewRegistry(event.Builtin()...)
	if err != nil {
		logger.Error("failed to build schema registry", slog.Any("error", err))
		os.Exit(1)
	}

	// ── Core services ─────────────────────────────────────────────────────────
	counters := metrics.NewCounters()
	fanout := hub.New(logger, cfg.StreamBufferSize, counters)
	defer fanout.Close()

	ingestor := ingest.New(registry, st, fanout, logger, counters)

	evaluator := rules.New(st, ingestor, cfg.Webhooks,
		time.Duration(cfg.EvalIntervalSeconds)*time.Second,
		time.Duration(cfg.DedupWindowSeconds)*time.Second,
		logger, counters)

	dispatcher := delivery.New(st, ingestor, delivery.Options{
		Interval:     time.Duration(cfg.DispatchIntervalSeconds) * time.Second,
		InitialDelay: time.Duration(cfg.DispatchDelaySeconds) * time.Second,
		BatchSize:    cfg.DispatchBatchSize,
		Secret:       cfg.WebhookSecret,
	}, logger, counters)

	pruner := retention.New(st, ingestor,
		time.Duration(cfg.RetentionIntervalSeconds)*time.Second,
		cfg.RetentionDays, cfg.TenantRetentionDays,
		logger, counters)

	// ── Optional bearer-token fallback ────────────────────────────────────────
	var pubKey *rsa.PublicKey
	if path := cfg.Auth.JWTPublicKeyFile; path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = rest.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("bearer-token fallback enabled")
	}

	// ── HTTP API ──────────────────────────────────────────────────────────────
	srv := rest.NewServer(st, ingestor, evaluator, fanout, registry, counters, logger)
	handler := rest.NewRouter(srv, rest.RouterConfig{
		PublicKey:   pubKey,
		CORSOrigins: cfg.CORSOrigins,
	})

	httpServer := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// ── Background loops ──────────────────────────────────────────────────────
	evaluator.Start(ctx)
	dispatcher.Start(ctx)
	pruner.Start(ctx)

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ───────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
			exitCode = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	// Stop the loops in reverse dependency order; each blocks until its
	// goroutine has exited.
	pruner.Stop()
	dispatcher.Stop()
	evaluator.Stop()
	fanout.Close()

	logger.Info("command center exited cleanly")
	os.Exit(exitCode)
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
