// Package main is the entry point for the streamgate server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/streamgate/internal/broadcast"
	"github.com/blueberrycongee/streamgate/internal/config"
	"github.com/blueberrycongee/streamgate/internal/convstore"
	"github.com/blueberrycongee/streamgate/internal/guard"
	"github.com/blueberrycongee/streamgate/internal/httpapi"
	"github.com/blueberrycongee/streamgate/internal/limiter"
	"github.com/blueberrycongee/streamgate/internal/quota"
	"github.com/blueberrycongee/streamgate/internal/relay"
	"github.com/blueberrycongee/streamgate/pkg/provider"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration
	cfgManager, err := config.NewManager(*configPath, slog.Default())
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting streamgate", "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start config watcher
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	// Quota snapshot persistence backend
	snapshots, err := newSnapshotStore(cfg.Snapshot)
	if err != nil {
		logger.Error("failed to initialize snapshot backend", "error", err)
		os.Exit(1)
	}

	// Quota store. Limit and backoff lookups go through the config
	// manager so hot reloads take effect on the next window roll.
	store := quota.NewStore(quota.StoreConfig{
		LimitsFor: func(model string) quota.Limits {
			wl := cfgManager.Get().WindowLimitsFor(model)
			return quota.Limits{Minute: wl.MinuteLimit, Day: wl.DayLimit}
		},
		BackoffFor: func(model string) quota.BackoffParams {
			b := cfgManager.Get().BackoffFor(model)
			return quota.BackoffParams{Initial: b.Initial, Max: b.Max, Multiplier: b.Multiplier}
		},
		Snapshots: snapshots,
		Logger:    logger,
	})
	store.Restore(ctx)

	conversations, err := convstore.New(cfg.Conversations.Dir)
	if err != nil {
		logger.Error("failed to open conversation store", "error", err)
		os.Exit(1)
	}

	providerClient := provider.NewClient(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: cfg.Provider.Timeout,
	})

	streamRelay := relay.New(relay.Config{
		Limiter:             limiter.New(limiter.Config{Store: store, Logger: logger}),
		Guard:               guard.New(guardRules(cfg.Guard)),
		Opener:              providerClient,
		Quotas:              store,
		Conversations:       conversations,
		ScanEveryChunks:     cfg.Guard.ScanEveryChunks,
		ProgressEveryChunks: cfg.Relay.ProgressEveryChunks,
		ExpectedTokens:      cfg.Relay.ExpectedTokens,
		Logger:              logger,
	})

	broadcaster := broadcast.New(broadcast.Config{
		Store:    store,
		Registry: broadcast.NewRegistry(),
		Interval: cfg.Broadcast.Interval,
		Logger:   logger,
	})
	go broadcaster.Run(ctx)

	// Setup HTTP routes
	handler := httpapi.NewHandler(httpapi.HandlerConfig{
		Relay:       streamRelay,
		Broadcaster: broadcaster,
		Store:       store,
		Logger:      logger,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	// Apply per-client pacing in front of everything
	clientLimiter := httpapi.NewClientRateLimiter(httpapi.ClientRateLimiterConfig{
		RPM:    cfg.Server.ClientRPM,
		Burst:  cfg.Server.ClientBurst,
		Logger: logger,
	})
	var httpHandler http.Handler = clientLimiter.Middleware(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Final quota snapshot so restarts keep counting where they left off
	if err := store.Flush(shutdownCtx); err != nil {
		logger.Error("final quota snapshot failed", "error", err)
	}

	cfgManager.Close()
	logger.Info("server stopped")
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// newSnapshotStore selects the quota persistence backend. A nil store
// disables persistence.
func newSnapshotStore(cfg config.SnapshotConfig) (quota.SnapshotStore, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "file":
		return quota.NewFileSnapshotStore(cfg.Path)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		})
		return quota.NewRedisSnapshotStore(client), nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
	}
}

// guardRules converts config mode policies to guard rules, falling back
// to the built-in defaults when none are configured. Rules are keyed by
// the literal configured name; config validation restricts those names to
// the modes request parsing can produce.
func guardRules(cfg config.GuardConfig) map[guard.Mode]guard.ModeRules {
	if len(cfg.Modes) == 0 {
		return guard.DefaultRules()
	}
	rules := make(map[guard.Mode]guard.ModeRules, len(cfg.Modes))
	for name, mc := range cfg.Modes {
		rules[guard.Mode(name)] = guard.ModeRules{
			BlockedTerms: mc.BlockedTerms,
			Replacement:  mc.Replacement,
		}
	}
	return rules
}
