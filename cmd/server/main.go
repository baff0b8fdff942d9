// Command kiro-proxy runs the multi-account proxy server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kiroflow/kiro-proxy-go/internal/account"
	"github.com/kiroflow/kiro-proxy-go/internal/auth"
	"github.com/kiroflow/kiro-proxy-go/internal/config"
	"github.com/kiroflow/kiro-proxy-go/internal/dispatch"
	"github.com/kiroflow/kiro-proxy-go/internal/history"
	"github.com/kiroflow/kiro-proxy-go/internal/quota"
	"github.com/kiroflow/kiro-proxy-go/internal/ratelimit"
	"github.com/kiroflow/kiro-proxy-go/internal/refresh"
	"github.com/kiroflow/kiro-proxy-go/internal/server"
	"github.com/kiroflow/kiro-proxy-go/internal/stats"
	"github.com/kiroflow/kiro-proxy-go/internal/upstream"
	"github.com/kiroflow/kiro-proxy-go/internal/util"
)

const version = "1.0.0"

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default <data-dir>/config.json)")
		host       = flag.String("host", "", "bind address (overrides config)")
		port       = flag.Int("port", 0, "bind port (overrides config)")
		logLevel   = flag.String("log-level", "", "log level (overrides config)")
	)
	flag.Parse()

	path := *configPath
	if path == "" {
		dataDir := os.Getenv("KIRO_PROXY_DATA_DIR")
		if dataDir == "" {
			home, _ := os.UserHomeDir()
			dataDir = filepath.Join(home, ".kiro-proxy")
		}
		path = filepath.Join(dataDir, "config.json")
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	ring := util.NewLogRing()
	logger := util.NewLogger(cfg.LogLevel, ring)

	if err := util.EnsureDir(cfg.DataDir); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("cannot create data directory")
	}
	if err := util.EnsureDir(cfg.TokenDir()); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.TokenDir()).Msg("cannot create token directory")
	}

	cache := quota.NewCache(cfg.QuotaCacheFile(), logger)
	cooldowns := quota.NewCooldownTable()
	limiter := ratelimit.NewLimiter(cfg.RateLimit, logger)
	selector := account.NewSelector(cache, cfg.PriorityFile(), logger)
	registry := account.NewRegistry(cfg.AccountsFile(), cache, cooldowns, limiter, selector, logger)
	registry.AddDefaultIfEmpty(os.Getenv("KIRO_PROXY_TOKEN_PATH"))

	fetcher := quota.NewHTTPUsageFetcher(cfg.UpstreamBaseURL, logger)
	scheduler := quota.NewScheduler(cache, registry, fetcher, cfg.Scheduler, logger)
	registry.SetActivityMarker(scheduler)

	refresher := auth.NewHTTPRefresher(logger)
	manager := refresh.NewManager(registry, refresher, fetcher, cache, cfg.Refresh, logger)
	compressor := history.NewCompressor(cfg.History, logger)

	client := upstream.NewClient(cfg.UpstreamBaseURL, logger)
	summarizer := upstream.NewSummarizer(client, registry)

	store, err := stats.Open(cfg.StatsFile(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot open stats database")
	}
	store.StartPruning()

	coordinator := dispatch.NewCoordinator(registry, limiter, manager, compressor, client, summarizer, store, logger)
	flows := auth.NewFlowManager(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start(ctx)
	manager.StartAutoRefresh(ctx)

	srv := server.New(server.Deps{
		Config:      cfg,
		Registry:    registry,
		Selector:    selector,
		Cache:       cache,
		Cooldowns:   cooldowns,
		Scheduler:   scheduler,
		Refresher:   manager,
		Limiter:     limiter,
		Compressor:  compressor,
		Flows:       flows,
		Stats:       store,
		LogRing:     ring,
		Coordinator: coordinator,
		Logger:      logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	logger.Info().
		Str("version", version).
		Str("addr", cfg.Addr()).
		Int("accounts", len(registry.All())).
		Str("strategy", string(selector.CurrentStrategy())).
		Str("data_dir", cfg.DataDir).
		Msg("kiro-proxy started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server exited with error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown failed")
	}

	manager.StopAutoRefresh()
	scheduler.Stop()
	if err := cache.Save(); err != nil {
		logger.Warn().Err(err).Msg("failed to save quota cache")
	}
	if err := registry.Persist(); err != nil {
		logger.Warn().Err(err).Msg("failed to persist accounts")
	}
	if err := store.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close stats store")
	}
	logger.Info().Msg("server stopped")
}
