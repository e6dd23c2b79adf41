package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/matthewcorven/synckit-sub003/internal/auth"
	"github.com/matthewcorven/synckit-sub003/internal/awareness"
	"github.com/matthewcorven/synckit-sub003/internal/bus"
	"github.com/matthewcorven/synckit-sub003/internal/config"
	"github.com/matthewcorven/synckit-sub003/internal/logging"
	"github.com/matthewcorven/synckit-sub003/internal/metrics"
	"github.com/matthewcorven/synckit-sub003/internal/server"
	"github.com/matthewcorven/synckit-sub003/internal/store"
	docsync "github.com/matthewcorven/synckit-sub003/internal/sync"
)

func main() {
	bootstrap := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("configuration error")
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	ctx := context.Background()

	var docStore store.DocumentStore = store.NewMemoryStore()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid redis url")
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("url", cfg.RedisURL).Msg("redis unreachable")
		}
		docStore = store.NewRedisStore(client, cfg.RedisPrefix)
		logger.Info().Str("url", cfg.RedisURL).Msg("using redis document store")
	} else {
		logger.Info().Msg("using in-memory document store")
	}

	var nodeBus bus.Bus = bus.NewMemoryBus()
	if cfg.NATSUrl != "" {
		nb, err := bus.ConnectNATS(cfg.NATSUrl, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connection failed")
		}
		nodeBus = nb
	} else {
		logger.Info().Msg("no NATS url configured, running single-node")
	}
	defer nodeBus.Close()

	chans := bus.NewChannels(cfg.ChannelPrefix)
	registry := server.NewRegistry(cfg.MaxConnections, logger)
	manager := docsync.NewManager(docStore, nodeBus, chans, registry, logger, docsync.Options{
		NodeID:      cfg.NodeID,
		QueueDepth:  cfg.CoordinatorQueueDepth,
		BatchDelay:  cfg.BatchDelay,
		BatchSize:   cfg.BatchSize,
		UnloadGrace: cfg.UnloadGrace,
	})
	tracker := awareness.NewTracker(cfg.AwarenessTimeout, logger)
	hub := awareness.NewHub(tracker, registry, nodeBus, chans, cfg.NodeID, logger)

	validator := auth.NewJWTValidator(cfg.JWTSecret, cfg.TokenTTL, nil)
	guard := auth.NewGuard(validator, cfg.AuthRequired)

	srv := server.New(cfg, logger, registry, manager, hub, guard, validator)

	collector := metrics.NewCollector(cfg.MetricsInterval)
	collector.Start()
	defer collector.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("server failed")
		}
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown incomplete")
		}
	}

	logger.Info().Msg("server stopped")
}
