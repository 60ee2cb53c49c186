package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keystonegw/sentinel/internal/admission"
	"github.com/keystonegw/sentinel/internal/concurrency"
	"github.com/keystonegw/sentinel/internal/config"
	"github.com/keystonegw/sentinel/internal/httpserver"
	"github.com/keystonegw/sentinel/internal/keystore"
	"github.com/keystonegw/sentinel/internal/logger"
	"github.com/keystonegw/sentinel/internal/metrics"
	"github.com/keystonegw/sentinel/internal/queue"
	"github.com/keystonegw/sentinel/internal/ratelimit"
	"github.com/keystonegw/sentinel/internal/relay"
	"github.com/keystonegw/sentinel/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("sentinel admission plane starting")

	redisClient, err := store.New(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis client init failed")
	}
	if err := redisClient.Ping(context.Background()); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — continuing, components will report StoreUnavailable")
	} else {
		log.Info().Msg("redis connected")
	}

	keySource := keystore.NewRedisSource(redisClient.Raw())
	keyStore := keystore.New(keySource, cfg.KeyCachePositiveTTL, cfg.KeyCacheNegativeTTL)

	configSource := config.NewReadOnlySource()
	configService := config.NewService(configSource, 5*time.Second)

	concController := concurrency.New(redisClient)
	rateLimiter := ratelimit.New(redisClient)
	queueManager := queue.New(redisClient, concController)
	reg := metrics.New()

	upstream := relay.NewNopRelay()
	loggingRelay := relay.NewLoggingRelay(upstream, log)

	pipeline := &admission.Pipeline{
		Keys:          keyStore,
		ConfigService: configService,
		Static:        cfg,
		RateLimiter:   rateLimiter,
		Concurrency:   concController,
		Queue:         queueManager,
		Relay:         loggingRelay,
		Metrics:       reg,
		Log:           log,
	}

	router := httpserver.NewRouter(pipeline, reg, log)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
		ConnContext:  admission.NewConnContext(),
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("sentinel listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("sentinel stopped gracefully")
	}

	if err := redisClient.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close failed")
	}
}
