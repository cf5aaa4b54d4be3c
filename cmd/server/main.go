package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/broker"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/database"
	"github.com/stemsi/exstem-live/internal/handler"
	"github.com/stemsi/exstem-live/internal/logger"
	"github.com/stemsi/exstem-live/internal/middleware"
	"github.com/stemsi/exstem-live/internal/repository"
	"github.com/stemsi/exstem-live/internal/router"
	"github.com/stemsi/exstem-live/internal/service"
	"github.com/stemsi/exstem-live/internal/validator"
	"github.com/stemsi/exstem-live/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("transport", string(cfg.Transport)).
		Dur("tick_interval", cfg.TickInterval).
		Msg("Starting ExStem Live")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()

	// ─── Connect to Redis ──────────────────────────────────────────────
	// Memory transport runs without Redis: single node, archives only logged.
	var rdb *redis.Client
	if cfg.Transport == config.TransportRedis {
		var err error
		rdb, err = database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
	}

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	// Optional: without it student names come from the token and archives are not persisted.
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		pool, err = database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			log.Warn().Err(err).Msg("PostgreSQL unavailable, running without student directory and archive store")
			pool = nil
		} else {
			defer pool.Close()
		}
	}

	// ─── Initialize Broker ─────────────────────────────────────────────
	brokerOpts := broker.Options{BufferSize: cfg.SubscriberBuffer, DropPolicy: cfg.DropPolicy}
	var b broker.Broker
	if rdb != nil {
		b = broker.NewRedisBroker(rdb, brokerOpts, log)
	} else {
		b = broker.NewMemoryBroker(brokerOpts)
	}
	defer b.Close()

	// ─── Initialize Services ──────────────────────────────────────────
	var archiver service.Archiver = service.NewLogArchiver(log)
	if rdb != nil && pool != nil {
		archiver = service.NewQueueArchiver(rdb, log)
	}

	var students handler.StudentResolver
	if pool != nil {
		students = service.NewStudentDirectory(repository.NewStudentRepository(pool), rdb, log)
	}

	authService := service.NewAuthService(cfg)
	registry := service.NewConnectionRegistry(clock, log)
	progress := service.NewProgressAggregator(clock, log)
	timers := service.NewTimerCoordinator(clock, cfg.TickInterval, log)
	hub := service.NewBroadcastHub(b, registry, progress, timers, archiver, clock, service.HubConfigFrom(cfg), log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	wsHandler := handler.NewWSHandler(hub, b, students, log, cfg.AllowedOrigins, cfg.SubscriberBuffer)
	handlers := &router.Handlers{
		WS:      wsHandler,
		Monitor: handler.NewMonitorHandler(hub, b, log),
		Timer:   handler.NewExamTimerHandler(hub, clock, log),
		System:  handler.NewSystemHandler(hub, rdb, wsHandler.ActiveSessions, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workersDone := make(chan struct{})

	go func() {
		defer close(workersDone)
		done := make(chan struct{})
		go func() {
			hub.Run(workerCtx)
			close(done)
		}()
		if rdb != nil && pool != nil {
			archiveWorker := worker.NewArchiveWorker(repository.NewArchiveRepository(pool), rdb, log)
			archiveWorker.Start(workerCtx)
		}
		<-done
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	broadcastLimiter := middleware.NewRateLimiter(30, time.Minute, clock)
	defer broadcastLimiter.Close()

	r := router.SetupRouter(authService, handlers, broadcastLimiter, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop timers and flush every lane, so pending broadcasts and archives go out.
	hub.Close()

	// 3. Stop background workers and wait for the archive queue to drain.
	workerCancel()
	<-workersDone

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
