package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/AchilleasB/family-hub/penalty-service/internal/adapters/cache"
	"github.com/AchilleasB/family-hub/penalty-service/internal/adapters/handler"
	"github.com/AchilleasB/family-hub/penalty-service/internal/adapters/messaging"
	"github.com/AchilleasB/family-hub/penalty-service/internal/adapters/middleware"
	"github.com/AchilleasB/family-hub/penalty-service/internal/adapters/outbox"
	"github.com/AchilleasB/family-hub/penalty-service/internal/adapters/repository"
	"github.com/AchilleasB/family-hub/penalty-service/internal/config"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/services"
)

const (
	schemaTimeout   = 15 * time.Second
	restoreTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []services.EngineOption{
		services.WithDurationUnit(cfg.DurationUnit),
		services.WithLogger(slog.Default()),
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", slog.Any("error", err))
			os.Exit(1)
		}
		defer db.Close()

		store := repository.NewDocumentStore(db, cfg.DatabaseURL)
		schemaCtx, cancel := context.WithTimeout(ctx, schemaTimeout)
		if err := store.EnsureSchema(schemaCtx); err != nil {
			slog.Warn("document schema not ensured, sync will retry", slog.Any("error", err))
		}
		if err := outbox.EnsureSchema(schemaCtx, db); err != nil {
			slog.Warn("outbox schema not ensured", slog.Any("error", err))
		}
		cancel()

		opts = append(opts, services.WithStore(store), services.WithNotifier(outbox.NewScheduler(db)))
		slog.Info("document store configured - circuit breaker will validate on first operation")
	} else {
		slog.Warn("DB_CONNECTION_STRING not set, running offline")
		if cfg.RabbitMQURL != "" {
			broker, err := messaging.NewRabbitMQBroker(cfg.RabbitMQURL, cfg.NotificationQueueName)
			if err != nil {
				slog.Warn("notifications disabled: failed to connect to RabbitMQ", slog.Any("error", err))
			} else {
				defer broker.Close()
				opts = append(opts, services.WithNotifier(broker))
				slog.Info("publishing notifications directly to RabbitMQ")
			}
		}
	}

	var pending *cache.PendingCache
	if cfg.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       0,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, pending penalties will not survive a restart", slog.Any("error", err))
		}
		pending = cache.NewPendingCache(redisClient, "")
		opts = append(opts, services.WithPendingCache(pending))
	}

	engine := services.NewEngine(cfg.Durations, opts...)
	defer engine.Close()

	restoreCtx, cancel := context.WithTimeout(ctx, restoreTimeout)
	if n, err := engine.RestorePending(restoreCtx); err != nil {
		slog.Warn("could not restore pending penalties", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("restored pending penalties", slog.Int("count", n))
	}
	cancel()

	var workers sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("worker stopped", slog.String("worker", name), slog.Any("error", err))
			}
		}()
	}
	run("ticker", services.NewTicker(engine, nil, cfg.TickInterval).Run)
	// Offline the syncer still saves pending penalties to Redis.
	run("syncer", services.NewSyncer(engine, cfg.SyncInterval, slog.Default()).Run)

	var redisCheck handler.Pinger
	if pending != nil {
		redisCheck = pending
	}
	router := handler.NewRouter(handler.RouterConfig{
		Penalties:      engine,
		Health:         handler.NewHealthHandler(db, redisCheck, engine),
		Auth:           middleware.NewAuthMiddleware(cfg.JWTPublicKey),
		AllowedOrigins: cfg.AllowedOrigins,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("starting server", slog.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("could not start server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("error shutting down server", slog.Any("error", err))
	}
	workers.Wait()

	// Last chance to push what is still pending.
	if engine.PendingCount() > 0 {
		if _, err := engine.Sync(shutdownCtx); err != nil && !errors.Is(err, domain.ErrConnectionUnavailable) {
			slog.Warn("final sync failed", slog.Any("error", err))
		}
	}
	slog.Info("shutdown complete")
}
