package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/AchilleasB/family-hub/penalty-service/internal/adapters/messaging"
	"github.com/AchilleasB/family-hub/penalty-service/internal/adapters/outbox"
	"github.com/AchilleasB/family-hub/penalty-service/internal/config"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", "relay")))
	slog.Info("relay: starting notification relay")

	cfg := config.LoadRelayConfig()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		slog.Error("relay: failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	broker, err := messaging.NewRabbitMQBroker(cfg.RabbitMQURL, cfg.NotificationQueueName)
	if err != nil {
		slog.Error("relay: failed to connect to RabbitMQ", slog.Any("error", err))
		os.Exit(1)
	}
	defer broker.Close()
	slog.Info("relay: connected to RabbitMQ", slog.String("queue", cfg.NotificationQueueName))

	worker := outbox.NewRelay(db, cfg.DatabaseURL, broker)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status, httpStatus := "UP", http.StatusOK
		if !worker.IsHealthy() {
			status, httpStatus = "DOWN", http.StatusServiceUnavailable
		}
		writeStatus(w, httpStatus, status)
	})
	healthMux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		status, httpStatus := "UP", http.StatusOK
		if !worker.IsReady() {
			status, httpStatus = "DOWN", http.StatusServiceUnavailable
		}
		writeStatus(w, httpStatus, status)
	})

	healthServer := &http.Server{
		Addr:              ":8090",
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("relay: starting health check server on :8090")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("relay: health server error", slog.Any("error", err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("relay: received signal, initiating shutdown")
	case err := <-errChan:
		slog.Error("relay: fatal error, shutting down", slog.Any("error", err))
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("relay: error shutting down health server", slog.Any("error", err))
	}

	slog.Info("relay: shutdown complete")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status,
		"component": "outbox-relay",
	})
}
