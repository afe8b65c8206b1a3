package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/AchilleasB/family-hub/penalty-service/internal/config"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/ports"
)

const (
	listenerMinReconnectInterval = 10 * time.Second
	listenerMaxReconnectInterval = time.Minute

	eventProcessTimeout     = 30 * time.Second
	batchProcessTimeout     = 60 * time.Second
	periodicProcessInterval = 90 * time.Second

	healthCheckStaleThreshold = 5 * time.Minute

	maxEventsPerBatch = 100
)

// Relay listens for NOTIFY signals on the outbox channel and publishes the
// recorded notifications.
type Relay struct {
	db            *sql.DB
	publisher     ports.NotificationPublisher
	dbURL         string
	dbCB          *gobreaker.CircuitBreaker
	logger        *slog.Logger
	lastProcessed atomic.Int64
	healthy       atomic.Bool
}

func NewRelay(db *sql.DB, dbURL string, publisher ports.NotificationPublisher) *Relay {
	r := &Relay{
		db:        db,
		dbURL:     dbURL,
		publisher: publisher,
		dbCB:      config.NewCircuitBreaker(config.BreakerRelay),
		logger:    slog.Default().With(slog.String("component", "outbox-relay")),
	}
	r.markProcessed()
	return r
}

func (r *Relay) markProcessed() {
	r.lastProcessed.Store(time.Now().UnixNano())
	r.healthy.Store(true)
}

// IsHealthy is for liveness probes. An open breaker is degraded but
// recoverable, so it does not count here.
func (r *Relay) IsHealthy() bool {
	return r.healthy.Load()
}

// IsReady is for readiness probes.
func (r *Relay) IsReady() bool {
	if r.dbCB.State() == gobreaker.StateOpen {
		return false
	}
	if time.Since(time.Unix(0, r.lastProcessed.Load())) > healthCheckStaleThreshold {
		return false
	}
	return r.healthy.Load()
}

// Start blocks until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	listener := pq.NewListener(r.dbURL, listenerMinReconnectInterval, listenerMaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				r.logger.Warn("listener error", slog.Any("error", err))
			}
		})
	defer listener.Close()

	if err := listener.Listen(outboxChannelName); err != nil {
		return err
	}
	r.logger.Info("listening for notifications", slog.String("channel", outboxChannelName))

	if err := r.ProcessPending(ctx); err != nil {
		r.logger.Error("startup backlog failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(periodicProcessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("shutting down")
			return ctx.Err()

		case n := <-listener.Notify:
			if n == nil {
				r.logger.Warn("listener reconnected")
				r.healthy.Store(false)
				if err := r.ProcessPending(ctx); err == nil {
					r.markProcessed()
				}
				continue
			}
			if err := r.ProcessEvent(ctx, n.Extra); err != nil {
				r.logger.Error("event failed", slog.String("event_id", n.Extra), slog.Any("error", err))
				continue
			}
			r.markProcessed()

		case <-ticker.C:
			go listener.Ping()
			if err := r.ProcessPending(ctx); err != nil {
				r.logger.Error("periodic processing failed", slog.Any("error", err))
				continue
			}
			r.markProcessed()
		}
	}
}

// ProcessEvent publishes a single unprocessed event and marks it processed.
func (r *Relay) ProcessEvent(ctx context.Context, eventID string) error {
	ctx, cancel := context.WithTimeout(ctx, eventProcessTimeout)
	defer cancel()

	_, err := r.dbCB.Execute(func() (interface{}, error) {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		var rec record
		err = tx.QueryRowContext(ctx, `
			SELECT id, event_type, payload
			FROM notification_outbox
			WHERE id = $1 AND processed_at IS NULL
			FOR UPDATE SKIP LOCKED`, eventID).Scan(&rec.ID, &rec.EventType, &rec.Payload)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		if err := r.deliver(ctx, rec); err != nil {
			return nil, err
		}
		if err := markDone(ctx, tx, rec.ID); err != nil {
			return nil, err
		}
		return nil, tx.Commit()
	})
	return err
}

// ProcessPending publishes up to one batch of unprocessed events, oldest
// first. Events that fail to publish stay pending.
func (r *Relay) ProcessPending(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, batchProcessTimeout)
	defer cancel()

	_, err := r.dbCB.Execute(func() (interface{}, error) {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, event_type, payload
			FROM notification_outbox
			WHERE processed_at IS NULL
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, maxEventsPerBatch)
		if err != nil {
			return nil, err
		}
		var records []record
		for rows.Next() {
			var rec record
			if err := rows.Scan(&rec.ID, &rec.EventType, &rec.Payload); err != nil {
				rows.Close()
				return nil, err
			}
			records = append(records, rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		for _, rec := range records {
			if err := r.deliver(ctx, rec); err != nil {
				r.logger.Warn("publish failed, will retry", slog.String("event_id", rec.ID), slog.Any("error", err))
				continue
			}
			if err := markDone(ctx, tx, rec.ID); err != nil {
				return nil, err
			}
			r.logger.Info("processed event", slog.String("event_id", rec.ID))
		}
		return nil, tx.Commit()
	})
	return err
}

type record struct {
	ID        string
	EventType string
	Payload   []byte
}

// deliver publishes rec. Undecodable payloads and unknown event types are
// dropped so they are not retried forever.
func (r *Relay) deliver(ctx context.Context, rec record) error {
	if rec.EventType != EventPenaltyScheduled {
		r.logger.Warn("dropping unknown event type", slog.String("event_id", rec.ID), slog.String("type", rec.EventType))
		return nil
	}
	var n ports.PenaltyNotification
	if err := json.Unmarshal(rec.Payload, &n); err != nil {
		r.logger.Warn("dropping invalid payload", slog.String("event_id", rec.ID), slog.Any("error", err))
		return nil
	}
	return r.publisher.PublishPenaltyNotification(ctx, n)
}

func markDone(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE notification_outbox SET processed_at = NOW() WHERE id = $1`, id)
	return err
}
