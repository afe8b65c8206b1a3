package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/AchilleasB/family-hub/penalty-service/internal/config"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/ports"
)

const (
	outboxChannelName = "outbox_channel"

	// EventPenaltyScheduled is the event type of a penalty notification.
	EventPenaltyScheduled = "penalty.scheduled"
)

const schema = `
CREATE TABLE IF NOT EXISTS notification_outbox (
	id           UUID PRIMARY KEY,
	event_type   TEXT NOT NULL,
	payload      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS notification_outbox_pending
	ON notification_outbox (created_at)
	WHERE processed_at IS NULL;`

// Scheduler records notifications in the outbox table. The relay process
// delivers them to the broker.
type Scheduler struct {
	db *sql.DB
	cb *gobreaker.CircuitBreaker
}

var _ ports.NotificationScheduler = (*Scheduler)(nil)

func NewScheduler(db *sql.DB) *Scheduler {
	return &Scheduler{db: db, cb: config.NewCircuitBreaker(config.BreakerPostgres)}
}

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

func (s *Scheduler) SchedulePenaltyNotification(ctx context.Context, n ports.PenaltyNotification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	eventID := uuid.NewString()

	_, err = s.cb.Execute(func() (interface{}, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notification_outbox (id, event_type, payload) VALUES ($1, $2, $3)`,
			eventID, EventPenaltyScheduled, payload); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, outboxChannelName, eventID); err != nil {
			return nil, err
		}
		return nil, tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("schedule notification for %s: %w", n.ID, err)
	}
	return nil
}
