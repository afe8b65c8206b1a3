package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/ports"
)

const (
	DefaultTickInterval = time.Minute
	DefaultSyncInterval = 30 * time.Second

	syncPassTimeout = time.Minute
)

// Ticker drives Engine.Tick from a recurring timer. One goroutine owns the
// timer so ticks never overlap.
type Ticker struct {
	engine   *Engine
	clock    ports.Clock
	interval time.Duration
}

func NewTicker(engine *Engine, clock ports.Clock, interval time.Duration) *Ticker {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{engine: engine, clock: clock, interval: interval}
}

// Run blocks until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) error {
	timer := time.NewTicker(t.interval)
	defer timer.Stop()

	t.engine.Tick(t.clock.Now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			t.engine.Tick(t.clock.Now())
		}
	}
}

// Syncer pushes pending records periodically and right after local writes.
type Syncer struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
}

func NewSyncer(engine *Engine, interval time.Duration, logger *slog.Logger) *Syncer {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{engine: engine, interval: interval, logger: logger.With(slog.String("component", "syncer"))}
}

func (s *Syncer) Run(ctx context.Context) error {
	timer := time.NewTicker(s.interval)
	defer timer.Stop()

	subscribed := s.engine.Connect(ctx) == nil
	s.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.engine.SyncRequested():
			s.pass(ctx)
		case <-timer.C:
			// Retry the subscription once the store comes back.
			if !subscribed {
				subscribed = s.engine.Connect(ctx) == nil
			}
			s.pass(ctx)
		}
	}
}

func (s *Syncer) pass(ctx context.Context) {
	if s.engine.PendingCount() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, syncPassTimeout)
	defer cancel()

	report, err := s.engine.Sync(ctx)
	switch {
	case errors.Is(err, domain.ErrConnectionUnavailable):
		s.logger.Debug("store offline, sync deferred", slog.Int("pending", s.engine.PendingCount()))
	case err != nil:
		s.logger.Warn("sync pass failed", slog.Any("error", err))
	case len(report.Failures) > 0:
		s.logger.Warn("sync pass incomplete",
			slog.Int("created", report.Created),
			slog.Int("updated", report.Updated),
			slog.Int("failed", len(report.Failures)))
	default:
		s.logger.Debug("sync pass complete", slog.Int("created", report.Created), slog.Int("updated", report.Updated))
	}
}
