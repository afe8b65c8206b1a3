package ports

import (
	"context"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
)

type PenaltyNotification struct {
	ID           string             `json:"id"`
	Type         domain.PenaltyType `json:"type"`
	AssignedTo   string             `json:"assignedTo"`
	DurationDays int                `json:"durationDays"`
	Reasons      []string           `json:"reasons"`
}

// NotificationScheduler is fire-and-forget from the engine's point of view.
type NotificationScheduler interface {
	SchedulePenaltyNotification(ctx context.Context, n PenaltyNotification) error
}

type NotificationPublisher interface {
	PublishPenaltyNotification(ctx context.Context, n PenaltyNotification) error
}
