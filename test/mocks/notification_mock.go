package mocks

import (
	"context"
	"sync"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/ports"
)

// MockNotificationScheduler implements ports.NotificationScheduler and
// ports.NotificationPublisher, so it stands in for both the outbox writer
// and the RabbitMQ broker.
type MockNotificationScheduler struct {
	mu sync.RWMutex

	Scheduled []ports.PenaltyNotification
	Published []ports.PenaltyNotification

	ScheduleError error
	PublishError  error

	CallCount int
}

var (
	_ ports.NotificationScheduler = (*MockNotificationScheduler)(nil)
	_ ports.NotificationPublisher = (*MockNotificationScheduler)(nil)
)

func NewMockNotificationScheduler() *MockNotificationScheduler {
	return &MockNotificationScheduler{}
}

func (m *MockNotificationScheduler) SchedulePenaltyNotification(ctx context.Context, n ports.PenaltyNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount++
	if m.ScheduleError != nil {
		return m.ScheduleError
	}
	m.Scheduled = append(m.Scheduled, n)
	return nil
}

func (m *MockNotificationScheduler) PublishPenaltyNotification(ctx context.Context, n ports.PenaltyNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount++
	if m.PublishError != nil {
		return m.PublishError
	}
	m.Published = append(m.Published, n)
	return nil
}

// GetScheduled returns a copy of the scheduled notifications.
func (m *MockNotificationScheduler) GetScheduled() []ports.PenaltyNotification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ports.PenaltyNotification, len(m.Scheduled))
	copy(out, m.Scheduled)
	return out
}

func (m *MockNotificationScheduler) GetPublished() []ports.PenaltyNotification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ports.PenaltyNotification, len(m.Published))
	copy(out, m.Published)
	return out
}

func (m *MockNotificationScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Scheduled = nil
	m.Published = nil
	m.ScheduleError = nil
	m.PublishError = nil
	m.CallCount = 0
}
