package config

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

const (
	BreakerPostgres = "PostgreSQL"
	BreakerRelay    = "Relay-PostgreSQL"
	BreakerRedis    = "Redis-Pending"
	BreakerRabbitMQ = "RabbitMQ-Publisher"
)

// NewCircuitBreaker creates a circuit breaker with standard settings.
// The name parameter uniquely identifies the circuit breaker instance.
func NewCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	var timeout time.Duration

	// Redis stays aligned with the 5s health check timeout.
	switch name {
	case BreakerRedis:
		timeout = 5 * time.Second
	case BreakerPostgres, BreakerRelay:
		timeout = 10 * time.Second
	default:
		timeout = 30 * time.Second
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Open circuit after 3 consecutive failures
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Error("circuit breaker state change",
				slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
}
