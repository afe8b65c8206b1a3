package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/ports"
)

const notificationType = "penalty.scheduled"

var (
	_ ports.NotificationPublisher = (*RabbitMQBroker)(nil)
	_ ports.NotificationScheduler = (*RabbitMQBroker)(nil)
)

func (rmq *RabbitMQBroker) PublishPenaltyNotification(ctx context.Context, n ports.PenaltyNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= 0 {
		return ctx.Err()
	}

	_, err = rmq.cb.Execute(func() (interface{}, error) {
		return nil, rmq.ch.PublishWithContext(
			ctx,
			"",            // exchange (default)
			rmq.queueName, // routing key == queue name
			false,         // mandatory
			false,         // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    uuid.NewString(),
				Type:         notificationType,
				Timestamp:    time.Now().UTC(),
				Body:         body,
			},
		)
	})
	return err
}

// SchedulePenaltyNotification publishes immediately. It is used when no
// database is configured and the outbox is unavailable.
func (rmq *RabbitMQBroker) SchedulePenaltyNotification(ctx context.Context, n ports.PenaltyNotification) error {
	return rmq.PublishPenaltyNotification(ctx, n)
}
