package config

import "os"

// RelayConfig holds configuration for the notification relay.
type RelayConfig struct {
	DatabaseURL           string
	RabbitMQURL           string
	NotificationQueueName string
}

func LoadRelayConfig() *RelayConfig {
	dbURL := os.Getenv("DB_CONNECTION_STRING")
	if dbURL == "" {
		panic("DB_CONNECTION_STRING environment variable is required")
	}

	rabbitURL := os.Getenv("RABBITMQ_URL")
	if rabbitURL == "" {
		panic("RABBITMQ_URL environment variable is required")
	}

	return &RelayConfig{
		DatabaseURL:           dbURL,
		RabbitMQURL:           rabbitURL,
		NotificationQueueName: getenv("NOTIFICATION_QUEUE_NAME", "penalty-notifications"),
	}
}
