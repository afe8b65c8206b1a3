package config

import (
	"crypto/rsa"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
)

type Config struct {
	JWTPublicKey *rsa.PublicKey
	// DatabaseURL is optional. Without it the service runs offline and keeps
	// pending records in Redis only.
	DatabaseURL string
	Port        string

	RedisAddress  string
	RedisPassword string

	RabbitMQURL           string
	NotificationQueueName string

	Durations      domain.DurationConfig
	DurationUnit   time.Duration
	TickInterval   time.Duration
	SyncInterval   time.Duration
	AllowedOrigins []string
}

// Load reads the environment, after a .env file when one exists. It panics
// on values the service cannot start without.
func Load() *Config {
	_ = godotenv.Load()

	cfg, err := load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}
	return cfg
}

func load() (*Config, error) {
	publicKey, err := loadPublicKey(getenv("PUBLIC_KEY_PATH", "/etc/certs/public.pem"))
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}

	durations := domain.DefaultDurationConfig()
	if path := os.Getenv("PENALTY_TYPES_FILE"); path != "" {
		durations, err = LoadDurationConfig(path)
		if err != nil {
			return nil, err
		}
	}

	unit, err := durationEnv("DURATION_UNIT", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	tick, err := durationEnv("TICK_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	sync, err := durationEnv("SYNC_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	return &Config{
		JWTPublicKey:          publicKey,
		DatabaseURL:           os.Getenv("DB_CONNECTION_STRING"),
		Port:                  getenv("PORT", "8080"),
		RedisAddress:          os.Getenv("REDIS_ADDRESS"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RabbitMQURL:           os.Getenv("RABBITMQ_URL"),
		NotificationQueueName: getenv("NOTIFICATION_QUEUE_NAME", "penalty-notifications"),
		Durations:             durations,
		DurationUnit:          unit,
		TickInterval:          tick,
		SyncInterval:          sync,
		AllowedOrigins:        splitOrigins(getenv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
	}, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}

func splitOrigins(v string) []string {
	var origins []string
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(keyData)
	if err != nil {
		return nil, err
	}
	return publicKey, nil
}
