package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AchilleasB/family-hub/penalty-service/internal/adapters/middleware"
)

type RouterConfig struct {
	Penalties      PenaltyService
	Health         *HealthHandler
	Auth           *middleware.AuthMiddleware
	AllowedOrigins []string
}

// NewRouter wires health, metrics and the penalty API behind CORS.
func NewRouter(cfg RouterConfig) http.Handler {
	r := mux.NewRouter()
	r.Use(MetricsMiddleware)

	// Health endpoints (OpenShift compatible)
	if cfg.Health != nil {
		r.HandleFunc("/health", cfg.Health.Health)
		r.HandleFunc("/health/ready", cfg.Health.Ready)
		r.HandleFunc("/health/live", cfg.Health.Live)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	stream := NewStreamHandler(cfg.Penalties, cfg.AllowedOrigins)
	NewPenaltyHandler(cfg.Penalties).Register(r, cfg.Auth, stream.Stream)

	return middleware.CORSMiddleware(cfg.AllowedOrigins)(r)
}
