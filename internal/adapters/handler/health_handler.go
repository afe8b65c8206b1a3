package handler

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Pinger is satisfied by the Redis pending cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SyncReporter exposes the engine's view of the document store.
type SyncReporter interface {
	PendingCount() int
}

type HealthHandler struct {
	db        *sql.DB
	redis     Pinger
	sync      SyncReporter
	startTime time.Time
	version   string
}

// NewHealthHandler accepts nil dependencies. A nil database or Redis means
// the service was started without it and is reported as disabled.
func NewHealthHandler(db *sql.DB, redis Pinger, sync SyncReporter) *HealthHandler {
	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "unknown"
	}
	return &HealthHandler{
		db:        db,
		redis:     redis,
		sync:      sync,
		startTime: time.Now(),
		version:   version,
	}
}

// HealthResponse follows Kubernetes/OpenShift health check conventions
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
}

type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

const (
	statusUp       = "UP"
	statusDown     = "DOWN"
	statusDisabled = "DISABLED"
)

// Health is a simple liveness check - just confirms the Go process is running
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    statusUp,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Version:   h.version,
		Checks:    map[string]Check{"process": {Status: statusUp}},
	})
}

// Ready checks configured dependencies. An unreachable database does not
// make the service unready since penalties keep working offline, but it is
// reported.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := map[string]Check{
		"database": h.checkDatabase(r.Context()),
		"redis":    h.checkRedis(r.Context()),
	}
	if h.sync != nil {
		checks["sync"] = Check{Status: statusUp, Message: pendingMessage(h.sync.PendingCount())}
	}

	status, httpStatus := statusUp, http.StatusOK
	if checks["redis"].Status == statusDown {
		status, httpStatus = statusDown, http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// Live is an alias for Health - simple liveness check
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	h.Health(w, r)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) Check {
	if h.db == nil {
		return Check{Status: statusDisabled, Message: "running offline"}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		return Check{Status: statusDown, Message: "Cannot connect to database"}
	}
	return Check{Status: statusUp}
}

func (h *HealthHandler) checkRedis(ctx context.Context) Check {
	if h.redis == nil {
		return Check{Status: statusDisabled, Message: "pending cache not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.redis.Ping(ctx); err != nil {
		return Check{Status: statusDown, Message: "Cannot connect to Redis"}
	}
	return Check{Status: statusUp}
}

func pendingMessage(n int) string {
	switch n {
	case 0:
		return "all penalties synced"
	case 1:
		return "1 penalty waiting to sync"
	default:
		return strconv.Itoa(n) + " penalties waiting to sync"
	}
}
