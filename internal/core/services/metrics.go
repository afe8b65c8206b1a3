package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	penaltiesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "penalty_created_total",
		Help: "Penalties created by type and selection method",
	}, []string{"type", "method"})

	// reason is one of expired, ended, adjusted
	penaltiesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "penalty_completed_total",
		Help: "Penalties completed by completion reason",
	}, []string{"reason"})

	activePenalties = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "penalty_active",
		Help: "Penalties currently active",
	})

	pendingSync = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "penalty_pending_sync",
		Help: "Penalties with local changes not yet acknowledged by the store",
	})

	syncPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "penalty_sync_push_total",
		Help: "Record pushes to the document store by operation and result",
	}, []string{"op", "result"})

	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "penalty_sync_runs_total",
		Help: "Sync passes by outcome",
	}, []string{"outcome"})
)

// observeCounts refreshes the gauges from the collection.
func (e *Engine) observeCounts() {
	e.mu.Lock()
	var active, pending int
	for _, p := range e.penalties {
		if p.Active {
			active++
		}
		if p.SyncState.Pending() {
			pending++
		}
	}
	e.mu.Unlock()

	activePenalties.Set(float64(active))
	pendingSync.Set(float64(pending))
}
