// Package metrics exposes Prometheus instrumentation for the sync engine.
//
// Queue depth and age are the user-visible signal for accumulated
// failures; the terminal never raises modal sync errors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matkassa/tillsync/internal/models"
	"github.com/matkassa/tillsync/internal/queue"
)

// Metrics bundles the engine's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	PendingItems     *prometheus.GaugeVec
	FailedItems      prometheus.Gauge
	OldestPendingAge prometheus.Gauge
	CyclesTotal      *prometheus.CounterVec
	ItemsTotal       *prometheus.CounterVec
	LastCycleSuccess prometheus.Gauge
	ConflictsTotal   *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PendingItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tillsync_pending_items",
			Help: "Pending sync items by priority band.",
		}, []string{"priority"}),
		FailedItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tillsync_failed_items",
			Help: "Terminally failed sync items awaiting operator attention.",
		}),
		OldestPendingAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tillsync_oldest_pending_age_seconds",
			Help: "Age of the oldest pending sync item.",
		}),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tillsync_cycles_total",
			Help: "Drain cycles by result.",
		}, []string{"result"}),
		ItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tillsync_items_total",
			Help: "Item submissions by outcome.",
		}, []string{"outcome"}),
		LastCycleSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tillsync_last_successful_cycle_timestamp_seconds",
			Help: "Unix time of the last drain cycle that finished without aborting.",
		}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tillsync_conflicts_total",
			Help: "Detected conflicts by resolution.",
		}, []string{"resolution"}),
	}

	m.registry.MustRegister(m.PendingItems, m.FailedItems, m.OldestPendingAge,
		m.CyclesTotal, m.ItemsTotal, m.LastCycleSuccess, m.ConflictsTotal)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQueue refreshes the queue gauges from a stats snapshot.
func (m *Metrics) ObserveQueue(stats *queue.Stats) {
	for _, p := range models.Priorities() {
		m.PendingItems.WithLabelValues(p.String()).Set(float64(stats.PendingByPriority[p.String()]))
	}
	m.FailedItems.Set(float64(stats.Failed))
	if stats.OldestPendingAt > 0 {
		m.OldestPendingAge.Set(time.Since(time.Unix(stats.OldestPendingAt, 0)).Seconds())
	} else {
		m.OldestPendingAge.Set(0)
	}
}
