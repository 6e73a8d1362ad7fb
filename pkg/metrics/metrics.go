package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the map server.
type Metrics struct {
	SessionsActive prometheus.Gauge
	Actions        *prometheus.CounterVec // labels: type
	APICache       *prometheus.CounterVec // labels: result={hit,miss}

	// Offline cache worker.
	OfflineFetches *prometheus.CounterVec // labels: source={cache,network,error}
	OfflineCached  prometheus.Gauge
	OfflineActive  prometheus.Gauge
}

// New creates the collectors and registers them with reg.  Tests pass a
// fresh prometheus.NewRegistry() to avoid duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chronos",
			Name:      "sessions_active",
			Help:      "Viewer sessions currently held in memory.",
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chronos",
			Name:      "actions_total",
			Help:      "Viewer actions applied, by action type.",
		}, []string{"type"}),
		APICache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chronos",
			Name:      "api_cache_total",
			Help:      "Filtered-view cache lookups by result.",
		}, []string{"result"}),
		OfflineFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chronos",
			Name:      "offline_fetches_total",
			Help:      "Requests answered by the offline worker, by source.",
		}, []string{"source"}),
		OfflineCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chronos",
			Name:      "offline_install_assets",
			Help:      "Assets stored by the last successful offline install.",
		}),
		OfflineActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chronos",
			Name:      "offline_active",
			Help:      "1 when the offline worker has claimed requests, 0 otherwise.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsActive,
			m.Actions,
			m.APICache,
			m.OfflineFetches,
			m.OfflineCached,
			m.OfflineActive,
		)
	}
	return m
}
