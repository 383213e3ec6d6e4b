// Package metrics defines the coordinator's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the coordinator updates. A single instance
// is created at startup and shared by the coordinator, control service, and
// sweeper.
type Metrics struct {
	// ConnectedClients tracks the number of live agent sessions.
	ConnectedClients prometheus.Gauge

	// DispatchedActions counts actions handed to agents, by command kind.
	DispatchedActions *prometheus.CounterVec

	// IngestedResults counts results received from agents, by command kind.
	IngestedResults *prometheus.CounterVec

	// SweptActions counts finished actions removed by the sweeper.
	SweptActions prometheus.Counter

	// SweptClients counts stale clients removed by the sweeper.
	SweptClients prometheus.Counter
}

// New creates the collectors and registers them with reg. Tests pass a fresh
// prometheus.NewRegistry so parallel packages do not collide.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "notssh",
			Name:      "connected_clients",
			Help:      "Number of agents with a live session.",
		}),
		DispatchedActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notssh",
			Name:      "dispatched_actions_total",
			Help:      "Actions dispatched to agents.",
		}, []string{"command"}),
		IngestedResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notssh",
			Name:      "ingested_results_total",
			Help:      "Results ingested from agents.",
		}, []string{"command"}),
		SweptActions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "notssh",
			Name:      "swept_actions_total",
			Help:      "Finished actions removed by the sweeper.",
		}),
		SweptClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "notssh",
			Name:      "swept_clients_total",
			Help:      "Stale clients removed by the sweeper.",
		}),
	}

	reg.MustRegister(
		m.ConnectedClients,
		m.DispatchedActions,
		m.IngestedResults,
		m.SweptActions,
		m.SweptClients,
	)
	return m
}
