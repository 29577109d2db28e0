// Package metrics exposes Prometheus instrumentation for marketplace
// operations and escrow holdings.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations counts marketplace operations by name and outcome.
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_operations_total",
		Help: "Marketplace operations by name and outcome.",
	}, []string{"operation", "outcome"})

	// EscrowHeld tracks the total value currently held in custody.
	EscrowHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketplace_escrow_held_units",
		Help: "Token units currently held in escrow custody.",
	})

	// HTTPRequests counts HTTP requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_http_requests_total",
		Help: "HTTP requests by route and status class.",
	}, []string{"route", "class"})
)

// ObserveOperation records one operation outcome.
func ObserveOperation(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	Operations.WithLabelValues(operation, outcome).Inc()
}
