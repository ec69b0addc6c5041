// Package metrics exposes BotMaker's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BotsManaged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botmaker_bots_managed",
		Help: "Number of bots currently declared in the metadata store.",
	})
	LifecycleOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botmaker_lifecycle_operations_total",
		Help: "Lifecycle operations by kind and outcome.",
	}, []string{"operation", "outcome"})
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botmaker_http_requests_total",
		Help: "Control-plane HTTP requests by method and status class.",
	}, []string{"method", "class"})
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botmaker_reconcile_runs_total",
		Help: "Total reconciliation passes performed.",
	})
	OrphansFound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botmaker_orphans_found",
		Help: "Orphaned resources found by the last reconciliation pass.",
	})
	ProxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botmaker_keyring_proxied_requests_total",
		Help: "Keyring data-plane requests by vendor and status class.",
	}, []string{"vendor", "class"})
)

// StatusClass buckets an HTTP status code for the request counters.
func StatusClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
