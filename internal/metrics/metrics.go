// Package metrics holds the Prometheus collectors for the provisioning plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Address pool metrics
	allocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "silo_overlay",
			Subsystem: "ipam",
			Name:      "allocations_total",
			Help:      "Total number of address allocations by result",
		},
		[]string{"result"},
	)

	releasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "silo_overlay",
			Subsystem: "ipam",
			Name:      "releases_total",
			Help:      "Total number of address releases by result",
		},
		[]string{"result"},
	)

	poolUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "silo_overlay",
			Subsystem: "ipam",
			Name:      "pool_usage_percent",
			Help:      "Allocated share of a tenant address pool",
		},
		[]string{"tenant"},
	)

	// Connectivity metrics
	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "silo_overlay",
			Subsystem: "connectivity",
			Name:      "probes_total",
			Help:      "Total number of device probes by result",
		},
		[]string{"result"},
	)

	probeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "silo_overlay",
			Subsystem: "connectivity",
			Name:      "probe_latency_seconds",
			Help:      "Latency of successful device probes in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		},
	)

	// Provisioning metrics
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "silo_overlay",
			Subsystem: "provisioning",
			Name:      "runs_total",
			Help:      "Total number of finished provisioning runs by outcome",
		},
		[]string{"outcome"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "silo_overlay",
			Subsystem: "provisioning",
			Name:      "run_duration_seconds",
			Help:      "Duration of provisioning runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to ~4min
		},
		[]string{"outcome"},
	)

	runsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "silo_overlay",
			Subsystem: "provisioning",
			Name:      "runs_in_flight",
			Help:      "Number of provisioning runs currently executing",
		},
	)

	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "silo_overlay",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Notifications dropped because a subscriber was full",
		},
		[]string{"subject"},
	)
)

func init() {
	prometheus.MustRegister(
		allocationsTotal,
		releasesTotal,
		poolUsage,
		probesTotal,
		probeLatency,
		runsTotal,
		runDuration,
		runsInFlight,
		eventsDropped,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAllocation records an allocate call; result is "ok", "exhausted" or "error".
func RecordAllocation(result string) {
	allocationsTotal.WithLabelValues(result).Inc()
}

func RecordRelease(result string) {
	releasesTotal.WithLabelValues(result).Inc()
}

func RecordPoolUsage(tenant string, percent float64) {
	poolUsage.WithLabelValues(tenant).Set(percent)
}

// RecordProbe records one probe attempt. Latency is observed only for reachable devices.
func RecordProbe(result string, latencySeconds float64) {
	probesTotal.WithLabelValues(result).Inc()
	if result == "reachable" {
		probeLatency.Observe(latencySeconds)
	}
}

func RunStarted() {
	runsInFlight.Inc()
}

func RunFinished(outcome string, durationSeconds float64) {
	runsInFlight.Dec()
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

func RecordDroppedEvent(subject string) {
	eventsDropped.WithLabelValues(subject).Inc()
}
