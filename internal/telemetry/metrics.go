package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	SweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingd",
			Name:      "sweeps_total",
			Help:      "Liveness sweeps started, by trigger.",
		},
		[]string{"trigger"},
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingd",
			Name:      "batches_dispatched_total",
			Help:      "Ping batches handed to the transport layer, by trigger.",
		},
		[]string{"trigger"},
	)

	OutstandingBatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pingd",
			Name:      "outstanding_batches",
			Help:      "Ping batches dispatched but not yet merged.",
		},
	)

	PendingMerges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pingd",
			Name:      "pending_merges",
			Help:      "Batches whose results arrived but are not merged into the node table yet.",
		},
	)

	MergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pingd",
			Name:      "merge_duration_seconds",
			Help:      "Time spent applying one batch of probe results.",
			// 100µs .. ~3s
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
	)

	ProbeOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingd",
			Name:      "probe_outcomes_total",
			Help:      "Merged probe results, by outcome.",
		},
		[]string{"outcome"},
	)

	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingd",
			Name:      "node_state_transitions_total",
			Help:      "Node state changes applied by merges, by new state.",
		},
		[]string{"state"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pingd",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pingd",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pingd",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "pingd",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		SweepsTotal, BatchesTotal, OutstandingBatches, PendingMerges, MergeDuration,
		ProbeOutcomes, StateTransitions, RequestsTotal, RequestDuration, buildInfo, uptime,
	)
}

// Gauges are the per-coordinator gauges of the ping cycle. A nil gauge is not
// updated.
type Gauges struct {
	Outstanding prometheus.Gauge
	Pending     prometheus.Gauge
}

// PingGauges returns the gauges registered on Registry. Only the process's
// one ping coordinator should be built with them.
func PingGauges() Gauges {
	return Gauges{Outstanding: OutstandingBatches, Pending: PendingMerges}
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
