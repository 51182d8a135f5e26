// Package metrics holds the Prometheus collectors of the tracking engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure reasons for SubmitFailures.
const (
	ReasonInactive = "session_inactive"
	ReasonTimeout  = "timeout"
	ReasonError    = "error"
)

var (
	SamplesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldtrack_samples_submitted_total",
		Help: "Samples accepted by the backend on direct submission",
	}, []string{"worker"})
	SamplesQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldtrack_samples_queued_total",
		Help: "Samples routed to the retry queue",
	}, []string{"worker"})
	SamplesEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldtrack_samples_evicted_total",
		Help: "Queued samples dropped because the queue was full",
	}, []string{"worker"})
	SamplesDrained = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldtrack_samples_drained_total",
		Help: "Queued samples delivered by a drain pass",
	}, []string{"worker"})
	SubmitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldtrack_submit_failures_total",
		Help: "Failed submission attempts by reason",
	}, []string{"worker", "reason"})
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fieldtrack_queue_depth",
		Help: "Samples waiting in the retry queue",
	}, []string{"worker"})
	ActiveWorker = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fieldtrack_active_worker",
		Help: "1 for the worker currently reporting",
	}, []string{"worker"})
	IntervalSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldtrack_interval_seconds",
		Help: "Current reporting interval",
	})
	SpeedKmh = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldtrack_speed_kmh",
		Help: "Last estimated speed",
	})
	SubmitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fieldtrack_submit_latency_seconds",
		Help:    "Latency of submission attempts",
		Buckets: prometheus.DefBuckets,
	}, []string{"worker"})
)

// ObserveSubmitLatency records the time since start for worker.
func ObserveSubmitLatency(worker string, start time.Time) {
	SubmitLatency.WithLabelValues(worker).Observe(time.Since(start).Seconds())
}

// SetActiveWorker marks exactly one worker label as active; an empty name
// clears both.
func SetActiveWorker(worker string) {
	for _, w := range []string{"primary", "fallback"} {
		v := 0.0
		if w == worker {
			v = 1
		}
		ActiveWorker.WithLabelValues(w).Set(v)
	}
}
