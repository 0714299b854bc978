package batchpool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by the engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ItemsSettled  *prometheus.CounterVec
	ItemDuration  *prometheus.HistogramVec
	Attempts      *prometheus.CounterVec
	ActiveWorkers *prometheus.GaugeVec
	JobsFinished  *prometheus.CounterVec
	LostUpdates   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ItemsSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchpool_items_settled_total",
			Help: "The total number of items settled, by outcome",
		}, []string{"type", "outcome"}), // outcome: completed, failed, interrupted

		ItemDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchpool_item_duration_seconds",
			Help:    "Wall time spent processing an item, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"type"}),

		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchpool_item_attempts_total",
			Help: "The total number of processor invocations, by result",
		}, []string{"type", "result"}),

		ActiveWorkers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "batchpool_active_workers",
			Help: "Number of scheduler workers currently running",
		}, []string{"type"}),

		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchpool_jobs_finished_total",
			Help: "The total number of jobs that reached a terminal status",
		}, []string{"type", "status"}),

		LostUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "batchpool_lost_updates_total",
			Help: "Item outcomes that could not be written back to the store",
		}, []string{"type"}),
	}
}

func (m *Metrics) itemSettled(jobType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ItemsSettled.WithLabelValues(jobType, outcome).Inc()
	if outcome != "interrupted" {
		m.ItemDuration.WithLabelValues(jobType).Observe(d.Seconds())
	}
}

func (m *Metrics) attempt(jobType string, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.Attempts.WithLabelValues(jobType, result).Inc()
}

func (m *Metrics) workerStarted(jobType string) {
	if m == nil {
		return
	}
	m.ActiveWorkers.WithLabelValues(jobType).Inc()
}

func (m *Metrics) workerStopped(jobType string) {
	if m == nil {
		return
	}
	m.ActiveWorkers.WithLabelValues(jobType).Dec()
}

func (m *Metrics) jobFinished(jobType string, status JobStatus) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(jobType, string(status)).Inc()
}

func (m *Metrics) lostUpdate(jobType string) {
	if m == nil {
		return
	}
	m.LostUpdates.WithLabelValues(jobType).Inc()
}
