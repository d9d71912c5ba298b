package replicator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the replicator.
type Metrics struct {
	Events        *prometheus.CounterVec
	Retries       prometheus.Counter
	ApplyDuration prometheus.Histogram
	Batches       prometheus.Counter
	Parked        *prometheus.CounterVec
	LastSequence  prometheus.Gauge
}

// NewMetrics registers the replicator metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idr_replicator_events_total",
			Help: "Change events handled, by change kind and outcome",
		}, []string{"kind", "outcome"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "idr_replicator_retries_total",
			Help: "Directory calls retried after a transient failure",
		}),
		ApplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "idr_replicator_apply_duration_seconds",
			Help:    "Duration of a single event apply, retries included",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		Batches: f.NewCounter(prometheus.CounterOpts{
			Name: "idr_replicator_batches_total",
			Help: "Change feed batches processed",
		}),
		Parked: f.NewCounterVec(prometheus.CounterOpts{
			Name: "idr_replicator_parked_total",
			Help: "Change records moved to the rejected queue",
		}, []string{"reason"}),
		LastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "idr_replicator_last_sequence",
			Help: "Sequence token of the most recently applied event",
		}),
	}
}

// ObserveEvent records the outcome of one event.
func (m *Metrics) ObserveEvent(kind, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind, outcome).Inc()
	m.ApplyDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) IncBatch() {
	if m == nil {
		return
	}
	m.Batches.Inc()
}

func (m *Metrics) IncParked(reason string) {
	if m == nil {
		return
	}
	m.Parked.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetLastSequence(seq int64) {
	if m == nil || seq <= 0 {
		return
	}
	m.LastSequence.Set(float64(seq))
}
