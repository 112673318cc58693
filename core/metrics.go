package core

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/dockerrunner/schema"
)

// Metrics holds the Prometheus collectors for batches, units and cleanup.
// A nil *Metrics records nothing.
type Metrics struct {
	Batches         *prometheus.CounterVec
	BatchDuration   *prometheus.HistogramVec
	Units           *prometheus.CounterVec
	UnitFailures    *prometheus.CounterVec
	CleanupFailures prometheus.Counter
	ImageEnsures    *prometheus.CounterVec
	registry        *prometheus.Registry
	live            atomic.Pointer[func() int]
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		Batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dockerrunner_batches_total",
				Help: "Total number of batches by mode and result",
			},
			[]string{"mode", "result"},
		),
		BatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dockerrunner_batch_duration_seconds",
				Help:    "Batch wall-clock duration in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode"},
		),
		Units: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dockerrunner_units_total",
				Help: "Total number of container units by mode and result",
			},
			[]string{"mode", "result"},
		),
		UnitFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dockerrunner_unit_failures_total",
				Help: "Container unit failures by lifecycle stage",
			},
			[]string{"stage"},
		),
		CleanupFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dockerrunner_cleanup_failures_total",
				Help: "Containers that could not be removed after use",
			},
		),
		ImageEnsures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dockerrunner_image_ensure_total",
				Help: "Image provisioning attempts by result",
			},
			[]string{"result"},
		),
		registry: registry,
	}
	live := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "dockerrunner_containers_live",
			Help: "Containers created and not yet removed",
		},
		m.liveCount,
	)
	registry.MustRegister(m.Batches, m.BatchDuration, m.Units, m.UnitFailures, m.CleanupFailures, m.ImageEnsures, live)
	return m
}

// TrackLive sets the source of the live container gauge. The last call wins.
func (m *Metrics) TrackLive(count func() int) {
	if m == nil || count == nil {
		return
	}
	m.live.Store(&count)
}

func (m *Metrics) liveCount() float64 {
	count := m.live.Load()
	if count == nil {
		return 0
	}
	return float64((*count)())
}

// ObserveBatch records the outcome of a batch.
func (m *Metrics) ObserveBatch(mode schema.Mode, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(string(mode), resultLabel(err)).Inc()
	if err == nil {
		m.BatchDuration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
	}
}

// ObserveUnit records the outcome of a unit and the stage it failed at.
func (m *Metrics) ObserveUnit(mode schema.Mode, stage schema.Stage, err error) {
	if m == nil {
		return
	}
	m.Units.WithLabelValues(string(mode), resultLabel(err)).Inc()
	if err != nil {
		m.UnitFailures.WithLabelValues(string(stage)).Inc()
	}
}

// ObserveCleanupFailure counts a container left behind.
func (m *Metrics) ObserveCleanupFailure() {
	if m == nil {
		return
	}
	m.CleanupFailures.Inc()
}

// ObserveImageEnsure records a provisioning attempt.
func (m *Metrics) ObserveImageEnsure(err error) {
	if m == nil {
		return
	}
	m.ImageEnsures.WithLabelValues(resultLabel(err)).Inc()
}

// Handler returns the Prometheus metrics handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
