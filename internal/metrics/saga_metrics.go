package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics — метрики саги создания чека. Методы допускают nil-получатель.
type SagaMetrics struct {
	started  prometheus.Counter
	inFlight prometheus.Gauge
	// outcome: committed, aborted, compensated_failure, uncompensated_failure
	finished *prometheus.CounterVec
	duration prometheus.Histogram
	steps    *prometheus.HistogramVec

	compensations *prometheus.CounterVec
	discrepancies prometheus.Counter
	outboxWrites  prometheus.Counter
}

// stepBuckets покрывают шаги от локальных до вызовов внешних сервисов.
var stepBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// NewSagaMetrics регистрирует метрики саги; nil означает DefaultRegisterer.
func NewSagaMetrics(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		started: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ostrich_saga_started_total",
			Help: "Receipt sagas started",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ostrich_active_sagas",
			Help: "Receipt sagas currently running",
		}),
		finished: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ostrich_saga_finished_total",
			Help: "Receipt sagas finished by outcome",
		}, []string{"outcome"}),
		duration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "ostrich_saga_duration_seconds",
			Help:    "Receipt saga duration",
			Buckets: prometheus.DefBuckets,
		}),
		steps: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "ostrich_saga_step_duration_seconds",
			Help:    "Receipt saga step duration",
			Buckets: stepBuckets,
		}, []string{"step"}),
		compensations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ostrich_saga_compensations_total",
			Help: "Inventory compensations by result",
		}, []string{"result"}),
		discrepancies: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ostrich_inventory_discrepancies_total",
			Help: "Inventory discrepancies journaled after a failed compensation",
		}),
		outboxWrites: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ostrich_outbox_events_total",
			Help: "Sale events written to the outbox",
		}),
	}
}

func (m *SagaMetrics) Started() {
	if m == nil {
		return
	}
	m.started.Inc()
	m.inFlight.Inc()
}

// Finished закрывает сагу: исход, длительность и счётчик активных.
func (m *SagaMetrics) Finished(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(outcome).Inc()
	m.duration.Observe(took.Seconds())
	m.inFlight.Dec()
}

func (m *SagaMetrics) Step(step string, took time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(step).Observe(took.Seconds())
}

func (m *SagaMetrics) Compensated(ok bool) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(resultLabel(ok)).Inc()
}

func (m *SagaMetrics) Discrepancy() {
	if m == nil {
		return
	}
	m.discrepancies.Inc()
}

func (m *SagaMetrics) OutboxWrite() {
	if m == nil {
		return
	}
	m.outboxWrites.Inc()
}
