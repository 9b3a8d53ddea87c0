package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics считает публикации событий продаж из outbox.
type OutboxMetrics struct {
	publishes *prometheus.CounterVec
	pending   prometheus.Gauge
	failed    prometheus.Gauge
	oldestAge prometheus.Gauge
}

// NewOutboxMetrics регистрирует метрики outbox; nil означает DefaultRegisterer.
func NewOutboxMetrics(registerer prometheus.Registerer) *OutboxMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OutboxMetrics{
		publishes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ostrich_outbox_publish_attempts_total",
			Help: "Sale event publish attempts by result",
		}, []string{"result"}),
		pending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ostrich_outbox_pending_records",
			Help: "Sale events waiting in the outbox",
		}),
		failed: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ostrich_outbox_failed_records",
			Help: "Sale events that exhausted publish attempts",
		}),
		oldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ostrich_outbox_oldest_pending_age_seconds",
			Help: "Age of the oldest pending sale event",
		}),
	}
}

// RecordPublish фиксирует попытку: sent, retry, failed или dlq_failed.
func (m *OutboxMetrics) RecordPublish(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
}

// SetBacklog обновляет размер очереди outbox.
func (m *OutboxMetrics) SetBacklog(pending, failed int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	m.failed.Set(float64(failed))
	m.oldestAge.Set(max(oldestAge.Seconds(), 0))
}
