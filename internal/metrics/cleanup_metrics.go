package metrics

import "github.com/prometheus/client_golang/prometheus"

// CleanupMetrics — метрики очистки просроченных ключей идемпотентности.
type CleanupMetrics struct {
	runs        *prometheus.CounterVec
	deleted     prometheus.Counter
	lastDeleted prometheus.Gauge
}

// NewCleanupMetrics регистрирует метрики очистки; nil означает DefaultRegisterer.
func NewCleanupMetrics(registerer prometheus.Registerer) *CleanupMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CleanupMetrics{
		runs: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ostrich_idempotency_cleanup_runs_total",
			Help: "Idempotency cleanup runs by result",
		}, []string{"result"}),
		deleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ostrich_idempotency_cleanup_deleted_total",
			Help: "Expired idempotency records removed",
		}),
		lastDeleted: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ostrich_idempotency_cleanup_last_deleted",
			Help: "Records removed by the most recent cleanup run",
		}),
	}
}

// RecordRun фиксирует итог прохода очистки.
func (m *CleanupMetrics) RecordRun(deleted int, ok bool) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(resultLabel(ok)).Inc()
	if deleted > 0 {
		m.deleted.Add(float64(deleted))
	}
	if ok {
		m.lastDeleted.Set(float64(deleted))
	}
}
