package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolMetrics — метрики пула каналов RabbitMQ.
type PoolMetrics struct {
	connectAttempts *prometheus.CounterVec
	freeChannels    prometheus.Gauge
	acquireWait     prometheus.Histogram
	publishes       *prometheus.CounterVec
}

// NewPoolMetrics регистрирует метрики пула; nil означает DefaultRegisterer.
func NewPoolMetrics(registerer prometheus.Registerer) *PoolMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PoolMetrics{
		connectAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ostrich_rabbit_connect_attempts_total",
			Help: "Broker connection attempts by result",
		}, []string{"result"}),
		freeChannels: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ostrich_rabbit_free_channels",
			Help: "Number of idle channels in the pool",
		}),
		acquireWait: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "ostrich_rabbit_acquire_wait_seconds",
			Help:    "Time spent waiting for a free channel",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		publishes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ostrich_rabbit_publish_total",
			Help: "Published messages by routing key and result",
		}, []string{"routing_key", "result"}),
	}
}

// RecordConnectAttempt фиксирует попытку подключения к брокеру.
func (m *PoolMetrics) RecordConnectAttempt(ok bool) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(resultLabel(ok)).Inc()
}

func (m *PoolMetrics) SetFreeChannels(n int) {
	if m == nil {
		return
	}
	m.freeChannels.Set(float64(n))
}

func (m *PoolMetrics) ObserveAcquireWait(d time.Duration) {
	if m == nil {
		return
	}
	m.acquireWait.Observe(d.Seconds())
}

// RecordPublish фиксирует итог публикации (после возможного повтора).
func (m *PoolMetrics) RecordPublish(routingKey string, ok bool) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(routingKey, resultLabel(ok)).Inc()
}

// ConsumerMetrics — метрики обработчика очередей уведомлений.
type ConsumerMetrics struct {
	deliveries     *prometheus.CounterVec
	handleDuration *prometheus.HistogramVec
}

// NewConsumerMetrics регистрирует метрики consumer'а; nil означает DefaultRegisterer.
func NewConsumerMetrics(registerer prometheus.Registerer) *ConsumerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ConsumerMetrics{
		deliveries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ostrich_notification_deliveries_total",
			Help: "Processed notification deliveries by queue and decision",
		}, []string{"queue", "decision"}),
		handleDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "ostrich_notification_handle_duration_seconds",
			Help:    "Time spent handling one notification delivery",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
	}
}

// RecordDelivery фиксирует решение по сообщению и время его обработки.
func (m *ConsumerMetrics) RecordDelivery(queue, decision string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, decision).Inc()
	m.handleDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
