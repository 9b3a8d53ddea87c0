package rabbitmq

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
	"github.com/vladislavdragonenkov/ostrich/internal/metrics"
)

const defaultReopenDelay = time.Second

// ChannelSource выдаёт каналы для потребления. Реализуется Pool.
type ChannelSource interface {
	OpenChannel(ctx context.Context) (Channel, error)
}

// ConsumerConfig задаёт параметры consumer одной очереди.
type ConsumerConfig struct {
	Queue string
	Tag   string
	// RedeliveryDelay — пауза перед Nack(requeue) после временного сбоя.
	// Брокер возвращает сообщение сразу, поэтому задержка выдерживается на стороне consumer.
	RedeliveryDelay time.Duration
	// ReopenDelay — пауза перед повторным открытием закрытого канала.
	ReopenDelay time.Duration
}

// Consumer читает одну очередь с prefetch 1 и подтверждает сообщения по решению handler.
type Consumer struct {
	source  ChannelSource
	handler domain.DeliveryHandler
	cfg     ConsumerConfig
	logger  *log.Entry
	metrics *metrics.ConsumerMetrics
	tracer  trace.Tracer
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithConsumerMetrics(m *metrics.ConsumerMetrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// NewConsumer создаёт consumer очереди cfg.Queue.
func NewConsumer(source ChannelSource, handler domain.DeliveryHandler, cfg ConsumerConfig, opts ...ConsumerOption) *Consumer {
	if cfg.RedeliveryDelay < 0 {
		cfg.RedeliveryDelay = 0
	}
	if cfg.ReopenDelay <= 0 {
		cfg.ReopenDelay = defaultReopenDelay
	}

	c := &Consumer{
		source:  source,
		handler: handler,
		cfg:     cfg,
		logger:  log.WithField("component", "rabbitmq-consumer").WithField("queue", cfg.Queue),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run потребляет очередь до отмены ctx. Закрытый брокером канал открывается заново;
// ошибка возвращается, только если пул не смог подключиться (domain.ErrCannotConnect).
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.logger.Info("consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		ch, err := c.source.OpenChannel(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, domain.ErrCannotConnect) || errors.Is(err, ErrPoolClosed) {
				return err
			}
			c.logger.WithError(err).Warn("failed to open consumer channel")
		} else if err := c.consume(ctx, ch); err != nil {
			c.logger.WithError(err).Warn("consumer channel closed, reopening")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReopenDelay):
		}
	}
}

var errDeliveriesClosed = errors.New("deliveries channel closed")

func (c *Consumer) consume(ctx context.Context, ch Channel) error {
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.process(ctx, d)
		}
	}
}

// process передаёт тело handler и выполняет его решение.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	started := time.Now()
	if d.Headers != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
	}
	ctx, span := c.tracer.Start(ctx, "rabbitmq.consume", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.source.name", c.cfg.Queue),
			attribute.Bool("messaging.rabbitmq.redelivered", d.Redelivered),
		))
	defer span.End()

	decision := c.handler.Handle(ctx, c.cfg.Queue, d.Body)
	span.SetAttributes(attribute.String("messaging.decision", decision.String()))

	entry := c.logger.WithFields(log.Fields{
		"delivery_tag": d.DeliveryTag,
		"redelivered":  d.Redelivered,
		"decision":     decision.String(),
	})

	var err error
	switch decision {
	case domain.DecisionAck:
		err = d.Ack(false)
	case domain.DecisionRequeue:
		c.wait(ctx, c.cfg.RedeliveryDelay)
		err = d.Nack(false, true)
	default:
		err = d.Reject(false)
	}
	if err != nil {
		entry.WithError(err).Warn("failed to settle delivery")
	} else {
		entry.Debug("delivery settled")
	}

	c.metrics.RecordDelivery(c.cfg.Queue, decision.String(), time.Since(started))
}

func (c *Consumer) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
