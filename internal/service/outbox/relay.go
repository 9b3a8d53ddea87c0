// Package outbox переносит события продаж из журнала outbox в Kafka.
// Событие, которое не удалось отправить за MaxAttempts попыток, уходит в DLQ
// и помечается failed; повторно relay его не берёт.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
	"github.com/vladislavdragonenkov/ostrich/internal/metrics"
)

// Нулевые поля Config заменяются умолчаниями.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	// RetryDelay — пауза перед второй попыткой, дальше она удваивается.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

// DeadLetter — тело сообщения в DLQ.
type DeadLetter struct {
	OutboxID     string          `json:"outbox_id"`
	SagaID       string          `json:"saga_id"`
	EventType    string          `json:"event_type"`
	Event        json.RawMessage `json:"event"`
	Attempts     int             `json:"attempts"`
	PublishError string          `json:"publish_error"`
	FailedAt     time.Time       `json:"failed_at"`
}

type Option func(*Relay)

func WithLogger(logger *log.Entry) Option {
	return func(r *Relay) { r.logger = logger }
}

// WithDeadLetters задаёт publisher для событий, исчерпавших попытки.
func WithDeadLetters(publisher domain.OutboxPublisher) Option {
	return func(r *Relay) { r.deadLetters = publisher }
}

func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(r *Relay) { r.metrics = m }
}

type Relay struct {
	repo        domain.OutboxRepository
	publisher   domain.OutboxPublisher
	deadLetters domain.OutboxPublisher
	cfg         Config
	logger      *log.Entry
	metrics     *metrics.OutboxMetrics
	now         func() time.Time
}

func NewRelay(repo domain.OutboxRepository, publisher domain.OutboxPublisher, cfg Config, opts ...Option) *Relay {
	r := &Relay{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    log.WithField("component", "outbox-relay"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run отправляет батч сразу и затем раз в PollInterval, пока ctx жив.
func (r *Relay) Run(ctx context.Context) {
	if r.repo == nil || r.publisher == nil {
		r.logger.Warn("outbox relay disabled: no repository or publisher")
		return
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r.Flush(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush отправляет один батч pending-событий и возвращает число отправленных.
func (r *Relay) Flush(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	batch, err := r.repo.PullPending(ctx, r.cfg.BatchSize)
	if err != nil {
		r.logger.WithError(err).Warn("pull pending sale events")
		return 0
	}

	sent := 0
	for _, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		entry := r.logger.WithFields(log.Fields{
			"outbox_id":  msg.ID,
			"saga_id":    msg.AggregateID,
			"event_type": msg.EventType,
		})

		if err := r.deliver(ctx, msg); err != nil {
			if ctx.Err() != nil {
				break
			}
			entry.WithError(err).Error("sale event not delivered, moving to DLQ")
			r.metrics.RecordPublish("failed")
			r.bury(ctx, msg, err, entry)
			continue
		}

		if err := r.repo.MarkSent(ctx, msg.ID); err != nil {
			entry.WithError(err).Warn("mark sale event sent")
			continue
		}
		sent++
	}

	r.reportBacklog(ctx)
	return sent
}

func (r *Relay) deliver(ctx context.Context, msg domain.OutboxMessage) error {
	delay := r.cfg.RetryDelay
	var err error
	for attempt := 1; ; attempt++ {
		if err = r.publisher.Publish(ctx, msg); err == nil {
			r.metrics.RecordPublish("sent")
			return nil
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		r.metrics.RecordPublish("retry")

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, r.cfg.MaxAttempts, err)
}

// bury отправляет событие в DLQ (если он задан) и помечает его failed.
func (r *Relay) bury(ctx context.Context, msg domain.OutboxMessage, cause error, entry *log.Entry) {
	if r.deadLetters != nil {
		if err := r.publishDeadLetter(ctx, msg, cause); err != nil {
			entry.WithError(err).Warn("publish sale event to DLQ")
			r.metrics.RecordPublish("dlq_failed")
		}
	}
	if err := r.repo.MarkFailed(ctx, msg.ID); err != nil {
		entry.WithError(err).Warn("mark sale event failed")
	}
}

func (r *Relay) publishDeadLetter(ctx context.Context, msg domain.OutboxMessage, cause error) error {
	body, err := json.Marshal(DeadLetter{
		OutboxID:     msg.ID,
		SagaID:       msg.AggregateID,
		EventType:    msg.EventType,
		Event:        json.RawMessage(msg.Payload),
		Attempts:     r.cfg.MaxAttempts,
		PublishError: cause.Error(),
		FailedAt:     r.now(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	dead := msg
	dead.Payload = body
	return r.deadLetters.Publish(ctx, dead)
}

func (r *Relay) reportBacklog(ctx context.Context) {
	stats, err := r.repo.Stats(ctx)
	if err != nil {
		r.logger.WithError(err).Debug("outbox stats unavailable")
		return
	}
	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = r.now().Sub(stats.OldestPendingAt)
	}
	r.metrics.SetBacklog(stats.PendingCount, stats.FailedCount, age)
}
