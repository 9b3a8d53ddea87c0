// Package notification ставит задания на отправку чеков и Z-отчётов в очередь
// и обрабатывает их на стороне worker: dedup, рендер, отправка письма.
package notification

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

const (
	defaultClaimTTL = 2 * time.Minute
	claimKeyPrefix  = "lock:"
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ostrich_notifications_total",
	Help: "Notification jobs by kind and result.",
}, []string{"kind", "result"})

// HandlerOptions задаёт параметры обработчика.
type HandlerOptions struct {
	Logger *log.Entry
	// DedupTTL — срок жизни отметки о доставке; 0 — бессрочно.
	DedupTTL time.Duration
	// ClaimTTL — срок короткой блокировки на время отправки.
	ClaimTTL time.Duration
}

// HandlerOption настраивает Handler.
type HandlerOption func(*HandlerOptions)

func WithHandlerLogger(logger *log.Entry) HandlerOption {
	return func(opts *HandlerOptions) { opts.Logger = logger }
}

func WithDedupTTL(ttl time.Duration) HandlerOption {
	return func(opts *HandlerOptions) { opts.DedupTTL = ttl }
}

func WithClaimTTL(ttl time.Duration) HandlerOption {
	return func(opts *HandlerOptions) { opts.ClaimTTL = ttl }
}

// Handler — идемпотентный обработчик заданий из receipt_queue и report_queue.
// Отметка о доставке пишется только после успешной отправки письма.
type Handler struct {
	dedup    domain.DedupStore
	mailer   domain.Mailer
	renderer *Renderer
	logger   *log.Entry
	dedupTTL time.Duration
	claimTTL time.Duration
}

// NewHandler создаёт обработчик.
func NewHandler(dedup domain.DedupStore, mailer domain.Mailer, renderer *Renderer, options ...HandlerOption) *Handler {
	opts := HandlerOptions{ClaimTTL: defaultClaimTTL}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "notification-handler")
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = defaultClaimTTL
	}
	if opts.DedupTTL < 0 {
		opts.DedupTTL = 0
	}

	return &Handler{
		dedup:    dedup,
		mailer:   mailer,
		renderer: renderer,
		logger:   opts.Logger,
		dedupTTL: opts.DedupTTL,
		claimTTL: opts.ClaimTTL,
	}
}

// Handle обрабатывает одно сообщение и возвращает решение для брокера.
func (h *Handler) Handle(ctx context.Context, queue string, body []byte) domain.DeliveryDecision {
	entry := h.logger.WithField("queue", queue)

	kind, ok := domain.KindForQueue(queue)
	if !ok {
		entry.Warn("message from unknown queue, rejecting")
		return domain.DecisionReject
	}

	job, err := domain.DecodeNotificationJob(kind, body)
	if err != nil {
		entry.WithError(err).Warn("malformed notification job, rejecting")
		h.count(kind, "poison")
		return domain.DecisionReject
	}

	key := job.DedupKey()
	entry = entry.WithFields(log.Fields{"job_id": job.ObjectID, "kind": string(kind)})

	delivered, err := h.dedup.Exists(ctx, key)
	if err != nil {
		entry.WithError(err).Warn("dedup lookup failed, requeueing")
		h.count(kind, "retry")
		return domain.DecisionRequeue
	}
	if delivered {
		entry.WithError(domain.ErrAlreadyDelivered).Info("notification already sent, rejecting")
		h.count(kind, "duplicate")
		return domain.DecisionReject
	}

	lock := claimKeyPrefix + key
	claimed, err := h.dedup.Claim(ctx, lock, h.claimTTL)
	if err != nil || !claimed {
		entry.WithError(err).Info("notification is being sent by another worker, requeueing")
		h.count(kind, "retry")
		return domain.DecisionRequeue
	}
	defer h.release(entry, lock)

	// отметка могла появиться, пока мы ждали блокировку
	if delivered, err = h.dedup.Exists(ctx, key); err != nil || delivered {
		if err != nil {
			entry.WithError(err).Warn("dedup lookup failed, requeueing")
			h.count(kind, "retry")
			return domain.DecisionRequeue
		}
		entry.Info("notification already sent, rejecting")
		h.count(kind, "duplicate")
		return domain.DecisionReject
	}

	email, err := h.renderer.Render(job)
	if err != nil {
		entry.WithError(err).Error("failed to render notification, rejecting")
		h.count(kind, "poison")
		return domain.DecisionReject
	}

	if err := h.mailer.Send(ctx, email); err != nil {
		entry.WithError(err).Warn("failed to send notification, requeueing")
		h.count(kind, "retry")
		return domain.DecisionRequeue
	}

	if err := h.dedup.Set(ctx, key, h.dedupTTL); err != nil {
		// письмо уже ушло, сообщение подтверждается в любом случае
		entry.WithError(err).Error("notification sent but delivery mark was not stored")
	}

	entry.Info("notification sent")
	h.count(kind, "sent")
	return domain.DecisionAck
}

func (h *Handler) release(entry *log.Entry, lock string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.dedup.Release(ctx, lock); err != nil && !errors.Is(err, context.Canceled) {
		entry.WithError(err).Warn("failed to release notification claim")
	}
}

func (h *Handler) count(kind domain.NotificationKind, result string) {
	notificationsTotal.WithLabelValues(string(kind), result).Inc()
}

var _ domain.DeliveryHandler = (*Handler)(nil)
