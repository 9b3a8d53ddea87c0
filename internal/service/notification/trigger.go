package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

// Trigger забирает чек или Z-отчёт из сервиса отчётов и ставит задание в очередь.
type Trigger struct {
	source    domain.NotificationSource
	publisher domain.JobPublisher
	logger    *log.Entry
}

// NewTrigger создаёт Trigger. logger может быть nil.
func NewTrigger(source domain.NotificationSource, publisher domain.JobPublisher, logger *log.Entry) *Trigger {
	if logger == nil {
		logger = log.WithField("component", "notification-trigger")
	}
	return &Trigger{source: source, publisher: publisher, logger: logger}
}

// SendReceipt ставит чек receiptID магазина shopID в receipt_queue.
// Ошибки сервиса отчётов возвращаются без изменений, ошибки брокера оборачивают ErrEnqueueFailed.
func (t *Trigger) SendReceipt(ctx context.Context, shopID int64, receiptID, email string) error {
	email, err := recipient(email)
	if err != nil {
		return err
	}

	receipt, err := t.source.GetReceipt(ctx, shopID, receiptID)
	if err != nil {
		return err
	}
	receipt.ReceiverEmail = email

	return t.enqueue(ctx, domain.QueueReceipts, receipt, t.logger.WithFields(log.Fields{
		"shop_id":    shopID,
		"receipt_id": receiptID,
	}))
}

// SendReport ставит Z-отчёт с фискальным номером fn в report_queue.
func (t *Trigger) SendReport(ctx context.Context, shopID, fn int64, email string) error {
	email, err := recipient(email)
	if err != nil {
		return err
	}

	report, err := t.source.GetZReport(ctx, fn)
	if err != nil {
		return err
	}
	report.ReceiverEmail = email

	return t.enqueue(ctx, domain.QueueReports, report, t.logger.WithFields(log.Fields{
		"shop_id": shopID,
		"fn":      fn,
	}))
}

func (t *Trigger) enqueue(ctx context.Context, queue string, payload any, entry *log.Entry) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode job: %w", domain.ErrEnqueueFailed, err)
	}

	if err := t.publisher.Publish(ctx, queue, body, true); err != nil {
		entry.WithError(err).Warn("failed to publish notification job")
		return fmt.Errorf("%w: %w", domain.ErrEnqueueFailed, err)
	}

	entry.WithField("queue", queue).Info("notification job published")
	return nil
}

func recipient(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return "", fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrRecipientRequired)
	}
	return email, nil
}
