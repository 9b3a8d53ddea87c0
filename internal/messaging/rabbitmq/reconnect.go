package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

const (
	defaultReconnectAttempts = 10
	defaultReconnectDelay    = 3 * time.Second
)

// ReconnectPolicy — фиксированная пауза между попытками и ограниченное их число.
type ReconnectPolicy struct {
	// MaxAttempts — общее число попыток, включая первую.
	MaxAttempts int
	Delay       time.Duration
}

// DefaultReconnectPolicy возвращает политику по умолчанию: 10 попыток через 3 секунды.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: defaultReconnectAttempts,
		Delay:       defaultReconnectDelay,
	}
}

func (p ReconnectPolicy) normalized() ReconnectPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultReconnectAttempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// Do вызывает fn, пока та не вернёт nil, попытки не кончатся или не отменят ctx.
// После исчерпания попыток возвращается ошибка, оборачивающая domain.ErrCannotConnect.
func (p ReconnectPolicy) Do(ctx context.Context, logger *log.Entry, fn func(attempt int) error) error {
	p = p.normalized()

	var (
		lastErr error
		tried   int
	)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		tried = attempt
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("connected to broker after retry")
			}
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			logger.WithError(err).WithField("attempt", attempt).Error("broker rejected connection, not retrying")
			break
		}
		if attempt == p.MaxAttempts {
			break
		}

		logger.WithError(err).WithFields(log.Fields{
			"attempt": attempt,
			"delay":   p.Delay,
		}).Warn("broker connection failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", domain.ErrCannotConnect, ctx.Err())
		case <-time.After(p.Delay):
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", domain.ErrCannotConnect, tried, lastErr)
}

// shouldRetry отсекает ошибки, которые не исправятся повтором.
func shouldRetry(err error) bool {
	return !errors.Is(err, amqp.ErrCredentials) &&
		!errors.Is(err, amqp.ErrVhost) &&
		!errors.Is(err, amqp.ErrSASL)
}
