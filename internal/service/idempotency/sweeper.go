// Package idempotency удаляет просроченные ключи Idempotency-Key.
//
// Запись живёт до expires_at: после этого ключ снова свободен, и повтор
// запроса с тем же ключом создаёт новую продажу.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
	"github.com/vladislavdragonenkov/ostrich/internal/metrics"
)

// SweeperConfig — параметры очистки.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	// MaxBatches ограничивает число удалений за один проход.
	MaxBatches int
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = 100
	}
	return c
}

// Option настраивает Sweeper.
type Option func(*Sweeper)

func WithLogger(logger *log.Entry) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.CleanupMetrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// Sweeper периодически удаляет просроченные записи идемпотентности.
type Sweeper struct {
	repo    domain.IdempotencyRepository
	cfg     SweeperConfig
	logger  *log.Entry
	metrics *metrics.CleanupMetrics
	now     func() time.Time
}

func NewSweeper(repo domain.IdempotencyRepository, cfg SweeperConfig, opts ...Option) *Sweeper {
	s := &Sweeper{
		repo:   repo,
		cfg:    cfg.withDefaults(),
		logger: log.WithField("component", "idempotency-sweeper"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run выполняет проход сразу и затем каждые Interval до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	if s.repo == nil {
		s.logger.Warn("idempotency sweeper has no repository, skipping")
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	cutoff := s.now()
	deleted, err := s.Sweep(ctx, cutoff)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return
	case err != nil:
		s.metrics.RecordRun(deleted, false)
		s.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency sweep failed")
		return
	}

	s.metrics.RecordRun(deleted, true)
	if deleted > 0 {
		s.logger.WithFields(log.Fields{
			"deleted": deleted,
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("expired idempotency keys removed")
	}
}

// Sweep удаляет записи с expires_at <= cutoff порциями по BatchSize,
// пока порция заполнена целиком, но не больше MaxBatches порций.
func (s *Sweeper) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	if cutoff.IsZero() {
		cutoff = s.now()
	}

	total := 0
	for range s.cfg.MaxBatches {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.repo.DeleteExpired(ctx, cutoff, s.cfg.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.cfg.BatchSize {
			return total, nil
		}
	}
	s.logger.WithField("batches", s.cfg.MaxBatches).Debug("sweep stopped at batch limit, rest is left for the next run")
	return total, nil
}
