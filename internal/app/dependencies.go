package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ostrich/internal/config"
	"github.com/vladislavdragonenkov/ostrich/internal/dedup"
	"github.com/vladislavdragonenkov/ostrich/internal/domain"
	"github.com/vladislavdragonenkov/ostrich/internal/storage/memory"
	"github.com/vladislavdragonenkov/ostrich/internal/storage/postgres"
)

// storage — журналы gateway: outbox событий продаж, ключи идемпотентности и расхождения остатков.
type storage struct {
	outbox        domain.OutboxRepository
	idempotency   domain.IdempotencyRepository
	discrepancies domain.DiscrepancyRepository
	// persistent — журналы переживают рестарт процесса.
	persistent bool
	ping       func(ctx context.Context) error
	close      func() error
}

// initStorage открывает PostgreSQL или, при пустом DSN, in-memory хранилища.
func initStorage(ctx context.Context, cfg config.PostgresConfig, logger *log.Entry) (*storage, error) {
	if cfg.DSN == "" {
		logger.Warn("postgres.dsn is empty, using in-memory storage")
		return &storage{
			outbox:        memory.NewOutboxRepository(),
			idempotency:   memory.NewIdempotencyRepository(),
			discrepancies: memory.NewDiscrepancyRepository(),
			close:         func() error { return nil },
		}, nil
	}

	store, err := postgres.Open(ctx, cfg.DSN, postgres.PoolOptions{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	logger.WithField("postgres", store.Target()).Info("postgres connected")
	if cfg.AutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("postgres migrations applied")
	}

	return &storage{
		outbox:        postgres.NewOutboxRepository(store),
		idempotency:   postgres.NewIdempotencyRepository(store),
		discrepancies: postgres.NewDiscrepancyRepository(store),
		persistent:    true,
		ping:          store.Ping,
		close:         store.Close,
	}, nil
}

// dedupBackend — Dedup Store вместе с проверкой доступности и закрытием.
type dedupBackend struct {
	store domain.DedupStore
	ping  func(ctx context.Context) error
	close func() error
}

// initDedup открывает Dedup Store выбранного backend'а.
func initDedup(ctx context.Context, cfg *config.Config, logger *log.Entry) (*dedupBackend, error) {
	switch cfg.Dedup.Backend {
	case config.DedupBackendRedis:
		client, err := dedup.OpenRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		store := dedup.NewRedisStore(client, cfg.Dedup.Prefix)
		logger.WithField("addr", cfg.Redis.Addr).Info("dedup store: redis")
		return &dedupBackend{store: store, ping: store.Ping, close: client.Close}, nil

	case config.DedupBackendBolt:
		store, err := dedup.OpenBolt(cfg.Dedup.BoltPath)
		if err != nil {
			return nil, err
		}
		logger.WithField("path", cfg.Dedup.BoltPath).Info("dedup store: bolt")
		return &dedupBackend{store: store, close: store.Close}, nil

	case config.DedupBackendMemory:
		logger.Warn("dedup store: memory, delivery marks are lost on restart")
		return &dedupBackend{store: memory.NewDedupStore(), close: func() error { return nil }}, nil

	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Dedup.Backend)
	}
}

func closeQuietly(name string, closeFn func() error, logger *log.Entry) {
	if closeFn == nil {
		return
	}
	if err := closeFn(); err != nil {
		logger.WithError(err).Warnf("failed to close %s", name)
	}
}
