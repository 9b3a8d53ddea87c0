package domain

import (
	"context"
	"time"
)

// AccountService возвращает пользователей (продавцов и владельцев).
type AccountService interface {
	GetUser(ctx context.Context, userID int64) (User, error)
}

// ShopService возвращает магазины.
type ShopService interface {
	GetShop(ctx context.Context, shopID int64) (Shop, error)
}

// ShiftService возвращает единственную открытую смену магазина.
// Ноль смен — ErrNotFound, больше одной — ErrConflict.
type ShiftService interface {
	OpenShift(ctx context.Context, shopID int64) (Shift, error)
}

// InventoryService применяет батч изменений остатков одним вызовом.
type InventoryService interface {
	ApplyDeltas(ctx context.Context, shopID int64, deltas []InventoryDelta) error
}

// ReceiptStore сохраняет чек в сервисе отчётов. Это необратимый шаг саги.
type ReceiptStore interface {
	CreateReceipt(ctx context.Context, shopID, userID int64, doc ReceiptDocument) (ReceiptRecord, error)
}

// NotificationSource отдаёт сохранённые чеки и Z-отчёты для отправки по почте.
type NotificationSource interface {
	GetReceipt(ctx context.Context, shopID int64, receiptID string) (ReceiptNotification, error)
	GetZReport(ctx context.Context, fiscalNumber int64) (ReportNotification, error)
}

// JobPublisher публикует задания на уведомление в брокер.
type JobPublisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte, durable bool) error
}

// DedupStore — key/value хранилище отметок «уже доставлено».
// Claim атомарно занимает ключ, если его нет (check-and-set).
type DedupStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, ttl time.Duration) error
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Mailer отправляет письма.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// DeliveryHandler обрабатывает одно сообщение из очереди.
type DeliveryHandler interface {
	Handle(ctx context.Context, queue string, body []byte) DeliveryDecision
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// DiscrepancyRepository — журнал неудачных компенсаций.
type DiscrepancyRepository interface {
	Record(ctx context.Context, d Discrepancy) (Discrepancy, error)
	ListByShop(ctx context.Context, shopID int64, limit int) ([]Discrepancy, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	FailedCount     int
	OldestPendingAt time.Time
}
