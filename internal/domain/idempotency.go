package domain

import (
	"errors"
	"fmt"
	"time"
)

// DefaultIdempotencyTTL — срок жизни ключа, если вызывающий его не задал.
const DefaultIdempotencyTTL = 24 * time.Hour

var (
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// IdempotencyStatus: processing -> done | failed. Ответ с ошибкой саги тоже сохраняется.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// ParseIdempotencyStatus разбирает статус, прочитанный из хранилища.
func ParseIdempotencyStatus(raw string) (IdempotencyStatus, error) {
	switch s := IdempotencyStatus(raw); s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return s, nil
	}
	return "", fmt.Errorf("unknown idempotency status %q", raw)
}

// IdempotencyRecord — сохранённый ответ на запрос с заголовком Idempotency-Key.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Replayable сообщает, можно ли отдать сохранённый ответ повторно.
func (r IdempotencyRecord) Replayable() bool {
	return r.Status != IdempotencyStatusProcessing && r.HTTPStatus > 0
}

// Expired — ключ с истёкшим TTLAt можно занять заново, не дожидаясь очистки.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// ClaimConflict — ошибка для повторного захвата живого ключа запросом с хешем requestHash.
func (r IdempotencyRecord) ClaimConflict(requestHash string) error {
	if r.RequestHash != requestHash {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}
