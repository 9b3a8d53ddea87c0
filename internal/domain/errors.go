package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation — запрос не прошёл проверку инвариантов.
	ErrValidation = errors.New("validation failed")
	// смена, чек или отчёт не найдены
	ErrNotFound = errors.New("not found")
	// ErrConflict — нарушение целостности данных на стороне upstream (например, две открытые смены).
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized — у пользователя нет права выполнять операцию.
	ErrUnauthorized  = errors.New("unauthorized")
	ErrRemoteService = errors.New("remote service error")
	// сеть или обрыв соединения с брокером
	ErrTransport = errors.New("transport error")
	// исчерпаны попытки подключения к брокеру
	ErrCannotConnect = fmt.Errorf("%w: cannot connect to broker", ErrTransport)
	// ErrPoisonMessage — сообщение из очереди не удаётся разобрать; повторная доставка бессмысленна.
	ErrPoisonMessage = errors.New("poison message")
	// ErrAlreadyDelivered — уведомление с таким ключом уже было отправлено.
	ErrAlreadyDelivered = errors.New("notification already delivered")
	ErrEnqueueFailed    = errors.New("notification enqueue failed")

	ErrItemsRequired       = errors.New("sale must contain at least one item")
	ErrItemQtyInvalid      = errors.New("item count must be greater than zero")
	ErrItemPriceInvalid    = errors.New("item price must be non-negative")
	ErrItemTypeInvalid     = errors.New("item type must be COMMODITY or SERVICE")
	ErrPaymentKindInvalid  = errors.New("sell_type must be CARD or CASH")
	ErrShopIDRequired      = errors.New("shop_id is required")
	ErrUserIDRequired      = errors.New("user_id is required")
	ErrTimestampRequired   = errors.New("datetime is required")
	ErrAmountMismatch      = errors.New("sale sum does not match items sum")
	ErrRecipientRequired   = errors.New("receiver_email is required")
	ErrNotificationIDEmpty = errors.New("notification object id is required")

	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxNotPending — сообщение не найдено или уже отправлено либо отклонено.
	ErrOutboxNotPending = errors.New("outbox message is not pending")
)

// RemoteServiceError несёт исходный статус и тело ответа удалённого сервиса,
// чтобы HTTP-слой мог вернуть их клиенту без изменений.
type RemoteServiceError struct {
	Service    string
	StatusCode int
	Body       []byte
}

func (e *RemoteServiceError) Error() string {
	return fmt.Sprintf("%s responded with status %d", e.Service, e.StatusCode)
}

func (e *RemoteServiceError) Unwrap() error {
	return ErrRemoteService
}

// TransportError оборачивает сетевые сбои и обрывы соединения.
type TransportError struct {
	Op  string
	Err error
}

// NewTransportError возвращает TransportError для операции op.
func NewTransportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: transport error", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}

// AsRemoteServiceError извлекает RemoteServiceError из цепочки ошибок.
func AsRemoteServiceError(err error) (*RemoteServiceError, bool) {
	var remoteErr *RemoteServiceError
	if errors.As(err, &remoteErr) {
		return remoteErr, true
	}
	return nil, false
}
