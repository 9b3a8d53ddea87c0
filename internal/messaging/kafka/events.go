package kafka

import (
	"time"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

// EventType — тип события продажи.
type EventType string

const (
	EventTypeSaleCommitted          EventType = "sale.committed"
	EventTypeSaleAborted            EventType = "sale.aborted"
	EventTypeSaleCompensated        EventType = "sale.compensated"
	EventTypeSaleCompensationFailed EventType = "sale.compensation_failed"
)

// Topics
const (
	TopicSaleEvents      = "ostrich.sale.events"
	TopicDeadLetterQueue = "ostrich.dlq"
)

// Заголовки записей: тип события и id сообщения outbox для дедупликации у потребителей.
const (
	HeaderEventType = "x-event-type"
	HeaderMessageID = "x-message-id"
)

// AggregateSale — aggregate_type событий продаж в outbox.
const AggregateSale = "sale"

// SaleEvent — событие о результате саги создания чека.
type SaleEvent struct {
	EventType         EventType               `json:"event_type"`
	SagaID            string                  `json:"saga_id"`
	ShopID            int64                   `json:"shop_id"`
	UserID            int64                   `json:"user_id"`
	ReceiptID         string                  `json:"receipt_id,omitempty"`
	FiscalNumber      int64                   `json:"fn,omitempty"`
	Sum               domain.Money            `json:"sum"`
	SellType          domain.PaymentKind      `json:"sell_type"`
	FailedStep        domain.SagaStep         `json:"failed_step,omitempty"`
	Deltas            []domain.InventoryDelta `json:"deltas,omitempty"`
	Error             string                  `json:"error,omitempty"`
	CompensationError string                  `json:"compensation_error,omitempty"`
	Timestamp         time.Time               `json:"timestamp"`
}

// NewSaleEvent собирает событие из запроса и результата саги.
func NewSaleEvent(eventType EventType, req domain.SaleRequest, result domain.SagaResult) SaleEvent {
	event := SaleEvent{
		EventType:    eventType,
		SagaID:       result.SagaID,
		ShopID:       req.ShopID,
		UserID:       req.UserID,
		Sum:          req.Total(),
		SellType:     req.Payment,
		FailedStep:   result.FailedStep,
		Deltas:       result.Plan.Deltas(),
		ReceiptID:    result.Receipt.ID,
		FiscalNumber: result.Receipt.FiscalNumber,
		Timestamp:    time.Now().UTC(),
	}
	if result.Err != nil {
		event.Error = result.Err.Error()
	}
	if result.CompensationErr != nil {
		event.CompensationError = result.CompensationErr.Error()
	}
	return event
}

// EventTypeForOutcome сопоставляет исход саги типу события.
func EventTypeForOutcome(outcome domain.SagaOutcome) EventType {
	switch outcome {
	case domain.SagaCommitted:
		return EventTypeSaleCommitted
	case domain.SagaCompensatedFailure:
		return EventTypeSaleCompensated
	case domain.SagaUncompensatedFailure:
		return EventTypeSaleCompensationFailed
	default:
		return EventTypeSaleAborted
	}
}
