package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

func testSaleRequest() domain.SaleRequest {
	return domain.SaleRequest{
		ShopID:  3,
		UserID:  11,
		Payment: domain.PaymentCard,
		Items: []domain.LineItem{
			{ID: 1, Type: domain.ItemTypeCommodity, Quantity: 2, Price: 1000},
			{ID: 2, Type: domain.ItemTypeService, Quantity: 1, Price: 550},
		},
		Timestamp: time.Now(),
	}
}

func TestProducer_SendOrdersHeaders(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := newProducer(mockProducer, log.WithField("component", "kafka-producer-test"))
	sentAt := time.Date(2024, 4, 2, 8, 30, 0, 0, time.UTC)
	producer.now = func() time.Time { return sentAt }

	var sent *sarama.ProducerMessage
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		sent = msg
		return nil
	})

	value, err := json.Marshal(NewSaleEvent(EventTypeSaleCommitted, testSaleRequest(), domain.SagaResult{SagaID: "saga-1"}))
	if err != nil {
		t.Fatal(err)
	}
	err = producer.Send(context.Background(), Record{
		Topic:   TopicSaleEvents,
		Key:     "saga-1",
		Headers: map[string]string{HeaderMessageID: "m-1", HeaderEventType: "sale.committed"},
		Value:   value,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}

	if sent == nil {
		t.Fatal("message was not sent")
	}
	if !sent.Timestamp.Equal(sentAt) {
		t.Fatalf("unexpected timestamp %v", sent.Timestamp)
	}
	if len(sent.Headers) != 2 || string(sent.Headers[0].Key) != HeaderEventType || string(sent.Headers[1].Key) != HeaderMessageID {
		t.Fatalf("headers must be sorted by name: %+v", sent.Headers)
	}
}

func TestProducer_SendError(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := newProducer(mockProducer, nil)

	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.Send(context.Background(), Record{Topic: TopicSaleEvents, Key: "saga-2", Value: []byte(`{}`)})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected ErrOutOfBrokers, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestProducer_SendCanceledContext(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := newProducer(mockProducer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := producer.Send(ctx, Record{Topic: TopicSaleEvents}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewSaleEvent_Committed(t *testing.T) {
	result := domain.SagaResult{
		SagaID:  "saga-3",
		Outcome: domain.SagaCommitted,
		Receipt: domain.ReceiptRecord{ID: "65f0c1", FiscalNumber: 123},
		Plan:    domain.NewCompensationPlan([]domain.InventoryDelta{{ItemID: 1, CountDelta: -2}}),
	}

	event := NewSaleEvent(EventTypeForOutcome(result.Outcome), testSaleRequest(), result)

	if event.EventType != EventTypeSaleCommitted {
		t.Errorf("expected event type %s, got %s", EventTypeSaleCommitted, event.EventType)
	}
	if event.ReceiptID != "65f0c1" || event.FiscalNumber != 123 {
		t.Errorf("receipt not copied: %+v", event)
	}
	if event.Sum != 2550 {
		t.Errorf("expected sum 25.50, got %s", event.Sum)
	}
	if len(event.Deltas) != 1 || event.Deltas[0].CountDelta != 2 {
		t.Errorf("unexpected deltas: %+v", event.Deltas)
	}
	if event.Error != "" || event.CompensationError != "" {
		t.Error("committed event must not carry errors")
	}
	if time.Since(event.Timestamp) > time.Second {
		t.Error("timestamp should be close to current time")
	}
}

func TestNewSaleEvent_CompensationFailed(t *testing.T) {
	result := domain.SagaResult{
		SagaID:          "saga-4",
		Outcome:         domain.SagaUncompensatedFailure,
		Err:             errors.New("report down"),
		CompensationErr: errors.New("inventory down"),
		FailedStep:      domain.SagaStepPersist,
	}

	event := NewSaleEvent(EventTypeForOutcome(result.Outcome), testSaleRequest(), result)

	if event.EventType != EventTypeSaleCompensationFailed {
		t.Fatalf("unexpected event type %s", event.EventType)
	}

	raw, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["error"] != "report down" || decoded["compensation_error"] != "inventory down" {
		t.Errorf("errors not serialized: %s", raw)
	}
	if decoded["failed_step"] != string(domain.SagaStepPersist) {
		t.Errorf("failed step not serialized: %s", raw)
	}
	if _, ok := decoded["receipt_id"]; ok {
		t.Errorf("receipt_id must be omitted: %s", raw)
	}
}

func TestEventTypeForOutcome(t *testing.T) {
	tests := []struct {
		outcome domain.SagaOutcome
		want    EventType
	}{
		{domain.SagaCommitted, EventTypeSaleCommitted},
		{domain.SagaAborted, EventTypeSaleAborted},
		{domain.SagaCompensatedFailure, EventTypeSaleCompensated},
		{domain.SagaUncompensatedFailure, EventTypeSaleCompensationFailed},
	}
	for _, tt := range tests {
		if got := EventTypeForOutcome(tt.outcome); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.outcome, tt.want, got)
		}
	}
}
