package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

// Envelope — тело записи в топике: метаданные outbox и исходный payload события.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// TopicPublisher публикует сообщения outbox в один топик.
// Ключ записи — id саги, поэтому события одной продажи идут в одну партицию.
type TopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт publisher; пустой topic означает TopicSaleEvents.
func NewOutboxPublisher(producer *Producer, topic string) *TopicPublisher {
	if topic == "" {
		topic = TopicSaleEvents
	}
	return &TopicPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *TopicPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errors.New("kafka publisher has no producer")
	}

	rec, err := p.record(msg)
	if err != nil {
		return err
	}
	return p.producer.Send(ctx, rec)
}

func (p *TopicPublisher) record(msg domain.OutboxMessage) (Record, error) {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	value, err := json.Marshal(Envelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   p.now(),
	})
	if err != nil {
		return Record{}, fmt.Errorf("encode outbox message %s: %w", msg.ID, err)
	}

	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}
	headers := map[string]string{HeaderMessageID: msg.ID}
	if msg.EventType != "" {
		headers[HeaderEventType] = msg.EventType
	}
	return Record{Topic: p.topic, Key: key, Headers: headers, Value: value}, nil
}

var _ domain.OutboxPublisher = (*TopicPublisher)(nil)
