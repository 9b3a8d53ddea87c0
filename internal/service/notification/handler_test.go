package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
	"github.com/vladislavdragonenkov/ostrich/internal/storage/memory"
)

const receiptBody = `{
	"_id": "R123",
	"items": [{"id": 1, "item_name": "Milk", "type": "COMMODITY", "count": 2, "price": "10.00"}],
	"seller": {"id": 7, "username": "seller", "email": "s@shop.ua", "shop_id": 1, "surname": "Shevchenko", "name": "Taras", "lastname": "H"},
	"shop": {"id": 1, "name": "Ostrich", "legal_entity": "LLC Ostrich", "address": "Kyiv"},
	"sum": "20.00",
	"datetime": "2024-03-05T14:07:09",
	"sell_type": "CASH",
	"fn": 42,
	"receiver_email": "buyer@example.com"
}`

type stubMailer struct {
	mu    sync.Mutex
	sent  []domain.Email
	err   error
	block chan struct{}
	began chan struct{}
}

func (m *stubMailer) Send(ctx context.Context, email domain.Email) error {
	if m.began != nil {
		m.began <- struct{}{}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, email)
	return nil
}

func (m *stubMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// spyDedup считает вызовы поверх in-memory store и умеет отдавать ошибки.
type spyDedup struct {
	*memory.DedupStore

	mu        sync.Mutex
	sets      []string
	existsErr error
	setErr    error
}

func newSpyDedup() *spyDedup {
	return &spyDedup{DedupStore: memory.NewDedupStore()}
}

func (s *spyDedup) Exists(ctx context.Context, key string) (bool, error) {
	if s.existsErr != nil {
		return false, s.existsErr
	}
	return s.DedupStore.Exists(ctx, key)
}

func (s *spyDedup) Set(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	s.sets = append(s.sets, key)
	s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	return s.DedupStore.Set(ctx, key, ttl)
}

func (s *spyDedup) setCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sets...)
}

func newTestHandler(dedup domain.DedupStore, mailer domain.Mailer) *Handler {
	return NewHandler(dedup, mailer, MustNewRenderer(), WithDedupTTL(time.Hour))
}

func TestHandler_SendsOnceAndMarksDelivered(t *testing.T) {
	dedup := newSpyDedup()
	mailer := &stubMailer{}
	h := newTestHandler(dedup, mailer)

	if got := h.Handle(context.Background(), domain.QueueReceipts, []byte(receiptBody)); got != domain.DecisionAck {
		t.Fatalf("expected ack, got %s", got)
	}
	if mailer.count() != 1 {
		t.Fatalf("expected one email, got %d", mailer.count())
	}
	if email := mailer.sent[0]; email.To != "buyer@example.com" || email.Subject != "Чек у Ostrich №R123" {
		t.Fatalf("unexpected email: %+v", email)
	}
	if sets := dedup.setCalls(); len(sets) != 1 || sets[0] != "receipt:R123" {
		t.Fatalf("unexpected dedup writes: %v", sets)
	}

	// повторная доставка той же копии
	if got := h.Handle(context.Background(), domain.QueueReceipts, []byte(receiptBody)); got != domain.DecisionReject {
		t.Fatalf("expected reject for duplicate, got %s", got)
	}
	if mailer.count() != 1 {
		t.Fatalf("duplicate must not be mailed, got %d emails", mailer.count())
	}
	if claimed, _ := dedup.DedupStore.Exists(context.Background(), claimKeyPrefix+"receipt:R123"); claimed {
		t.Fatal("claim must be released after send")
	}
}

func TestHandler_AlreadyDeliveredIsRejectedWithoutSet(t *testing.T) {
	dedup := newSpyDedup()
	if err := dedup.DedupStore.Set(context.Background(), "receipt:R123", 0); err != nil {
		t.Fatalf("seed dedup: %v", err)
	}
	mailer := &stubMailer{}
	h := newTestHandler(dedup, mailer)

	if got := h.Handle(context.Background(), domain.QueueReceipts, []byte(receiptBody)); got != domain.DecisionReject {
		t.Fatalf("expected reject, got %s", got)
	}
	if mailer.count() != 0 {
		t.Fatalf("expected no email, got %d", mailer.count())
	}
	if sets := dedup.setCalls(); len(sets) != 0 {
		t.Fatalf("dedup key must not be re-set, got %v", sets)
	}
}

func TestHandler_ConcurrentCopiesSendOneEmail(t *testing.T) {
	dedup := newSpyDedup()
	mailer := &stubMailer{block: make(chan struct{}), began: make(chan struct{}, 2)}
	h := newTestHandler(dedup, mailer)

	first := make(chan domain.DeliveryDecision, 1)
	go func() {
		first <- h.Handle(context.Background(), domain.QueueReceipts, []byte(receiptBody))
	}()
	<-mailer.began

	// вторая копия приходит, пока первая ещё отправляется
	if got := h.Handle(context.Background(), domain.QueueReceipts, []byte(receiptBody)); got != domain.DecisionRequeue {
		t.Fatalf("expected requeue while another worker holds the claim, got %s", got)
	}

	close(mailer.block)
	if got := <-first; got != domain.DecisionAck {
		t.Fatalf("expected first copy to be acked, got %s", got)
	}

	// брокер возвращает вторую копию
	if got := h.Handle(context.Background(), domain.QueueReceipts, []byte(receiptBody)); got != domain.DecisionReject {
		t.Fatalf("expected redelivered copy to be rejected, got %s", got)
	}
	if mailer.count() != 1 {
		t.Fatalf("expected exactly one email, got %d", mailer.count())
	}
}

func TestHandler_Decisions(t *testing.T) {
	tests := []struct {
		name      string
		queue     string
		body      string
		mailerErr error
		existsErr error
		want      domain.DeliveryDecision
		wantMails int
		wantSets  int
	}{
		{name: "unknown queue", queue: "task_queue", body: receiptBody, want: domain.DecisionReject},
		{name: "malformed json", queue: domain.QueueReceipts, body: `{"_id":`, want: domain.DecisionReject},
		{name: "missing id", queue: domain.QueueReceipts, body: `{"receiver_email":"a@b.c"}`, want: domain.DecisionReject},
		{name: "missing recipient", queue: domain.QueueReports, body: `{"fn": 5}`, want: domain.DecisionReject},
		{name: "send failure requeues", queue: domain.QueueReceipts, body: receiptBody, mailerErr: errors.New("smtp down"), want: domain.DecisionRequeue},
		{name: "dedup unavailable requeues", queue: domain.QueueReceipts, body: receiptBody, existsErr: errors.New("redis down"), want: domain.DecisionRequeue},
		{
			name:      "report is sent",
			queue:     domain.QueueReports,
			body:      `{"fn": 5, "datetime": "2024-03-05T21:00:00", "sum": "100.00", "receiver_email": "owner@shop.ua"}`,
			want:      domain.DecisionAck,
			wantMails: 1,
			wantSets:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dedup := newSpyDedup()
			dedup.existsErr = tt.existsErr
			mailer := &stubMailer{err: tt.mailerErr}
			h := newTestHandler(dedup, mailer)

			if got := h.Handle(context.Background(), tt.queue, []byte(tt.body)); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
			if mailer.count() != tt.wantMails {
				t.Fatalf("expected %d emails, got %d", tt.wantMails, mailer.count())
			}
			if got := len(dedup.setCalls()); got != tt.wantSets {
				t.Fatalf("expected %d dedup writes, got %d", tt.wantSets, got)
			}
		})
	}
}

func TestHandler_SendFailureReleasesClaim(t *testing.T) {
	dedup := newSpyDedup()
	mailer := &stubMailer{err: errors.New("smtp down")}
	h := newTestHandler(dedup, mailer)

	if got := h.Handle(context.Background(), domain.QueueReceipts, []byte(receiptBody)); got != domain.DecisionRequeue {
		t.Fatalf("expected requeue, got %s", got)
	}

	mailer.err = nil
	if got := h.Handle(context.Background(), domain.QueueReceipts, []byte(receiptBody)); got != domain.DecisionAck {
		t.Fatalf("expected redelivery to succeed after release, got %s", got)
	}
	if mailer.count() != 1 {
		t.Fatalf("expected one email, got %d", mailer.count())
	}
}

func TestHandler_DedupWriteFailureStillAcks(t *testing.T) {
	dedup := newSpyDedup()
	dedup.setErr = errors.New("redis down")
	mailer := &stubMailer{}
	h := newTestHandler(dedup, mailer)

	if got := h.Handle(context.Background(), domain.QueueReceipts, []byte(receiptBody)); got != domain.DecisionAck {
		t.Fatalf("sent email must be acked, got %s", got)
	}
}
