package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

// DedupStore — in-memory Dedup Store для dev-окружения и тестов.
type DedupStore struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewDedupStore создаёт пустое хранилище.
func NewDedupStore() *DedupStore {
	return &DedupStore{keys: make(map[string]time.Time), now: time.Now}
}

func (s *DedupStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveLocked(key), nil
}

func (s *DedupStore) Set(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = s.expiry(ttl)
	return nil
}

func (s *DedupStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aliveLocked(key) {
		return false, nil
	}
	s.keys[key] = s.expiry(ttl)
	return true, nil
}

func (s *DedupStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

func (s *DedupStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *DedupStore) aliveLocked(key string) bool {
	expiresAt, ok := s.keys[key]
	if !ok {
		return false
	}
	if expiresAt.IsZero() || s.now().Before(expiresAt) {
		return true
	}
	delete(s.keys, key)
	return false
}

var _ domain.DedupStore = (*DedupStore)(nil)
