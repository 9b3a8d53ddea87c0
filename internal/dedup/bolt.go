package dedup

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

const boltBucket = "dedup"

// BoltStore — встраиваемый Dedup Store для одного узла.
// Значение ключа — момент истечения в unix-наносекундах, 0 означает бессрочно.
// Транзакции Update в bolt сериализованы, поэтому Claim атомарен.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt открывает (или создаёт) файл базы.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt bucket: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close освобождает блокировку файла.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = s.alive(tx.Bucket([]byte(boltBucket)).Get([]byte(key)))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("bolt exists %s: %w", key, err)
	}
	return found, nil
}

func (s *BoltStore) Set(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(key), s.expiry(ttl))
	})
	if err != nil {
		return fmt.Errorf("bolt set %s: %w", key, err)
	}
	return nil
}

func (s *BoltStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var claimed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if s.alive(b.Get([]byte(key))) {
			return nil
		}
		claimed = true
		return b.Put([]byte(key), s.expiry(ttl))
	})
	if err != nil {
		return false, fmt.Errorf("bolt claim %s: %w", key, err)
	}
	return claimed, nil
}

func (s *BoltStore) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("bolt release %s: %w", key, err)
	}
	return nil
}

func (s *BoltStore) expiry(ttl time.Duration) []byte {
	buf := make([]byte, 8)
	if ttl > 0 {
		binary.BigEndian.PutUint64(buf, uint64(s.now().Add(ttl).UnixNano()))
	}
	return buf
}

func (s *BoltStore) alive(value []byte) bool {
	if value == nil {
		return false
	}
	if len(value) != 8 {
		return true
	}
	expiresAt := int64(binary.BigEndian.Uint64(value))
	return expiresAt == 0 || s.now().UnixNano() < expiresAt
}

var _ domain.DedupStore = (*BoltStore)(nil)
