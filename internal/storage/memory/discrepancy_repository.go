package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

// DiscrepancyRepository — in-memory журнал неудачных компенсаций.
type DiscrepancyRepository struct {
	mu      sync.RWMutex
	entries []domain.Discrepancy
}

// NewDiscrepancyRepository создаёт пустой журнал.
func NewDiscrepancyRepository() *DiscrepancyRepository {
	return &DiscrepancyRepository{}
}

func (r *DiscrepancyRepository) Record(_ context.Context, d domain.Discrepancy) (domain.Discrepancy, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.Deltas = append([]domain.InventoryDelta(nil), d.Deltas...)

	r.mu.Lock()
	r.entries = append(r.entries, d)
	r.mu.Unlock()
	return d, nil
}

// ListByShop возвращает записи магазина, новые первыми.
func (r *DiscrepancyRepository) ListByShop(_ context.Context, shopID int64, limit int) ([]domain.Discrepancy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Discrepancy, 0)
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].ShopID != shopID {
			continue
		}
		entry := r.entries[i]
		entry.Deltas = append([]domain.InventoryDelta(nil), entry.Deltas...)
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

var _ domain.DiscrepancyRepository = (*DiscrepancyRepository)(nil)
