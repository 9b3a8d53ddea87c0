package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

const defaultDiscrepancyLimit = 50

type DiscrepancyRepository struct {
	db *sql.DB
}

// NewDiscrepancyRepository создаёт PostgreSQL-журнал расхождений остатков.
func NewDiscrepancyRepository(store *Store) *DiscrepancyRepository {
	return &DiscrepancyRepository{db: store.DB()}
}

func (r *DiscrepancyRepository) Record(ctx context.Context, d domain.Discrepancy) (domain.Discrepancy, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	deltas, err := json.Marshal(d.Deltas)
	if err != nil {
		return domain.Discrepancy{}, fmt.Errorf("marshal discrepancy deltas: %w", err)
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO inventory_discrepancies (
			id, saga_id, shop_id, user_id, deltas, persist_error, compensation_error, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		d.ID, d.SagaID, d.ShopID, d.UserID, deltas, d.PersistError, d.CompensationError, d.CreatedAt,
	)
	if err != nil {
		return domain.Discrepancy{}, fmt.Errorf("insert inventory discrepancy: %w", err)
	}

	return d, nil
}

func (r *DiscrepancyRepository) ListByShop(ctx context.Context, shopID int64, limit int) ([]domain.Discrepancy, error) {
	if limit <= 0 {
		limit = defaultDiscrepancyLimit
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, saga_id, shop_id, user_id, deltas, persist_error, compensation_error, created_at
		FROM inventory_discrepancies
		WHERE shop_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, shopID, limit)
	if err != nil {
		return nil, fmt.Errorf("list inventory discrepancies: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Discrepancy, 0)
	for rows.Next() {
		var (
			d      domain.Discrepancy
			deltas []byte
		)
		if err := rows.Scan(
			&d.ID,
			&d.SagaID,
			&d.ShopID,
			&d.UserID,
			&deltas,
			&d.PersistError,
			&d.CompensationError,
			&d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan inventory discrepancy: %w", err)
		}
		if err := json.Unmarshal(deltas, &d.Deltas); err != nil {
			return nil, fmt.Errorf("decode discrepancy %s deltas: %w", d.ID, err)
		}
		d.CreatedAt = d.CreatedAt.UTC()
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate discrepancy rows: %w", err)
	}

	return result, nil
}

var _ domain.DiscrepancyRepository = (*DiscrepancyRepository)(nil)
