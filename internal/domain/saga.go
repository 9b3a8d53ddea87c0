package domain

import "time"

// SagaStep задаёт константы шагов для метрик/логов.
type SagaStep string

const (
	SagaStepVerifyShift SagaStep = "verify_shift"
	SagaStepResolveShop SagaStep = "resolve_shop"
	SagaStepInventory   SagaStep = "apply_inventory"
	SagaStepPersist     SagaStep = "persist_receipt"
	SagaStepCompensate  SagaStep = "compensate_inventory"
)

// SagaOutcome описывает итог саги продажи.
type SagaOutcome string

const (
	// чек сохранён, остатки списаны
	SagaCommitted SagaOutcome = "committed"
	// остановлена до изменения остатков, компенсация не нужна
	SagaAborted SagaOutcome = "aborted"
	// чек не сохранён, остатки возвращены
	SagaCompensatedFailure SagaOutcome = "compensated_failure"
	// чек не сохранён и остатки не возвращены, нужна ручная сверка
	SagaUncompensatedFailure SagaOutcome = "uncompensated_failure"
)

// CompensationStep возвращает остаток одной позиции.
type CompensationStep struct {
	ItemID     int64
	CountDelta float64
}

// CompensationPlan — упорядоченный список обратных операций, построенный после
// успешного списания остатков.
type CompensationPlan struct {
	Steps []CompensationStep
}

// NewCompensationPlan инвертирует применённые изменения остатков.
func NewCompensationPlan(applied []InventoryDelta) CompensationPlan {
	steps := make([]CompensationStep, 0, len(applied))
	for _, delta := range applied {
		steps = append(steps, CompensationStep{ItemID: delta.ItemID, CountDelta: -delta.CountDelta})
	}
	return CompensationPlan{Steps: steps}
}

// Empty сообщает, нечего ли компенсировать.
func (p CompensationPlan) Empty() bool {
	return len(p.Steps) == 0
}

// Deltas возвращает план в виде батча для сервиса склада.
func (p CompensationPlan) Deltas() []InventoryDelta {
	deltas := make([]InventoryDelta, 0, len(p.Steps))
	for _, step := range p.Steps {
		deltas = append(deltas, InventoryDelta{ItemID: step.ItemID, CountDelta: step.CountDelta})
	}
	return deltas
}

// SagaResult — единый результат саги. Err хранит исходную ошибку шага,
// CompensationErr заполняется только для SagaUncompensatedFailure.
type SagaResult struct {
	SagaID          string
	Outcome         SagaOutcome
	Receipt         ReceiptRecord
	Err             error
	CompensationErr error
	Plan            CompensationPlan
	FailedStep      SagaStep
	Duration        time.Duration
}

// Succeeded сообщает, был ли чек сохранён.
func (r SagaResult) Succeeded() bool {
	return r.Outcome == SagaCommitted
}

// Discrepancy — запись о неудачной компенсации для ручной сверки остатков.
type Discrepancy struct {
	ID                string           `json:"id"`
	SagaID            string           `json:"saga_id"`
	ShopID            int64            `json:"shop_id"`
	UserID            int64            `json:"user_id"`
	Deltas            []InventoryDelta `json:"deltas"`
	PersistError      string           `json:"persist_error"`
	CompensationError string           `json:"compensation_error"`
	CreatedAt         time.Time        `json:"created_at"`
}
