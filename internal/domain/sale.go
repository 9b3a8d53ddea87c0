package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ItemType определяет, влияет ли позиция на складской остаток.
type ItemType string

const (
	ItemTypeCommodity ItemType = "COMMODITY"
	ItemTypeService   ItemType = "SERVICE"
)

type PaymentKind string

const (
	PaymentCash PaymentKind = "CASH"
	PaymentCard PaymentKind = "CARD"
)

// Valid проверяет, что способ оплаты поддерживается.
func (p PaymentKind) Valid() bool {
	return p == PaymentCash || p == PaymentCard
}

type LineItem struct {
	ID       int64    `json:"id"`
	Name     string   `json:"item_name"`
	Type     ItemType `json:"type"`
	Unit     string   `json:"unit,omitempty"`
	Quantity float64  `json:"count"`
	Price    Money    `json:"price"`
	Article  int64    `json:"article,omitempty"`
	BarCode  int64    `json:"bar_code,omitempty"`
}

// Sum возвращает стоимость позиции (количество × цена).
func (i LineItem) Sum() Money {
	return i.Price.MulQuantity(i.Quantity)
}

// SaleRequest описывает продажу, принятую в сагу. После принятия не меняется.
type SaleRequest struct {
	ShopID    int64
	UserID    int64
	Items     []LineItem
	Payment   PaymentKind
	Timestamp time.Time
	// DeclaredSum — сумма, присланная клиентом; 0 означает «не указана».
	DeclaredSum Money
}

// Total возвращает сумму чека по позициям.
func (r SaleRequest) Total() Money {
	var total Money
	for _, item := range r.Items {
		total += item.Sum()
	}
	return total
}

// InventoryDeltas возвращает изменения остатков: -count для каждой COMMODITY позиции.
// SERVICE позиции на склад не влияют.
func (r SaleRequest) InventoryDeltas() []InventoryDelta {
	deltas := make([]InventoryDelta, 0, len(r.Items))
	for _, item := range r.Items {
		if item.Type != ItemTypeCommodity {
			continue
		}
		deltas = append(deltas, InventoryDelta{ItemID: item.ID, CountDelta: -item.Quantity})
	}
	return deltas
}

// ValidateInvariants возвращает список нарушенных инвариантов запроса.
func (r SaleRequest) ValidateInvariants() []error {
	var errs []error

	if r.ShopID <= 0 {
		errs = append(errs, ErrShopIDRequired)
	}
	if r.UserID <= 0 {
		errs = append(errs, ErrUserIDRequired)
	}
	if len(r.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if !r.Payment.Valid() {
		errs = append(errs, ErrPaymentKindInvalid)
	}
	if r.Timestamp.IsZero() {
		errs = append(errs, ErrTimestampRequired)
	}

	for idx, item := range r.Items {
		if item.Quantity <= 0 {
			errs = append(errs, fmt.Errorf("item %d: %w", idx, ErrItemQtyInvalid))
		}
		if item.Price < 0 {
			errs = append(errs, fmt.Errorf("item %d: %w", idx, ErrItemPriceInvalid))
		}
		if item.Type != ItemTypeCommodity && item.Type != ItemTypeService {
			errs = append(errs, fmt.Errorf("item %d: %w", idx, ErrItemTypeInvalid))
		}
	}

	if r.DeclaredSum != 0 && len(errs) == 0 && r.DeclaredSum != r.Total() {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// Validate объединяет нарушения инвариантов в одну ошибку ErrValidation.
func (r SaleRequest) Validate() error {
	errs := r.ValidateInvariants()
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
}

// InventoryDelta задаёт изменение остатка одной позиции.
type InventoryDelta struct {
	ItemID     int64   `json:"id"`
	CountDelta float64 `json:"count_delta"`
}

// User — продавец или владелец магазина, как его возвращает сервис аккаунтов.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsOwner  bool   `json:"is_owner"`
	ShopID   int64  `json:"shop_id"`
	Surname  string `json:"surname"`
	Name     string `json:"name"`
	Lastname string `json:"lastname"`
}

// FullName собирает ФИО для шаблонов писем.
func (u User) FullName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{u.Surname, u.Name, u.Lastname} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

type Shop struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	LegalEntity string `json:"legal_entity"`
	Address     string `json:"address"`
	OwnerID     int64  `json:"owner_id"`
}

// ShopSnapshot — магазин вместе с владельцем, сохраняется в чеке.
type ShopSnapshot struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	LegalEntity string `json:"legal_entity"`
	Address     string `json:"address"`
	Owner       User   `json:"owner"`
}

// NewShopSnapshot заменяет owner_id на объект владельца.
func NewShopSnapshot(shop Shop, owner User) ShopSnapshot {
	return ShopSnapshot{
		ID:          shop.ID,
		Name:        shop.Name,
		LegalEntity: shop.LegalEntity,
		Address:     shop.Address,
		Owner:       owner,
	}
}

type Shift struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	ShopID   int64     `json:"shop_id"`
	Seller   User      `json:"seller"`
	OpenTime Timestamp `json:"open_time"`
}

// ReceiptDocument — чек в том виде, в котором он сохраняется в сервисе отчётов.
type ReceiptDocument struct {
	Items    []LineItem   `json:"items"`
	Seller   User         `json:"seller"`
	Shop     ShopSnapshot `json:"shop"`
	Sum      Money        `json:"sum"`
	Datetime Timestamp    `json:"datetime"`
	SellType PaymentKind  `json:"sell_type"`
}

// ReceiptRecord хранит идентификатор и фискальный номер сохранённого чека.
type ReceiptRecord struct {
	ID           string `json:"id"`
	FiscalNumber int64  `json:"fn"`
}
