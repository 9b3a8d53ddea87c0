package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

type AccountClient struct {
	client *Client
}

// NewAccountClient создаёт клиента сервиса аккаунтов.
func NewAccountClient(baseURL string, opts ...Option) *AccountClient {
	return &AccountClient{client: NewClient("account", baseURL, opts...)}
}

// GetUser возвращает пользователя по id.
func (c *AccountClient) GetUser(ctx context.Context, userID int64) (domain.User, error) {
	var user domain.User
	path := "/user/" + strconv.FormatInt(userID, 10)
	if err := c.client.call(ctx, http.MethodGet, path, nil, nil, http.StatusOK, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

type ShopClient struct {
	client *Client
}

// NewShopClient создаёт клиента сервиса магазинов.
func NewShopClient(baseURL string, opts ...Option) *ShopClient {
	return &ShopClient{client: NewClient("shop", baseURL, opts...)}
}

// GetShop возвращает магазин вместе с owner_id.
func (c *ShopClient) GetShop(ctx context.Context, shopID int64) (domain.Shop, error) {
	var shop domain.Shop
	path := "/shop/" + strconv.FormatInt(shopID, 10)
	if err := c.client.call(ctx, http.MethodGet, path, nil, nil, http.StatusOK, &shop); err != nil {
		return domain.Shop{}, err
	}
	return shop, nil
}

type InventoryClient struct {
	client *Client
}

// NewInventoryClient создаёт клиента сервиса товаров.
func NewInventoryClient(baseURL string, opts ...Option) *InventoryClient {
	return &InventoryClient{client: NewClient("inventory", baseURL, opts...)}
}

// ApplyDeltas применяет батч изменений остатков одним PUT-запросом.
func (c *InventoryClient) ApplyDeltas(ctx context.Context, shopID int64, deltas []domain.InventoryDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	query := url.Values{"shop_id": []string{strconv.FormatInt(shopID, 10)}}
	return c.client.call(ctx, http.MethodPut, "/item/update_counts", query, deltas, http.StatusOK, nil)
}

// ReportClient — клиент сервиса отчётов: смены, чеки, Z-отчёты.
type ReportClient struct {
	client *Client
}

// NewReportClient создаёт клиента сервиса отчётов.
func NewReportClient(baseURL string, opts ...Option) *ReportClient {
	return &ReportClient{client: NewClient("report", baseURL, opts...)}
}

// OpenShift возвращает открытую смену магазина.
// 404 (нет открытых смен) оборачивается в ErrNotFound, 400 (больше одной) — в ErrConflict;
// исходный ответ сохраняется в цепочке как RemoteServiceError.
func (c *ReportClient) OpenShift(ctx context.Context, shopID int64) (domain.Shift, error) {
	path := "/shop/" + strconv.FormatInt(shopID, 10) + "/shift"
	result, err := c.client.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return domain.Shift{}, err
	}

	switch result.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return domain.Shift{}, errors.Join(domain.ErrNotFound, c.client.Expect(result, http.StatusOK))
	case http.StatusBadRequest:
		return domain.Shift{}, errors.Join(domain.ErrConflict, c.client.Expect(result, http.StatusOK))
	default:
		return domain.Shift{}, c.client.Expect(result, http.StatusOK)
	}

	var shift domain.Shift
	if err := result.Decode(&shift); err != nil {
		return domain.Shift{}, fmt.Errorf("%w: decode shift: %v", domain.ErrRemoteService, err)
	}
	return shift, nil
}

type createReceiptResponse struct {
	Message      string `json:"message"`
	ID           string `json:"id"`
	FiscalNumber int64  `json:"fn"`
}

// CreateReceipt сохраняет чек. Необратимый шаг саги.
func (c *ReportClient) CreateReceipt(ctx context.Context, shopID, userID int64, doc domain.ReceiptDocument) (domain.ReceiptRecord, error) {
	path := "/shop/" + strconv.FormatInt(shopID, 10) + "/receipt"
	query := url.Values{"user_id": []string{strconv.FormatInt(userID, 10)}}

	var resp createReceiptResponse
	if err := c.client.call(ctx, http.MethodPost, path, query, doc, http.StatusCreated, &resp); err != nil {
		return domain.ReceiptRecord{}, err
	}
	if resp.ID == "" {
		return domain.ReceiptRecord{}, fmt.Errorf("%w: report service returned empty receipt id", domain.ErrRemoteService)
	}
	return domain.ReceiptRecord{ID: resp.ID, FiscalNumber: resp.FiscalNumber}, nil
}

// GetReceipt возвращает сохранённый чек.
func (c *ReportClient) GetReceipt(ctx context.Context, shopID int64, receiptID string) (domain.ReceiptNotification, error) {
	path := "/shop/" + strconv.FormatInt(shopID, 10) + "/receipt/" + url.PathEscape(receiptID)

	var receipt domain.ReceiptNotification
	if err := c.client.call(ctx, http.MethodGet, path, nil, nil, http.StatusOK, &receipt); err != nil {
		return domain.ReceiptNotification{}, err
	}
	return receipt, nil
}

// GetZReport возвращает Z-отчёт по фискальному номеру.
func (c *ReportClient) GetZReport(ctx context.Context, fiscalNumber int64) (domain.ReportNotification, error) {
	path := "/report/z/" + strconv.FormatInt(fiscalNumber, 10)

	var report domain.ReportNotification
	if err := c.client.call(ctx, http.MethodGet, path, nil, nil, http.StatusOK, &report); err != nil {
		return domain.ReportNotification{}, err
	}
	return report, nil
}

var (
	_ domain.AccountService     = (*AccountClient)(nil)
	_ domain.ShopService        = (*ShopClient)(nil)
	_ domain.InventoryService   = (*InventoryClient)(nil)
	_ domain.ShiftService       = (*ReportClient)(nil)
	_ domain.ReceiptStore       = (*ReportClient)(nil)
	_ domain.NotificationSource = (*ReportClient)(nil)
)
