// Package auth проверяет JWT, выданные сервисом аккаунтов, и ведёт список отозванных токенов.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

const blocklistPrefix = "jwt:blocklist:"

var (
	// ErrInvalidToken — подпись, формат или срок токена не прошли проверку.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenRevoked — токен отозван через logout.
	ErrTokenRevoked = errors.New("token has been revoked")
)

// Claims — поля токена: sub содержит id пользователя.
type Claims struct {
	IsOwner bool   `json:"is_owner"`
	ShopID  int64  `json:"shop_id"`
	Type    string `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// UserID возвращает id пользователя из sub.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: subject %q is not a user id", ErrInvalidToken, c.Subject)
	}
	return id, nil
}

// IsStaff сообщает, работает ли пользователь в магазине shopID.
func (c *Claims) IsStaff(shopID int64) bool {
	return c.ShopID == shopID
}

// IsShopOwner сообщает, владеет ли пользователь магазином shopID.
func (c *Claims) IsShopOwner(shopID int64) bool {
	return c.IsStaff(shopID) && c.IsOwner
}

// Manager проверяет HS256-токены и хранит отозванные jti в Dedup Store.
type Manager struct {
	secret    []byte
	blocklist domain.DedupStore
	// revokeTTL — сколько хранить отозванный jti: не меньше срока жизни любого токена.
	revokeTTL time.Duration
}

// NewManager создаёт Manager. revokeTTL обычно max(access, refresh).
func NewManager(secret string, blocklist domain.DedupStore, revokeTTL time.Duration) *Manager {
	return &Manager{
		secret:    []byte(secret),
		blocklist: blocklist,
		revokeTTL: revokeTTL,
	}
}

// Parse проверяет подпись и срок токена.
func (m *Manager) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.UserID(); err != nil {
		return nil, err
	}
	return claims, nil
}

// Authenticate разбирает токен и проверяет, что он не отозван.
func (m *Manager) Authenticate(ctx context.Context, token string) (*Claims, error) {
	claims, err := m.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return claims, nil
	}

	revoked, err := m.blocklist.Exists(ctx, blocklistPrefix+claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check token blocklist: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Revoke заносит jti токена в blocklist.
func (m *Manager) Revoke(ctx context.Context, claims *Claims) error {
	if claims == nil || claims.ID == "" {
		return fmt.Errorf("%w: token has no jti", ErrInvalidToken)
	}
	if err := m.blocklist.Set(ctx, blocklistPrefix+claims.ID, m.revokeTTL); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}
