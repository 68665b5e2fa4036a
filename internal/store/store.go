// Package store provides portfolio persistence and the TTL state store used
// for connection records, subscriptions and analysis replay.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"portfolio-realtime/internal/models"
)

// ErrNotFound is returned when a state key is missing or expired.
var ErrNotFound = errors.New("key not found")

// PortfolioStore persists portfolio definitions and alert configurations.
type PortfolioStore interface {
	// Portfolios
	CreatePortfolio(ctx context.Context, p *models.Portfolio) error
	GetPortfolio(ctx context.Context, id string) (*models.Portfolio, error)
	ListPortfolios(ctx context.Context, userID string) ([]*models.Portfolio, error)
	UpdatePortfolio(ctx context.Context, p *models.Portfolio) error
	DeletePortfolio(ctx context.Context, id string) error

	// Alert configurations
	SaveAlertConfig(ctx context.Context, cfg *models.AlertConfig) error
	GetAlertConfig(ctx context.Context, id string) (*models.AlertConfig, error)
	ListAlertConfigs(ctx context.Context, portfolioID string) ([]models.AlertConfig, error)

	// Lifecycle
	Close() error
}

// StateStore is a key/value store with per-key TTL and bounded lists.
// A zero TTL means the entry never expires.
type StateStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)

	// PushFront prepends value to the list at key, trims it to max entries
	// and refreshes the list TTL.
	PushFront(ctx context.Context, key string, value []byte, max int, ttl time.Duration) error
	// Range returns up to limit list entries, newest first. limit <= 0 returns all.
	Range(ctx context.Context, key string, limit int) ([][]byte, error)
	// RemoveFromList deletes list entries for which match returns true.
	RemoveFromList(ctx context.Context, key string, match func([]byte) bool) (int, error)
}

// ConnectionKey is the state key of a persisted ConnectionInfo.
func ConnectionKey(connectionID string) string { return "conn:" + connectionID }

// SubscriptionsKey is the state key of a user's persisted symbol set.
func SubscriptionsKey(userID string) string { return "subs:" + userID }

// AlertsKey is the state key of a portfolio's alert list.
func AlertsKey(portfolioID string) string { return "alerts:" + portfolioID }

// InsightsKey is the state key of a portfolio's latest insights.
func InsightsKey(portfolioID string) string { return "insights:" + portfolioID }

// RecommendationsKey is the state key of a portfolio's latest recommendations.
func RecommendationsKey(portfolioID string) string { return "recommendations:" + portfolioID }

// AnalysisKey is the state key of a portfolio's latest analysis result.
func AnalysisKey(portfolioID string) string { return "analysis:" + portfolioID }

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s StateStore, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// GetJSON loads key and decodes it into v.
func GetJSON(ctx context.Context, s StateStore, key string, v interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// PushJSON encodes v and prepends it to the list at key.
func PushJSON(ctx context.Context, s StateStore, key string, v interface{}, max int, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.PushFront(ctx, key, data, max, ttl)
}
