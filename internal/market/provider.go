// Package market ingests market data: provider adapters, the polling feed
// with retry and fallback, and the price cache read by the analyzer.
package market

import (
	"context"
	"strings"
	"time"

	"portfolio-realtime/internal/models"
)

// Provider fetches current quotes on demand.
type Provider interface {
	Name() string
	Quotes(ctx context.Context, symbols []string) ([]models.MarketDataPoint, error)
}

// HistoryProvider can also return a daily series.
type HistoryProvider interface {
	Provider
	History(ctx context.Context, symbol string, days int) ([]models.MarketDataPoint, error)
}

// PushProvider delivers ticks as they arrive until ctx is done.
type PushProvider interface {
	Name() string
	Run(ctx context.Context, publish func(models.MarketDataPoint)) error
}

// normalize uppercases the symbol and fills timestamp and source.
func normalize(tick models.MarketDataPoint, source string, now time.Time) models.MarketDataPoint {
	tick.Symbol = strings.ToUpper(strings.TrimSpace(tick.Symbol))
	if tick.Timestamp.IsZero() {
		tick.Timestamp = now
	}
	if tick.Source == "" {
		tick.Source = source
	}
	if tick.Change == 0 && tick.ChangePercent != 0 && tick.Price != 0 {
		prev := tick.Price / (1 + tick.ChangePercent/100)
		tick.Change = tick.Price - prev
	}
	return tick
}
