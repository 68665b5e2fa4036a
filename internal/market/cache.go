package market

import (
	"sort"
	"sync"

	"portfolio-realtime/internal/models"
)

// DefaultHistorySize is the number of ticks kept per symbol.
const DefaultHistorySize = 100

// PriceCache holds the latest tick and a bounded rolling history per symbol.
// It is registered first on the Hub so later consumers read fresh prices.
type PriceCache struct {
	mu      sync.RWMutex
	size    int
	latest  map[string]models.MarketDataPoint
	history map[string][]models.MarketDataPoint
}

// NewPriceCache creates a cache keeping historySize ticks per symbol.
func NewPriceCache(historySize int) *PriceCache {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &PriceCache{
		size:    historySize,
		latest:  make(map[string]models.MarketDataPoint),
		history: make(map[string][]models.MarketDataPoint),
	}
}

// OnTick implements stream.Consumer.
func (c *PriceCache) OnTick(tick models.MarketDataPoint) {
	c.Put(tick)
}

// Symbols implements stream.Consumer; the cache wants every tick.
func (c *PriceCache) Symbols() []string { return nil }

// Put records a tick. Ticks older than the cached latest are kept in history
// but do not replace the latest price.
func (c *PriceCache) Put(tick models.MarketDataPoint) {
	if tick.Symbol == "" || tick.Price <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.latest[tick.Symbol]; !ok || !tick.Timestamp.Before(cur.Timestamp) {
		c.latest[tick.Symbol] = tick
	}

	h := append(c.history[tick.Symbol], tick)
	if len(h) > c.size {
		h = h[len(h)-c.size:]
	}
	c.history[tick.Symbol] = h
}

// Latest returns the most recent tick for symbol.
func (c *PriceCache) Latest(symbol string) (models.MarketDataPoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.latest[symbol]
	return t, ok
}

// Price returns the latest price for symbol.
func (c *PriceCache) Price(symbol string) (float64, bool) {
	t, ok := c.Latest(symbol)
	return t.Price, ok
}

// Snapshot returns the latest ticks for symbols that are cached.
func (c *PriceCache) Snapshot(symbols []string) map[string]models.MarketDataPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]models.MarketDataPoint, len(symbols))
	for _, s := range symbols {
		if t, ok := c.latest[s]; ok {
			out[s] = t
		}
	}
	return out
}

// History returns up to n cached ticks for symbol, oldest first. n <= 0 returns all.
func (c *PriceCache) History(symbol string, n int) []models.MarketDataPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h := c.history[symbol]
	if n > 0 && n < len(h) {
		h = h[len(h)-n:]
	}
	out := make([]models.MarketDataPoint, len(h))
	copy(out, h)
	return out
}

// Closes extracts the prices of series in order.
func Closes(series []models.MarketDataPoint) []float64 {
	out := make([]float64, len(series))
	for i, t := range series {
		out[i] = t.Price
	}
	return out
}

// AverageVolume returns the mean volume of the ticks before the latest one
// and how many ticks it was computed from.
func (c *PriceCache) AverageVolume(symbol string) (float64, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h := c.history[symbol]
	if len(h) < 2 {
		return 0, 0
	}
	prior := h[:len(h)-1]
	var sum float64
	for _, t := range prior {
		sum += float64(t.Volume)
	}
	return sum / float64(len(prior)), len(prior)
}

// CachedSymbols returns every symbol with a cached price.
func (c *PriceCache) CachedSymbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.latest))
	for s := range c.latest {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
