package market

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"portfolio-realtime/internal/models"
)

// SimulatedProvider produces a deterministic random walk per symbol. It is
// meant for development without provider credentials.
type SimulatedProvider struct {
	mu         sync.Mutex
	rng        *rand.Rand
	open       map[string]float64
	last       map[string]float64
	volatility float64
	now        func() time.Time
}

// NewSimulatedProvider creates a simulator. The same seed yields the same walk.
func NewSimulatedProvider(seed int64) *SimulatedProvider {
	return &SimulatedProvider{
		rng:        rand.New(rand.NewSource(seed)),
		open:       make(map[string]float64),
		last:       make(map[string]float64),
		volatility: 0.01,
		now:        time.Now,
	}
}

// Name implements Provider.
func (p *SimulatedProvider) Name() string { return "sim" }

// Quotes implements Provider.
func (p *SimulatedProvider) Quotes(_ context.Context, symbols []string) ([]models.MarketDataPoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]models.MarketDataPoint, 0, len(symbols))
	for _, s := range symbols {
		open, ok := p.open[s]
		if !ok {
			open = startingPrice(s)
			p.open[s] = open
			p.last[s] = open
		}
		price := p.last[s] * (1 + p.rng.NormFloat64()*p.volatility)
		price = math.Max(0.01, math.Round(price*100)/100)
		p.last[s] = price

		change := price - open
		out = append(out, models.MarketDataPoint{
			Symbol:        s,
			Price:         price,
			Change:        change,
			ChangePercent: change / open * 100,
			Volume:        int64(1e5 + p.rng.Intn(9e5)),
			Timestamp:     now,
			Source:        p.Name(),
		})
	}
	return out, nil
}

// startingPrice derives a stable price in [20, 520) from the symbol.
func startingPrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 20 + float64(h.Sum32()%50000)/100
}

// History implements HistoryProvider with a daily walk ending at the
// symbol's starting price. Each symbol gets its own stable daily volatility
// between 1% and 3%, so repeated calls return the same series.
func (p *SimulatedProvider) History(_ context.Context, symbol string, days int) ([]models.MarketDataPoint, error) {
	if days <= 0 {
		days = 30
	}
	h := fnv.New64a()
	h.Write([]byte(symbol))
	seed := int64(h.Sum64())
	rng := rand.New(rand.NewSource(seed))
	daily := 0.01 + float64(uint64(seed)%200)/10000

	closes := make([]float64, days)
	closes[days-1] = startingPrice(symbol)
	for i := days - 2; i >= 0; i-- {
		closes[i] = math.Max(0.01, closes[i+1]/(1+rng.NormFloat64()*daily))
	}

	end := p.now().UTC().Truncate(24 * time.Hour)
	out := make([]models.MarketDataPoint, days)
	for i, c := range closes {
		out[i] = models.MarketDataPoint{
			Symbol:    symbol,
			Price:     math.Round(c*100) / 100,
			Timestamp: end.AddDate(0, 0, i-days+1),
			Source:    p.Name(),
		}
	}
	return out, nil
}
