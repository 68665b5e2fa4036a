// Package models provides domain models for the realtime portfolio engine.
package models

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketDataPoint is one normalized tick produced by a provider adapter.
type MarketDataPoint struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"changePercent"`
	Volume        int64     `json:"volume"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
}

// RiskTolerance represents a portfolio owner's risk appetite.
type RiskTolerance string

const (
	RiskLow    RiskTolerance = "low"
	RiskMedium RiskTolerance = "medium"
	RiskHigh   RiskTolerance = "high"
)

// Valid reports whether r is a known risk tolerance.
func (r RiskTolerance) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// PortfolioHolding is a portfolio's position in one symbol.
// CurrentValue and Allocation are derived on every valuation pass.
type PortfolioHolding struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AverageCost  decimal.Decimal `json:"averageCost"`
	CurrentValue decimal.Decimal `json:"currentValue"`
	Allocation   float64         `json:"allocation"`
}

// CostBasis returns quantity × average cost.
func (h PortfolioHolding) CostBasis() decimal.Decimal {
	return h.Quantity.Mul(h.AverageCost)
}

// Portfolio is a user's set of holdings with derived valuation state.
type Portfolio struct {
	ID            string             `json:"id"`
	UserID        string             `json:"userId"`
	Name          string             `json:"name"`
	Holdings      []PortfolioHolding `json:"holdings"`
	TotalValue    decimal.Decimal    `json:"totalValue"`
	TotalCost     decimal.Decimal    `json:"totalCost"`
	RiskTolerance RiskTolerance      `json:"riskTolerance"`
	LastUpdated   time.Time          `json:"lastUpdated"`
}

// Clone returns a deep copy of the portfolio.
func (p *Portfolio) Clone() *Portfolio {
	if p == nil {
		return nil
	}
	out := *p
	out.Holdings = make([]PortfolioHolding, len(p.Holdings))
	copy(out.Holdings, p.Holdings)
	return &out
}

// Symbols returns the sorted set of symbols held.
func (p *Portfolio) Symbols() []string {
	seen := make(map[string]struct{}, len(p.Holdings))
	out := make([]string, 0, len(p.Holdings))
	for _, h := range p.Holdings {
		if _, ok := seen[h.Symbol]; ok {
			continue
		}
		seen[h.Symbol] = struct{}{}
		out = append(out, h.Symbol)
	}
	sort.Strings(out)
	return out
}

// HasSymbol reports whether the portfolio holds symbol.
func (p *Portfolio) HasSymbol(symbol string) bool {
	for _, h := range p.Holdings {
		if h.Symbol == symbol {
			return true
		}
	}
	return false
}

// Normalize uppercases symbols and recomputes the total cost.
func (p *Portfolio) Normalize() {
	total := decimal.Zero
	for i := range p.Holdings {
		p.Holdings[i].Symbol = strings.ToUpper(strings.TrimSpace(p.Holdings[i].Symbol))
		total = total.Add(p.Holdings[i].CostBasis())
	}
	p.TotalCost = total
	if p.RiskTolerance == "" {
		p.RiskTolerance = RiskMedium
	}
}

// ConnectionInfo describes one authenticated client connection.
type ConnectionInfo struct {
	ConnectionID string            `json:"connectionId"`
	UserID       string            `json:"userId"`
	Symbols      []string          `json:"symbols"`
	ConnectedAt  time.Time         `json:"connectedAt"`
	LastActivity time.Time         `json:"lastActivity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// HasSymbol reports whether the connection is subscribed to symbol.
func (c ConnectionInfo) HasSymbol(symbol string) bool {
	for _, s := range c.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}
