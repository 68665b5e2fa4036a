package analyzer

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"portfolio-realtime/internal/models"

	"github.com/Rhymond/go-money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Revalue values p in place from the latest cached prices.
func Revalue(p *models.Portfolio, prices PriceSource) {
	revalue(p, prices.Price)
}

// revalue prices every holding from price, falling back to its cost basis
// when no live price is known, and recomputes totals and allocations.
func revalue(p *models.Portfolio, price func(string) (float64, bool)) {
	for i := range p.Holdings {
		h := &p.Holdings[i]
		if px, ok := price(h.Symbol); ok {
			h.CurrentValue = h.Quantity.Mul(decimal.NewFromFloat(px))
		} else {
			h.CurrentValue = h.CostBasis()
		}
	}
	reallocate(p)
}

// revalueSymbol applies one price to the holdings of symbol.
func revalueSymbol(p *models.Portfolio, symbol string, price float64) bool {
	px := decimal.NewFromFloat(price)
	changed := false
	for i := range p.Holdings {
		if p.Holdings[i].Symbol == symbol {
			p.Holdings[i].CurrentValue = p.Holdings[i].Quantity.Mul(px)
			changed = true
		}
	}
	if changed {
		reallocate(p)
	}
	return changed
}

func reallocate(p *models.Portfolio) {
	value, cost := decimal.Zero, decimal.Zero
	for _, h := range p.Holdings {
		value = value.Add(h.CurrentValue)
		cost = cost.Add(h.CostBasis())
	}
	p.TotalValue = value
	p.TotalCost = cost

	for i := range p.Holdings {
		if value.IsZero() {
			p.Holdings[i].Allocation = 0
			continue
		}
		p.Holdings[i].Allocation = p.Holdings[i].CurrentValue.Div(value).InexactFloat64()
	}
}

// totalReturn is the unrealized return in percent; zero without a cost basis.
func totalReturn(p *models.Portfolio) float64 {
	if p.TotalCost.IsZero() {
		return 0
	}
	return p.TotalValue.Sub(p.TotalCost).Div(p.TotalCost).InexactFloat64() * 100
}

func performanceInsight(cfg Config, p *models.Portfolio, benchmark float64, now time.Time) *models.AIInsight {
	ret := totalReturn(p)
	diff := ret - benchmark
	gap := math.Abs(diff)
	if gap <= cfg.PerformanceDeviation {
		return nil
	}

	severity := models.SeverityMedium
	if gap > cfg.PerformanceHighDeviation {
		severity = models.SeverityHigh
	}
	title, side := "Portfolio outperforming benchmark", "above"
	if diff < 0 {
		title, side = "Portfolio underperforming benchmark", "below"
	}

	return &models.AIInsight{
		ID:          uuid.NewString(),
		PortfolioID: p.ID,
		Type:        models.InsightPerformance,
		Severity:    severity,
		Title:       title,
		Description: fmt.Sprintf("Return of %.2f%% is %.2f points %s the benchmark (%.2f%%). Current value %s.",
			ret, gap, side, benchmark, formatMoney(p.TotalValue, cfg.Currency)),
		Confidence: 0.8,
		Data: map[string]interface{}{
			"totalReturn":     ret,
			"benchmarkReturn": benchmark,
			"difference":      diff,
		},
		Timestamp:      now,
		ActionRequired: diff < -cfg.UnderperformanceAction,
	}
}

func concentrationInsight(cfg Config, p *models.Portfolio, now time.Time) *models.AIInsight {
	var top *models.PortfolioHolding
	for i := range p.Holdings {
		if top == nil || p.Holdings[i].Allocation > top.Allocation {
			top = &p.Holdings[i]
		}
	}
	if top == nil || top.Allocation <= cfg.ConcentrationThreshold {
		return nil
	}

	severity := models.SeverityMedium
	if top.Allocation > cfg.ConcentrationHigh {
		severity = models.SeverityHigh
	}

	return &models.AIInsight{
		ID:          uuid.NewString(),
		PortfolioID: p.ID,
		Type:        models.InsightAllocation,
		Severity:    severity,
		Title:       "High concentration in " + top.Symbol,
		Description: fmt.Sprintf("%s is %.1f%% of the portfolio (%s). Consider holding at most %.0f%% in a single position.",
			top.Symbol, top.Allocation*100, formatMoney(top.CurrentValue, cfg.Currency), cfg.SuggestedMaxAllocation*100),
		Confidence: 0.9,
		Data: map[string]interface{}{
			"symbol":                 top.Symbol,
			"allocation":             top.Allocation,
			"suggestedMaxAllocation": cfg.SuggestedMaxAllocation,
		},
		Timestamp:      now,
		ActionRequired: top.Allocation > cfg.ConcentrationAction,
	}
}

// annualizedVolatility is the sample standard deviation of period returns
// scaled by √tradingDays. Short histories get the default.
func annualizedVolatility(prices []float64, cfg Config) float64 {
	if len(prices) < cfg.MinHistoryPoints {
		return cfg.DefaultVolatility
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] > 0 {
			returns = append(returns, prices[i]/prices[i-1]-1)
		}
	}
	if len(returns) < 2 {
		return cfg.DefaultVolatility
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss/float64(len(returns)-1)) * math.Sqrt(float64(cfg.TradingDays))
}

// portfolioVolatility weights each holding's volatility by its allocation.
func portfolioVolatility(p *models.Portfolio, vols map[string]float64) float64 {
	var v float64
	for _, h := range p.Holdings {
		v += h.Allocation * vols[h.Symbol]
	}
	return v
}

type holdingRisk struct {
	Symbol     string  `json:"symbol"`
	Volatility float64 `json:"volatility"`
	Allocation float64 `json:"allocation"`
}

func riskInsight(cfg Config, p *models.Portfolio, vols map[string]float64, now time.Time) *models.AIInsight {
	pv := portfolioVolatility(p, vols)
	threshold := cfg.RiskThreshold(p.RiskTolerance)
	if pv <= threshold {
		return nil
	}

	var offenders []holdingRisk
	for _, h := range p.Holdings {
		if vols[h.Symbol] > threshold {
			offenders = append(offenders, holdingRisk{Symbol: h.Symbol, Volatility: vols[h.Symbol], Allocation: h.Allocation})
		}
	}
	sort.SliceStable(offenders, func(i, j int) bool {
		return offenders[i].Volatility > offenders[j].Volatility
	})
	names := make([]string, len(offenders))
	for i, o := range offenders {
		names[i] = o.Symbol
	}

	severity := models.SeverityMedium
	if pv > threshold*cfg.RiskHighMultiplier {
		severity = models.SeverityHigh
	}

	return &models.AIInsight{
		ID:          uuid.NewString(),
		PortfolioID: p.ID,
		Type:        models.InsightRisk,
		Severity:    severity,
		Title:       "Volatility above risk tolerance",
		Description: fmt.Sprintf("Annualized volatility of %.1f%% exceeds the %.1f%% tolerated for %s risk. Most volatile: %s.",
			pv*100, threshold*100, p.RiskTolerance, strings.Join(names, ", ")),
		Confidence: 0.75,
		Data: map[string]interface{}{
			"portfolioVolatility": pv,
			"threshold":           threshold,
			"riskTolerance":       string(p.RiskTolerance),
			"holdings":            offenders,
		},
		Timestamp:      now,
		ActionRequired: pv > threshold*cfg.RiskActionMultiplier,
	}
}

func opportunityInsights(cfg Config, p *models.Portfolio, latest func(string) (models.MarketDataPoint, bool), now time.Time) []models.AIInsight {
	var out []models.AIInsight
	for _, symbol := range p.Symbols() {
		tick, ok := latest(symbol)
		if !ok {
			continue
		}
		cp := tick.ChangePercent

		switch {
		case cp < cfg.DipPercent:
			out = append(out, models.AIInsight{
				ID:          uuid.NewString(),
				PortfolioID: p.ID,
				Type:        models.InsightOpportunity,
				Severity:    models.SeverityMedium,
				Title:       "Possible buying opportunity in " + symbol,
				Description: fmt.Sprintf("%s is down %.2f%% today at %.2f.", symbol, math.Abs(cp), tick.Price),
				Confidence:  cfg.DipConfidence,
				Data:        map[string]interface{}{"symbol": symbol, "changePercent": cp, "price": tick.Price},
				Timestamp:   now,
			})
		case cp > cfg.RallyPercent:
			out = append(out, models.AIInsight{
				ID:          uuid.NewString(),
				PortfolioID: p.ID,
				Type:        models.InsightOpportunity,
				Severity:    models.SeverityLow,
				Title:       "Consider taking profits in " + symbol,
				Description: fmt.Sprintf("%s is up %.2f%% today at %.2f.", symbol, cp, tick.Price),
				Confidence:  cfg.RallyConfidence,
				Data:        map[string]interface{}{"symbol": symbol, "changePercent": cp, "price": tick.Price},
				Timestamp:   now,
			})
		}
	}
	return out
}

// capInsights keeps the max most severe insights, newest first within a
// severity.
func capInsights(insights []models.AIInsight, max int) []models.AIInsight {
	sort.SliceStable(insights, func(i, j int) bool {
		ri, rj := insights[i].Severity.Rank(), insights[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return insights[i].Timestamp.After(insights[j].Timestamp)
	})
	if max > 0 && len(insights) > max {
		insights = insights[:max]
	}
	return insights
}

// rebalance compares allocations to an equal-weight target and suggests
// trades for deviations beyond the threshold, most urgent first.
func rebalance(cfg Config, p *models.Portfolio) []models.RebalanceRecommendation {
	n := len(p.Holdings)
	if n == 0 || p.TotalValue.IsZero() {
		return nil
	}
	target := 1 / float64(n)

	var recs []models.RebalanceRecommendation
	for _, h := range p.Holdings {
		dev := h.Allocation - target
		gap := math.Abs(dev)
		if gap <= cfg.RebalanceThreshold {
			continue
		}

		action, verb := models.ActionBuy, "buy"
		if dev > 0 {
			action, verb = models.ActionSell, "sell"
		}
		amount := p.TotalValue.Mul(decimal.NewFromFloat(gap)).Round(2)

		recs = append(recs, models.RebalanceRecommendation{
			ID:                uuid.NewString(),
			PortfolioID:       p.ID,
			Symbol:            h.Symbol,
			Action:            action,
			CurrentAllocation: h.Allocation,
			TargetAllocation:  target,
			RecommendedAmount: amount,
			Reasoning: fmt.Sprintf("%s is %.1f%% of the portfolio against an equal-weight target of %.1f%%; %s about %s to close the gap.",
				h.Symbol, h.Allocation*100, target*100, verb, formatMoney(amount, cfg.Currency)),
			Confidence:     0.7,
			ExpectedImpact: gap * 100,
			Priority:       int(math.Round(gap * 10000)), // basis points
		})
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Priority != recs[j].Priority {
			return recs[i].Priority > recs[j].Priority
		}
		return recs[i].Symbol < recs[j].Symbol
	})
	if len(recs) > cfg.MaxRecommendations {
		recs = recs[:cfg.MaxRecommendations]
	}
	return recs
}

// formatMoney renders amount in the currency's display format, e.g. $1,500.00.
func formatMoney(amount decimal.Decimal, code string) string {
	cur := money.New(0, code).Currency()
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return money.New(minor.IntPart(), code).Display()
}
