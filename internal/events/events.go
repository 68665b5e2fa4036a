// Package events provides the typed domain-event bus that decouples analysis
// and ingestion from delivery.
package events

import (
	"math"
	"time"

	"portfolio-realtime/internal/models"
)

// Topic identifies an event stream clients can subscribe to.
type Topic string

const (
	TopicMarketDataUpdated        Topic = "market_data_updated"
	TopicPortfolioUpdated         Topic = "portfolio_updated"
	TopicInsightsUpdated          Topic = "portfolio_insights_updated"
	TopicRecommendationsUpdated   Topic = "rebalance_recommendations_updated"
	TopicPortfolioAlertsTriggered Topic = "portfolio_alerts_triggered"
	TopicUserPortfoliosUpdated    Topic = "user_portfolios_updated"
	TopicUserAlertsTriggered      Topic = "user_alerts_triggered"
	TopicMarketStatusUpdated      Topic = "market_status_updated"
	TopicAnalysisCompleted        Topic = "portfolio_analysis_completed"
)

// AllTopics lists every topic.
var AllTopics = []Topic{
	TopicMarketDataUpdated,
	TopicPortfolioUpdated,
	TopicInsightsUpdated,
	TopicRecommendationsUpdated,
	TopicPortfolioAlertsTriggered,
	TopicUserPortfoliosUpdated,
	TopicUserAlertsTriggered,
	TopicMarketStatusUpdated,
	TopicAnalysisCompleted,
}

// Valid reports whether t is a known topic.
func (t Topic) Valid() bool {
	for _, known := range AllTopics {
		if t == known {
			return true
		}
	}
	return false
}

// Scoped reports whether events on t belong to a single user and must only
// reach that user's connections.
func (t Topic) Scoped() bool {
	return t != TopicMarketDataUpdated && t != TopicMarketStatusUpdated
}

// MarketStatus is the payload of market_status_updated.
type MarketStatus struct {
	Providers map[string]string `json:"providers"`
	Symbols   int               `json:"symbols"`
	Healthy   bool              `json:"healthy"`
	Session   string            `json:"session,omitempty"`
	Open      bool              `json:"open"`
	NextOpen  *time.Time        `json:"nextOpen,omitempty"`
}

// Event is one domain event. Payload is one of models.MarketDataPoint,
// *models.Portfolio, []models.AIInsight, []models.RebalanceRecommendation,
// []models.RealTimeAlert, *models.AnalysisResult or MarketStatus.
type Event struct {
	ID          string      `json:"id"`
	Topic       Topic       `json:"topic"`
	PortfolioID string      `json:"portfolioId,omitempty"`
	UserID      string      `json:"userId,omitempty"`
	Symbol      string      `json:"symbol,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Payload     interface{} `json:"payload"`
}

// Filter narrows a topic subscription. Zero values match everything.
// Change-percent bounds compare against the absolute change.
type Filter struct {
	Symbols            []string           `json:"symbols,omitempty"`
	MinChangePercent   *float64           `json:"minChangePercent,omitempty"`
	MaxChangePercent   *float64           `json:"maxChangePercent,omitempty"`
	MinVolume          int64              `json:"minVolume,omitempty"`
	PortfolioIDs       []string           `json:"portfolioIds,omitempty"`
	InsightType        models.InsightType `json:"insightType,omitempty"`
	MinSeverity        models.Severity    `json:"minSeverity,omitempty"`
	ActionRequiredOnly bool               `json:"actionRequiredOnly,omitempty"`
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if len(f.PortfolioIDs) > 0 && e.PortfolioID != "" && !contains(f.PortfolioIDs, e.PortfolioID) {
		return false
	}

	switch p := e.Payload.(type) {
	case models.MarketDataPoint:
		return f.matchTick(p)
	case []models.AIInsight:
		return f.matchInsights(p)
	case *models.AnalysisResult:
		if p == nil {
			return false
		}
		return f.matchInsights(p.Insights)
	case []models.RealTimeAlert:
		return f.matchAlerts(p)
	}
	return true
}

func (f Filter) matchTick(t models.MarketDataPoint) bool {
	if len(f.Symbols) > 0 && !contains(f.Symbols, t.Symbol) {
		return false
	}
	abs := math.Abs(t.ChangePercent)
	if f.MinChangePercent != nil && abs < *f.MinChangePercent {
		return false
	}
	if f.MaxChangePercent != nil && abs > *f.MaxChangePercent {
		return false
	}
	return t.Volume >= f.MinVolume
}

// matchInsights passes when at least one insight satisfies every criterion.
func (f Filter) matchInsights(insights []models.AIInsight) bool {
	if f.InsightType == "" && f.MinSeverity == "" && !f.ActionRequiredOnly {
		return true
	}
	for _, in := range insights {
		if f.InsightType != "" && in.Type != f.InsightType {
			continue
		}
		if f.MinSeverity != "" && in.Severity.Rank() < f.MinSeverity.Rank() {
			continue
		}
		if f.ActionRequiredOnly && !in.ActionRequired {
			continue
		}
		return true
	}
	return false
}

func (f Filter) matchAlerts(alerts []models.RealTimeAlert) bool {
	if f.MinSeverity == "" && !f.ActionRequiredOnly && len(f.Symbols) == 0 {
		return true
	}
	for _, a := range alerts {
		if len(f.Symbols) > 0 && !contains(f.Symbols, a.Symbol) {
			continue
		}
		if f.MinSeverity != "" && a.Severity.Rank() < f.MinSeverity.Rank() {
			continue
		}
		if f.ActionRequiredOnly && !a.ActionRequired {
			continue
		}
		return true
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
