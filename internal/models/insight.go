package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InsightType classifies an AIInsight.
type InsightType string

const (
	InsightPerformance InsightType = "performance"
	InsightAllocation  InsightType = "allocation"
	InsightRisk        InsightType = "risk"
	InsightOpportunity InsightType = "opportunity"
	InsightAlert       InsightType = "alert"
)

// Severity is shared by insights and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AIInsight is one derived observation about a portfolio.
type AIInsight struct {
	ID             string                 `json:"id"`
	PortfolioID    string                 `json:"portfolioId"`
	Type           InsightType            `json:"type"`
	Severity       Severity               `json:"severity"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Confidence     float64                `json:"confidence"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	ActionRequired bool                   `json:"actionRequired"`
}

// RebalanceAction is the suggested trade direction.
type RebalanceAction string

const (
	ActionBuy  RebalanceAction = "buy"
	ActionSell RebalanceAction = "sell"
	ActionHold RebalanceAction = "hold"
)

// RebalanceRecommendation suggests moving one holding toward its target allocation.
type RebalanceRecommendation struct {
	ID                string          `json:"id"`
	PortfolioID       string          `json:"portfolioId"`
	Symbol            string          `json:"symbol"`
	Action            RebalanceAction `json:"action"`
	CurrentAllocation float64         `json:"currentAllocation"`
	TargetAllocation  float64         `json:"targetAllocation"`
	RecommendedAmount decimal.Decimal `json:"recommendedAmount"`
	Reasoning         string          `json:"reasoning"`
	Confidence        float64         `json:"confidence"`
	ExpectedImpact    float64         `json:"expectedImpact"`
	Priority          int             `json:"priority"`
}

// AlertType classifies a RealTimeAlert.
type AlertType string

const (
	AlertPriceThreshold  AlertType = "price_threshold"
	AlertVolatilitySpike AlertType = "volatility_spike"
	AlertVolumeAnomaly   AlertType = "volume_anomaly"
	AlertNewsImpact      AlertType = "news_impact"
)

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	switch t {
	case AlertPriceThreshold, AlertVolatilitySpike, AlertVolumeAnomaly, AlertNewsImpact:
		return true
	}
	return false
}

// RealTimeAlert is raised when a tick or analysis pass crosses a threshold.
type RealTimeAlert struct {
	ID             string    `json:"id"`
	PortfolioID    string    `json:"portfolioId"`
	Type           AlertType `json:"type"`
	Symbol         string    `json:"symbol"`
	Message        string    `json:"message"`
	CurrentValue   float64   `json:"currentValue"`
	Threshold      float64   `json:"threshold"`
	Severity       Severity  `json:"severity"`
	Timestamp      time.Time `json:"timestamp"`
	ActionRequired bool      `json:"actionRequired"`
}

// AlertConfig overrides a default alert threshold for a portfolio.
// An empty Symbol applies to every holding.
type AlertConfig struct {
	ID          string    `json:"id"`
	PortfolioID string    `json:"portfolioId"`
	Symbol      string    `json:"symbol,omitempty"`
	Type        AlertType `json:"type"`
	Threshold   float64   `json:"threshold"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// AnalysisResult is the output of one full analysis pass.
type AnalysisResult struct {
	PortfolioID     string                    `json:"portfolioId"`
	Portfolio       *Portfolio                `json:"portfolio"`
	Insights        []AIInsight               `json:"insights"`
	Recommendations []RebalanceRecommendation `json:"recommendations"`
	Alerts          []RealTimeAlert           `json:"alerts,omitempty"`
	TotalReturn     float64                   `json:"totalReturn"`
	Volatility      float64                   `json:"volatility"`
	Trigger         string                    `json:"trigger"`
	Timestamp       time.Time                 `json:"timestamp"`
	Duration        time.Duration             `json:"duration"`
}
