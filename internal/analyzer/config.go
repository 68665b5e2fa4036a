package analyzer

import (
	"time"

	"portfolio-realtime/internal/models"
)

// Config holds the analysis policy. Every threshold is a tunable constant;
// the defaults are illustrative, not a validated financial model.
type Config struct {
	Interval      time.Duration `mapstructure:"interval"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	PassTimeout   time.Duration `mapstructure:"pass_timeout"`
	Currency      string        `mapstructure:"currency"`
	Benchmark     string        `mapstructure:"benchmark_symbol"`
	TriggerMove   float64       `mapstructure:"trigger_percent"`
	AlertCooldown time.Duration `mapstructure:"alert_cooldown"`

	// Inline alert checks.
	PriceAlertPercent       float64 `mapstructure:"price_alert_percent"`
	PriceAlertHighPercent   float64 `mapstructure:"price_alert_high_percent"`
	VolumeAnomalyMultiplier float64 `mapstructure:"volume_anomaly_multiplier"`
	MinVolumeSamples        int     `mapstructure:"min_volume_samples"`

	// Performance insight, in percentage points.
	PerformanceDeviation     float64 `mapstructure:"performance_deviation"`
	PerformanceHighDeviation float64 `mapstructure:"performance_high_deviation"`
	UnderperformanceAction   float64 `mapstructure:"underperformance_action"`

	// Concentration insight, as allocation fractions.
	ConcentrationThreshold float64 `mapstructure:"concentration_threshold"`
	ConcentrationHigh      float64 `mapstructure:"concentration_high"`
	ConcentrationAction    float64 `mapstructure:"concentration_action"`
	SuggestedMaxAllocation float64 `mapstructure:"suggested_max_allocation"`

	// Risk insight. Volatility uses up to HistoryDays daily closes,
	// refetched after HistoryTTL.
	DefaultVolatility    float64       `mapstructure:"default_volatility"`
	HistoryDays          int           `mapstructure:"history_days"`
	HistoryTTL           time.Duration `mapstructure:"history_ttl"`
	MinHistoryPoints     int           `mapstructure:"min_history_points"`
	TradingDays          int           `mapstructure:"trading_days"`
	RiskLowThreshold     float64       `mapstructure:"risk_low"`
	RiskMediumThreshold  float64       `mapstructure:"risk_medium"`
	RiskHighThreshold    float64       `mapstructure:"risk_high"`
	RiskHighMultiplier   float64       `mapstructure:"risk_high_multiplier"`
	RiskActionMultiplier float64       `mapstructure:"risk_action_multiplier"`
	VolatilitySpike      float64       `mapstructure:"volatility_spike"`

	// Opportunity scan.
	DipPercent      float64 `mapstructure:"dip_percent"`
	DipConfidence   float64 `mapstructure:"dip_confidence"`
	RallyPercent    float64 `mapstructure:"rally_percent"`
	RallyConfidence float64 `mapstructure:"rally_confidence"`

	MaxInsights        int     `mapstructure:"max_insights"`
	RebalanceThreshold float64 `mapstructure:"rebalance_threshold"`
	MaxRecommendations int     `mapstructure:"max_recommendations"`

	ResultTTL time.Duration `mapstructure:"result_ttl"`
	AlertTTL  time.Duration `mapstructure:"alert_ttl"`
	MaxAlerts int           `mapstructure:"max_alerts"`
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		Workers:       4,
		QueueSize:     256,
		PassTimeout:   20 * time.Second,
		Currency:      "USD",
		TriggerMove:   5,
		AlertCooldown: 5 * time.Minute,

		PriceAlertPercent:       5,
		PriceAlertHighPercent:   10,
		VolumeAnomalyMultiplier: 2,
		MinVolumeSamples:        5,

		PerformanceDeviation:     2,
		PerformanceHighDeviation: 10,
		UnderperformanceAction:   5,

		ConcentrationThreshold: 0.30,
		ConcentrationHigh:      0.50,
		ConcentrationAction:    0.40,
		SuggestedMaxAllocation: 0.25,

		DefaultVolatility:    0.20,
		HistoryDays:          60,
		HistoryTTL:           time.Hour,
		MinHistoryPoints:     10,
		TradingDays:          252,
		RiskLowThreshold:     0.15,
		RiskMediumThreshold:  0.25,
		RiskHighThreshold:    0.35,
		RiskHighMultiplier:   1.5,
		RiskActionMultiplier: 1.2,
		VolatilitySpike:      0.60,

		DipPercent:      -10,
		DipConfidence:   0.6,
		RallyPercent:    15,
		RallyConfidence: 0.5,

		MaxInsights:        10,
		RebalanceThreshold: 0.05,
		MaxRecommendations: 5,

		ResultTTL: time.Hour,
		AlertTTL:  24 * time.Hour,
		MaxAlerts: 50,
	}
}

// withDefaults fills zero values from DefaultConfig. Signed thresholds
// (DipPercent) are only defaulted when zero.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = d.PassTimeout
	}
	if c.Currency == "" {
		c.Currency = d.Currency
	}
	fillFloat(&c.TriggerMove, d.TriggerMove)
	if c.AlertCooldown < 0 {
		c.AlertCooldown = 0
	}
	fillFloat(&c.PriceAlertPercent, d.PriceAlertPercent)
	fillFloat(&c.PriceAlertHighPercent, d.PriceAlertHighPercent)
	fillFloat(&c.VolumeAnomalyMultiplier, d.VolumeAnomalyMultiplier)
	fillInt(&c.MinVolumeSamples, d.MinVolumeSamples)
	fillFloat(&c.PerformanceDeviation, d.PerformanceDeviation)
	fillFloat(&c.PerformanceHighDeviation, d.PerformanceHighDeviation)
	fillFloat(&c.UnderperformanceAction, d.UnderperformanceAction)
	fillFloat(&c.ConcentrationThreshold, d.ConcentrationThreshold)
	fillFloat(&c.ConcentrationHigh, d.ConcentrationHigh)
	fillFloat(&c.ConcentrationAction, d.ConcentrationAction)
	fillFloat(&c.SuggestedMaxAllocation, d.SuggestedMaxAllocation)
	fillFloat(&c.DefaultVolatility, d.DefaultVolatility)
	fillInt(&c.HistoryDays, d.HistoryDays)
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = d.HistoryTTL
	}
	fillInt(&c.MinHistoryPoints, d.MinHistoryPoints)
	fillInt(&c.TradingDays, d.TradingDays)
	fillFloat(&c.RiskLowThreshold, d.RiskLowThreshold)
	fillFloat(&c.RiskMediumThreshold, d.RiskMediumThreshold)
	fillFloat(&c.RiskHighThreshold, d.RiskHighThreshold)
	fillFloat(&c.RiskHighMultiplier, d.RiskHighMultiplier)
	fillFloat(&c.RiskActionMultiplier, d.RiskActionMultiplier)
	fillFloat(&c.VolatilitySpike, d.VolatilitySpike)
	if c.DipPercent == 0 {
		c.DipPercent = d.DipPercent
	}
	fillFloat(&c.DipConfidence, d.DipConfidence)
	fillFloat(&c.RallyPercent, d.RallyPercent)
	fillFloat(&c.RallyConfidence, d.RallyConfidence)
	fillInt(&c.MaxInsights, d.MaxInsights)
	fillFloat(&c.RebalanceThreshold, d.RebalanceThreshold)
	fillInt(&c.MaxRecommendations, d.MaxRecommendations)
	if c.ResultTTL <= 0 {
		c.ResultTTL = d.ResultTTL
	}
	if c.AlertTTL <= 0 {
		c.AlertTTL = d.AlertTTL
	}
	fillInt(&c.MaxAlerts, d.MaxAlerts)
	return c
}

// RiskThreshold returns the portfolio volatility tolerated for r.
func (c Config) RiskThreshold(r models.RiskTolerance) float64 {
	switch r {
	case models.RiskLow:
		return c.RiskLowThreshold
	case models.RiskHigh:
		return c.RiskHighThreshold
	default:
		return c.RiskMediumThreshold
	}
}

func fillFloat(v *float64, def float64) {
	if *v <= 0 {
		*v = def
	}
}

func fillInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}
