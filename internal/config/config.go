// Package config loads the service configuration from an optional file, a
// .env file and REALTIME_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"portfolio-realtime/internal/analyzer"
	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/events"
	"portfolio-realtime/internal/gateway"
	"portfolio-realtime/internal/logging"
	"portfolio-realtime/internal/market"
	"portfolio-realtime/internal/ratelimit"
	"portfolio-realtime/internal/resilience"
	"portfolio-realtime/internal/security"
	"portfolio-realtime/internal/stream"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. REALTIME_AUTH_JWT_SECRET.
const EnvPrefix = "REALTIME"

// Modes.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Provider names accepted in market.providers.
const (
	ProviderYahoo     = "yahoo"
	ProviderSimulated = "simulated"
)

const minProductionSecret = 32

// Config holds all service configuration.
type Config struct {
	Mode     string               `mapstructure:"mode"`
	Server   ServerConfig         `mapstructure:"server"`
	Auth     AuthSettings         `mapstructure:"auth"`
	Security SecuritySettings     `mapstructure:"security"`
	Analysis analyzer.Config      `mapstructure:"analysis"`
	Market   MarketConfig         `mapstructure:"market"`
	Events   EventsConfig         `mapstructure:"events"`
	Store    StoreConfig          `mapstructure:"store"`
	Health   HealthConfig         `mapstructure:"health"`
	Log      logging.LogConfig    `mapstructure:"log"`
	Audit    security.AuditConfig `mapstructure:"audit"`
}

// ServerConfig is the transport configuration plus the connection registry
// settings.
type ServerConfig struct {
	gateway.Config    `mapstructure:",squash"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	ConnectionTTL     time.Duration `mapstructure:"connection_ttl"`
	TopSymbols        int           `mapstructure:"top_symbols"`
}

// AuthSettings configures bearer token validation.
type AuthSettings struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	Issuer        string        `mapstructure:"issuer"`
	Audience      string        `mapstructure:"audience"`
	RequiredScope string        `mapstructure:"required_scope"`
	AdminScope    string        `mapstructure:"admin_scope"`
	MaxTokenAge   time.Duration `mapstructure:"max_token_age"`
}

// SecuritySettings configures connection admission.
type SecuritySettings struct {
	AllowedOrigins    []string         `mapstructure:"allowed_origins"`
	BlockedUserAgents []string         `mapstructure:"blocked_user_agents"`
	ConnectionRate    ratelimit.Policy `mapstructure:"connection_rate"`
	AuthRate          ratelimit.Policy `mapstructure:"auth_rate"`
	MessageRate       ratelimit.Policy `mapstructure:"message_rate"`
}

// MarketConfig configures the feed and its providers.
type MarketConfig struct {
	market.FeedConfig `mapstructure:",squash"`
	// Providers are tried in order.
	Providers      []string               `mapstructure:"providers"`
	HistorySize    int                    `mapstructure:"history_size"`
	StatusInterval time.Duration          `mapstructure:"status_interval"`
	Yahoo          YahooConfig            `mapstructure:"yahoo"`
	Simulated      SimulatedConfig        `mapstructure:"simulated"`
	Kafka          market.KafkaFeedConfig `mapstructure:"kafka"`
	// Hours adds the exchange session to market status; an empty timezone
	// disables it.
	Hours market.HoursConfig `mapstructure:"hours"`
}

// YahooConfig configures the Yahoo chart provider.
type YahooConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SimulatedConfig configures the random-walk provider.
type SimulatedConfig struct {
	Seed int64 `mapstructure:"seed"`
}

// EventsConfig configures event forwarding.
type EventsConfig struct {
	Kafka events.KafkaSinkConfig `mapstructure:"kafka"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	CheckTimeout       time.Duration `mapstructure:"check_timeout"`
	MemoryThresholdMB  uint64        `mapstructure:"memory_threshold_mb"`
	GoroutineThreshold int           `mapstructure:"goroutine_threshold"`
}

// Load reads configuration. path may be empty, in which case only defaults,
// .env and the environment apply. The result is not validated.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Market.Symbols = normalizeList(cfg.Market.Symbols)
	cfg.Market.Providers = normalizeList(cfg.Market.Providers)
	for i := range cfg.Market.Providers {
		cfg.Market.Providers[i] = strings.ToLower(cfg.Market.Providers[i])
	}
	cfg.Security.AllowedOrigins = normalizeList(cfg.Security.AllowedOrigins)
	cfg.Market.Hours.Holidays = normalizeList(cfg.Market.Hours.Holidays)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeDevelopment)

	gw := gateway.DefaultConfig()
	reg := stream.DefaultRegistryConfig()
	v.SetDefault("server.addr", gw.Addr)
	v.SetDefault("server.max_connections", gw.MaxConnections)
	v.SetDefault("server.auth_grace_period", gw.AuthGracePeriod)
	v.SetDefault("server.heartbeat_interval", gw.HeartbeatInterval)
	v.SetDefault("server.write_timeout", gw.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", gw.ShutdownTimeout)
	v.SetDefault("server.send_buffer", gw.SendBuffer)
	v.SetDefault("server.event_buffer", gw.EventBuffer)
	v.SetDefault("server.read_limit", gw.ReadLimit)
	v.SetDefault("server.max_symbols_per_request", gw.MaxSymbols)
	v.SetDefault("server.max_holdings", gw.MaxHoldings)
	v.SetDefault("server.max_history_days", gw.MaxHistoryDays)
	v.SetDefault("server.max_list_limit", gw.MaxListLimit)
	v.SetDefault("server.protocol_violation_limit", gw.ProtocolViolations)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.inactivity_timeout", reg.InactivityTimeout)
	v.SetDefault("server.connection_ttl", reg.ConnectionTTL)
	v.SetDefault("server.top_symbols", reg.TopSymbols)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.required_scope", "market-data:read")
	v.SetDefault("auth.admin_scope", gw.AdminScope)
	v.SetDefault("auth.max_token_age", 24*time.Hour)

	v.SetDefault("security.allowed_origins", []string{})
	v.SetDefault("security.blocked_user_agents", []string{})
	v.SetDefault("security.connection_rate.max", 10)
	v.SetDefault("security.connection_rate.window", time.Minute)
	v.SetDefault("security.auth_rate.max", 5)
	v.SetDefault("security.auth_rate.window", time.Minute)
	v.SetDefault("security.message_rate.max", gw.MessageRate.Max)
	v.SetDefault("security.message_rate.window", gw.MessageRate.Window)

	an := analyzer.DefaultConfig()
	for key, val := range map[string]interface{}{
		"interval":                   an.Interval,
		"workers":                    an.Workers,
		"queue_size":                 an.QueueSize,
		"pass_timeout":               an.PassTimeout,
		"currency":                   an.Currency,
		"benchmark_symbol":           "SPY",
		"trigger_percent":            an.TriggerMove,
		"alert_cooldown":             an.AlertCooldown,
		"price_alert_percent":        an.PriceAlertPercent,
		"price_alert_high_percent":   an.PriceAlertHighPercent,
		"volume_anomaly_multiplier":  an.VolumeAnomalyMultiplier,
		"min_volume_samples":         an.MinVolumeSamples,
		"performance_deviation":      an.PerformanceDeviation,
		"performance_high_deviation": an.PerformanceHighDeviation,
		"underperformance_action":    an.UnderperformanceAction,
		"concentration_threshold":    an.ConcentrationThreshold,
		"concentration_high":         an.ConcentrationHigh,
		"concentration_action":       an.ConcentrationAction,
		"suggested_max_allocation":   an.SuggestedMaxAllocation,
		"default_volatility":         an.DefaultVolatility,
		"history_days":               an.HistoryDays,
		"history_ttl":                an.HistoryTTL,
		"min_history_points":         an.MinHistoryPoints,
		"trading_days":               an.TradingDays,
		"risk_low":                   an.RiskLowThreshold,
		"risk_medium":                an.RiskMediumThreshold,
		"risk_high":                  an.RiskHighThreshold,
		"risk_high_multiplier":       an.RiskHighMultiplier,
		"risk_action_multiplier":     an.RiskActionMultiplier,
		"volatility_spike":           an.VolatilitySpike,
		"dip_percent":                an.DipPercent,
		"dip_confidence":             an.DipConfidence,
		"rally_percent":              an.RallyPercent,
		"rally_confidence":           an.RallyConfidence,
		"max_insights":               an.MaxInsights,
		"rebalance_threshold":        an.RebalanceThreshold,
		"max_recommendations":        an.MaxRecommendations,
		"result_ttl":                 an.ResultTTL,
		"alert_ttl":                  an.AlertTTL,
		"max_alerts":                 an.MaxAlerts,
	} {
		v.SetDefault("analysis."+key, val)
	}

	feed := market.DefaultFeedConfig()
	v.SetDefault("market.providers", []string{ProviderSimulated})
	v.SetDefault("market.history_size", 500)
	v.SetDefault("market.status_interval", time.Minute)
	v.SetDefault("market.poll_interval", feed.PollInterval)
	v.SetDefault("market.request_timeout", feed.RequestTimeout)
	v.SetDefault("market.batch_size", feed.BatchSize)
	v.SetDefault("market.concurrency", feed.Concurrency)
	v.SetDefault("market.retry.max_attempts", feed.Retry.MaxAttempts)
	v.SetDefault("market.retry.initial_delay", feed.Retry.InitialDelay)
	v.SetDefault("market.retry.max_delay", feed.Retry.MaxDelay)
	v.SetDefault("market.retry.backoff_factor", feed.Retry.BackoffFactor)
	v.SetDefault("market.retry.jitter", feed.Retry.Jitter)
	v.SetDefault("market.breaker.failure_threshold", feed.Breaker.FailureThreshold)
	v.SetDefault("market.breaker.success_threshold", feed.Breaker.SuccessThreshold)
	v.SetDefault("market.breaker.timeout", feed.Breaker.Timeout)
	v.SetDefault("market.symbols", []string{})
	v.SetDefault("market.yahoo.base_url", market.DefaultYahooBaseURL)
	v.SetDefault("market.yahoo.timeout", feed.RequestTimeout)
	v.SetDefault("market.simulated.seed", int64(1))
	v.SetDefault("market.kafka.enabled", false)
	v.SetDefault("market.kafka.brokers", []string{})
	v.SetDefault("market.kafka.group_id", "portfolio-realtime")
	v.SetDefault("market.kafka.topic", "market.ticks")
	hours := market.DefaultHoursConfig()
	v.SetDefault("market.hours.timezone", hours.Timezone)
	v.SetDefault("market.hours.pre_open", hours.PreOpen)
	v.SetDefault("market.hours.open", hours.Open)
	v.SetDefault("market.hours.close", hours.Close)
	v.SetDefault("market.hours.post_close", hours.PostClose)
	v.SetDefault("market.hours.holidays", []string{})

	v.SetDefault("events.kafka.enabled", false)
	v.SetDefault("events.kafka.brokers", []string{})
	v.SetDefault("events.kafka.topic", "portfolio.events")
	v.SetDefault("events.kafka.client_id", "portfolio-realtime")

	v.SetDefault("store.path", filepath.Join("data", "realtime.db"))

	hm := resilience.DefaultHealthMonitorConfig()
	v.SetDefault("health.check_interval", hm.CheckInterval)
	v.SetDefault("health.check_timeout", hm.CheckTimeout)
	v.SetDefault("health.memory_threshold_mb", hm.MemoryThresholdMB)
	v.SetDefault("health.goroutine_threshold", hm.GoroutineThreshold)

	lc := logging.DefaultLogConfig()
	v.SetDefault("log.level", lc.Level)
	v.SetDefault("log.console", lc.Console)
	v.SetDefault("log.json", lc.JSON)
	v.SetDefault("log.file", lc.File)
	v.SetDefault("log.file_path", lc.FilePath)
	v.SetDefault("log.max_size", lc.MaxSize)
	v.SetDefault("log.max_backups", lc.MaxBackups)
	v.SetDefault("log.max_age", lc.MaxAge)

	ac := security.DefaultAuditConfig()
	v.SetDefault("audit.dir", ac.LogDir)
	v.SetDefault("audit.max_size", ac.MaxSize)
	v.SetDefault("audit.max_backups", ac.MaxBackups)
	v.SetDefault("audit.max_age", ac.MaxAge)
	v.SetDefault("audit.compress", ac.Compress)
}

// Validate reports every problem at once, wrapped in ErrConfigInvalid.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Mode != ModeDevelopment && c.Mode != ModeProduction {
		add("mode must be %q or %q, got %q", ModeDevelopment, ModeProduction, c.Mode)
	}

	secret := strings.TrimSpace(c.Auth.JWTSecret)
	switch {
	case secret == "":
		add("auth.jwt_secret is required")
	case isPlaceholder(secret):
		add("auth.jwt_secret is a placeholder value")
	case c.IsProduction() && len(secret) < minProductionSecret:
		add("auth.jwt_secret must be at least %d characters in production", minProductionSecret)
	}
	if c.Auth.Issuer == "" {
		add("auth.issuer is required")
	}
	if c.Auth.Audience == "" {
		add("auth.audience is required")
	}
	if c.Auth.MaxTokenAge <= 0 {
		add("auth.max_token_age must be positive")
	}

	if c.IsProduction() {
		if len(c.Security.AllowedOrigins) == 0 {
			add("security.allowed_origins must not be empty in production")
		}
		for _, o := range c.Security.AllowedOrigins {
			if strings.Contains(o, "*") {
				add("security.allowed_origins must not contain wildcards in production: %q", o)
			}
		}
	}
	for name, p := range map[string]ratelimit.Policy{
		"security.connection_rate": c.Security.ConnectionRate,
		"security.auth_rate":       c.Security.AuthRate,
		"security.message_rate":    c.Security.MessageRate,
	} {
		if p.Max <= 0 || p.Window <= 0 {
			add("%s needs a positive max and window", name)
		}
	}

	for name, d := range map[string]time.Duration{
		"server.auth_grace_period":  c.Server.AuthGracePeriod,
		"server.heartbeat_interval": c.Server.HeartbeatInterval,
		"server.inactivity_timeout": c.Server.InactivityTimeout,
		"server.connection_ttl":     c.Server.ConnectionTTL,
		"analysis.interval":         c.Analysis.Interval,
		"analysis.alert_cooldown":   c.Analysis.AlertCooldown,
		"market.poll_interval":      c.Market.PollInterval,
		"market.request_timeout":    c.Market.RequestTimeout,
		"market.status_interval":    c.Market.StatusInterval,
		"health.check_interval":     c.Health.CheckInterval,
	} {
		if d <= 0 {
			add("%s must be positive", name)
		}
	}
	if c.Server.MaxConnections <= 0 {
		add("server.max_connections must be positive")
	}

	if len(c.Market.Providers) == 0 && !c.Market.Kafka.Enabled {
		add("market.providers must name at least one provider")
	}
	for _, p := range c.Market.Providers {
		if p != ProviderYahoo && p != ProviderSimulated {
			add("market.providers: unknown provider %q", p)
		}
	}
	if c.Market.Kafka.Enabled && (len(c.Market.Kafka.Brokers) == 0 || c.Market.Kafka.Topic == "") {
		add("market.kafka needs brokers and a topic when enabled")
	}
	if c.Market.Hours.Timezone != "" {
		if _, err := market.NewMarketHours(c.Market.Hours); err != nil {
			add("%v", err)
		}
	}
	if c.Events.Kafka.Enabled && (len(c.Events.Kafka.Brokers) == 0 || c.Events.Kafka.Topic == "") {
		add("events.kafka needs brokers and a topic when enabled")
	}
	if c.Store.Path == "" {
		add("store.path is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// IsProduction reports whether production-only checks apply.
func (c *Config) IsProduction() bool {
	return c.Mode == ModeProduction
}

// AuthConfig builds the authenticator configuration.
func (c *Config) AuthConfig() security.AuthConfig {
	return security.AuthConfig{
		Production:        c.IsProduction(),
		AllowedOrigins:    c.Security.AllowedOrigins,
		BlockedUserAgents: c.Security.BlockedUserAgents,
		JWTSecret:         c.Auth.JWTSecret,
		Issuer:            c.Auth.Issuer,
		Audience:          c.Auth.Audience,
		RequiredScope:     c.Auth.RequiredScope,
		MaxTokenAge:       c.Auth.MaxTokenAge,
		ConnectionRate:    c.Security.ConnectionRate,
		AuthRate:          c.Security.AuthRate,
	}
}

// GatewayConfig builds the transport configuration.
func (c *Config) GatewayConfig() gateway.Config {
	gc := c.Server.Config
	gc.MessageRate = c.Security.MessageRate
	gc.AdminScope = c.Auth.AdminScope
	gc.AllowedOrigins = c.Security.AllowedOrigins
	return gc
}

// RegistryConfig builds the connection registry configuration.
func (c *Config) RegistryConfig() stream.RegistryConfig {
	return stream.RegistryConfig{
		ConnectionTTL:     c.Server.ConnectionTTL,
		InactivityTimeout: c.Server.InactivityTimeout,
		TopSymbols:        c.Server.TopSymbols,
	}
}

// HealthMonitorConfig builds the health monitor configuration.
func (c *Config) HealthMonitorConfig() resilience.HealthMonitorConfig {
	return resilience.HealthMonitorConfig{
		CheckInterval:      c.Health.CheckInterval,
		CheckTimeout:       c.Health.CheckTimeout,
		MemoryThresholdMB:  c.Health.MemoryThresholdMB,
		GoroutineThreshold: c.Health.GoroutineThreshold,
	}
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	r := *c
	r.Auth.JWTSecret = security.MaskCredential(c.Auth.JWTSecret)
	return r
}

var placeholders = []string{
	"changeme", "change-me", "change_me", "secret", "your-secret", "your_secret",
	"placeholder", "replace-me", "todo", "xxx",
}

func isPlaceholder(s string) bool {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "${") || strings.HasPrefix(lower, "<") {
		return true
	}
	for _, p := range placeholders {
		if lower == p {
			return true
		}
	}
	return false
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
