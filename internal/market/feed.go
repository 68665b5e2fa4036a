package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/logging"
	"portfolio-realtime/internal/models"
	"portfolio-realtime/internal/resilience"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

// FeedConfig configures the polling feed.
type FeedConfig struct {
	PollInterval   time.Duration                   `mapstructure:"poll_interval"`
	RequestTimeout time.Duration                   `mapstructure:"request_timeout"`
	BatchSize      int                             `mapstructure:"batch_size"`
	Concurrency    int                             `mapstructure:"concurrency"`
	Retry          resilience.RetryConfig          `mapstructure:"retry"`
	Breaker        resilience.CircuitBreakerConfig `mapstructure:"breaker"`
	Symbols        []string                        `mapstructure:"symbols"`
}

// DefaultFeedConfig returns the default feed configuration.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		PollInterval:   15 * time.Second,
		RequestTimeout: 10 * time.Second,
		BatchSize:      20,
		Concurrency:    4,
		Retry:          resilience.DefaultRetryConfig(),
		Breaker:        resilience.DefaultCircuitBreakerConfig(),
	}
}

// Feed polls providers for the symbols anyone needs and publishes the ticks.
// Providers are tried in order; each sits behind its own circuit breaker and
// retry policy, and a provider that keeps failing is reported to health.
type Feed struct {
	cfg       FeedConfig
	providers []Provider
	push      []PushProvider
	breakers  *resilience.BreakerSet
	health    *resilience.HealthMonitor
	hours     *MarketHours
	now       func() time.Time
	publish   func(models.MarketDataPoint)
	logger    zerolog.Logger

	mu      sync.RWMutex
	admin   map[string]struct{}
	sources []func() []string

	metricsMu sync.Mutex
	polls     uint64
	ticks     uint64
	failures  uint64
	lastPoll  time.Time
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithProviders sets the ordered polling providers.
func WithProviders(providers ...Provider) FeedOption {
	return func(f *Feed) { f.providers = append(f.providers, providers...) }
}

// WithPushProviders adds push providers started with the feed.
func WithPushProviders(providers ...PushProvider) FeedOption {
	return func(f *Feed) { f.push = append(f.push, providers...) }
}

// WithHealth reports provider health to m.
func WithHealth(m *resilience.HealthMonitor) FeedOption {
	return func(f *Feed) { f.health = m }
}

// WithMarketHours adds the exchange session to Status.
func WithMarketHours(h *MarketHours) FeedOption {
	return func(f *Feed) { f.hours = h }
}

// WithSymbolSource adds a function contributing symbols to every poll.
func WithSymbolSource(fn func() []string) FeedOption {
	return func(f *Feed) { f.sources = append(f.sources, fn) }
}

// NewFeed creates a feed that hands ticks to publish.
func NewFeed(cfg FeedConfig, publish func(models.MarketDataPoint), logger zerolog.Logger, opts ...FeedOption) *Feed {
	def := DefaultFeedConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	f := &Feed{
		cfg:      cfg,
		breakers: resilience.NewBreakerSet(cfg.Breaker),
		publish:  publish,
		logger:   logger.With().Str("component", "feed").Logger(),
		admin:    make(map[string]struct{}),
		now:      time.Now,
	}
	for _, s := range cfg.Symbols {
		f.admin[s] = struct{}{}
	}
	for _, opt := range opts {
		opt(f)
	}
	for _, p := range f.providers {
		f.breakers.Get(p.Name()).OnStateChange(f.logBreaker)
	}
	return f
}

func (f *Feed) logBreaker(provider string, from, to resilience.CircuitState) {
	event := f.logger.Info()
	if to == resilience.CircuitOpen {
		event = f.logger.Warn()
	}
	event.Str("provider", provider).Str("from", string(from)).Str("to", string(to)).Msg("Provider circuit breaker changed state")
}

// AddSymbolSource adds a function contributing symbols to every poll.
func (f *Feed) AddSymbolSource(fn func() []string) {
	f.mu.Lock()
	f.sources = append(f.sources, fn)
	f.mu.Unlock()
}

// Subscribe adds symbols at the data-feed level.
func (f *Feed) Subscribe(symbols []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var added []string
	for _, s := range symbols {
		if _, ok := f.admin[s]; !ok {
			f.admin[s] = struct{}{}
			added = append(added, s)
		}
	}
	return added
}

// Unsubscribe removes feed-level symbols. Symbols still needed by a
// connection or a portfolio keep being polled.
func (f *Feed) Unsubscribe(symbols []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed []string
	for _, s := range symbols {
		if _, ok := f.admin[s]; ok {
			delete(f.admin, s)
			removed = append(removed, s)
		}
	}
	return removed
}

// AdminSymbols returns the feed-level symbols.
func (f *Feed) AdminSymbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedKeys(f.admin)
}

// Symbols returns the union of feed-level symbols and every symbol source.
func (f *Feed) Symbols() []string {
	f.mu.RLock()
	set := make(map[string]struct{}, len(f.admin))
	for s := range f.admin {
		set[s] = struct{}{}
	}
	sources := append([]func() []string(nil), f.sources...)
	f.mu.RUnlock()

	for _, src := range sources {
		for _, s := range src() {
			set[s] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// Start runs push providers and the polling loop until ctx is done.
func (f *Feed) Start(ctx context.Context) {
	var wg conc.WaitGroup
	for _, p := range f.push {
		p := p
		wg.Go(func() {
			f.logger.Info().Str("provider", p.Name()).Msg("Push provider started")
			if err := p.Run(ctx, f.publish); err != nil {
				f.logger.Error().Err(err).Str("provider", p.Name()).Msg("Push provider stopped")
				f.report(p.Name(), resilience.HealthStatusUnhealthy, "push provider stopped")
			}
		})
	}

	if len(f.providers) > 0 {
		wg.Go(func() { f.pollLoop(ctx) })
	}

	go wg.Wait()
}

func (f *Feed) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := f.Poll(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn().Err(err).Msg("Poll incomplete")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches every needed symbol once and publishes the ticks. It returns
// the number of ticks published; the error reports batches no provider served.
func (f *Feed) Poll(ctx context.Context) (int, error) {
	symbols := f.Symbols()
	if len(symbols) == 0 {
		return 0, nil
	}

	ticks, err := f.Fetch(ctx, symbols)
	for _, t := range ticks {
		f.publish(t)
	}

	f.metricsMu.Lock()
	f.polls++
	f.ticks += uint64(len(ticks))
	f.lastPoll = f.now()
	f.metricsMu.Unlock()

	return len(ticks), err
}

// Fetch returns quotes for symbols, batching requests and falling back across
// providers per batch.
func (f *Feed) Fetch(ctx context.Context, symbols []string) ([]models.MarketDataPoint, error) {
	if len(f.providers) == 0 {
		return nil, apperrors.ErrProviderUnavailable
	}

	var (
		mu       sync.Mutex
		out      []models.MarketDataPoint
		firstErr error
	)

	p := pool.New().WithMaxGoroutines(f.cfg.Concurrency)
	for _, batch := range chunk(symbols, f.cfg.BatchSize) {
		batch := batch
		p.Go(func() {
			ticks, err := f.fetchBatch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			out = append(out, ticks...)
		})
	}
	p.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, firstErr
}

func (f *Feed) fetchBatch(ctx context.Context, batch []string) ([]models.MarketDataPoint, error) {
	var lastErr error
	for _, p := range f.providers {
		start := time.Now()
		cb := f.breakers.Get(p.Name())
		ticks, err := resilience.ExecuteWithResult(ctx, cb, func(ctx context.Context) ([]models.MarketDataPoint, error) {
			return resilience.RetryWithResult(ctx, f.cfg.Retry, func(ctx context.Context) ([]models.MarketDataPoint, error) {
				reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
				defer cancel()
				return p.Quotes(reqCtx, batch)
			})
		})
		logging.LogProviderCall(f.logger, p.Name(), len(batch), time.Since(start), err)

		if err == nil {
			f.report(p.Name(), resilience.HealthStatusHealthy, "")
			return ticks, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		f.metricsMu.Lock()
		f.failures++
		f.metricsMu.Unlock()

		if cb.State() == resilience.CircuitOpen {
			f.report(p.Name(), resilience.HealthStatusUnhealthy, "circuit open")
		} else {
			f.report(p.Name(), resilience.HealthStatusDegraded,
				fmt.Sprintf("retries exhausted, %.0f%% of calls failing", cb.Stats().FailureRate()))
		}
	}
	return nil, apperrors.NewProviderError("feed", "fetch", apperrors.Wrap(apperrors.ErrProviderUnavailable, lastErr.Error()))
}

// History returns a daily series from the first provider that supports it.
func (f *Feed) History(ctx context.Context, symbol string, days int) ([]models.MarketDataPoint, error) {
	var lastErr error = apperrors.ErrProviderUnavailable
	for _, p := range f.providers {
		hp, ok := p.(HistoryProvider)
		if !ok {
			continue
		}
		cb := f.breakers.Get(p.Name())
		series, err := resilience.ExecuteWithResult(ctx, cb, func(ctx context.Context) ([]models.MarketDataPoint, error) {
			reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
			defer cancel()
			return hp.History(reqCtx, symbol, days)
		})
		if err == nil {
			return series, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (f *Feed) report(provider string, status resilience.HealthStatus, msg string) {
	if f.health != nil {
		f.health.Report("provider:"+provider, status, msg)
	}
}

// ProviderStatus describes one provider for status output.
type ProviderStatus struct {
	Name    string                         `json:"name"`
	Breaker resilience.CircuitBreakerStats `json:"breaker"`
}

// FeedStats summarizes the feed.
type FeedStats struct {
	Polls     uint64           `json:"polls"`
	Ticks     uint64           `json:"ticks"`
	Failures  uint64           `json:"failures"`
	LastPoll  time.Time        `json:"lastPoll"`
	Symbols   []string         `json:"symbols"`
	Providers []ProviderStatus `json:"providers"`
}

// Stats returns feed counters and provider breaker states.
func (f *Feed) Stats() FeedStats {
	f.metricsMu.Lock()
	stats := FeedStats{Polls: f.polls, Ticks: f.ticks, Failures: f.failures, LastPoll: f.lastPoll}
	f.metricsMu.Unlock()

	stats.Symbols = f.Symbols()
	for _, p := range f.providers {
		stats.Providers = append(stats.Providers, ProviderStatus{Name: p.Name(), Breaker: f.breakers.Get(p.Name()).Stats()})
	}
	return stats
}

// ResetBreakers closes every provider breaker so the next poll tries them
// all again.
func (f *Feed) ResetBreakers() {
	f.breakers.Reset()
	f.logger.Info().Msg("Provider circuit breakers reset")
}

// ProviderNames lists polling then push providers.
func (f *Feed) ProviderNames() []string {
	names := make([]string, 0, len(f.providers)+len(f.push))
	for _, p := range f.providers {
		names = append(names, p.Name())
	}
	for _, p := range f.push {
		names = append(names, p.Name())
	}
	return names
}

func chunk(symbols []string, size int) [][]string {
	var out [][]string
	for len(symbols) > size {
		out = append(out, symbols[:size])
		symbols = symbols[size:]
	}
	if len(symbols) > 0 {
		out = append(out, symbols)
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
