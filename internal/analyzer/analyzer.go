// Package analyzer is the realtime portfolio analyzer. It keeps registered
// portfolios valued from live ticks, raises threshold alerts inline and runs
// full analysis passes on a schedule or when a large move arrives.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/events"
	"portfolio-realtime/internal/logging"
	"portfolio-realtime/internal/models"
	"portfolio-realtime/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Pass triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerPriceMove = "price_move"
	TriggerManual    = "manual"
)

// PriceSource is the live price view the analyzer reads. market.PriceCache
// implements it.
type PriceSource interface {
	Price(symbol string) (float64, bool)
	Latest(symbol string) (models.MarketDataPoint, bool)
	AverageVolume(symbol string) (float64, int)
}

// BenchmarkFunc returns the benchmark return in percent.
type BenchmarkFunc func(ctx context.Context) (float64, error)

// HistoryFunc returns daily closing prices for symbol, oldest first.
type HistoryFunc func(ctx context.Context, symbol string) ([]float64, error)

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClock sets the clock used for timestamps and alert cooldowns.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithBenchmark sets the benchmark lookup. Without one the benchmark symbol's
// latest change is used, or zero when no symbol is configured. That default
// is a one-day move set against the portfolio's since-inception return.
func WithBenchmark(fn BenchmarkFunc) Option {
	return func(a *Analyzer) { a.benchmark = fn }
}

// WithHistory sets the daily close lookup used for volatility. Without one
// every holding gets the default volatility.
func WithHistory(fn HistoryFunc) Option {
	return func(a *Analyzer) { a.history = fn }
}

type dailySeries struct {
	closes  []float64
	fetched time.Time
}

type alertMark struct {
	severity models.Severity
	at       time.Time
}

// tracked is the analysis state of one registered portfolio.
type tracked struct {
	mu         sync.Mutex
	portfolio  *models.Portfolio
	configs    []models.AlertConfig
	pending    []models.RealTimeAlert
	marks      map[string]alertMark
	generation uint64
	cancel     context.CancelFunc

	running atomic.Bool
	queued  atomic.Bool
}

// Analyzer owns the per-portfolio analysis state machine.
type Analyzer struct {
	cfg       Config
	prices    PriceSource
	state     store.StateStore
	bus       *events.Bus
	benchmark BenchmarkFunc
	history   HistoryFunc
	logger    zerolog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	loops  conc.WaitGroup
	pool   *passPool
	outbox *passPool // single worker, keeps alert order

	mu       sync.RWMutex
	tracked  map[string]*tracked
	bySymbol map[string]map[string]struct{}
	stopped  bool

	dailyMu sync.Mutex
	daily   map[string]dailySeries

	passes    atomic.Uint64
	failures  atomic.Uint64
	skipped   atomic.Uint64
	discarded atomic.Uint64
	alerts    atomic.Uint64
}

// New creates an analyzer. state and bus may be nil, in which case results
// are neither persisted nor published.
func New(cfg Config, prices PriceSource, state store.StateStore, bus *events.Bus, logger zerolog.Logger, opts ...Option) *Analyzer {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	a := &Analyzer{
		cfg:      cfg,
		prices:   prices,
		state:    state,
		bus:      bus,
		logger:   logging.WithComponent(logger, "analyzer"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		tracked:  make(map[string]*tracked),
		bySymbol: make(map[string]map[string]struct{}),
		daily:    make(map[string]dailySeries),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.benchmark == nil && cfg.Benchmark != "" {
		symbol := strings.ToUpper(cfg.Benchmark)
		a.cfg.Benchmark = symbol
		a.benchmark = func(context.Context) (float64, error) {
			tick, ok := prices.Latest(symbol)
			if !ok {
				return 0, fmt.Errorf("no price for benchmark %s", symbol)
			}
			return tick.ChangePercent, nil
		}
	}

	a.pool = newPassPool(cfg.Workers, cfg.QueueSize)
	a.outbox = newPassPool(1, cfg.QueueSize)
	return a
}

// Config returns the effective configuration.
func (a *Analyzer) Config() Config {
	return a.cfg
}

// StartAnalysis registers p and schedules recurring passes. Registering an
// already tracked portfolio replaces its definition and alert configs and
// keeps the schedule.
func (a *Analyzer) StartAnalysis(p *models.Portfolio, configs []models.AlertConfig) error {
	if p == nil || p.ID == "" {
		return apperrors.NewValidationError("portfolio", nil, "missing id")
	}
	snap := a.prime(p)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return apperrors.NewResourceError("analyzer", "analyzer stopped", nil)
	}
	if t, ok := a.tracked[p.ID]; ok {
		a.replaceLocked(t, snap)
		t.mu.Lock()
		t.configs = cloneConfigs(configs)
		t.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(a.ctx)
	t := &tracked{
		portfolio: snap,
		configs:   cloneConfigs(configs),
		marks:     make(map[string]alertMark),
		cancel:    cancel,
	}
	a.tracked[p.ID] = t
	a.indexLocked(p.ID, nil, snap.Symbols())
	a.loops.Go(func() { a.schedule(ctx, t) })

	a.logger.Info().
		Str("portfolio_id", p.ID).
		Int("holdings", len(snap.Holdings)).
		Dur("interval", a.cfg.Interval).
		Msg("Portfolio analysis started")
	return nil
}

// StopAnalysis cancels the schedule and evicts the cached portfolio. A pass
// already in flight finishes but its result is discarded.
func (a *Analyzer) StopAnalysis(portfolioID string) error {
	a.mu.Lock()
	t, ok := a.tracked[portfolioID]
	if !ok {
		a.mu.Unlock()
		return apperrors.ErrNotRegistered
	}
	delete(a.tracked, portfolioID)
	t.mu.Lock()
	a.indexLocked(portfolioID, t.portfolio.Symbols(), nil)
	t.generation++
	t.pending = nil
	t.mu.Unlock()
	a.mu.Unlock()

	t.cancel()
	a.logger.Info().Str("portfolio_id", portfolioID).Msg("Portfolio analysis stopped")
	return nil
}

// UpdatePortfolio replaces the definition of a tracked portfolio, for example
// after its holdings or risk tolerance changed. Passes in flight are discarded.
func (a *Analyzer) UpdatePortfolio(p *models.Portfolio) error {
	if p == nil {
		return apperrors.NewValidationError("portfolio", nil, "missing portfolio")
	}
	snap := a.prime(p)

	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.tracked[p.ID]
	if !ok {
		return apperrors.ErrNotRegistered
	}
	a.replaceLocked(t, snap)
	return nil
}

// SetAlertConfigs replaces the alert overrides of a tracked portfolio.
func (a *Analyzer) SetAlertConfigs(portfolioID string, configs []models.AlertConfig) error {
	a.mu.RLock()
	t, ok := a.tracked[portfolioID]
	a.mu.RUnlock()
	if !ok {
		return apperrors.ErrNotRegistered
	}

	t.mu.Lock()
	t.configs = cloneConfigs(configs)
	t.mu.Unlock()
	return nil
}

func (a *Analyzer) prime(p *models.Portfolio) *models.Portfolio {
	snap := p.Clone()
	snap.Normalize()
	revalue(snap, a.prices.Price)
	snap.LastUpdated = a.now().UTC()
	return snap
}

// replaceLocked swaps the portfolio definition. Caller holds a.mu.
func (a *Analyzer) replaceLocked(t *tracked, snap *models.Portfolio) {
	t.mu.Lock()
	old := t.portfolio.Symbols()
	t.portfolio = snap
	t.generation++
	t.mu.Unlock()

	a.indexLocked(snap.ID, old, snap.Symbols())
}

// indexLocked moves portfolioID from the symbols in removed to those in added.
func (a *Analyzer) indexLocked(portfolioID string, removed, added []string) {
	for _, s := range removed {
		if set, ok := a.bySymbol[s]; ok {
			delete(set, portfolioID)
			if len(set) == 0 {
				delete(a.bySymbol, s)
				a.dailyMu.Lock()
				delete(a.daily, s)
				a.dailyMu.Unlock()
			}
		}
	}
	for _, s := range added {
		set, ok := a.bySymbol[s]
		if !ok {
			set = make(map[string]struct{})
			a.bySymbol[s] = set
		}
		set[portfolioID] = struct{}{}
	}
}

func (a *Analyzer) schedule(ctx context.Context, t *tracked) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runPass(ctx, t, TriggerScheduled)
		}
	}
}

// OnTick is the fast path. Holdings of the tick's symbol are revalued, price
// and volume alerts are checked inline, and a large move queues a full pass.
func (a *Analyzer) OnTick(tick models.MarketDataPoint) {
	a.mu.RLock()
	ids := a.bySymbol[tick.Symbol]
	targets := make([]*tracked, 0, len(ids))
	for id := range ids {
		targets = append(targets, a.tracked[id])
	}
	a.mu.RUnlock()

	for _, t := range targets {
		a.applyTick(t, tick)
	}
}

func (a *Analyzer) applyTick(t *tracked, tick models.MarketDataPoint) {
	if tick.Price <= 0 {
		return
	}

	t.mu.Lock()
	if !revalueSymbol(t.portfolio, tick.Symbol, tick.Price) {
		t.mu.Unlock()
		return
	}
	t.portfolio.LastUpdated = a.now().UTC()
	alerts := a.checkTickLocked(t, tick)
	if len(alerts) > 0 {
		t.pending = appendBounded(t.pending, alerts, a.cfg.MaxAlerts)
	}
	portfolioID, userID := t.portfolio.ID, t.portfolio.UserID
	t.mu.Unlock()

	if len(alerts) > 0 {
		a.alerts.Add(uint64(len(alerts)))
		a.deliverAsync(portfolioID, userID, alerts)
	}

	if math.Abs(tick.ChangePercent) > a.cfg.TriggerMove {
		a.triggerAsync(t, TriggerPriceMove)
	}
}

// checkTickLocked evaluates the inline alert rules. Caller holds t.mu.
func (a *Analyzer) checkTickLocked(t *tracked, tick models.MarketDataPoint) []models.RealTimeAlert {
	now := a.now().UTC()
	var out []models.RealTimeAlert

	if threshold, ok := resolveThreshold(t.configs, models.AlertPriceThreshold, tick.Symbol, a.cfg.PriceAlertPercent); ok {
		move := math.Abs(tick.ChangePercent)
		if move > threshold {
			high := math.Max(a.cfg.PriceAlertHighPercent, threshold*2)
			severity := models.SeverityMedium
			if move > high {
				severity = models.SeverityHigh
			}
			alert := newAlert(t.portfolio.ID, models.AlertPriceThreshold, tick.Symbol, severity, now)
			alert.Message = fmt.Sprintf("%s moved %+.2f%% (threshold %.2f%%)", tick.Symbol, tick.ChangePercent, threshold)
			alert.CurrentValue = tick.ChangePercent
			alert.Threshold = threshold
			if a.admitLocked(t, alert) {
				out = append(out, alert)
			}
		}
	}

	if multiplier, ok := resolveThreshold(t.configs, models.AlertVolumeAnomaly, tick.Symbol, a.cfg.VolumeAnomalyMultiplier); ok {
		avg, n := a.prices.AverageVolume(tick.Symbol)
		limit := avg * multiplier
		if n >= a.cfg.MinVolumeSamples && avg > 0 && float64(tick.Volume) > limit {
			severity := models.SeverityMedium
			if float64(tick.Volume) > limit*2 {
				severity = models.SeverityHigh
			}
			alert := newAlert(t.portfolio.ID, models.AlertVolumeAnomaly, tick.Symbol, severity, now)
			alert.Message = fmt.Sprintf("%s volume %d is %.1fx the recent average", tick.Symbol, tick.Volume, float64(tick.Volume)/avg)
			alert.CurrentValue = float64(tick.Volume)
			alert.Threshold = limit
			if a.admitLocked(t, alert) {
				out = append(out, alert)
			}
		}
	}
	return out
}

// admitLocked applies the per-rule cooldown: an alert repeating within the
// cooldown is suppressed unless its severity escalates. Caller holds t.mu.
func (a *Analyzer) admitLocked(t *tracked, alert models.RealTimeAlert) bool {
	key := string(alert.Type) + "|" + alert.Symbol
	if mark, ok := t.marks[key]; ok && a.cfg.AlertCooldown > 0 {
		if alert.Timestamp.Sub(mark.at) < a.cfg.AlertCooldown && alert.Severity.Rank() <= mark.severity.Rank() {
			return false
		}
	}
	t.marks[key] = alertMark{severity: alert.Severity, at: alert.Timestamp}
	return true
}

func (a *Analyzer) triggerAsync(t *tracked, trigger string) {
	if t.running.Load() || !t.queued.CompareAndSwap(false, true) {
		a.skipped.Add(1)
		return
	}
	ok := a.pool.submit(func() {
		t.queued.Store(false)
		a.runPass(a.ctx, t, trigger)
	})
	if !ok {
		t.queued.Store(false)
		a.skipped.Add(1)
	}
}

// Trigger runs a pass immediately and returns its result. It fails with
// ErrAnalysisInFlight when a pass for the portfolio is already running.
func (a *Analyzer) Trigger(ctx context.Context, portfolioID string) (*models.AnalysisResult, error) {
	a.mu.RLock()
	t, ok := a.tracked[portfolioID]
	a.mu.RUnlock()
	if !ok {
		return nil, apperrors.ErrNotRegistered
	}
	return a.runPass(ctx, t, TriggerManual)
}

// runPass executes one full analysis pass. Passes of one portfolio never
// overlap; a pass that finds another running is skipped.
func (a *Analyzer) runPass(ctx context.Context, t *tracked, trigger string) (*models.AnalysisResult, error) {
	if !t.running.CompareAndSwap(false, true) {
		a.skipped.Add(1)
		return nil, apperrors.ErrAnalysisInFlight
	}
	defer t.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, a.cfg.PassTimeout)
	defer cancel()

	t.mu.Lock()
	revalue(t.portfolio, a.prices.Price)
	t.portfolio.LastUpdated = a.now().UTC()
	snap := t.portfolio.Clone()
	configs := t.configs
	gen := t.generation
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	logger := logging.WithPortfolio(a.logger, snap.ID)
	start := a.now()

	result, err := a.analyze(ctx, t, snap, configs, trigger)
	if err != nil {
		t.mu.Lock()
		if t.generation == gen {
			t.pending = appendBounded(pending, t.pending, a.cfg.MaxAlerts)
		}
		t.mu.Unlock()
		// A pass cut short by StopAnalysis, an update or shutdown is
		// discarded, not failed.
		if cerr := a.checkCurrent(t, gen); cerr != nil || errors.Is(err, context.Canceled) {
			a.discarded.Add(1)
			logger.Debug().Err(err).Str("trigger", trigger).Msg("Analysis pass interrupted")
			return nil, err
		}
		a.failures.Add(1)
		logger.Error().Err(err).Str("trigger", trigger).Msg("Analysis pass failed")
		return nil, err
	}
	fresh := result.Alerts
	result.Alerts = append(append([]models.RealTimeAlert{}, pending...), fresh...)
	result.Duration = a.now().Sub(start)

	if err := a.checkCurrent(t, gen); err != nil {
		a.discarded.Add(1)
		logger.Debug().Err(err).Str("trigger", trigger).Msg("Discarding analysis result")
		return nil, apperrors.NewAnalysisError(snap.ID, "commit", err)
	}

	a.persist(ctx, result)
	if len(fresh) > 0 {
		a.alerts.Add(uint64(len(fresh)))
		a.deliver(ctx, snap.ID, snap.UserID, fresh)
	}
	a.publishResult(result)
	a.passes.Add(1)

	logging.LogAnalysis(logger, snap.ID, trigger, len(result.Insights), len(result.Recommendations), result.Duration)
	return result, nil
}

// checkCurrent reports whether a pass started at generation gen may still
// commit its result.
func (a *Analyzer) checkCurrent(t *tracked, gen uint64) error {
	t.mu.Lock()
	id := t.portfolio.ID
	same := t.generation == gen
	t.mu.Unlock()

	a.mu.RLock()
	registered := a.tracked[id] == t
	a.mu.RUnlock()

	switch {
	case !registered:
		return apperrors.ErrNotRegistered
	case !same:
		return apperrors.ErrAnalysisStale
	}
	return nil
}

func (a *Analyzer) analyze(ctx context.Context, t *tracked, p *models.Portfolio, configs []models.AlertConfig, trigger string) (result *models.AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewAnalysisError(p.ID, "panic", fmt.Errorf("%v", r))
		}
	}()

	if len(p.Holdings) == 0 || p.TotalValue.IsZero() {
		return nil, apperrors.NewAnalysisError(p.ID, "revalue", apperrors.ErrEmptyPortfolio)
	}
	now := a.now().UTC()

	var benchmark float64
	if a.benchmark != nil {
		b, err := a.benchmark(ctx)
		if err != nil {
			a.logger.Debug().Err(err).Str("portfolio_id", p.ID).Msg("Benchmark unavailable, using 0")
		} else {
			benchmark = b
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewAnalysisError(p.ID, "benchmark", err)
	}

	insights := make([]models.AIInsight, 0, a.cfg.MaxInsights)
	if in := performanceInsight(a.cfg, p, benchmark, now); in != nil {
		insights = append(insights, *in)
	}
	if in := concentrationInsight(a.cfg, p, now); in != nil {
		insights = append(insights, *in)
	}

	vols := make(map[string]float64, len(p.Holdings))
	var spikes []models.RealTimeAlert
	for _, symbol := range p.Symbols() {
		history := a.dailyCloses(ctx, symbol)
		vols[symbol] = annualizedVolatility(history, a.cfg)
		if len(history) < a.cfg.MinHistoryPoints {
			continue
		}
		if alert, ok := a.spikeAlert(p.ID, configs, symbol, vols[symbol], now); ok {
			spikes = append(spikes, alert)
		}
	}
	if in := riskInsight(a.cfg, p, vols, now); in != nil {
		insights = append(insights, *in)
	}
	insights = append(insights, opportunityInsights(a.cfg, p, a.prices.Latest, now)...)
	insights = capInsights(insights, a.cfg.MaxInsights)

	recs := rebalance(a.cfg, p)
	if recs == nil {
		recs = []models.RebalanceRecommendation{}
	}

	if len(spikes) > 0 {
		t.mu.Lock()
		admitted := spikes[:0]
		for _, alert := range spikes {
			if a.admitLocked(t, alert) {
				admitted = append(admitted, alert)
			}
		}
		spikes = admitted
		t.mu.Unlock()
	}

	return &models.AnalysisResult{
		PortfolioID:     p.ID,
		Portfolio:       p,
		Insights:        insights,
		Recommendations: recs,
		Alerts:          spikes,
		TotalReturn:     totalReturn(p),
		Volatility:      portfolioVolatility(p, vols),
		Trigger:         trigger,
		Timestamp:       now,
	}, nil
}

// dailyCloses returns the daily series for symbol, fetched at most once per
// HistoryTTL. A failed refresh keeps the previous series; with none, nil is
// returned and the default volatility applies.
func (a *Analyzer) dailyCloses(ctx context.Context, symbol string) []float64 {
	if a.history == nil {
		return nil
	}
	now := a.now()
	a.dailyMu.Lock()
	cached, ok := a.daily[symbol]
	a.dailyMu.Unlock()
	if ok && now.Sub(cached.fetched) < a.cfg.HistoryTTL {
		return cached.closes
	}

	closes, err := a.history(ctx, symbol)
	if err != nil {
		a.logger.Debug().Err(err).Str("symbol", symbol).Msg("Daily history unavailable")
		return cached.closes
	}
	a.dailyMu.Lock()
	a.daily[symbol] = dailySeries{closes: closes, fetched: now}
	a.dailyMu.Unlock()
	return closes
}

func (a *Analyzer) spikeAlert(portfolioID string, configs []models.AlertConfig, symbol string, vol float64, now time.Time) (models.RealTimeAlert, bool) {
	threshold, ok := resolveThreshold(configs, models.AlertVolatilitySpike, symbol, a.cfg.VolatilitySpike)
	if !ok || vol <= threshold {
		return models.RealTimeAlert{}, false
	}
	severity := models.SeverityMedium
	if vol > threshold*a.cfg.RiskHighMultiplier {
		severity = models.SeverityHigh
	}
	alert := newAlert(portfolioID, models.AlertVolatilitySpike, symbol, severity, now)
	alert.Message = fmt.Sprintf("%s annualized volatility %.1f%% exceeds %.1f%%", symbol, vol*100, threshold*100)
	alert.CurrentValue = vol
	alert.Threshold = threshold
	return alert, true
}

// deliverAsync hands tick-path alerts to the outbox so store latency never
// stalls tick dispatch. A full or stopped outbox delivers inline.
func (a *Analyzer) deliverAsync(portfolioID, userID string, alerts []models.RealTimeAlert) {
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.PassTimeout)
		defer cancel()
		a.deliver(ctx, portfolioID, userID, alerts)
	}
	if !a.outbox.submit(task) {
		a.logger.Warn().Str("portfolio_id", portfolioID).Msg("Alert outbox unavailable, delivering inline")
		task()
	}
}

// deliver persists alerts to the portfolio's alert list and publishes them.
func (a *Analyzer) deliver(ctx context.Context, portfolioID, userID string, alerts []models.RealTimeAlert) {
	for _, alert := range alerts {
		if a.state != nil {
			if err := store.PushJSON(ctx, a.state, store.AlertsKey(portfolioID), alert, a.cfg.MaxAlerts, a.cfg.AlertTTL); err != nil {
				a.logger.Warn().Err(err).Str("portfolio_id", portfolioID).Msg("Failed to persist alert")
			}
		}
		logging.LogAlert(a.logger, portfolioID, string(alert.Type), alert.Symbol, string(alert.Severity), alert.CurrentValue)
	}

	var symbol string
	if len(alerts) == 1 {
		symbol = alerts[0].Symbol
	}
	a.publish(events.TopicPortfolioAlertsTriggered, portfolioID, userID, symbol, alerts)
	a.publish(events.TopicUserAlertsTriggered, portfolioID, userID, symbol, alerts)
}

func (a *Analyzer) persist(ctx context.Context, result *models.AnalysisResult) {
	if a.state == nil {
		return
	}
	id := result.PortfolioID
	errs := errors.Join(
		store.SetJSON(ctx, a.state, store.InsightsKey(id), result.Insights, a.cfg.ResultTTL),
		store.SetJSON(ctx, a.state, store.RecommendationsKey(id), result.Recommendations, a.cfg.ResultTTL),
		store.SetJSON(ctx, a.state, store.AnalysisKey(id), result, a.cfg.ResultTTL),
	)
	if errs != nil {
		a.logger.Warn().Err(errs).Str("portfolio_id", id).Msg("Failed to persist analysis result")
	}
}

func (a *Analyzer) publishResult(result *models.AnalysisResult) {
	p := result.Portfolio
	a.publish(events.TopicPortfolioUpdated, p.ID, p.UserID, "", p)
	a.publish(events.TopicInsightsUpdated, p.ID, p.UserID, "", result.Insights)
	a.publish(events.TopicRecommendationsUpdated, p.ID, p.UserID, "", result.Recommendations)
	a.publish(events.TopicAnalysisCompleted, p.ID, p.UserID, "", result)
}

func (a *Analyzer) publish(topic events.Topic, portfolioID, userID, symbol string, payload interface{}) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.Event{
		Topic:       topic,
		PortfolioID: portfolioID,
		UserID:      userID,
		Symbol:      symbol,
		Timestamp:   a.now().UTC(),
		Payload:     payload,
	})
}

// Portfolio returns a copy of the live valuation of a tracked portfolio.
func (a *Analyzer) Portfolio(portfolioID string) (*models.Portfolio, bool) {
	a.mu.RLock()
	t, ok := a.tracked[portfolioID]
	a.mu.RUnlock()
	if !ok {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.portfolio.Clone(), true
}

// IsAnalyzing reports whether portfolioID is registered.
func (a *Analyzer) IsAnalyzing(portfolioID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.tracked[portfolioID]
	return ok
}

// Symbols returns every symbol held by a tracked portfolio plus the
// benchmark symbol, sorted. The feed polls these.
func (a *Analyzer) Symbols() []string {
	a.mu.RLock()
	out := make([]string, 0, len(a.bySymbol)+1)
	for s := range a.bySymbol {
		out = append(out, s)
	}
	a.mu.RUnlock()

	if b := a.cfg.Benchmark; b != "" {
		found := false
		for _, s := range out {
			if s == b {
				found = true
				break
			}
		}
		if !found {
			out = append(out, b)
		}
	}
	sort.Strings(out)
	return out
}

// Result returns the last persisted analysis result, or nil if none is cached.
func (a *Analyzer) Result(ctx context.Context, portfolioID string) (*models.AnalysisResult, error) {
	var result models.AnalysisResult
	if err := a.getJSON(ctx, store.AnalysisKey(portfolioID), &result); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &result, nil
}

// Insights returns the last persisted insights.
func (a *Analyzer) Insights(ctx context.Context, portfolioID string) ([]models.AIInsight, error) {
	out := []models.AIInsight{}
	if err := a.getJSON(ctx, store.InsightsKey(portfolioID), &out); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return out, nil
}

// Recommendations returns the last persisted rebalance recommendations.
func (a *Analyzer) Recommendations(ctx context.Context, portfolioID string) ([]models.RebalanceRecommendation, error) {
	out := []models.RebalanceRecommendation{}
	if err := a.getJSON(ctx, store.RecommendationsKey(portfolioID), &out); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return out, nil
}

func (a *Analyzer) getJSON(ctx context.Context, key string, v interface{}) error {
	if a.state == nil {
		return store.ErrNotFound
	}
	return store.GetJSON(ctx, a.state, key, v)
}

// Alerts returns up to limit alerts of a portfolio, newest first.
func (a *Analyzer) Alerts(ctx context.Context, portfolioID string, limit int) ([]models.RealTimeAlert, error) {
	out := []models.RealTimeAlert{}
	if a.state == nil {
		return out, nil
	}
	raw, err := a.state.Range(ctx, store.AlertsKey(portfolioID), limit)
	if err != nil {
		return nil, err
	}
	for _, data := range raw {
		var alert models.RealTimeAlert
		if err := json.Unmarshal(data, &alert); err != nil {
			a.logger.Warn().Err(err).Str("portfolio_id", portfolioID).Msg("Skipping unreadable alert")
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}

// DismissAlert removes one alert from a portfolio's list.
func (a *Analyzer) DismissAlert(ctx context.Context, portfolioID, alertID string) error {
	if a.state == nil {
		return apperrors.ErrAlertNotFound
	}
	n, err := a.state.RemoveFromList(ctx, store.AlertsKey(portfolioID), func(data []byte) bool {
		var alert models.RealTimeAlert
		return json.Unmarshal(data, &alert) == nil && alert.ID == alertID
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.ErrAlertNotFound
	}
	return nil
}

// Stats contains analyzer counters.
type Stats struct {
	Portfolios int       `json:"portfolios"`
	Passes     uint64    `json:"passes"`
	Failures   uint64    `json:"failures"`
	Skipped    uint64    `json:"skipped"`
	Discarded  uint64    `json:"discarded"`
	Alerts     uint64    `json:"alerts"`
	Pool       PoolStats `json:"pool"`
	Outbox     PoolStats `json:"outbox"`
}

// Stats returns a snapshot of the analyzer counters.
func (a *Analyzer) Stats() Stats {
	a.mu.RLock()
	n := len(a.tracked)
	a.mu.RUnlock()

	return Stats{
		Portfolios: n,
		Passes:     a.passes.Load(),
		Failures:   a.failures.Load(),
		Skipped:    a.skipped.Load(),
		Discarded:  a.discarded.Load(),
		Alerts:     a.alerts.Load(),
		Pool:       a.pool.stats(),
		Outbox:     a.outbox.stats(),
	}
}

// Stop cancels every schedule and waits for running passes to finish.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	a.cancel()
	a.loops.Wait()
	a.pool.stop()
	a.outbox.stop()
	a.logger.Info().Msg("Analyzer stopped")
}

// resolveThreshold finds the override for typ and symbol: a symbol-specific
// config wins over a portfolio-wide one. ok is false when the rule is disabled.
func resolveThreshold(configs []models.AlertConfig, typ models.AlertType, symbol string, def float64) (float64, bool) {
	var general *models.AlertConfig
	for i := range configs {
		c := &configs[i]
		if c.Type != typ {
			continue
		}
		if c.Symbol == symbol {
			return pickThreshold(c, def)
		}
		if c.Symbol == "" && general == nil {
			general = c
		}
	}
	if general != nil {
		return pickThreshold(general, def)
	}
	return def, true
}

func pickThreshold(c *models.AlertConfig, def float64) (float64, bool) {
	if !c.Enabled {
		return 0, false
	}
	if c.Threshold <= 0 {
		return def, true
	}
	return c.Threshold, true
}

func newAlert(portfolioID string, typ models.AlertType, symbol string, severity models.Severity, now time.Time) models.RealTimeAlert {
	return models.RealTimeAlert{
		ID:             uuid.NewString(),
		PortfolioID:    portfolioID,
		Type:           typ,
		Symbol:         symbol,
		Severity:       severity,
		Timestamp:      now,
		ActionRequired: severity.Rank() >= models.SeverityHigh.Rank(),
	}
}

// appendBounded appends extra to list and keeps the newest max entries.
func appendBounded(list, extra []models.RealTimeAlert, max int) []models.RealTimeAlert {
	list = append(list, extra...)
	if max > 0 && len(list) > max {
		list = append([]models.RealTimeAlert(nil), list[len(list)-max:]...)
	}
	return list
}

func cloneConfigs(configs []models.AlertConfig) []models.AlertConfig {
	out := make([]models.AlertConfig, len(configs))
	copy(out, configs)
	for i := range out {
		out[i].Symbol = strings.ToUpper(out[i].Symbol)
	}
	return out
}
