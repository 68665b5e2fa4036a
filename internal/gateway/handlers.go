package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"portfolio-realtime/internal/analyzer"
	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/events"
	"portfolio-realtime/internal/logging"
	"portfolio-realtime/internal/market"
	"portfolio-realtime/internal/models"
	"portfolio-realtime/internal/resilience"
	"portfolio-realtime/internal/security"
	"portfolio-realtime/internal/stream"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

const defaultListLimit = 20

// ============================================================================
// System
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(resilience.HealthStatusHealthy)})
		return
	}
	health := s.deps.Health.GetHealth()
	status := http.StatusOK
	if health.Status == resilience.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

type statsResponse struct {
	ActiveSockets int                       `json:"activeSockets"`
	Connections   stream.ConnectionStats    `json:"connections"`
	Broadcaster   stream.BroadcasterMetrics `json:"broadcaster"`
	Hub           *stream.HubMetrics        `json:"hub,omitempty"`
	Analyzer      analyzer.Stats            `json:"analyzer"`
	Auth          security.AuthMetrics      `json:"auth"`
	Events        events.BusMetrics         `json:"events"`
	Feed          *market.FeedStats         `json:"feed,omitempty"`
	CachedSymbols int                       `json:"cachedSymbols"`
	Health        *resilience.SystemHealth  `json:"health,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		ActiveSockets: s.ActiveConnections(),
		Connections:   s.deps.Registry.GetConnectionStats(),
		Broadcaster:   s.deps.Registry.Broadcaster().GetMetrics(),
		Analyzer:      s.deps.Analyzer.Stats(),
		Auth:          s.deps.Auth.GetMetrics(),
		Events:        s.deps.Bus.GetMetrics(),
		CachedSymbols: len(s.deps.Prices.CachedSymbols()),
	}
	if s.deps.Hub != nil {
		m := s.deps.Hub.GetMetrics()
		resp.Hub = &m
	}
	if s.deps.Feed != nil {
		f := s.deps.Feed.Stats()
		resp.Feed = &f
	}
	if s.deps.Health != nil {
		h := s.deps.Health.GetHealth()
		resp.Health = &h
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================================================
// Market data
// ============================================================================

type pricesResponse struct {
	Prices  map[string]models.MarketDataPoint `json:"prices"`
	Missing []string                          `json:"missing,omitempty"`
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	var raw []string
	for _, v := range r.URL.Query()["symbols"] {
		raw = append(raw, strings.Split(v, ",")...)
	}
	raw = append(raw, r.URL.Query()["symbol"]...)
	if len(raw) == 0 {
		s.writeError(w, r, apperrors.NewValidationError("symbols", nil, "at least one symbol is required"))
		return
	}
	symbols, err := security.NormalizeSymbols(raw, s.cfg.MaxSymbols)
	if err != nil {
		s.writeError(w, r, symbolsError(err))
		return
	}

	prices := s.deps.Prices.Snapshot(symbols)
	missing := missingSymbols(symbols, prices)
	if len(missing) > 0 && s.deps.Feed != nil {
		ticks, err := s.deps.Feed.Fetch(r.Context(), missing)
		if err != nil {
			logger := logging.FromContext(r.Context())
			logger.Warn().Err(err).Strs("symbols", missing).Msg("On-demand quote fetch failed")
		}
		for _, t := range ticks {
			s.deps.Prices.Put(t)
			prices[t.Symbol] = t
		}
		missing = missingSymbols(symbols, prices)
	}

	writeJSON(w, http.StatusOK, pricesResponse{Prices: prices, Missing: missing})
}

func missingSymbols(symbols []string, have map[string]models.MarketDataPoint) []string {
	var out []string
	for _, sym := range symbols {
		if _, ok := have[sym]; !ok {
			out = append(out, sym)
		}
	}
	return out
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	symbol, err := security.ValidateSymbol(mux.Vars(r)["symbol"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	days, err := intParam(r, "days", 30, 1, s.cfg.MaxHistoryDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var series []models.MarketDataPoint
	err = apperrors.ErrProviderUnavailable
	if s.deps.Feed != nil {
		series, err = s.deps.Feed.History(r.Context(), symbol, days)
	}
	if err != nil {
		// Fall back to the tick history held in memory.
		series = s.deps.Prices.History(symbol, 0)
		if len(series) == 0 {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbol": symbol, "days": days, "series": series})
}

// ============================================================================
// Portfolios
// ============================================================================

type holdingRequest struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"averageCost"`
}

type portfolioRequest struct {
	Name          string               `json:"name"`
	RiskTolerance models.RiskTolerance `json:"riskTolerance"`
	Holdings      []holdingRequest     `json:"holdings"`
}

// build validates the request into a portfolio definition.
func (req portfolioRequest) build(maxHoldings int) (*models.Portfolio, error) {
	if err := security.ValidateName("name", req.Name); err != nil {
		return nil, err
	}
	if req.RiskTolerance != "" && !req.RiskTolerance.Valid() {
		return nil, apperrors.NewValidationError("riskTolerance", security.SanitizeText(string(req.RiskTolerance)), "must be low, medium or high")
	}
	if len(req.Holdings) > maxHoldings {
		return nil, apperrors.NewValidationError("holdings", len(req.Holdings), "too many holdings")
	}

	p := &models.Portfolio{
		Name:          strings.TrimSpace(req.Name),
		RiskTolerance: req.RiskTolerance,
		Holdings:      make([]models.PortfolioHolding, 0, len(req.Holdings)),
	}
	seen := make(map[string]struct{}, len(req.Holdings))
	for _, h := range req.Holdings {
		symbol, err := security.ValidateSymbol(h.Symbol)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[symbol]; dup {
			return nil, apperrors.NewValidationError("holdings", symbol, "duplicate symbol")
		}
		seen[symbol] = struct{}{}
		if !h.Quantity.IsPositive() {
			return nil, apperrors.NewValidationError("quantity", symbol, "must be positive")
		}
		if h.AverageCost.IsNegative() {
			return nil, apperrors.NewValidationError("averageCost", symbol, "must not be negative")
		}
		p.Holdings = append(p.Holdings, models.PortfolioHolding{
			Symbol:      symbol,
			Quantity:    h.Quantity,
			AverageCost: h.AverageCost,
		})
	}
	p.Normalize()
	return p, nil
}

// portfolioView is a portfolio valued at the latest cached prices.
type portfolioView struct {
	*models.Portfolio
	Analyzing bool `json:"analyzing"`
}

func (s *Server) view(p *models.Portfolio) portfolioView {
	if live, ok := s.deps.Analyzer.Portfolio(p.ID); ok {
		return portfolioView{Portfolio: live, Analyzing: true}
	}
	p = p.Clone()
	analyzer.Revalue(p, s.deps.Prices)
	return portfolioView{Portfolio: p}
}

// ownedPortfolio loads the portfolio named in the route. Portfolios of other
// users are reported as missing unless the caller holds the admin scope.
func (s *Server) ownedPortfolio(r *http.Request) (*models.Portfolio, error) {
	p, err := s.deps.Portfolios.GetPortfolio(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	caller := identityFrom(r.Context())
	if p.UserID != caller.UserID && !caller.has(s.cfg.AdminScope) {
		return nil, apperrors.ErrPortfolioNotFound
	}
	return p, nil
}

func (s *Server) listViews(ctx context.Context, userID string) ([]portfolioView, error) {
	list, err := s.deps.Portfolios.ListPortfolios(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]portfolioView, 0, len(list))
	for _, p := range list {
		out = append(out, s.view(p))
	}
	return out, nil
}

func (s *Server) handleListPortfolios(w http.ResponseWriter, r *http.Request) {
	views, err := s.listViews(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleUserPortfolios(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	caller := identityFrom(r.Context())
	if userID != caller.UserID && !caller.has(s.cfg.AdminScope) {
		s.writeError(w, r, apperrors.ErrForbidden)
		return
	}
	views, err := s.listViews(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPortfolio(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(p))
}

func (s *Server) handleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req portfolioRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := req.build(s.cfg.MaxHoldings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p.ID = uuid.NewString()
	p.UserID = identityFrom(r.Context()).UserID

	if err := s.deps.Portfolios.CreatePortfolio(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publishPortfolio(events.TopicUserPortfoliosUpdated, p)
	_ = s.deps.Audit.LogPortfolioChange(r.Context(), p.UserID, "create", p.ID)

	logger := logging.FromContext(r.Context())
	logger.Info().
		Str("portfolio_id", p.ID).
		Str("user_id", p.UserID).
		Int("holdings", len(p.Holdings)).
		Msg("Portfolio created")
	writeJSON(w, http.StatusCreated, s.view(p))
}

func (s *Server) handleUpdatePortfolio(w http.ResponseWriter, r *http.Request) {
	existing, err := s.ownedPortfolio(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req portfolioRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := req.build(s.cfg.MaxHoldings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p.ID = existing.ID
	p.UserID = existing.UserID

	if err := s.deps.Portfolios.UpdatePortfolio(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Analyzer.UpdatePortfolio(p); err != nil && !apperrors.Is(err, apperrors.ErrNotRegistered) {
		s.writeError(w, r, err)
		return
	}

	v := s.view(p)
	s.publishPortfolio(events.TopicPortfolioUpdated, v.Portfolio)
	s.publishPortfolio(events.TopicUserPortfoliosUpdated, v.Portfolio)
	_ = s.deps.Audit.LogPortfolioChange(r.Context(), identityFrom(r.Context()).UserID, "update", p.ID)
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDeletePortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPortfolio(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Analyzer.StopAnalysis(p.ID); err != nil && !apperrors.Is(err, apperrors.ErrNotRegistered) {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Portfolios.DeletePortfolio(r.Context(), p.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publishPortfolio(events.TopicUserPortfoliosUpdated, p)
	_ = s.deps.Audit.LogPortfolioChange(r.Context(), identityFrom(r.Context()).UserID, "delete", p.ID)

	logger := logging.FromContext(r.Context())
	logger.Info().Str("portfolio_id", p.ID).Msg("Portfolio deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) publishPortfolio(topic events.Topic, p *models.Portfolio) {
	s.deps.Bus.Publish(events.Event{
		Topic:       topic,
		PortfolioID: p.ID,
		UserID:      p.UserID,
		Timestamp:   s.now().UTC(),
		Payload:     p,
	})
}

// ============================================================================
// Analysis
// ============================================================================

type analysisStatus struct {
	PortfolioID string                 `json:"portfolioId"`
	Analyzing   bool                   `json:"analyzing"`
	Result      *models.AnalysisResult `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

func (s *Server) handleStartAnalysis(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPortfolio(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	configs, err := s.deps.Portfolios.ListAlertConfigs(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Analyzer.StartAnalysis(p, configs); err != nil {
		s.writeError(w, r, err)
		return
	}

	// The first pass runs now so the caller gets a baseline; a failure here
	// leaves the schedule in place.
	status := analysisStatus{PortfolioID: p.ID, Analyzing: true}
	result, err := s.deps.Analyzer.Trigger(r.Context(), p.ID)
	if err != nil {
		status.Error = apperrors.PublicMessage(err)
		logger := logging.FromContext(r.Context())
		logger.Debug().Err(err).Str("portfolio_id", p.ID).Msg("Initial analysis pass failed")
	}
	status.Result = result
	writeJSON(w, http.StatusAccepted, status)
}

func (s *Server) handleStopAnalysis(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPortfolio(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Analyzer.StopAnalysis(p.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysisStatus{PortfolioID: p.ID})
}

func (s *Server) handleTriggerAnalysis(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPortfolio(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.deps.Analyzer.Trigger(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPortfolio(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.deps.Analyzer.Result(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if result == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no analysis result available"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPortfolio(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	insights, err := s.deps.Analyzer.Insights(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPortfolio(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	recs, err := s.deps.Analyzer.Recommendations(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPortfolio(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", defaultListLimit, 1, s.cfg.MaxListLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	alerts, err := s.deps.Analyzer.Alerts(r.Context(), p.ID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPortfolio(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Analyzer.DismissAlert(r.Context(), p.ID, mux.Vars(r)["alertID"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Alert configurations
// ============================================================================

type alertConfigRequest struct {
	Symbol    *string          `json:"symbol"`
	Type      models.AlertType `json:"type"`
	Threshold *float64         `json:"threshold"`
	Enabled   *bool            `json:"enabled"`
}

// apply merges the request into cfg. Absent fields keep their value.
func (req alertConfigRequest) apply(cfg *models.AlertConfig) error {
	if req.Type != "" {
		if !req.Type.Valid() {
			return apperrors.NewValidationError("type", security.SanitizeText(string(req.Type)), "unknown alert type")
		}
		cfg.Type = req.Type
	}
	if cfg.Type == "" {
		return apperrors.NewValidationError("type", nil, "alert type is required")
	}
	if req.Symbol != nil {
		cfg.Symbol = ""
		if strings.TrimSpace(*req.Symbol) != "" {
			symbol, err := security.ValidateSymbol(*req.Symbol)
			if err != nil {
				return err
			}
			cfg.Symbol = symbol
		}
	}
	if req.Threshold != nil {
		if *req.Threshold < 0 {
			return apperrors.NewValidationError("threshold", *req.Threshold, "must not be negative")
		}
		cfg.Threshold = *req.Threshold
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	return nil
}

func (s *Server) handleListAlertConfigs(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPortfolio(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	configs, err := s.deps.Portfolios.ListAlertConfigs(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if configs == nil {
		configs = []models.AlertConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

func (s *Server) handleCreateAlertConfig(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPortfolio(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req alertConfigRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	cfg := &models.AlertConfig{ID: uuid.NewString(), PortfolioID: p.ID, Enabled: true}
	if err := req.apply(cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Portfolios.SaveAlertConfig(r.Context(), cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.syncAlertConfigs(r.Context(), p.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleUpdateAlertConfig(w http.ResponseWriter, r *http.Request) {
	p, err := s.ownedPortfolio(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cfg, err := s.deps.Portfolios.GetAlertConfig(r.Context(), mux.Vars(r)["configID"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cfg.PortfolioID != p.ID {
		s.writeError(w, r, apperrors.ErrAlertConfigNotFound)
		return
	}

	var req alertConfigRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.apply(cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Portfolios.SaveAlertConfig(r.Context(), cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.syncAlertConfigs(r.Context(), p.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// syncAlertConfigs pushes the stored overrides into a running analysis.
func (s *Server) syncAlertConfigs(ctx context.Context, portfolioID string) error {
	if !s.deps.Analyzer.IsAnalyzing(portfolioID) {
		return nil
	}
	configs, err := s.deps.Portfolios.ListAlertConfigs(ctx, portfolioID)
	if err != nil {
		return err
	}
	if err := s.deps.Analyzer.SetAlertConfigs(portfolioID, configs); err != nil && !apperrors.Is(err, apperrors.ErrNotRegistered) {
		return err
	}
	return nil
}

// ============================================================================
// Feed administration
// ============================================================================

type feedRequest struct {
	Symbols []string `json:"symbols"`
}

type feedResponse struct {
	Changed []string `json:"changed,omitempty"`
	Admin   []string `json:"admin"`
	Active  []string `json:"active"`
}

func (s *Server) handleFeedSymbols(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feed == nil {
		s.writeError(w, r, apperrors.ErrProviderUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, feedResponse{Admin: s.deps.Feed.AdminSymbols(), Active: s.deps.Feed.Symbols()})
}

func (s *Server) handleFeedSubscribe(w http.ResponseWriter, r *http.Request) {
	s.changeFeed(w, r, "subscribe")
}

func (s *Server) handleFeedUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.changeFeed(w, r, "unsubscribe")
}

func (s *Server) changeFeed(w http.ResponseWriter, r *http.Request, action string) {
	caller := identityFrom(r.Context())
	if !caller.has(s.cfg.AdminScope) {
		s.writeError(w, r, apperrors.ErrForbidden)
		return
	}
	if s.deps.Feed == nil {
		s.writeError(w, r, apperrors.ErrProviderUnavailable)
		return
	}

	var req feedRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Symbols) == 0 {
		s.writeError(w, r, apperrors.NewValidationError("symbols", nil, "at least one symbol is required"))
		return
	}
	symbols, err := security.NormalizeSymbols(req.Symbols, s.cfg.MaxSymbols)
	if err != nil {
		s.writeError(w, r, symbolsError(err))
		return
	}

	var changed []string
	if action == "subscribe" {
		changed = s.deps.Feed.Subscribe(symbols)
	} else {
		changed = s.deps.Feed.Unsubscribe(symbols)
	}
	_ = s.deps.Audit.LogFeedChange(r.Context(), caller.UserID, action, changed)
	logger := logging.FromContext(r.Context())
	logger.Info().
		Str("user_id", caller.UserID).
		Str("action", action).
		Strs("symbols", changed).
		Msg("Feed subscriptions changed")

	writeJSON(w, http.StatusOK, feedResponse{Changed: changed, Admin: s.deps.Feed.AdminSymbols(), Active: s.deps.Feed.Symbols()})
}

func (s *Server) handleResetBreakers(w http.ResponseWriter, r *http.Request) {
	caller := identityFrom(r.Context())
	if !caller.has(s.cfg.AdminScope) {
		s.writeError(w, r, apperrors.ErrForbidden)
		return
	}
	if s.deps.Feed == nil {
		s.writeError(w, r, apperrors.ErrProviderUnavailable)
		return
	}
	s.deps.Feed.ResetBreakers()
	_ = s.deps.Audit.LogFeedChange(r.Context(), caller.UserID, "reset_breakers", s.deps.Feed.ProviderNames())
	writeJSON(w, http.StatusOK, s.deps.Feed.Status())
}

// ============================================================================
// Helpers
// ============================================================================

const maxBodyBytes = 1 << 20

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.NewValidationError("body", nil, "malformed JSON body")
	}
	return nil
}

func intParam(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return 0, apperrors.NewValidationError(name, security.SanitizeText(raw), "must be an integer between "+strconv.Itoa(min)+" and "+strconv.Itoa(max))
	}
	return n, nil
}

func symbolsError(err error) error {
	if apperrors.Is(err, apperrors.ErrBatchTooLarge) {
		return apperrors.NewValidationError("symbols", nil, "too many symbols in request")
	}
	return err
}
