// Package gateway exposes the realtime engine over HTTP: a REST surface for
// queries and mutations under /api/v1 and a WebSocket endpoint at /ws for
// market data and domain-event pushes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"portfolio-realtime/internal/analyzer"
	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/events"
	"portfolio-realtime/internal/logging"
	"portfolio-realtime/internal/market"
	"portfolio-realtime/internal/protocol"
	"portfolio-realtime/internal/ratelimit"
	"portfolio-realtime/internal/resilience"
	"portfolio-realtime/internal/security"
	"portfolio-realtime/internal/store"
	"portfolio-realtime/internal/stream"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Config holds transport settings.
type Config struct {
	Addr              string        `mapstructure:"addr"`
	MaxConnections    int           `mapstructure:"max_connections"`
	AuthGracePeriod   time.Duration `mapstructure:"auth_grace_period"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	EventBuffer       int           `mapstructure:"event_buffer"`
	ReadLimit         int64         `mapstructure:"read_limit"`
	MaxSymbols        int           `mapstructure:"max_symbols_per_request"`
	MaxHoldings       int           `mapstructure:"max_holdings"`
	MaxHistoryDays    int           `mapstructure:"max_history_days"`
	MaxListLimit      int           `mapstructure:"max_list_limit"`
	// ProtocolViolations is the number of rejected messages tolerated per
	// minute before the connection is closed.
	ProtocolViolations int `mapstructure:"protocol_violation_limit"`
	// TrustProxy honours X-Forwarded-For and X-Forwarded-Proto.
	TrustProxy bool `mapstructure:"trust_proxy"`

	MessageRate ratelimit.Policy `mapstructure:"-"`
	AdminScope  string           `mapstructure:"-"`
	// AllowedOrigins drives CORS on the REST routes.
	AllowedOrigins []string `mapstructure:"-"`
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		Addr:               ":8080",
		MaxConnections:     1000,
		AuthGracePeriod:    10 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		WriteTimeout:       10 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		SendBuffer:         256,
		EventBuffer:        128,
		ReadLimit:          64 * 1024,
		MaxSymbols:         protocol.DefaultMaxSymbols,
		MaxHoldings:        200,
		MaxHistoryDays:     365,
		MaxListLimit:       100,
		ProtocolViolations: 10,
		MessageRate:        ratelimit.Policy{Max: 60, Window: time.Minute},
		AdminScope:         "market-data:admin",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.AuthGracePeriod <= 0 {
		c.AuthGracePeriod = d.AuthGracePeriod
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.MaxSymbols <= 0 {
		c.MaxSymbols = d.MaxSymbols
	}
	if c.MaxHoldings <= 0 {
		c.MaxHoldings = d.MaxHoldings
	}
	if c.MaxHistoryDays <= 0 {
		c.MaxHistoryDays = d.MaxHistoryDays
	}
	if c.MaxListLimit <= 0 {
		c.MaxListLimit = d.MaxListLimit
	}
	if c.ProtocolViolations <= 0 {
		c.ProtocolViolations = d.ProtocolViolations
	}
	if c.MessageRate.Max <= 0 || c.MessageRate.Window <= 0 {
		c.MessageRate = d.MessageRate
	}
	if c.AdminScope == "" {
		c.AdminScope = d.AdminScope
	}
	return c
}

// Deps are the components the gateway serves. Feed, Hub, Health and Audit
// are optional.
type Deps struct {
	Auth       *security.Authenticator
	Registry   *stream.Registry
	Analyzer   *analyzer.Analyzer
	Portfolios store.PortfolioStore
	Prices     *market.PriceCache
	Bus        *events.Bus
	Feed       *market.Feed
	Hub        *stream.Hub
	Health     *resilience.HealthMonitor
	Audit      *security.AuditLogger
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	cfg  Config
	deps Deps

	router     *mux.Router
	upgrader   websocket.Upgrader
	decoder    *protocol.Decoder
	messages   *ratelimit.Limiter
	violations *ratelimit.Limiter

	logger zerolog.Logger
	now    func() time.Time

	active    atomic.Int64
	pumps     conc.WaitGroup
	clientsMu sync.Mutex
	clients   map[*client]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates a server and its routes.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		decoder: protocol.NewDecoder(cfg.MaxSymbols),
		logger:  logging.WithComponent(logger, "gateway"),
		now:     time.Now,
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.messages = ratelimit.New(cfg.MessageRate, ratelimit.WithClock(s.now))
	s.violations = ratelimit.New(ratelimit.Policy{Max: cfg.ProtocolViolations, Window: time.Minute}, ratelimit.WithClock(s.now))

	// Origins are checked by the authenticator before the upgrade.
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	r := mux.NewRouter()
	r.Use(s.requestMiddleware)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.corsMiddleware)
	api.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)

	authed.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	authed.HandleFunc("/prices", s.handlePrices).Methods(http.MethodGet)
	authed.HandleFunc("/prices/{symbol}/history", s.handleHistory).Methods(http.MethodGet)

	authed.HandleFunc("/portfolios", s.handleListPortfolios).Methods(http.MethodGet)
	authed.HandleFunc("/portfolios", s.handleCreatePortfolio).Methods(http.MethodPost)
	authed.HandleFunc("/users/{userID}/portfolios", s.handleUserPortfolios).Methods(http.MethodGet)
	authed.HandleFunc("/portfolios/{id}", s.handleGetPortfolio).Methods(http.MethodGet)
	authed.HandleFunc("/portfolios/{id}", s.handleUpdatePortfolio).Methods(http.MethodPut)
	authed.HandleFunc("/portfolios/{id}", s.handleDeletePortfolio).Methods(http.MethodDelete)

	authed.HandleFunc("/portfolios/{id}/analysis", s.handleGetAnalysis).Methods(http.MethodGet)
	authed.HandleFunc("/portfolios/{id}/analysis/start", s.handleStartAnalysis).Methods(http.MethodPost)
	authed.HandleFunc("/portfolios/{id}/analysis/stop", s.handleStopAnalysis).Methods(http.MethodPost)
	authed.HandleFunc("/portfolios/{id}/analysis/trigger", s.handleTriggerAnalysis).Methods(http.MethodPost)
	authed.HandleFunc("/portfolios/{id}/insights", s.handleInsights).Methods(http.MethodGet)
	authed.HandleFunc("/portfolios/{id}/recommendations", s.handleRecommendations).Methods(http.MethodGet)
	authed.HandleFunc("/portfolios/{id}/alerts", s.handleAlerts).Methods(http.MethodGet)
	authed.HandleFunc("/portfolios/{id}/alerts/{alertID}", s.handleDismissAlert).Methods(http.MethodDelete)

	authed.HandleFunc("/portfolios/{id}/alert-configs", s.handleListAlertConfigs).Methods(http.MethodGet)
	authed.HandleFunc("/portfolios/{id}/alert-configs", s.handleCreateAlertConfig).Methods(http.MethodPost)
	authed.HandleFunc("/portfolios/{id}/alert-configs/{configID}", s.handleUpdateAlertConfig).Methods(http.MethodPut)

	authed.HandleFunc("/feed/subscriptions", s.handleFeedSymbols).Methods(http.MethodGet)
	authed.HandleFunc("/feed/subscriptions", s.handleFeedSubscribe).Methods(http.MethodPost)
	authed.HandleFunc("/feed/subscriptions", s.handleFeedUnsubscribe).Methods(http.MethodDelete)
	authed.HandleFunc("/feed/breakers/reset", s.handleResetBreakers).Methods(http.MethodPost)

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ActiveConnections returns the number of open WebSocket connections,
// authenticated or not.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Run serves until ctx is cancelled, then closes every connection and shuts
// the listener down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var loops conc.WaitGroup
	loops.Go(func() { s.heartbeat(ctx) })

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("Gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	closed := s.deps.Registry.CloseAll(shutdownCtx, protocol.CloseServerShutdown, "server shutdown")
	// Sockets that never authenticated are not in the registry.
	s.closeClients(protocol.CloseServerShutdown, "server shutdown")
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	loops.Wait()
	s.pumps.Wait()

	s.logger.Info().Int("connections_closed", closed).Msg("Gateway stopped")
	return err
}

// heartbeat sweeps inactive connections. Pings are sent by each connection's
// write loop on the same interval.
func (s *Server) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.deps.Registry.CleanupExpiredConnections(ctx); n > 0 {
				s.logger.Info().Int("removed", n).Msg("Heartbeat sweep removed inactive connections")
			}
		}
	}
}

// ============================================================================
// Middleware
// ============================================================================

type identityKey struct{}

// identity is the authenticated caller of a REST request.
type identity struct {
	UserID string
	Scopes []string
}

func (id identity) has(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func identityFrom(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey{}).(identity)
	return id
}

func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" || len(reqID) > 64 {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		logger := s.logger.With().Str("request_id", reqID).Logger()
		ctx := context.WithValue(r.Context(), logging.RequestIDKey, reqID)
		ctx = logging.WithLogger(ctx, logger)

		start := s.now()
		next.ServeHTTP(w, r.WithContext(ctx))

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", s.now().Sub(start)).
			Msg("Request served")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, r, apperrors.ErrNotAuthenticated)
			return
		}
		result := s.deps.Auth.ValidateToken(token, s.clientIP(r))
		if !result.Valid {
			s.writeError(w, r, result.Err())
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity{UserID: result.UserID, Scopes: result.Scopes})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ============================================================================
// Request helpers
// ============================================================================

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			return strings.TrimSpace(strings.Split(fwd, ",")[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) isSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return s.cfg.TrustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		authErr  *apperrors.AuthError
		protoErr *apperrors.ProtocolError
		valErr   *apperrors.ValidationError
		resErr   *apperrors.ResourceError
		provErr  *apperrors.ProviderError
	)
	switch {
	case errors.As(err, &authErr):
		switch {
		case errors.Is(err, apperrors.ErrRateLimited):
			return http.StatusTooManyRequests
		case errors.Is(err, apperrors.ErrMissingScope),
			errors.Is(err, apperrors.ErrOriginNotAllowed),
			errors.Is(err, apperrors.ErrInsecureTransport),
			errors.Is(err, apperrors.ErrAutomatedClient):
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrForbidden):
		return http.StatusForbidden
	case errors.As(err, &protoErr), errors.As(err, &valErr):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrPortfolioNotFound),
		errors.Is(err, apperrors.ErrAlertNotFound),
		errors.Is(err, apperrors.ErrAlertConfigNotFound),
		errors.Is(err, apperrors.ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrAnalysisInFlight), errors.Is(err, apperrors.ErrAnalysisStale):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrEmptyPortfolio):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrConnectionLimit):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrRateLimited), errors.As(err, &resErr):
		return http.StatusTooManyRequests
	case errors.Is(err, apperrors.ErrProviderUnavailable), errors.As(err, &provErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: apperrors.PublicMessage(err)}
	var authErr *apperrors.AuthError
	if errors.As(err, &authErr) {
		body.Reason = authErr.Reason
	}

	logger := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")
	} else {
		logger.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request rejected")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
