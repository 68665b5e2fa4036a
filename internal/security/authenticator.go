// Package security provides connection admission, token verification, audit
// logging and input validation.
package security

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/ratelimit"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Denial and failure reasons. They double as audit and metric labels.
const (
	ReasonRateLimited       = "rate_limited"
	ReasonInsecureTransport = "insecure_transport"
	ReasonOriginMissing     = "origin_missing"
	ReasonOriginNotAllowed  = "origin_not_allowed"
	ReasonAutomatedClient   = "automated_client"
	ReasonTokenMissing      = "token_missing"
	ReasonTokenMalformed    = "token_malformed"
	ReasonTokenSignature    = "token_signature"
	ReasonTokenIssuer       = "token_issuer"
	ReasonTokenAudience     = "token_audience"
	ReasonTokenNotYetValid  = "token_not_yet_valid"
	ReasonTokenExpired      = "token_expired"
	ReasonTokenTooOld       = "token_too_old"
	ReasonTokenInvalid      = "token_invalid"
	ReasonInvalidSubject    = "invalid_subject"
	ReasonMissingScope      = "missing_scope"
)

// Risk scores by failure class.
var riskScores = map[string]float64{
	ReasonRateLimited:       0.9,
	ReasonAutomatedClient:   0.8,
	ReasonTokenMalformed:    0.8,
	ReasonTokenSignature:    0.8,
	ReasonTokenIssuer:       0.8,
	ReasonTokenAudience:     0.8,
	ReasonOriginNotAllowed:  0.7,
	ReasonInvalidSubject:    0.7,
	ReasonMissingScope:      0.7,
	ReasonTokenInvalid:      0.7,
	ReasonTokenTooOld:       0.6,
	ReasonTokenNotYetValid:  0.6,
	ReasonInsecureTransport: 0.6,
	ReasonOriginMissing:     0.5,
	ReasonTokenExpired:      0.5,
	ReasonTokenMissing:      0.4,
}

var reasonErrors = map[string]error{
	ReasonRateLimited:       apperrors.ErrRateLimited,
	ReasonInsecureTransport: apperrors.ErrInsecureTransport,
	ReasonOriginMissing:     apperrors.ErrOriginNotAllowed,
	ReasonOriginNotAllowed:  apperrors.ErrOriginNotAllowed,
	ReasonAutomatedClient:   apperrors.ErrAutomatedClient,
	ReasonTokenMissing:      apperrors.ErrTokenMissing,
	ReasonTokenMalformed:    apperrors.ErrTokenMalformed,
	ReasonTokenSignature:    apperrors.ErrTokenInvalid,
	ReasonTokenIssuer:       apperrors.ErrTokenInvalid,
	ReasonTokenAudience:     apperrors.ErrTokenInvalid,
	ReasonTokenNotYetValid:  apperrors.ErrTokenInvalid,
	ReasonTokenExpired:      apperrors.ErrTokenExpired,
	ReasonTokenTooOld:       apperrors.ErrTokenTooOld,
	ReasonTokenInvalid:      apperrors.ErrTokenInvalid,
	ReasonInvalidSubject:    apperrors.ErrInvalidSubject,
	ReasonMissingScope:      apperrors.ErrMissingScope,
}

// RiskScore returns the risk score associated with a failure reason.
func RiskScore(reason string) float64 {
	return riskScores[reason]
}

// DefaultBlockedUserAgents are substrings identifying automation clients.
var DefaultBlockedUserAgents = []string{
	"bot", "crawler", "spider", "scrapy", "curl/", "wget/",
	"python-requests", "python-urllib", "headlesschrome", "phantomjs", "selenium",
}

// AuthConfig configures an Authenticator.
type AuthConfig struct {
	Production        bool
	AllowedOrigins    []string
	BlockedUserAgents []string

	JWTSecret     string
	Issuer        string
	Audience      string
	RequiredScope string
	MaxTokenAge   time.Duration

	ConnectionRate ratelimit.Policy
	AuthRate       ratelimit.Policy
}

// TokenResult is the outcome of ValidateToken. RiskScore is 0 on success.
type TokenResult struct {
	Valid     bool
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
	RiskScore float64
	Reason    string
}

// Err converts a failed result into an *errors.AuthError.
func (r TokenResult) Err() error {
	if r.Valid {
		return nil
	}
	return apperrors.NewAuthError(r.Reason, r.RiskScore, reasonErrors[r.Reason])
}

// HasScope reports whether the token granted scope.
func (r TokenResult) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Claims are the JWT claims accepted by the authenticator. Scopes may arrive
// as a space separated "scope" string or a "scopes" array.
type Claims struct {
	Scope  string   `json:"scope,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// AllScopes merges both scope claim forms.
func (c *Claims) AllScopes() []string {
	out := append([]string(nil), c.Scopes...)
	for _, s := range strings.Fields(c.Scope) {
		out = append(out, s)
	}
	return out
}

// AuthMetrics are cumulative authentication counters.
type AuthMetrics struct {
	ConnectionsAllowed int64            `json:"connectionsAllowed"`
	ConnectionsDenied  int64            `json:"connectionsDenied"`
	TokensValid        int64            `json:"tokensValid"`
	TokensInvalid      int64            `json:"tokensInvalid"`
	Blocked            int64            `json:"blocked"`
	FailuresByReason   map[string]int64 `json:"failuresByReason"`
}

// Authenticator admits connections and verifies bearer tokens.
type Authenticator struct {
	cfg         AuthConfig
	connLimiter *ratelimit.Limiter
	authLimiter *ratelimit.Limiter
	parser      *jwt.Parser
	audit       *AuditLogger
	logger      zerolog.Logger
	now         func() time.Time

	connectionsAllowed atomic.Int64
	connectionsDenied  atomic.Int64
	tokensValid        atomic.Int64
	tokensInvalid      atomic.Int64
	blocked            atomic.Int64

	reasonsMu sync.Mutex
	reasons   map[string]int64
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithAuditLogger attaches an audit logger.
func WithAuditLogger(al *AuditLogger) AuthOption {
	return func(a *Authenticator) {
		a.audit = al
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) AuthOption {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// WithClock overrides the time source for rate limiting and token checks.
func WithClock(now func() time.Time) AuthOption {
	return func(a *Authenticator) {
		a.now = now
	}
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg AuthConfig, opts ...AuthOption) *Authenticator {
	a := &Authenticator{
		cfg:     cfg,
		logger:  zerolog.Nop(),
		now:     time.Now,
		reasons: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cfg.BlockedUserAgents == nil {
		a.cfg.BlockedUserAgents = DefaultBlockedUserAgents
	}

	a.connLimiter = ratelimit.New(cfg.ConnectionRate, ratelimit.WithClock(a.now))
	a.authLimiter = ratelimit.New(cfg.AuthRate, ratelimit.WithClock(a.now))

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(a.now),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}
	a.parser = jwt.NewParser(parserOpts...)

	return a
}

// VerifyConnectionRequest decides whether a connection may be upgraded. It
// returns nil to allow or an *errors.AuthError describing the denial.
func (a *Authenticator) VerifyConnectionRequest(origin string, isSecure bool, headers http.Header, clientIP string) error {
	reason := a.connectionDenial(origin, isSecure, headers, clientIP)

	risk := RiskScore(reason)
	_ = a.audit.LogConnection(context.Background(), clientIP, origin, reason == "", reason, risk)

	if reason == "" {
		a.connectionsAllowed.Add(1)
		return nil
	}

	a.connectionsDenied.Add(1)
	a.countFailure(reason)
	if reason == ReasonRateLimited {
		a.blocked.Add(1)
	}

	a.logger.Warn().
		Str("client_ip", clientIP).
		Str("origin", origin).
		Str("reason", reason).
		Float64("risk_score", risk).
		Msg("Connection rejected")

	return apperrors.NewAuthError(reason, risk, reasonErrors[reason])
}

func (a *Authenticator) connectionDenial(origin string, isSecure bool, headers http.Header, clientIP string) string {
	if !a.connLimiter.TryRequest(clientIP) {
		return ReasonRateLimited
	}

	if a.cfg.Production && !isSecure {
		return ReasonInsecureTransport
	}

	if reason := a.checkOrigin(origin); reason != "" {
		return reason
	}

	ua := strings.ToLower(headers.Get("User-Agent"))
	if ua == "" && a.cfg.Production {
		return ReasonAutomatedClient
	}
	for _, sig := range a.cfg.BlockedUserAgents {
		if sig != "" && strings.Contains(ua, strings.ToLower(sig)) {
			return ReasonAutomatedClient
		}
	}

	return ""
}

func (a *Authenticator) checkOrigin(origin string) string {
	wildcard := false
	for _, allowed := range a.cfg.AllowedOrigins {
		if allowed == "*" {
			wildcard = true
			continue
		}
		if origin != "" && strings.EqualFold(strings.TrimRight(allowed, "/"), strings.TrimRight(origin, "/")) {
			return ""
		}
	}

	// Wildcards are honoured only outside production.
	if wildcard && !a.cfg.Production {
		return ""
	}
	if origin == "" {
		return ReasonOriginMissing
	}
	return ReasonOriginNotAllowed
}

// ValidateToken verifies a bearer token for clientIP.
func (a *Authenticator) ValidateToken(token, clientIP string) TokenResult {
	result := a.validate(token, clientIP)

	_ = a.audit.LogToken(context.Background(), clientIP, result)

	if result.Valid {
		a.tokensValid.Add(1)
		a.logger.Debug().
			Str("user_id", result.UserID).
			Str("client_ip", clientIP).
			Msg("Token accepted")
		return result
	}

	a.tokensInvalid.Add(1)
	a.countFailure(result.Reason)
	if result.Reason == ReasonRateLimited {
		a.blocked.Add(1)
	}

	a.logger.Warn().
		Str("client_ip", clientIP).
		Str("reason", result.Reason).
		Float64("risk_score", result.RiskScore).
		Str("token", MaskCredential(token)).
		Msg("Token rejected")

	return result
}

func (a *Authenticator) validate(token, clientIP string) TokenResult {
	if !a.authLimiter.TryRequest(clientIP) {
		return fail(ReasonRateLimited)
	}

	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return fail(ReasonTokenMissing)
	}

	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(a.cfg.JWTSecret), nil
	})

	// Failures are ranked by risk; a token that is both expired and
	// missing a scope reports the scope failure.
	var failures []string
	if err != nil {
		reason := classifyJWTError(err)
		if reason == ReasonTokenMalformed || reason == ReasonTokenSignature {
			return fail(reason)
		}
		failures = append(failures, reason)
	}

	if a.cfg.MaxTokenAge > 0 {
		if claims.IssuedAt == nil || a.now().Sub(claims.IssuedAt.Time) > a.cfg.MaxTokenAge {
			failures = append(failures, ReasonTokenTooOld)
		}
	}

	if !ValidSubject(claims.Subject) {
		failures = append(failures, ReasonInvalidSubject)
	}

	scopes := claims.AllScopes()
	if a.cfg.RequiredScope != "" && !contains(scopes, a.cfg.RequiredScope) {
		failures = append(failures, ReasonMissingScope)
	}

	if len(failures) > 0 {
		worst := failures[0]
		for _, f := range failures[1:] {
			if RiskScore(f) > RiskScore(worst) {
				worst = f
			}
		}
		return fail(worst)
	}

	result := TokenResult{
		Valid:  true,
		UserID: claims.Subject,
		Scopes: scopes,
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ReasonTokenMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ReasonTokenSignature
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ReasonTokenIssuer
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ReasonTokenAudience
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonTokenExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ReasonTokenNotYetValid
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return ReasonTokenMalformed
	}
	return ReasonTokenInvalid
}

func fail(reason string) TokenResult {
	return TokenResult{
		Valid:     false,
		Reason:    reason,
		RiskScore: RiskScore(reason),
	}
}

func (a *Authenticator) countFailure(reason string) {
	a.reasonsMu.Lock()
	a.reasons[reason]++
	a.reasonsMu.Unlock()
}

// GetMetrics returns a snapshot of the authentication counters.
func (a *Authenticator) GetMetrics() AuthMetrics {
	a.reasonsMu.Lock()
	reasons := make(map[string]int64, len(a.reasons))
	for k, v := range a.reasons {
		reasons[k] = v
	}
	a.reasonsMu.Unlock()

	return AuthMetrics{
		ConnectionsAllowed: a.connectionsAllowed.Load(),
		ConnectionsDenied:  a.connectionsDenied.Load(),
		TokensValid:        a.tokensValid.Load(),
		TokensInvalid:      a.tokensInvalid.Load(),
		Blocked:            a.blocked.Load(),
		FailuresByReason:   reasons,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
