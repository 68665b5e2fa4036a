package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/ratelimit"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const testSecret = "test-signing-secret-with-enough-entropy"

var testNow = time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)

func testConfig() AuthConfig {
	return AuthConfig{
		Production:     true,
		AllowedOrigins: []string{"https://app.example.com"},
		JWTSecret:      testSecret,
		Issuer:         "https://auth.example.com",
		Audience:       "portfolio-realtime",
		RequiredScope:  "market-data:read",
		MaxTokenAge:    24 * time.Hour,
		ConnectionRate: ratelimit.Policy{Max: 100, Window: time.Minute},
		AuthRate:       ratelimit.Policy{Max: 100, Window: time.Minute},
	}
}

func newTestAuthenticator(cfg AuthConfig) *Authenticator {
	return NewAuthenticator(cfg, WithClock(func() time.Time { return testNow }))
}

type tokenSpec struct {
	subject  string
	issuer   string
	audience string
	scope    string
	scopes   []string
	issued   time.Time
	expires  time.Time
	secret   string
	method   jwt.SigningMethod
}

func validSpec() tokenSpec {
	return tokenSpec{
		subject:  uuid.NewString(),
		issuer:   "https://auth.example.com",
		audience: "portfolio-realtime",
		scope:    "market-data:read portfolio:read",
		issued:   testNow.Add(-time.Minute),
		expires:  testNow.Add(time.Hour),
		secret:   testSecret,
		method:   jwt.SigningMethodHS256,
	}
}

func sign(t *testing.T, s tokenSpec) string {
	t.Helper()

	claims := Claims{
		Scope:  s.scope,
		Scopes: s.scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.subject,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(s.issued),
			ExpiresAt: jwt.NewNumericDate(s.expires),
		},
	}
	token, err := jwt.NewWithClaims(s.method, claims).SignedString([]byte(s.secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func browserHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15")
	return h
}

func TestValidateToken_Valid(t *testing.T) {
	a := newTestAuthenticator(testConfig())
	spec := validSpec()

	result := a.ValidateToken(sign(t, spec), "10.0.0.1")
	if !result.Valid {
		t.Fatalf("token rejected: %s", result.Reason)
	}
	if result.UserID != spec.subject {
		t.Fatalf("UserID = %q, want %q", result.UserID, spec.subject)
	}
	if result.RiskScore != 0 {
		t.Fatalf("RiskScore = %v, want 0", result.RiskScore)
	}
	if !result.HasScope("portfolio:read") {
		t.Fatalf("scopes %v missing portfolio:read", result.Scopes)
	}
}

func TestValidateToken_ScopesArray(t *testing.T) {
	a := newTestAuthenticator(testConfig())
	spec := validSpec()
	spec.scope = ""
	spec.scopes = []string{"market-data:read"}

	if result := a.ValidateToken(sign(t, spec), "10.0.0.1"); !result.Valid {
		t.Fatalf("token with scopes array rejected: %s", result.Reason)
	}
}

func TestValidateToken_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*tokenSpec)
		raw    string
		reason string
		risk   float64
	}{
		{name: "missing", raw: " ", reason: ReasonTokenMissing, risk: 0.4},
		{name: "garbage", raw: "not.a.jwt", reason: ReasonTokenMalformed, risk: 0.8},
		{name: "wrong secret", mutate: func(s *tokenSpec) { s.secret = "another-secret" }, reason: ReasonTokenSignature, risk: 0.8},
		{name: "wrong issuer", mutate: func(s *tokenSpec) { s.issuer = "https://evil.example.com" }, reason: ReasonTokenIssuer, risk: 0.8},
		{name: "wrong audience", mutate: func(s *tokenSpec) { s.audience = "other-service" }, reason: ReasonTokenAudience, risk: 0.8},
		{name: "expired", mutate: func(s *tokenSpec) { s.expires = testNow.Add(-time.Minute) }, reason: ReasonTokenExpired, risk: 0.5},
		{name: "too old", mutate: func(s *tokenSpec) {
			s.issued = testNow.Add(-48 * time.Hour)
		}, reason: ReasonTokenTooOld, risk: 0.6},
		{name: "bad subject", mutate: func(s *tokenSpec) { s.subject = "alice@example.com" }, reason: ReasonInvalidSubject, risk: 0.7},
		{name: "missing scope", mutate: func(s *tokenSpec) { s.scope = "portfolio:read" }, reason: ReasonMissingScope, risk: 0.7},
		{name: "expired and missing scope", mutate: func(s *tokenSpec) {
			s.scope = ""
			s.expires = testNow.Add(-time.Minute)
		}, reason: ReasonMissingScope, risk: 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAuthenticator(testConfig())

			token := tt.raw
			if tt.mutate != nil {
				spec := validSpec()
				tt.mutate(&spec)
				token = sign(t, spec)
			}

			result := a.ValidateToken(token, "10.0.0.2")
			if result.Valid {
				t.Fatal("token accepted")
			}
			if result.Reason != tt.reason {
				t.Fatalf("Reason = %q, want %q", result.Reason, tt.reason)
			}
			if result.RiskScore != tt.risk {
				t.Fatalf("RiskScore = %v, want %v", result.RiskScore, tt.risk)
			}

			var authErr *apperrors.AuthError
			if !errors.As(result.Err(), &authErr) || authErr.Reason != tt.reason {
				t.Fatalf("Err() = %v, want AuthError with reason %s", result.Err(), tt.reason)
			}
		})
	}
}

func TestValidateToken_AuthRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.AuthRate = ratelimit.Policy{Max: 2, Window: 15 * time.Minute}
	a := newTestAuthenticator(cfg)
	token := sign(t, validSpec())

	a.ValidateToken(token, "10.0.0.3")
	a.ValidateToken(token, "10.0.0.3")
	result := a.ValidateToken(token, "10.0.0.3")

	if result.Valid || result.Reason != ReasonRateLimited {
		t.Fatalf("third attempt = %+v, want rate_limited", result)
	}
	if result.RiskScore != 0.9 {
		t.Fatalf("RiskScore = %v, want 0.9", result.RiskScore)
	}
	if !errors.Is(result.Err(), apperrors.ErrRateLimited) {
		t.Fatalf("Err() = %v, want ErrRateLimited", result.Err())
	}

	if other := a.ValidateToken(token, "10.0.0.4"); !other.Valid {
		t.Fatalf("other IP throttled: %s", other.Reason)
	}

	m := a.GetMetrics()
	if m.Blocked != 1 || m.TokensValid != 3 || m.FailuresByReason[ReasonRateLimited] != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

// Property: tokens lacking the required scope are rejected with risk >= 0.7
// whatever their subject, other scopes or expiry.
func TestProperty_MissingScopeRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	otherScopes := []string{"portfolio:read", "alerts:write", "market-data:write", "market-data:admin"}

	properties.Property("missing scope yields invalid with risk >= 0.7", prop.ForAll(
		func(scopeIdx []int, expiryOffset int, asArray bool) bool {
			a := newTestAuthenticator(testConfig())

			scopes := make([]string, 0, len(scopeIdx))
			for _, i := range scopeIdx {
				scopes = append(scopes, otherScopes[i])
			}

			spec := validSpec()
			spec.issued = testNow.Add(-2 * time.Hour)
			spec.expires = testNow.Add(time.Duration(expiryOffset) * time.Second)
			if asArray {
				spec.scope = ""
				spec.scopes = scopes
			} else {
				spec.scope = strings.Join(scopes, " ")
			}

			result := a.ValidateToken(sign(t, spec), "192.0.2.1")
			return !result.Valid && result.RiskScore >= 0.7
		},
		gen.SliceOf(gen.IntRange(0, len(otherScopes)-1)),
		gen.IntRange(-3600, 3600),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestVerifyConnectionRequest(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AuthConfig)
		origin  string
		secure  bool
		headers http.Header
		reason  string
	}{
		{name: "allowed", origin: "https://app.example.com", secure: true, headers: browserHeaders()},
		{name: "insecure in production", origin: "https://app.example.com", secure: false, headers: browserHeaders(), reason: ReasonInsecureTransport},
		{name: "insecure in development", mutate: func(c *AuthConfig) { c.Production = false }, origin: "https://app.example.com", headers: browserHeaders()},
		{name: "missing origin", secure: true, headers: browserHeaders(), reason: ReasonOriginMissing},
		{name: "foreign origin", origin: "https://evil.example.com", secure: true, headers: browserHeaders(), reason: ReasonOriginNotAllowed},
		{name: "wildcard refused in production", mutate: func(c *AuthConfig) { c.AllowedOrigins = []string{"*"} }, origin: "https://any.example.com", secure: true, headers: browserHeaders(), reason: ReasonOriginNotAllowed},
		{name: "wildcard in development", mutate: func(c *AuthConfig) {
			c.Production = false
			c.AllowedOrigins = []string{"*"}
		}, origin: "http://localhost:3000", headers: browserHeaders()},
		{name: "bot user agent", origin: "https://app.example.com", secure: true, headers: http.Header{"User-Agent": []string{"python-requests/2.31"}}, reason: ReasonAutomatedClient},
		{name: "empty user agent in production", origin: "https://app.example.com", secure: true, headers: http.Header{}, reason: ReasonAutomatedClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			a := newTestAuthenticator(cfg)

			err := a.VerifyConnectionRequest(tt.origin, tt.secure, tt.headers, "198.51.100.7")
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("unexpected denial: %v", err)
				}
				return
			}

			var authErr *apperrors.AuthError
			if !errors.As(err, &authErr) {
				t.Fatalf("err = %v, want *AuthError", err)
			}
			if authErr.Reason != tt.reason {
				t.Fatalf("Reason = %q, want %q", authErr.Reason, tt.reason)
			}
		})
	}
}

func TestVerifyConnectionRequest_RateLimitedFirst(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionRate = ratelimit.Policy{Max: 1, Window: time.Minute}
	a := newTestAuthenticator(cfg)

	if err := a.VerifyConnectionRequest("https://app.example.com", true, browserHeaders(), "203.0.113.9"); err != nil {
		t.Fatalf("first attempt denied: %v", err)
	}

	err := a.VerifyConnectionRequest("https://app.example.com", true, browserHeaders(), "203.0.113.9")
	if !errors.Is(err, apperrors.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	m := a.GetMetrics()
	if m.ConnectionsAllowed != 1 || m.ConnectionsDenied != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

type bufferCloser struct {
	bytes.Buffer
}

func (b *bufferCloser) Close() error { return nil }

func TestAuditLogRecordsAttempts(t *testing.T) {
	buf := &bufferCloser{}
	a := NewAuthenticator(testConfig(),
		WithClock(func() time.Time { return testNow }),
		WithAuditLogger(NewAuditLoggerWithWriter(buf)),
	)

	spec := validSpec()
	a.ValidateToken(sign(t, spec), "10.1.1.1")
	a.ValidateToken("garbage", "10.1.1.1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d audit lines, want 2", len(lines))
	}

	var first, second AuditEvent
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decoding audit line: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("decoding audit line: %v", err)
	}

	if first.EventType != AuditAuthSuccess || first.UserID != spec.subject || !first.Success {
		t.Fatalf("first event = %+v", first)
	}
	if second.EventType != AuditAuthFailed || second.Reason != ReasonTokenMalformed || second.RiskScore != 0.8 {
		t.Fatalf("second event = %+v", second)
	}
	if strings.Contains(buf.String(), testSecret) {
		t.Fatal("audit log leaked the signing secret")
	}
}

func TestIssueToken_RoundTrip(t *testing.T) {
	cfg := testConfig()
	a := newTestAuthenticator(cfg)

	token, err := IssueToken(cfg, "user-42", []string{"market-data:admin"}, time.Hour, testNow)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	result := a.ValidateToken(token, "10.0.0.9")
	if !result.Valid {
		t.Fatalf("issued token rejected: %s", result.Reason)
	}
	if result.UserID != "user-42" {
		t.Fatalf("UserID = %q", result.UserID)
	}
	if !contains(result.Scopes, "market-data:read") || !contains(result.Scopes, "market-data:admin") {
		t.Fatalf("Scopes = %v", result.Scopes)
	}
	if !result.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("ExpiresAt = %v", result.ExpiresAt)
	}

	if _, err := IssueToken(cfg, "bad subject!", nil, time.Hour, testNow); err == nil {
		t.Fatal("invalid subject accepted")
	}
	cfg.JWTSecret = ""
	if _, err := IssueToken(cfg, "user-42", nil, time.Hour, testNow); err == nil {
		t.Fatal("empty secret accepted")
	}
}
