package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// IssueToken signs an HS256 token that the authenticator configured with cfg
// accepts. It is meant for local development and operations tooling; real
// deployments get tokens from their identity provider.
func IssueToken(cfg AuthConfig, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if cfg.JWTSecret == "" {
		return "", fmt.Errorf("no signing secret configured")
	}
	if !ValidSubject(subject) {
		return "", fmt.Errorf("invalid subject %q", subject)
	}
	if cfg.RequiredScope != "" && !contains(scopes, cfg.RequiredScope) {
		scopes = append([]string{cfg.RequiredScope}, scopes...)
	}

	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}
