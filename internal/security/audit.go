package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"portfolio-realtime/internal/logging"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	// Connection admission
	AuditConnectionAllowed AuditEventType = "CONNECTION_ALLOWED"
	AuditConnectionDenied  AuditEventType = "CONNECTION_DENIED"

	// Token validation
	AuditAuthSuccess AuditEventType = "AUTH_SUCCESS"
	AuditAuthFailed  AuditEventType = "AUTH_FAILED"
	AuditAuthBlocked AuditEventType = "AUTH_BLOCKED"

	AuditFeedChanged      AuditEventType = "FEED_CHANGED"
	AuditPortfolioChanged AuditEventType = "PORTFOLIO_CHANGED"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	UserID    string                 `json:"user_id,omitempty"`
	ClientIP  string                 `json:"client_ip,omitempty"`
	Origin    string                 `json:"origin,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	RiskScore float64                `json:"risk_score"`
	Success   bool                   `json:"success"`
	Details   map[string]interface{} `json:"details,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	writer    io.WriteCloser
	mu        sync.Mutex
	sessionID string
	now       func() time.Time
}

// AuditConfig holds audit logger configuration.
type AuditConfig struct {
	LogDir     string `mapstructure:"dir"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultAuditConfig returns the default audit configuration.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		LogDir:     filepath.Join("logs", "audit"),
		MaxSize:    50,
		MaxBackups: 30,
		MaxAge:     90,
		Compress:   true,
	}
}

// NewAuditLogger creates an audit logger backed by a rotating file.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	return NewAuditLoggerWithWriter(writer), nil
}

// NewAuditLoggerWithWriter creates an audit logger writing to w.
func NewAuditLoggerWithWriter(w io.WriteCloser) *AuditLogger {
	return &AuditLogger{
		writer:    w,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
}

// Log writes one audit event. A nil logger discards events.
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	event.Timestamp = al.now().UTC()
	event.SessionID = al.sessionID
	if reqID, ok := ctx.Value(logging.RequestIDKey).(string); ok {
		event.RequestID = reqID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}

	if _, err := al.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	return nil
}

// LogConnection records a connection admission decision.
func (al *AuditLogger) LogConnection(ctx context.Context, clientIP, origin string, allowed bool, reason string, risk float64) error {
	eventType := AuditConnectionAllowed
	if !allowed {
		eventType = AuditConnectionDenied
	}
	return al.Log(ctx, AuditEvent{
		EventType: eventType,
		ClientIP:  clientIP,
		Origin:    origin,
		Reason:    reason,
		RiskScore: risk,
		Success:   allowed,
	})
}

// LogToken records a token validation outcome.
func (al *AuditLogger) LogToken(ctx context.Context, clientIP string, result TokenResult) error {
	eventType := AuditAuthSuccess
	switch {
	case result.Reason == ReasonRateLimited:
		eventType = AuditAuthBlocked
	case !result.Valid:
		eventType = AuditAuthFailed
	}
	return al.Log(ctx, AuditEvent{
		EventType: eventType,
		UserID:    result.UserID,
		ClientIP:  clientIP,
		Reason:    result.Reason,
		RiskScore: result.RiskScore,
		Success:   result.Valid,
	})
}

// LogFeedChange records an admin change to the data feed: subscribe,
// unsubscribe or reset_breakers, with the symbols or providers affected.
func (al *AuditLogger) LogFeedChange(ctx context.Context, userID, action string, targets []string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditFeedChanged,
		UserID:    userID,
		Success:   true,
		Details:   map[string]interface{}{"action": action, "targets": targets},
	})
}

// LogPortfolioChange records a portfolio create, update or delete.
func (al *AuditLogger) LogPortfolioChange(ctx context.Context, userID, action, portfolioID string) error {
	return al.Log(ctx, AuditEvent{
		EventType: AuditPortfolioChanged,
		UserID:    userID,
		Success:   true,
		Details:   map[string]interface{}{"action": action, "portfolio_id": portfolioID},
	})
}

// Close closes the audit logger.
func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	return al.writer.Close()
}
