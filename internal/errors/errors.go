// Package errors provides the error taxonomy shared by the realtime engine.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	// Authentication
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrTokenMissing      = errors.New("token missing")
	ErrTokenMalformed    = errors.New("token malformed")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenTooOld       = errors.New("token exceeds maximum age")
	ErrInvalidSubject    = errors.New("invalid subject")
	ErrMissingScope      = errors.New("missing required scope")
	ErrForbidden         = errors.New("forbidden")
	ErrOriginNotAllowed  = errors.New("origin not allowed")
	ErrInsecureTransport = errors.New("insecure transport")
	ErrAutomatedClient   = errors.New("automated client rejected")

	// Protocol
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrInvalidSymbol    = errors.New("invalid symbol")
	ErrBatchTooLarge    = errors.New("too many symbols in request")
	ErrInvalidTopic     = errors.New("invalid topic")

	// Resources
	ErrRateLimited      = errors.New("rate limited")
	ErrConnectionLimit  = errors.New("connection limit reached")
	ErrSlowConsumer     = errors.New("send buffer full")
	ErrConnectionClosed = errors.New("connection closed")

	// Providers
	ErrProviderUnavailable = errors.New("no market data provider available")
	ErrMalformedPayload    = errors.New("malformed provider payload")

	// Portfolios and analysis
	ErrPortfolioNotFound   = errors.New("portfolio not found")
	ErrAlertNotFound       = errors.New("alert not found")
	ErrAlertConfigNotFound = errors.New("alert configuration not found")
	ErrNotRegistered       = errors.New("portfolio not registered for analysis")
	ErrAnalysisInFlight    = errors.New("analysis already in progress")
	ErrEmptyPortfolio      = errors.New("portfolio has no value")
	ErrAnalysisStale       = errors.New("portfolio changed during analysis")

	// Configuration
	ErrConfigInvalid = errors.New("invalid configuration")
)

// AuthError is returned by token and connection verification. RiskScore is in
// [0,1] and is carried for audit logging and tiered alerting.
type AuthError struct {
	Reason    string
	RiskScore float64
	Err       error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error [%s] (risk %.2f): %v", e.Reason, e.RiskScore, e.Err)
	}
	return fmt.Sprintf("auth error [%s] (risk %.2f)", e.Reason, e.RiskScore)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError creates a new AuthError.
func NewAuthError(reason string, riskScore float64, err error) *AuthError {
	return &AuthError{
		Reason:    reason,
		RiskScore: riskScore,
		Err:       err,
	}
}

// ProtocolError represents a per-message protocol violation. The connection
// stays open.
type ProtocolError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("protocol error [%s]: %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(code, message string, err error) *ProtocolError {
	return &ProtocolError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ProviderError represents a failure of an upstream market data provider.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error [%s] %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, op string, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Op:       op,
		Err:      err,
	}
}

// AnalysisError represents a failure of one portfolio analysis pass.
type AnalysisError struct {
	PortfolioID string
	Stage       string
	Err         error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis error [%s] %s: %v", e.PortfolioID, e.Stage, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// NewAnalysisError creates a new AnalysisError.
func NewAnalysisError(portfolioID, stage string, err error) *AnalysisError {
	return &AnalysisError{
		PortfolioID: portfolioID,
		Stage:       stage,
		Err:         err,
	}
}

// ResourceError represents a rejection at the boundary because a limit was hit.
type ResourceError struct {
	Resource string
	Reason   string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource exhausted [%s]: %s", e.Resource, e.Reason)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// NewResourceError creates a new ResourceError.
func NewResourceError(resource, reason string, err error) *ResourceError {
	return &ResourceError{
		Resource: resource,
		Reason:   reason,
		Err:      err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// PublicMessage returns a terse, non-leaking message suitable for clients.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return "authentication failed: " + authErr.Reason
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.Message
	}
	var resErr *ResourceError
	if errors.As(err, &resErr) {
		return resErr.Reason
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return fmt.Sprintf("invalid %s: %s", valErr.Field, valErr.Message)
	}

	switch {
	case errors.Is(err, ErrPortfolioNotFound):
		return "portfolio not found"
	case errors.Is(err, ErrAlertNotFound):
		return "alert not found"
	case errors.Is(err, ErrAlertConfigNotFound):
		return "alert configuration not found"
	case errors.Is(err, ErrNotRegistered):
		return "portfolio is not under analysis"
	case errors.Is(err, ErrAnalysisInFlight):
		return "analysis already in progress"
	case errors.Is(err, ErrAnalysisStale):
		return "portfolio changed during analysis"
	case errors.Is(err, ErrEmptyPortfolio):
		return "portfolio has no value to analyze"
	case errors.Is(err, ErrProviderUnavailable):
		return "market data unavailable"
	case errors.Is(err, ErrNotAuthenticated):
		return "authentication required"
	case errors.Is(err, ErrRateLimited):
		return "rate limit exceeded"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	}
	return "internal error"
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
