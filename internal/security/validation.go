package security

import (
	"regexp"
	"strings"
	"unicode"

	apperrors "portfolio-realtime/internal/errors"
)

var (
	// 1-5 alphanumerics with an optional exchange/class suffix, e.g. BRK.B.
	symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,5}(\.[A-Z]{1,2})?$`)

	// Subjects that are not UUIDs must be bounded identifiers.
	subjectPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

	// Free-form names: letters, digits, spaces and a few separators.
	namePattern = regexp.MustCompile(`^[\pL\pN _.,'&()-]{1,100}$`)

	// API key patterns for detection (not validation)
	apiKeyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(api[_-]?key|apikey|api[_-]?secret|secret[_-]?key|access[_-]?token|auth[_-]?token|bearer|token)[=:\s]+["']?([A-Za-z0-9_\-\.]{12,})["']?`),
		regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`), // JWTs
	}

	// Command and SQL fragments that never belong in a name.
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(union\s+select|drop\s+table|insert\s+into|delete\s+from)`),
		regexp.MustCompile(`[;$\x60<>]`),
	}
)

// ValidateSymbol normalizes symbol to upper case and checks its format.
func ValidateSymbol(symbol string) (string, error) {
	symbol = strings.TrimSpace(strings.ToUpper(symbol))

	if symbol == "" {
		return "", apperrors.NewValidationError("symbol", symbol, "symbol cannot be empty")
	}
	if !symbolPattern.MatchString(symbol) {
		return "", apperrors.NewValidationError("symbol", SanitizeText(symbol), "invalid symbol format")
	}
	return symbol, nil
}

// NormalizeSymbols validates, uppercases and de-duplicates symbols, keeping
// first-seen order. max <= 0 disables the batch size check.
func NormalizeSymbols(symbols []string, max int) ([]string, error) {
	if max > 0 && len(symbols) > max {
		return nil, apperrors.ErrBatchTooLarge
	}

	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym, err := ValidateSymbol(s)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out, nil
}

// ValidSubject reports whether sub satisfies the identity format policy.
func ValidSubject(sub string) bool {
	return isUUID(sub) || subjectPattern.MatchString(sub)
}

// ValidateName validates a display name such as a portfolio name.
func ValidateName(field, name string) error {
	name = strings.TrimSpace(name)

	if name == "" {
		return apperrors.NewValidationError(field, name, "cannot be empty")
	}
	if !namePattern.MatchString(name) {
		return apperrors.NewValidationError(field, SanitizeText(name), "invalid characters")
	}
	for _, pattern := range injectionPatterns {
		if pattern.MatchString(name) {
			return apperrors.NewValidationError(field, SanitizeText(name), "invalid characters detected")
		}
	}
	return nil
}

// SanitizeText removes control characters and caps the length for logging.
func SanitizeText(text string) string {
	var result strings.Builder
	for _, r := range text {
		if result.Len() >= 64 {
			result.WriteString("...")
			break
		}
		if unicode.IsPrint(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// MaskSensitive masks tokens and keys embedded in a string.
func MaskSensitive(input string) string {
	result := input
	for _, pattern := range apiKeyPatterns {
		result = pattern.ReplaceAllStringFunc(result, MaskCredential)
	}
	return result
}

// MaskCredential masks a credential value for logging.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}
