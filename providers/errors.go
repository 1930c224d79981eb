package providers

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors raised by the provider layer. The API layer maps them to
// HTTP statuses; the dispatcher maps them to task error codes.
var (
	ErrNotRegistered     = errors.New("provider not registered")
	ErrDuplicateProvider = errors.New("provider already registered")
	ErrModelNotFound     = errors.New("model not found")
	ErrUnavailable       = errors.New("provider unavailable")
	ErrAuthentication    = errors.New("provider authentication failed")
	ErrTokenLimit        = errors.New("token limit exceeded")
	ErrContextLength     = errors.New("context length exceeded")
	ErrGenerationFailed  = errors.New("generation failed")
	ErrNotSupported      = errors.New("operation not supported by provider")
)

// ErrorCode returns the stable snake_case code for a provider-layer error,
// falling back to generation_failed for anything unclassified.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrModelNotFound), errors.Is(err, ErrNotRegistered):
		return "model_not_found"
	case errors.Is(err, ErrAuthentication):
		return "provider_authentication"
	case errors.Is(err, ErrUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrTokenLimit):
		return "token_limit_exceeded"
	case errors.Is(err, ErrContextLength):
		return "context_length_exceeded"
	case errors.Is(err, ErrNotSupported):
		return "not_supported"
	default:
		return "generation_failed"
	}
}

// ClassifyHTTPStatus wraps an API error body in the sentinel matching the
// upstream HTTP status, so callers can branch with errors.Is.
func ClassifyHTTPStatus(provider string, statusCode int, body []byte) error {
	base := fmt.Errorf("%s API error (HTTP %d): %s", provider, statusCode, string(body))
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrAuthentication, base)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrTokenLimit, base)
	case statusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %w", ErrContextLength, base)
	case statusCode >= 500:
		return fmt.Errorf("%w: %w", ErrUnavailable, base)
	default:
		return fmt.Errorf("%w: %w", ErrGenerationFailed, base)
	}
}
