package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ProviderError classifies provider call failures as transient/permanent.
type ProviderError struct {
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Permanent wraps cause as a failure that must not be retried.
func Permanent(message string, cause error) error {
	return &ProviderError{Message: message, Cause: cause}
}

// Transient wraps cause as a retryable failure.
func Transient(message string, cause error) error {
	return &ProviderError{Message: message, Transient: true, Cause: cause}
}

// StatusError builds the error for a non-2xx HTTP-like status.
func StatusError(statusCode int, body string) error {
	return &ProviderError{
		StatusCode: statusCode,
		Message:    statusErrorMessage(statusCode, body),
		Transient:  IsTransientHTTPStatus(statusCode),
	}
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// IsTransientHTTPStatus treats rate limiting and server errors as retryable.
func IsTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func statusErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if text := http.StatusText(statusCode); text != "" {
		base = fmt.Sprintf("%s (%s)", base, text)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return base
	}
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("%s: %s", base, body)
}
