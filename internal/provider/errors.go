package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var ErrUnsupportedChannel = errors.New("no sender registered for channel")

// ProviderError classifies provider call failures as transient/permanent.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 5)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
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

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// StatusCodeOf returns the provider HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.StatusCode
	}
	return 0
}

// FailureReason returns a short machine-readable reason for metrics and job records.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		switch {
		case providerErr.Code != "":
			return providerErr.Code
		case providerErr.StatusCode > 0:
			return fmt.Sprintf("http_%d", providerErr.StatusCode)
		}
	}
	if errors.Is(err, ErrUnsupportedChannel) {
		return "unsupported_channel"
	}
	return "unknown"
}
