package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ProviderError is a failed push send. Transient failures may succeed on a
// later attempt; anything else means the token or payload was refused.
// Code carries the provider's machine-readable reason, e.g. DeviceNotRegistered.
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

	var b strings.Builder
	b.WriteString("push send failed")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": status=%d", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(": " + e.Code)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": " + msg)
	}
	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ErrorCode returns the provider reason code carried by err, if any.
func ErrorCode(err error) string {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Code
	}
	return ""
}

// IsTransient reports whether a send failure may succeed on a later attempt.
// A deadline hit during the send is transient; cancellation is not.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsPermanent reports whether a send failure will not succeed on retry.
// Use IsInvalidToken to decide whether the token should be cleaned up.
func IsPermanent(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !IsTransient(err)
}

// IsInvalidToken reports whether a send failure is attributable to the token
// itself. Credential and payload rejections are permanent but leave the token
// usable.
func IsInvalidToken(err error) bool {
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) || providerErr.Transient {
		return false
	}
	return providerErr.Code == CodeDeviceNotRegistered
}
