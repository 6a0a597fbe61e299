package types

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure. Kinds are stable and safe to show callers.
type Kind string

const (
	KindInvalidRequest        Kind = "invalid_request"
	KindRateLimited           Kind = "rate_limited"
	KindPrivacyViolation      Kind = "privacy_violation"
	KindPolicyDenied          Kind = "policy_denied"
	KindUpstreamUnavailable   Kind = "upstream_unavailable"
	KindUpstreamTimeout       Kind = "upstream_timeout"
	KindAuthenticationFailure Kind = "authentication_failure"
	KindInternal              Kind = "internal"
)

// Retryable reports whether the caller may resend the same request later.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindUpstreamUnavailable, KindUpstreamTimeout:
		return true
	default:
		return false
	}
}

// Error is a per-request failure with a kind and a caller-facing message.
// Message never contains upstream error text or matched sensitive data.
type Error struct {
	Kind    Kind
	Message string
	// Err is the internal cause, kept for logging only.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error with a formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error that keeps cause for logging.
func WrapError(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf returns the kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// PublicMessage returns the message that may be shown to the caller.
func PublicMessage(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Message
	}
	return "internal error"
}
