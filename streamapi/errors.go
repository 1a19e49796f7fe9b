package streamapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a platform failure.
type Kind int

const (
	// KindTransient covers network errors, 5xx and throttling; retrying later may succeed.
	KindTransient Kind = iota
	// KindQuotaExceeded means the credential set's quota for the current window is spent.
	KindQuotaExceeded
	// KindNotFound means the channel or broadcast does not exist.
	KindNotFound
	// KindForbidden covers auth failures and disabled access that no retry will fix.
	KindForbidden
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Error is a classified platform failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and the failing operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of a classified error. Unclassified errors are
// treated as transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsQuota reports whether err signals quota exhaustion.
func IsQuota(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindQuotaExceeded
}

// IsNotFound reports whether err is a classified not-found.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// IsFailure reports whether err should count against a circuit breaker.
// Not-found is a normal answer and cancellation is a withdrawal, neither is a
// failure. A timed-out call is a failure; the breaker already ignores errors
// once the caller's own context is done.
func IsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsNotFound(err)
}

// ClassifyMessage classifies an error from its text when no structured status
// is available (e.g. a transport error or a body the client could not decode).
//
// Quota and throttling markers win over generic status codes because platforms
// report quota exhaustion as 403.
func ClassifyMessage(err error) Kind {
	if err == nil {
		return KindTransient
	}
	lower := strings.ToLower(err.Error())

	quotaPatterns := []string{
		"quotaexceeded",
		"quota exceeded",
		"dailylimitexceeded",
		"exceeded your quota",
	}
	for _, p := range quotaPatterns {
		if strings.Contains(lower, p) {
			return KindQuotaExceeded
		}
	}

	if strings.Contains(lower, "500") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "504") ||
		strings.Contains(lower, "429") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "rate limit") {
		return KindTransient
	}

	if strings.Contains(lower, "401") ||
		strings.Contains(lower, "403") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "access denied") {
		return KindForbidden
	}

	if strings.Contains(lower, "404") || strings.Contains(lower, "not found") {
		return KindNotFound
	}

	return KindTransient
}
