package resolver

import (
	"time"

	"github.com/onnwee/live-resolver/session"
)

// Outcome discriminates a Result.
type Outcome int

const (
	// Found: Session holds a verified or freshly resolved broadcast.
	Found Outcome = iota
	// NotFound: nothing live or about to go live. Not an error; poll again later.
	NotFound
	// QuotaExhausted: quota errors persisted through every allowed credential rotation.
	QuotaExhausted
	// TemporarilyUnavailable: the circuit breaker is open; see RetryAfter.
	TemporarilyUnavailable
	// TransientError: platform errors persisted through the allowed retries.
	TransientError
	// Canceled: the caller's context ended mid-resolution.
	Canceled
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case QuotaExhausted:
		return "quota_exhausted"
	case TemporarilyUnavailable:
		return "temporarily_unavailable"
	case TransientError:
		return "transient_error"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Sources reported in Result.Source.
const (
	SourceCache    = "cache"
	SourceLive     = "live"
	SourceUpcoming = "upcoming"
)

// Result is what Resolve returns. Only Found carries a Session.
type Result struct {
	Outcome    Outcome
	Session    *session.ResolvedSession
	Source     string
	Viewers    int64
	RetryAfter time.Duration
	Err        error
}
