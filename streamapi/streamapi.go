// Package streamapi defines the capability the resolver consumes from a video
// platform: searching a channel for live or upcoming broadcasts and fetching the
// current details of a single broadcast. Platform clients (youtubeapi, twitchapi)
// implement API and classify every failure into the Kind taxonomy below before
// it leaves the client, so callers never see an uninterpreted transport error.
package streamapi

import (
	"context"
	"errors"
	"time"
)

// BroadcastKind selects which search phase a SearchBroadcasts call serves.
type BroadcastKind int

const (
	// Live matches broadcasts that are on air right now.
	Live BroadcastKind = iota
	// Upcoming matches scheduled broadcasts that have not started yet.
	Upcoming
)

func (k BroadcastKind) String() string {
	switch k {
	case Live:
		return "live"
	case Upcoming:
		return "upcoming"
	default:
		return "unknown"
	}
}

// Candidate is a search hit. It still has to be validated with FetchDetails.
type Candidate struct {
	StreamID string
	Title    string
}

// Details is the current state of a single broadcast.
type Details struct {
	HasStarted     bool
	HasEnded       bool
	ChatHandle     string
	Title          string
	Viewers        int64
	ScheduledStart time.Time
}

// Joinable reports whether the broadcast is on air with an active chat handle.
func (d Details) Joinable() bool {
	return d.HasStarted && !d.HasEnded && d.ChatHandle != ""
}

// API is the platform capability. Implementations must honor ctx cancellation
// and return *Error (or an error wrapping one) for platform failures.
type API interface {
	SearchBroadcasts(ctx context.Context, channelRef string, kind BroadcastKind) ([]Candidate, error)
	FetchDetails(ctx context.Context, streamID string) (Details, error)
}

// ErrCredentialsExhausted is returned by a credential rotator when no credential
// set with remaining quota is left.
var ErrCredentialsExhausted = errors.New("all credential sets exhausted")
