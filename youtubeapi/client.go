// Package youtubeapi implements the broadcast lookup capability on the
// YouTube Data API v3. A Client is bound to one credential set: an API key or
// an OAuth token source.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/live-resolver/streamapi"
)

// Options selects how a Client authenticates. Exactly one of APIKey,
// TokenSource or HTTPClient is normally set; HTTPClient wins when present.
type Options struct {
	APIKey      string
	TokenSource oauth2.TokenSource
	HTTPClient  *http.Client
	Endpoint    string
	// MaxResults caps search results per call (default 5).
	MaxResults int64
}

// Client implements streamapi.API.
type Client struct {
	svc        *yt.Service
	maxResults int64

	mu      sync.Mutex
	handles map[string]string
}

var _ streamapi.API = (*Client)(nil)

// NewClient builds a Data API client.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	var copts []option.ClientOption
	switch {
	case opts.HTTPClient != nil:
		copts = append(copts, option.WithHTTPClient(opts.HTTPClient))
	case opts.TokenSource != nil:
		copts = append(copts, option.WithTokenSource(opts.TokenSource))
	case opts.APIKey != "":
		copts = append(copts, option.WithAPIKey(opts.APIKey))
	default:
		return nil, errors.New("youtube client: no api key or token source")
	}
	if opts.Endpoint != "" {
		copts = append(copts, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := yt.NewService(ctx, copts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	n := opts.MaxResults
	if n <= 0 {
		n = 5
	}
	return &Client{svc: svc, maxResults: n, handles: map[string]string{}}, nil
}

// SearchBroadcasts lists the channel's live or upcoming broadcasts, newest first.
// channelRef is a channel id (UC...) or an @handle.
func (c *Client) SearchBroadcasts(ctx context.Context, channelRef string, kind streamapi.BroadcastKind) ([]streamapi.Candidate, error) {
	channelID, err := c.channelID(ctx, channelRef)
	if err != nil {
		return nil, err
	}
	resp, err := c.svc.Search.List([]string{"id", "snippet"}).
		ChannelId(channelID).
		EventType(kind.String()).
		Type("video").
		Order("date").
		MaxResults(c.maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify("search", err)
	}
	out := make([]streamapi.Candidate, 0, len(resp.Items))
	for _, it := range resp.Items {
		if it.Id == nil || it.Id.VideoId == "" {
			continue
		}
		cand := streamapi.Candidate{StreamID: it.Id.VideoId}
		if it.Snippet != nil {
			cand.Title = it.Snippet.Title
		}
		out = append(out, cand)
	}
	return out, nil
}

// FetchDetails reads a video's live streaming details.
func (c *Client) FetchDetails(ctx context.Context, streamID string) (streamapi.Details, error) {
	resp, err := c.svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).
		Id(streamID).
		Context(ctx).
		Do()
	if err != nil {
		return streamapi.Details{}, classify("details", err)
	}
	if len(resp.Items) == 0 {
		return streamapi.Details{}, streamapi.NewError(streamapi.KindNotFound, "details", fmt.Errorf("video %s", streamID))
	}
	v := resp.Items[0]
	var d streamapi.Details
	if v.Snippet != nil {
		d.Title = v.Snippet.Title
	}
	if lsd := v.LiveStreamingDetails; lsd != nil {
		d.HasStarted = lsd.ActualStartTime != ""
		d.HasEnded = lsd.ActualEndTime != ""
		d.ChatHandle = lsd.ActiveLiveChatId
		d.Viewers = int64(lsd.ConcurrentViewers)
		if t, err := time.Parse(time.RFC3339, lsd.ScheduledStartTime); err == nil {
			d.ScheduledStart = t
		}
	}
	return d, nil
}

// channelID resolves @handles through channels.list and caches the answer.
func (c *Client) channelID(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "@") {
		return ref, nil
	}
	c.mu.Lock()
	id, ok := c.handles[ref]
	c.mu.Unlock()
	if ok {
		return id, nil
	}
	resp, err := c.svc.Channels.List([]string{"id"}).ForHandle(ref).Context(ctx).Do()
	if err != nil {
		return "", classify("channels", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == "" {
		return "", streamapi.NewError(streamapi.KindNotFound, "channels", fmt.Errorf("no channel for handle %s", ref))
	}
	id = resp.Items[0].Id
	c.mu.Lock()
	c.handles[ref] = id
	c.mu.Unlock()
	return id, nil
}

var quotaReasons = map[string]bool{
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// classify maps a Data API error onto a streamapi.Kind. Cancellation passes
// through untouched; a deadline is a transient failure.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return streamapi.NewError(streamapi.KindTransient, op, err)
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return streamapi.NewError(streamapi.ClassifyMessage(err), op, err)
	}
	for _, item := range gerr.Errors {
		if quotaReasons[item.Reason] {
			return streamapi.NewError(streamapi.KindQuotaExceeded, op, err)
		}
	}
	switch {
	case gerr.Code == http.StatusNotFound:
		return streamapi.NewError(streamapi.KindNotFound, op, err)
	case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
		return streamapi.NewError(streamapi.KindForbidden, op, err)
	default:
		return streamapi.NewError(streamapi.KindTransient, op, err)
	}
}
