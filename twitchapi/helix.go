// Package twitchapi implements the broadcast lookup capability on the Twitch
// Helix API using an app access token. Stream ids are "<login>/<id>" so that a
// cached session can be re-verified by login alone; scheduled segments use
// the "<login>/schedule:<segment id>" form.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/live-resolver/streamapi"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

const schedulePrefix = "schedule:"

// HelixClient implements streamapi.API.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	// BaseURL overrides DefaultBaseURL.
	BaseURL string

	mu      sync.Mutex
	userIDs map[string]string
}

var _ streamapi.API = (*HelixClient)(nil)

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultBaseURL
}

type helixStream struct {
	ID          string `json:"id"`
	UserLogin   string `json:"user_login"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	ViewerCount int64  `json:"viewer_count"`
	StartedAt   string `json:"started_at"`
}

type helixSegment struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	StartTime     string  `json:"start_time"`
	CanceledUntil *string `json:"canceled_until"`
}

// SearchBroadcasts returns the channel's current stream (Live) or its next
// scheduled segments (Upcoming). channelRef is a login name.
func (hc *HelixClient) SearchBroadcasts(ctx context.Context, channelRef string, kind streamapi.BroadcastKind) ([]streamapi.Candidate, error) {
	login := strings.ToLower(strings.TrimPrefix(channelRef, "@"))
	if login == "" {
		return nil, streamapi.NewError(streamapi.KindNotFound, "search", errors.New("login empty"))
	}
	if kind == streamapi.Upcoming {
		return hc.upcoming(ctx, login)
	}
	s, err := hc.liveStream(ctx, login)
	if err != nil || s == nil {
		return nil, err
	}
	return []streamapi.Candidate{{StreamID: login + "/" + s.ID, Title: s.Title}}, nil
}

func (hc *HelixClient) upcoming(ctx context.Context, login string) ([]streamapi.Candidate, error) {
	userID, err := hc.GetUserID(ctx, login)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("broadcaster_id", userID)
	q.Set("first", "5")
	var body struct {
		Data struct {
			Segments []helixSegment `json:"segments"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "schedule", "/schedule", q, &body); err != nil {
		// Channels without a schedule answer 404.
		if streamapi.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]streamapi.Candidate, 0, len(body.Data.Segments))
	for _, seg := range body.Data.Segments {
		if seg.ID == "" || seg.CanceledUntil != nil {
			continue
		}
		out = append(out, streamapi.Candidate{StreamID: login + "/" + schedulePrefix + seg.ID, Title: seg.Title})
	}
	return out, nil
}

// FetchDetails reports the state of a stream id produced by SearchBroadcasts.
// Chat on Twitch is per channel, so the chat handle is the login.
func (hc *HelixClient) FetchDetails(ctx context.Context, streamID string) (streamapi.Details, error) {
	login, id, ok := strings.Cut(streamID, "/")
	if !ok || login == "" || id == "" {
		return streamapi.Details{}, streamapi.NewError(streamapi.KindNotFound, "details", fmt.Errorf("malformed stream id %q", streamID))
	}
	s, err := hc.liveStream(ctx, login)
	if err != nil {
		return streamapi.Details{}, err
	}
	scheduled := strings.HasPrefix(id, schedulePrefix)
	switch {
	case s != nil && (s.ID == id || scheduled):
		d := streamapi.Details{HasStarted: true, ChatHandle: login, Title: s.Title, Viewers: s.ViewerCount}
		if t, err := time.Parse(time.RFC3339, s.StartedAt); err == nil {
			d.ScheduledStart = t
		}
		return d, nil
	case scheduled:
		return streamapi.Details{ChatHandle: login}, nil
	default:
		// Either offline or a different broadcast is on air: this one is over.
		return streamapi.Details{HasStarted: true, HasEnded: true, ChatHandle: login}, nil
	}
}

func (hc *HelixClient) liveStream(ctx context.Context, login string) (*helixStream, error) {
	q := url.Values{}
	q.Set("user_login", login)
	var body struct {
		Data []helixStream `json:"data"`
	}
	if err := hc.get(ctx, "streams", "/streams", q, &body); err != nil {
		return nil, err
	}
	for i := range body.Data {
		if body.Data[i].Type == "live" || body.Data[i].Type == "" {
			return &body.Data[i], nil
		}
	}
	return nil, nil
}

// GetUserID resolves a login name to its user ID. Results are cached.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	hc.mu.Lock()
	id, ok := hc.userIDs[login]
	hc.mu.Unlock()
	if ok {
		return id, nil
	}
	q := url.Values{}
	q.Set("login", login)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "users", "/users", q, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", streamapi.NewError(streamapi.KindNotFound, "users", fmt.Errorf("user %s not found", login))
	}
	hc.mu.Lock()
	if hc.userIDs == nil {
		hc.userIDs = map[string]string{}
	}
	hc.userIDs[login] = body.Data[0].ID
	hc.mu.Unlock()
	return body.Data[0].ID, nil
}

// get performs an authenticated GET, refreshing the app token once on 401.
func (hc *HelixClient) get(ctx context.Context, op, path string, q url.Values, out any) error {
	for attempt := 0; ; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return streamapi.NewError(tokenErrorKind(err), op, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+path+"?"+q.Encode(), nil)
		if err != nil {
			return streamapi.NewError(streamapi.KindTransient, op, err)
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return streamapi.NewError(streamapi.KindTransient, op, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			closeBody(resp)
			hc.AppTokenSource.Invalidate(tok)
			continue
		}
		return decode(op, resp, out)
	}
}

func decode(op string, resp *http.Response, out any) error {
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return streamapi.NewError(statusKind(resp.StatusCode), op, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return streamapi.NewError(streamapi.KindTransient, op, fmt.Errorf("decode: %w", err))
	}
	return nil
}

// statusKind maps Helix status codes. A 429 means this client id's rate
// bucket is empty, which a different credential set can work around.
func statusKind(code int) streamapi.Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return streamapi.KindQuotaExceeded
	case code == http.StatusNotFound:
		return streamapi.KindNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return streamapi.KindForbidden
	default:
		return streamapi.KindTransient
	}
}

// tokenErrorKind classifies an app token failure. Only a refusal of the
// client credentials is permanent; network trouble is retried.
func tokenErrorKind(err error) streamapi.Kind {
	if errors.Is(err, errMissingAppCredentials) {
		return streamapi.KindForbidden
	}
	var te *TokenError
	if errors.As(err, &te) {
		switch te.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return streamapi.KindForbidden
		}
		return statusKind(te.StatusCode)
	}
	return streamapi.KindTransient
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
