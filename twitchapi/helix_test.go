package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/live-resolver/streamapi"
	"github.com/onnwee/live-resolver/testutil"
)

func newTestClient(t *testing.T) (*HelixClient, *testutil.MockTwitchServer) {
	t.Helper()
	srv := testutil.NewMockTwitchServer(t)
	srv.MockOAuthTokenResponse("app-token", 3600)
	ts := &TokenSource{ClientID: "cid", ClientSecret: "secret", TokenURL: srv.URL + "/oauth2/token"}
	return &HelixClient{AppTokenSource: ts, ClientID: "cid", BaseURL: srv.URL + "/helix"}, srv
}

func TestSearchLive(t *testing.T) {
	c, srv := newTestClient(t)
	srv.MockStreamsResponse([]map[string]interface{}{
		{"id": "4001", "user_login": "streamer", "type": "live", "title": "Speedrun", "viewer_count": 420, "started_at": "2026-04-10T18:00:00Z"},
	})

	got, err := c.SearchBroadcasts(context.Background(), "Streamer", streamapi.Live)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "streamer/4001", got[0].StreamID)
	assert.Equal(t, "Speedrun", got[0].Title)
}

func TestSearchLiveOffline(t *testing.T) {
	c, srv := newTestClient(t)
	srv.MockStreamsResponse([]map[string]interface{}{})
	got, err := c.SearchBroadcasts(context.Background(), "streamer", streamapi.Live)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchUpcoming(t *testing.T) {
	c, srv := newTestClient(t)
	srv.MockUserResponse("u-1", "streamer")
	canceled := "2026-04-12T00:00:00Z"
	srv.MockScheduleResponse([]map[string]interface{}{
		{"id": "seg-a", "title": "Tonight", "start_time": "2026-04-10T20:00:00Z"},
		{"id": "seg-b", "title": "Canceled", "start_time": "2026-04-11T20:00:00Z", "canceled_until": canceled},
	})

	for i := 0; i < 2; i++ {
		got, err := c.SearchBroadcasts(context.Background(), "streamer", streamapi.Upcoming)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "streamer/schedule:seg-a", got[0].StreamID)
	}
	assert.Equal(t, 1, srv.CallCount("/helix/users"), "user ids are cached")
}

func TestSearchUpcomingWithoutSchedule(t *testing.T) {
	c, srv := newTestClient(t)
	srv.MockUserResponse("u-1", "streamer")
	// No /helix/schedule handler: the mock answers 404.
	got, err := c.SearchBroadcasts(context.Background(), "streamer", streamapi.Upcoming)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFetchDetails(t *testing.T) {
	c, srv := newTestClient(t)
	srv.MockStreamsResponse([]map[string]interface{}{
		{"id": "4001", "user_login": "streamer", "type": "live", "title": "Speedrun", "viewer_count": 420, "started_at": "2026-04-10T18:00:00Z"},
	})

	tests := []struct {
		name     string
		streamID string
		joinable bool
		ended    bool
	}{
		{"current stream", "streamer/4001", true, false},
		{"scheduled segment now live", "streamer/schedule:seg-a", true, false},
		{"previous stream", "streamer/3999", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := c.FetchDetails(context.Background(), tt.streamID)
			require.NoError(t, err)
			assert.Equal(t, tt.joinable, d.Joinable())
			assert.Equal(t, tt.ended, d.HasEnded)
			assert.Equal(t, "streamer", d.ChatHandle)
		})
	}

	d, _ := c.FetchDetails(context.Background(), "streamer/4001")
	assert.Equal(t, int64(420), d.Viewers)
	assert.True(t, d.ScheduledStart.Equal(time.Date(2026, 4, 10, 18, 0, 0, 0, time.UTC)))
}

func TestFetchDetailsOffline(t *testing.T) {
	c, srv := newTestClient(t)
	srv.MockStreamsResponse([]map[string]interface{}{})

	d, err := c.FetchDetails(context.Background(), "streamer/schedule:seg-a")
	require.NoError(t, err)
	assert.False(t, d.HasStarted, "scheduled segment has not started")

	d, err = c.FetchDetails(context.Background(), "streamer/4001")
	require.NoError(t, err)
	assert.True(t, d.HasEnded)
}

func TestFetchDetailsMalformedID(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.FetchDetails(context.Background(), "no-slash")
	assert.True(t, streamapi.IsNotFound(err))
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   streamapi.Kind
	}{
		{http.StatusTooManyRequests, streamapi.KindQuotaExceeded},
		{http.StatusForbidden, streamapi.KindForbidden},
		{http.StatusBadGateway, streamapi.KindTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, srv := newTestClient(t)
			srv.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": http.StatusText(tt.status), "status": tt.status})
			}
			_, err := c.SearchBroadcasts(context.Background(), "streamer", streamapi.Live)
			require.Error(t, err)
			assert.Equal(t, tt.want, streamapi.KindOf(err))
		})
	}
}

func TestUnauthorizedRefreshesTokenOnce(t *testing.T) {
	c, srv := newTestClient(t)
	c.AppTokenSource.SetToken("stale-token", time.Now().Add(time.Hour))
	attempts := 0
	srv.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if r.Header.Get("Authorization") == "Bearer stale-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Bearer app-token", r.Header.Get("Authorization"))
		assert.Equal(t, "cid", r.Header.Get("Client-Id"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	}

	_, err := c.SearchBroadcasts(context.Background(), "streamer", streamapi.Live)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, srv.CallCount("/oauth2/token"))
}

func TestUnauthorizedTwiceIsForbidden(t *testing.T) {
	c, srv := newTestClient(t)
	srv.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}
	_, err := c.SearchBroadcasts(context.Background(), "streamer", streamapi.Live)
	assert.Equal(t, streamapi.KindForbidden, streamapi.KindOf(err))
}

func TestMissingAppCredentialsIsForbidden(t *testing.T) {
	c := &HelixClient{AppTokenSource: &TokenSource{}, BaseURL: "http://127.0.0.1:1"}
	_, err := c.SearchBroadcasts(context.Background(), "streamer", streamapi.Live)
	assert.Equal(t, streamapi.KindForbidden, streamapi.KindOf(err))
}

func TestAppTokenFailureClassification(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    streamapi.Kind
	}{
		{"invalid client", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":400,"message":"invalid client"}`))
		}, streamapi.KindForbidden},
		{"refused", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) }, streamapi.KindForbidden},
		{"outage", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }, streamapi.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, srv := newTestClient(t)
			srv.Handlers["/oauth2/token"] = tt.handler
			_, err := c.SearchBroadcasts(context.Background(), "streamer", streamapi.Live)
			require.Error(t, err)
			assert.Equal(t, tt.want, streamapi.KindOf(err))
		})
	}
}

func TestAppTokenNetworkFailureIsTransient(t *testing.T) {
	c := &HelixClient{
		AppTokenSource: &TokenSource{ClientID: "cid", ClientSecret: "secret", TokenURL: "http://127.0.0.1:1/oauth2/token"},
		ClientID:       "cid",
		BaseURL:        "http://127.0.0.1:1/helix",
	}
	_, err := c.SearchBroadcasts(context.Background(), "streamer", streamapi.Live)
	require.Error(t, err)
	assert.Equal(t, streamapi.KindTransient, streamapi.KindOf(err))
	assert.True(t, streamapi.IsFailure(err))
}
