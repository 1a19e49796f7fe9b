package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/onnwee/live-resolver/breaker"
	"github.com/onnwee/live-resolver/credentials"
	"github.com/onnwee/live-resolver/resolver"
	"github.com/onnwee/live-resolver/session"
	"github.com/onnwee/live-resolver/telemetry"
)

// Handlers holds the dependencies shared by the route handlers.
type Handlers struct {
	deps Deps
}

// HandleHealthz responds to liveness probes. The process is alive as long as
// it can answer; dependency checks belong to /readyz.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs the readiness checks in order and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"cache_store", func() error {
			if h.deps.Ping == nil {
				return nil
			}
			return h.deps.Ping(r.Context())
		}},
		{"circuit_breaker", func() error {
			b := h.deps.Resolver.Breaker()
			if b.State() == breaker.Open {
				return fmt.Errorf("circuit breaker open, retry in %s", b.RetryAfter().Round(1e9))
			}
			return nil
		}},
		{"credentials", func() error {
			if h.deps.Credentials == nil {
				return nil
			}
			sets := h.deps.Credentials.Snapshot()
			for _, s := range sets {
				if s.Active {
					return nil
				}
			}
			return fmt.Errorf("no active credential set among %d", len(sets))
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	resolver.Diagnostics
	Activity    int64                `json:"activity"`
	Credentials []credentials.Status `json:"credentials,omitempty"`
}

// HandleStatus reports the resolver diagnostics and credential set state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Diagnostics: h.deps.Resolver.Inspect(),
		Activity:    h.deps.Resolver.Activity(),
	}
	if h.deps.Credentials != nil {
		resp.Credentials = h.deps.Credentials.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

type resolveResponse struct {
	Outcome           string                   `json:"outcome"`
	Source            string                   `json:"source,omitempty"`
	Session           *session.ResolvedSession `json:"session,omitempty"`
	Viewers           int64                    `json:"viewers,omitempty"`
	RetryAfterSeconds int64                    `json:"retry_after_seconds,omitempty"`
	Error             string                   `json:"error,omitempty"`
}

// HandleResolve runs one resolution for ?channel= (or the configured channel).
func (h *Handlers) HandleResolve(w http.ResponseWriter, r *http.Request) {
	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	if channel == "" {
		channel = h.deps.ChannelRef
	}
	if channel == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return
	}

	log := telemetry.LoggerWithCorr(r.Context())
	res := h.deps.Resolver.Resolve(r.Context(), channel)
	log.Info("manual resolve", slog.String("channel", channel), slog.String("outcome", res.Outcome.String()))

	resp := resolveResponse{
		Outcome: res.Outcome.String(),
		Source:  res.Source,
		Session: res.Session,
		Viewers: res.Viewers,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	if res.RetryAfter > 0 {
		resp.RetryAfterSeconds = int64(math.Ceil(res.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSeconds, 10))
	}
	writeJSON(w, statusForOutcome(res.Outcome), resp)
}

// HandleBreakerReset closes the circuit by hand.
func (h *Handlers) HandleBreakerReset(w http.ResponseWriter, r *http.Request) {
	h.deps.Resolver.Breaker().Reset()
	telemetry.LoggerWithCorr(r.Context()).Info("circuit breaker reset by admin")
	writeJSON(w, http.StatusOK, h.deps.Resolver.Breaker().Snapshot())
}

func statusForOutcome(o resolver.Outcome) int {
	switch o {
	case resolver.Found:
		return http.StatusOK
	case resolver.NotFound:
		return http.StatusNotFound
	case resolver.QuotaExhausted:
		return http.StatusTooManyRequests
	case resolver.TemporarilyUnavailable:
		return http.StatusServiceUnavailable
	case resolver.TransientError:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json response", slog.Any("err", err))
	}
}
