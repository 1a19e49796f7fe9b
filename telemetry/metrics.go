// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/onnwee/live-resolver/streamapi"
)

var (
	once sync.Once

	// Counters
	Resolutions         *prometheus.CounterVec
	APICalls            *prometheus.CounterVec
	CredentialRotations *prometheus.CounterVec
	CacheVerifications  *prometheus.CounterVec

	// Histograms (seconds)
	PollDelay prometheus.Observer

	// Gauges
	CircuitStateGauge prometheus.Gauge // 0=closed,1=open,2=half-open
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "resolver_resolutions_total", Help: "Resolve calls by outcome"}, []string{"outcome"})
		APICalls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "resolver_api_calls_total", Help: "Platform API calls by operation and result kind"}, []string{"op", "result"})
		CredentialRotations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "resolver_credential_rotations_total", Help: "Credential rotation attempts by result"}, []string{"result"})
		CacheVerifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "resolver_cache_verifications_total", Help: "Cached session verifications by result"}, []string{"result"})
		PollDelay = promauto.NewHistogram(prometheus.HistogramOpts{Name: "resolver_poll_delay_seconds", Help: "Delay chosen between polls", Buckets: []float64{0.01, 1, 2, 5, 10, 15, 30, 60, 120, 300}})
		CircuitStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "resolver_circuit_state", Help: "Circuit breaker state closed=0 open=1 half-open=2"})
	})
}

// ObserveResolution counts a Resolve outcome.
func ObserveResolution(outcome string) {
	if Resolutions != nil {
		Resolutions.WithLabelValues(outcome).Inc()
	}
}

// ObserveAPICall counts a platform call, labelled with the error kind or "ok".
func ObserveAPICall(op string, err error) {
	if APICalls == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = streamapi.KindOf(err).String()
	}
	APICalls.WithLabelValues(op, result).Inc()
}

// ObserveRotation counts a credential rotation attempt.
func ObserveRotation(result string) {
	if CredentialRotations != nil {
		CredentialRotations.WithLabelValues(result).Inc()
	}
}

// ObserveCacheVerification counts a cached-session verification result.
func ObserveCacheVerification(result string) {
	if CacheVerifications != nil {
		CacheVerifications.WithLabelValues(result).Inc()
	}
}

// ObservePollDelay records the delay before the next poll.
func ObservePollDelay(d time.Duration) {
	if PollDelay != nil {
		PollDelay.Observe(d.Seconds())
	}
}

// SetCircuitState records the breaker state as 0 (closed), 1 (open) or 2 (half-open).
func SetCircuitState(state int) {
	if CircuitStateGauge != nil {
		CircuitStateGauge.Set(float64(state))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
