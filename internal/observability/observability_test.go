package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragmux/ragmux/internal/query"
)

// newTestMetrics builds a Metrics instance against an isolated registry so
// tests don't collide with the process-wide default registry InitMetrics
// uses via promauto.
func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	reg := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "requests_total"}, []string{"status"})
	activeStreams := prometheus.NewGauge(prometheus.GaugeOpts{Name: "active_streams"})
	streamDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "stream_duration_seconds"}, []string{"status"})
	firstToken := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "time_to_first_token_seconds"})
	sourceFetch := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "source_fetch_duration_seconds"}, []string{"source"})
	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "errors_total"}, []string{"kind"})
	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{Name: "cache_hits_total"})
	tokensTotal := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tokens_total"}, []string{"provider"})

	reg.MustRegister(requestsTotal, activeStreams, streamDuration, firstToken, sourceFetch, errorsTotal, cacheHits, tokensTotal)

	return &Metrics{
		RequestsTotal:           requestsTotal,
		ActiveStreams:           activeStreams,
		StreamDurationSeconds:   streamDuration,
		TimeToFirstTokenSeconds: firstToken,
		SourceFetchDuration:     sourceFetch,
		ErrorsTotal:             errorsTotal,
		CacheHitsTotal:          cacheHits,
		TokensTotal:             tokensTotal,
	}
}

func TestRecordRequestIncrementsByStatus(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordRequest("success")
	m.RecordRequest("success")
	m.RecordRequest("error")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("error")))
}

func TestRecordErrorIncrementsByKind(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordError("rate_limited")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("rate_limited")))
}

func TestRecordSourceFetchObservesBySource(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordSourceFetch(query.SourceJira, 0.2)
	// a histogram counter increments its sample count on Observe
	assert.NotPanics(t, func() { m.SourceFetchDuration.WithLabelValues("jira") })
}

func TestRecordTokensIgnoresNonPositiveCounts(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordTokens("anthropic", 0)
	m.RecordTokens("anthropic", -1)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.TokensTotal.WithLabelValues("anthropic")))
	m.RecordTokens("anthropic", 5)
	assert.Equal(t, float64(5), testutil.ToFloat64(m.TokensTotal.WithLabelValues("anthropic")))
}

func TestRecordStreamDurationObservesByStatus(t *testing.T) {
	m := newTestMetrics(t)
	assert.NotPanics(t, func() { m.RecordStreamDuration("success", 1.5) })
}

func TestStreamStartedEndedTracksGauge(t *testing.T) {
	m := newTestMetrics(t)
	m.StreamStarted()
	m.StreamStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ActiveStreams))
	m.StreamEnded()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveStreams))
}

func TestNilMetricsMethodsAreNoOps(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordRequest("success")
		m.RecordError("internal")
		m.RecordSourceFetch(query.SourceJira, 1.0)
		m.RecordTokens("openai_compatible", 3)
		m.RecordStreamDuration("success", 1.0)
		m.StreamStarted()
		m.StreamEnded()
	})
}
