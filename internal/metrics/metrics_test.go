package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/lotabots/internal/event"
)

func state(from, to string) event.Event {
	return event.Event{Name: event.StateChanged, ModelID: "m", Fields: map[string]any{"from": from, "to": to}}
}

func TestMetrics_Stages(t *testing.T) {
	m := New()

	m.Publish(event.Event{Name: event.StageCompleted, Fields: map[string]any{"stage": "fetch", "duration_seconds": 1.5}})
	m.Publish(event.Event{Name: event.StageCompleted, Fields: map[string]any{"stage": "quantize", "duration_seconds": 30.0}})
	m.Publish(event.Event{Name: event.StageFailed, Fields: map[string]any{"stage": "upload", "duration_seconds": 0.2}})
	m.Publish(event.Event{Name: event.StageFailed, Fields: map[string]any{"stage": "upload"}})

	assert.Equal(t, 3, testutil.CollectAndCount(m.stageDuration))
}

func TestMetrics_Runs(t *testing.T) {
	m := New()

	m.Publish(event.Event{Name: event.RunDone})
	m.Publish(event.Event{Name: event.RunDone})
	m.Publish(event.Event{Name: event.RunFailed})
	m.Publish(event.Event{Name: event.RunCanceled})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("canceled")))
}

func TestMetrics_FallbacksAndCacheHits(t *testing.T) {
	m := New()

	m.Publish(event.Event{Name: event.DeviceFallback, Fields: map[string]any{"from": "cuda", "to": "cpu"}})
	m.Publish(event.Event{Name: event.CacheHit, Fields: map[string]any{"stage": "fetch"}})
	m.Publish(event.Event{Name: event.CacheHit, Fields: map[string]any{"stage": "quantize"}})
	m.Publish(event.Event{Name: event.CacheHit})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.fallbacksTotal.WithLabelValues("cuda")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheHitsTotal.WithLabelValues("fetch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheHitsTotal.WithLabelValues("unknown")))
}

func TestMetrics_Inflight(t *testing.T) {
	m := New()

	m.Publish(state("start", "fetching"))
	m.Publish(state("start", "fetching"))
	m.Publish(state("fetching", "quantizing"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inflight))

	m.Publish(state("quantizing", "failed"))
	m.Publish(state("uploading", "done"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))

	// A run rejected before its first stage never counted as in flight.
	m.Publish(state("start", "failed"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Publish(event.Event{Name: event.RunDone})

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `lotabots_pipeline_runs_total{outcome="done"} 1`)
	assert.Contains(t, rr.Body.String(), "lotabots_pipeline_inflight_runs")
}
