package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/lotabots/internal/event"
	"github.com/ekisa-team/lotabots/internal/metrics"
	"github.com/ekisa-team/lotabots/internal/pipeline"
)

func tracker() *pipeline.Tracker {
	const a, b = "acme/a:q4:acme/a-q4", "acme/b:q8:acme/b-q8"

	t := pipeline.NewTracker()
	t.Publish(event.Event{Name: event.StateChanged, ModelID: "acme/a", RunID: a, Fields: map[string]any{"from": "start", "to": "fetching"}})
	t.Publish(event.Event{Name: event.StageStarted, ModelID: "acme/a", RunID: a, Fields: map[string]any{"stage": "fetch"}})
	t.Publish(event.Event{Name: event.StateChanged, ModelID: "acme/b", RunID: b, Fields: map[string]any{"from": "start", "to": "fetching"}})
	t.Publish(event.Event{Name: event.RunFailed, ModelID: "acme/b", RunID: b, Fields: map[string]any{"stage": "fetch", "error": "fetch: boom"}})
	t.Publish(event.Event{Name: event.StateChanged, ModelID: "acme/b", RunID: b, Fields: map[string]any{"from": "fetching", "to": "failed"}})
	return t
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestRouter_Healthz(t *testing.T) {
	rr := get(t, NewRouter(tracker(), nil), "/healthz")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestRouter_ListRuns(t *testing.T) {
	rr := get(t, NewRouter(tracker(), nil), "/runs")
	require.Equal(t, http.StatusOK, rr.Code)

	var out ListRunsResponseDTO
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	require.Len(t, out.Runs, 2)
	assert.Equal(t, 1, out.Active)
	assert.Equal(t, "acme/a:q4:acme/a-q4", out.Runs[0].ID)
	assert.Equal(t, "acme/a", out.Runs[0].ModelID)
	assert.Equal(t, "fetching", out.Runs[0].State)
	assert.Equal(t, "fetch", out.Runs[0].Stage)
	assert.Equal(t, "failed", out.Runs[1].State)
	assert.Equal(t, "fetch: boom", out.Runs[1].Error)
}

func TestRouter_GetRun(t *testing.T) {
	h := NewRouter(tracker(), nil)

	rr := get(t, h, "/runs/acme/b:q8:acme/b-q8")
	require.Equal(t, http.StatusOK, rr.Code)
	var run RunDTO
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&run))
	assert.Equal(t, "acme/b:q8:acme/b-q8", run.ID)
	assert.Equal(t, "acme/b", run.ModelID)
	assert.Equal(t, "failed", run.State)

	rr = get(t, h, "/runs/acme/missing")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "acme/missing")
}

func TestRouter_Metrics(t *testing.T) {
	m := metrics.New()
	m.Publish(event.Event{Name: event.RunDone})

	rr := get(t, NewRouter(tracker(), m.Handler()), "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "lotabots_pipeline_runs_total")

	rr = get(t, NewRouter(tracker(), nil), "/metrics")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
