package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tracereplay/internal/cache"
	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/recording"
	"github.com/roach88/tracereplay/internal/replay"
	"github.com/roach88/tracereplay/internal/steps"
	"github.com/roach88/tracereplay/internal/store"
	"github.com/roach88/tracereplay/internal/testutil"
)

type testAPI struct {
	router http.Handler
	store  *store.SQLite
}

func newTestAPI(t *testing.T, withCache bool) *testAPI {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewFakeClock()
	ids := testutil.NewSequentialGenerator("id")

	var c *cache.Cache
	if withCache {
		c = cache.New(cache.WithClock(clock))
	}
	recorder := recording.New(st,
		recording.WithClock(clock),
		recording.WithIDGenerator(ids),
		recording.WithLogger(logger),
	)
	reg := steps.NewRegistry(c, steps.LogSender{Logger: logger})

	h := New(Deps{
		Store:          st,
		Recorder:       recorder,
		Engine:         replay.New(st, reg, replay.WithClock(clock), replay.WithIDGenerator(ids), replay.WithLogger(logger)),
		Cache:          c,
		Pipeline:       steps.NewPipeline(recorder, reg, steps.WithPipelineLogger(logger)),
		ReplayDefaults: model.DefaultReplayConfig(),
		Logger:         logger,
	})
	r := chi.NewRouter()
	h.Routes(r)
	return &testAPI{router: r, store: st}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func (a *testAPI) doList(t *testing.T, path string) []any {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out []any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (a *testAPI) startRecording(t *testing.T, name string) string {
	t.Helper()
	code, body := a.do(t, "POST", "/recordings", map[string]any{
		"conversationId": "C1",
		"recordingName":  name,
	})
	require.Equal(t, http.StatusCreated, code, body)
	return body["id"].(string)
}

func (a *testAPI) ingest(t *testing.T, id, text string) {
	t.Helper()
	code, body := a.do(t, "POST", "/recordings/"+id+"/events", map[string]any{
		"payload": map[string]any{"from": "u1", "text": text},
		"state":   map[string]any{"signals": map[string]any{"engagement": 3}},
	})
	require.Equal(t, http.StatusCreated, code, body)
}

func TestRecordings_Lifecycle(t *testing.T) {
	a := newTestAPI(t, true)
	id := a.startRecording(t, "R")

	code, body := a.do(t, "POST", "/recordings", map[string]any{"conversationId": "C2", "recordingName": "R"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "DUPLICATE_NAME", body["code"])

	code, body = a.do(t, "POST", "/recordings", map[string]any{"conversationId": "C2"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])

	a.ingest(t, id, "hello")
	a.ingest(t, id, "Can we talk tomorrow?")

	code, body = a.do(t, "GET", "/recordings/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["eventCount"])
	assert.Equal(t, "active", body["status"])

	events := a.doList(t, "/recordings/"+id+"/events")
	require.Len(t, events, 2)
	assert.Equal(t, float64(2), events[1].(map[string]any)["sequence"])

	assert.Len(t, a.doList(t, "/recordings/"+id+"/traces"), 10)
	assert.Len(t, a.doList(t, "/recordings?status=active"), 1)
	assert.Empty(t, a.doList(t, "/recordings?status=archived"))

	code, body = a.do(t, "GET", "/recordings?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = a.do(t, "GET", "/recordings/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestIngest_Validation(t *testing.T) {
	a := newTestAPI(t, true)
	id := a.startRecording(t, "R")

	code, body := a.do(t, "POST", "/recordings/"+id+"/events", map[string]any{"state": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])

	req := httptest.NewRequest("POST", "/recordings/"+id+"/events", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	code, _ = a.do(t, "POST", "/recordings/missing/events", map[string]any{"payload": map[string]any{}})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestReplay_Endpoints(t *testing.T) {
	a := newTestAPI(t, true)
	id := a.startRecording(t, "R")
	a.ingest(t, id, "hello")

	code, body := a.do(t, "POST", "/replay/"+id, map[string]any{"strictMode": true})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["reproducibilityRate"])
	assert.Equal(t, float64(5), body["totalSteps"])
	assert.Empty(t, body["hashMismatches"])
	execID := body["executionId"].(string)

	code, body = a.do(t, "GET", "/replay-executions/"+execID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, true, body["config"].(map[string]any)["strictMode"])

	vals := a.doList(t, "/replay-executions/"+execID+"/validations")
	assert.Len(t, vals, 5)

	assert.Len(t, a.doList(t, "/recordings/"+id+"/replay-executions"), 1)

	code, _ = a.do(t, "GET", "/replay-executions/missing/validations", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestReplay_Errors(t *testing.T) {
	a := newTestAPI(t, true)
	id := a.startRecording(t, "R")

	code, body := a.do(t, "POST", "/replay/"+id, map[string]any{"logLevel": "loud"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Nil(t, body["result"])

	code, body = a.do(t, "POST", "/replay/"+id, nil)
	assert.Equal(t, http.StatusBadRequest, code, "no events to replay")
	result := body["result"].(map[string]any)
	assert.Equal(t, "failed", result["status"])

	code, body = a.do(t, "POST", "/replay/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, body["result"].(map[string]any)["executionId"])
}

func TestValidateReproducibility(t *testing.T) {
	a := newTestAPI(t, true)
	a.ingest(t, a.startRecording(t, "one"), "hello")
	a.ingest(t, a.startRecording(t, "two"), "Can we talk?")

	code, body := a.do(t, "POST", "/validate-reproducibility", map[string]any{"minRate": 0.9, "sampleSize": 5})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["passed"])
	assert.Equal(t, float64(2), body["evaluated"])

	code, _ = a.do(t, "POST", "/validate-reproducibility", map[string]any{"sampleSize": 1000})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestVerifyAndArchive(t *testing.T) {
	a := newTestAPI(t, true)
	id := a.startRecording(t, "R")
	a.ingest(t, id, "hello")

	code, body := a.do(t, "POST", "/recordings/"+id+"/verify", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["valid"])

	code, body = a.do(t, "POST", "/recordings/"+id+"/archive", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["exported"])

	code, body = a.do(t, "POST", "/recordings/"+id+"/events", map[string]any{"payload": map[string]any{"text": "late"}})
	assert.Equal(t, http.StatusBadRequest, code, "archived recordings reject events")
}

func TestCacheEndpoints(t *testing.T) {
	a := newTestAPI(t, true)
	a.ingest(t, a.startRecording(t, "R"), "hello")

	code, body := a.do(t, "GET", "/cache/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["size"])
	assert.Equal(t, "memory", body["backend"])

	code, body = a.do(t, "DELETE", "/cache/conversation/C1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["removed"])

	code, _ = a.do(t, "DELETE", "/cache", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestCacheEndpoints_Unavailable(t *testing.T) {
	a := newTestAPI(t, false)
	code, body := a.do(t, "GET", "/cache/stats", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "UNAVAILABLE", body["code"])
}

func TestHealthAndStats(t *testing.T) {
	a := newTestAPI(t, true)
	a.ingest(t, a.startRecording(t, "R"), "hello")

	code, body := a.do(t, "GET", "/replay/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	components := body["components"].(map[string]any)
	assert.Equal(t, "healthy", components["cache"].(map[string]any)["status"])
	assert.Equal(t, "disabled", components["tracing"].(map[string]any)["status"])

	code, body = a.do(t, "GET", "/db/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["recordings"])
	assert.Equal(t, float64(5), body["traces"])
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusOf(model.CodeValidation))
	assert.Equal(t, http.StatusBadRequest, statusOf(model.CodeDuplicateName))
	assert.Equal(t, http.StatusNotFound, statusOf(model.CodeNotFound))
	assert.Equal(t, http.StatusConflict, statusOf(model.CodeNoActiveSession))
	assert.Equal(t, http.StatusInternalServerError, statusOf(model.CodeInternal))
}
