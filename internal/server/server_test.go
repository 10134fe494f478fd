package server

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(opts Options, logger *slog.Logger) *Server {
	return New(opts, logger, func(r chi.Router) {
		r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		r.Get("/fail", func(w http.ResponseWriter, r *http.Request) {
			AddError(r.Context(), errors.New("store unavailable"))
			w.WriteHeader(http.StatusInternalServerError)
		})
		r.Get("/panic", func(http.ResponseWriter, *http.Request) {
			panic("boom")
		})
		r.Get("/deadline", func(w http.ResponseWriter, r *http.Request) {
			if _, ok := r.Context().Deadline(); ok {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusTeapot)
		})
	})
}

func do(s *Server, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func TestRequestID(t *testing.T) {
	s := newTestServer(Options{}, discard())

	rec := do(s, "GET", "/ok", nil)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	rec = do(s, "GET", "/ok", map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	s := newTestServer(Options{}, slog.New(slog.NewTextHandler(&buf, nil)))

	do(s, "GET", "/fail", map[string]string{"X-Request-ID": "req-7"})

	line := buf.String()
	assert.Contains(t, line, "level=ERROR")
	assert.Contains(t, line, "request_id=req-7")
	assert.Contains(t, line, "status=500")
	assert.Contains(t, line, `error="store unavailable"`)
}

func TestRecoverer(t *testing.T) {
	s := newTestServer(Options{}, discard())
	rec := do(s, "GET", "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTimeoutMiddleware(t *testing.T) {
	s := newTestServer(Options{RequestTimeout: time.Minute}, discard())
	assert.Equal(t, http.StatusOK, do(s, "GET", "/deadline", nil).Code)

	s = newTestServer(Options{}, discard())
	assert.Equal(t, http.StatusTeapot, do(s, "GET", "/deadline", nil).Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(Options{RateLimitRPS: 0.001, RateLimitBurst: 2}, discard())
	client := map[string]string{"X-Forwarded-For": "10.0.0.1"}

	assert.Equal(t, http.StatusOK, do(s, "GET", "/ok", client).Code)
	assert.Equal(t, http.StatusOK, do(s, "GET", "/ok", client).Code)
	rec := do(s, "GET", "/ok", client)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"rate limit exceeded","code":"RATE_LIMITED"}`, rec.Body.String())

	other := map[string]string{"X-Forwarded-For": "10.0.0.2"}
	assert.Equal(t, http.StatusOK, do(s, "GET", "/ok", other).Code, "buckets are per client")
}

func TestRateLimiter_ForgetsIdleClients(t *testing.T) {
	l := newRateLimiter(1, 1)
	require.NotNil(t, l)
	now := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	now = now.Add(11 * time.Minute)
	assert.True(t, l.allow("b"))
	assert.NotContains(t, l.clients, "a")

	assert.Nil(t, newRateLimiter(0, 10))
}

func TestRateLimiter_SweepsOncePerTTL(t *testing.T) {
	l := newRateLimiter(1, 1)
	require.NotNil(t, l)
	now := time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.Equal(t, now, l.lastSweep)

	// "a" is idle past the ttl, but a sweep ran a minute ago.
	now = now.Add(11 * time.Minute)
	l.lastSweep = now.Add(-time.Minute)
	assert.True(t, l.allow("b"))
	assert.Contains(t, l.clients, "a")

	now = now.Add(9 * time.Minute)
	assert.True(t, l.allow("c"))
	assert.NotContains(t, l.clients, "a")
	assert.Contains(t, l.clients, "b")
	assert.Equal(t, now, l.lastSweep)
}

func TestClientAddress(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientAddress(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", clientAddress(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientAddress(req))
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(Options{CORSOrigins: []string{"https://dash.example.com"}}, discard())

	rec := do(s, "OPTIONS", "/ok", map[string]string{
		"Origin":                        "https://dash.example.com",
		"Access-Control-Request-Method": "GET",
	})
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
