package http

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/tank-level-service/internal/overload"
	"github.com/kjstillabower/tank-level-service/internal/render"
)

func TestMiddleware_CorrelationID(t *testing.T) {
	var seen string
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})

	// Generated when absent.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	if got := w.Header().Get(CorrelationIDHeader); got == "" || got != seen {
		t.Errorf("generated id: header %q, context %q", got, seen)
	}

	// Propagated when present.
	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set(CorrelationIDHeader, "client-provided-id")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get(CorrelationIDHeader); got != "client-provided-id" || seen != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, context %q, want client-provided-id", got, seen)
	}
}

func TestMiddleware_GetRouteUsesTemplate(t *testing.T) {
	var route string
	router := mux.NewRouter()
	router.HandleFunc("/api/tanks/{tank}", func(w http.ResponseWriter, r *http.Request) {
		route = getRoute(r)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/tanks/roof", nil))
	if route != "/api/tanks/{tank}" {
		t.Errorf("getRoute() = %q, want /api/tanks/{tank}", route)
	}

	if got := getRoute(httptest.NewRequest("GET", "/nowhere", nil)); got != "unmatched" {
		t.Errorf("getRoute() without route = %q, want unmatched", got)
	}
}

func TestMiddleware_StatusRecorder(t *testing.T) {
	if got := statusCodeString(http.StatusServiceUnavailable); got != "5xx" {
		t.Errorf("statusCodeString(503) = %q, want 5xx", got)
	}
	w := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	rec.WriteHeader(http.StatusTeapot)
	if rec.statusCode != http.StatusTeapot || w.Code != http.StatusTeapot {
		t.Errorf("statusCode = %d / %d, want 418", rec.statusCode, w.Code)
	}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("Hijack() on a recorder: want error")
	}
}

// TestTimeoutMiddleware_CancelsRefresh verifies a hung upstream fetch is cut
// off by the request timeout and reported as 503.
func TestTimeoutMiddleware_CancelsRefresh(t *testing.T) {
	f := &stubFetcher{block: make(chan struct{})}
	defer close(f.block)
	set := newTestWidgets(t, f, nil, "roof")
	router := NewRouter(NewHandler(set, nil, render.WaveParams{}, nil, nil), RouterOptions{RequestTimeout: 20 * time.Millisecond})

	start := time.Now()
	w := doRequest(router, "POST", "/api/tanks/roof/refresh")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("refresh took %v, want cut off near 20ms", elapsed)
	}
}

func TestTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var hasDeadline bool
	h := TimeoutMiddleware(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !hasDeadline {
		t.Error("request context has no deadline")
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	overload.Reset()
	t.Cleanup(overload.Reset)

	set := newTestWidgets(t, &stubFetcher{}, nil, "roof")
	router := NewRouter(NewHandler(set, nil, render.WaveParams{}, nil, nil), RouterOptions{
		Limiter: rate.NewLimiter(rate.Every(time.Hour), 1),
	})

	if w := doRequest(router, "GET", "/api/tanks"); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w := doRequest(router, "GET", "/api/tanks")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	var body struct {
		Error struct {
			Code      string `json:"code"`
			RequestID string `json:"requestId"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Error.Code != "RATE_LIMITED" || body.Error.RequestID != "test-correlation-id" {
		t.Errorf("error = %+v", body.Error)
	}

	// Health is outside /api and never limited.
	if w := doRequest(router, "GET", "/health"); w.Code == http.StatusTooManyRequests {
		t.Error("/health was rate limited")
	}
	if got := overload.RequestCount(time.Minute); got != 2 {
		t.Errorf("RequestCount() = %d, want 2", got)
	}
	if got := overload.DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount() = %d, want 1", got)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	called := false
	h := RateLimitMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/tanks", nil))
	if !called {
		t.Error("handler not called with nil limiter")
	}
}

func TestRouter_Gzip(t *testing.T) {
	set := newTestWidgets(t, &stubFetcher{}, nil, "roof")
	router := newTestRouter(NewHandler(set, nil, render.WaveParams{}, nil, nil))

	req := httptest.NewRequest("GET", "/api/tanks", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", w.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	body, _ := io.ReadAll(zr)
	if !strings.Contains(string(body), `"tank":"roof"`) {
		t.Errorf("body = %s", body)
	}
}

func TestRecoveryLogger_LogsPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{logger: zap.New(core)}))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("handler exploded") }),
	)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil).WithContext(context.Background()))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	entries := logs.FilterMessage("panic recovered").All()
	if len(entries) != 1 || !strings.Contains(entries[0].ContextMap()["panic"].(string), "handler exploded") {
		t.Errorf("panic log = %+v", entries)
	}
}
