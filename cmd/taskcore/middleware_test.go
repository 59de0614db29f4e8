package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := SecurityHeaders()(inner)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestSecurityHeaders_ChainedWithOtherMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	handler := Chain(inner, SecurityHeaders(), RequestID())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID_PreservesClientValue(t *testing.T) {
	var seen string
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-client")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, "req-client", seen)
	assert.Equal(t, "req-client", w.Header().Get("X-Request-ID"))
}

func TestRecovery(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestAPIKeyAuth(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := APIKeyAuth([]string{"secret-1", " "}, []string{"/health"}, zap.NewNop())(inner)

	tests := []struct {
		name   string
		path   string
		key    string
		status int
	}{
		{"valid key", "/api/v1/tasks", "secret-1", http.StatusNoContent},
		{"missing key", "/api/v1/tasks", "", http.StatusUnauthorized},
		{"wrong key", "/api/v1/tasks", "secret-2", http.StatusUnauthorized},
		{"blank configured key does not match", "/api/v1/tasks", " ", http.StatusUnauthorized},
		{"skipped path", "/health", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				r.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestAPIKeyAuth_NoKeysDisablesAuth(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := APIKeyAuth(nil, nil, zap.NewNop())(inner)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimiter(t *testing.T) {
	handler := RateLimiter(t.Context(), 0.001, 2, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.1:5000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// 其他 IP 有独立的令牌桶
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.2:5000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

type httpRecord struct {
	method, path string
	status       int
	respSize     int64
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []httpRecord
}

func (f *fakeRecorder) RecordHTTPRequest(method, path string, status int, _ time.Duration, _, responseSize int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, httpRecord{method, path, status, responseSize})
}

func TestMetricsMiddleware(t *testing.T) {
	rec := &fakeRecorder{}
	handler := MetricsMiddleware(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("hello"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/tasks/t-42/pause", strings.NewReader("{}")))

	require.Len(t, rec.records, 1)
	assert.Equal(t, httpRecord{http.MethodPost, "/api/v1/tasks/:id/pause", http.StatusAccepted, 5}, rec.records[0])
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/health", "/health"},
		{"/api/v1/tasks", "/api/v1/tasks"},
		{"/api/v1/tasks/my-task/start", "/api/v1/tasks/:id/start"},
		{"/api/v1/runs/6f1c2a9e-1d2b-4c3d-9e8f-0a1b2c3d4e5f/complete", "/api/v1/runs/:id/complete"},
		{"/api/v1/approvals/correlations/job-7/cancel", "/api/v1/approvals/correlations/:id/cancel"},
		{"/api/v1/signals/insights", "/api/v1/signals/insights"},
		{"/api/v1/other/12345", "/api/v1/other/:id"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.in))
		})
	}
}

func TestInitLogger(t *testing.T) {
	logger, level := initLogger(configLog("warn", "json"))
	require.NotNil(t, logger)
	assert.Equal(t, zap.WarnLevel, level.Level())

	_, level = initLogger(configLog("nonsense", "console"))
	assert.Equal(t, zap.InfoLevel, level.Level())
}
