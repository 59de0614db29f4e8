package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/taskcore/api/handlers"
	"github.com/BaSui01/taskcore/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// requestIDKey is the context key for the request ID.
type requestIDKey struct{}

// RequestIDFromContext extracts the request ID from the context.
// Returns an empty string if no request ID is present.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联，第一个在最外层
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// HTTPRecorder records one finished HTTP request.
type HTTPRecorder interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64)
}

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", RequestIDFromContext(r.Context())),
					)
					handlers.WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "internal server error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger 请求日志中间件
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", RequestIDFromContext(r.Context())),
			)
		})
	}
}

// =============================================================================
// MetricsMiddleware — records HTTP request metrics
// =============================================================================

// MetricsMiddleware records HTTP request duration, status, and sizes. Path
// labels are normalized to avoid high-cardinality Prometheus time series
// (e.g. "/api/v1/tasks/abc123/pause" becomes "/api/v1/tasks/:id/pause").
func MetricsMiddleware(recorder HTTPRecorder) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)

			next.ServeHTTP(rw, r)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}
			recorder.RecordHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				rw.StatusCode,
				time.Since(start),
				requestSize,
				int64(rw.Bytes),
			)
		})
	}
}

// pathSegmentPattern matches path segments that look like dynamic identifiers:
// UUIDs, hex strings (8+ chars), or numeric IDs.
var pathSegmentPattern = regexp.MustCompile(
	`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`,
)

// idCollections 后一段一定是 id 的集合路径
var idCollections = map[string]struct{}{
	"tasks":        {},
	"runs":         {},
	"approvals":    {},
	"correlations": {},
}

// normalizePath replaces dynamic path segments with ":id" to keep Prometheus
// label cardinality bounded. For example:
//
//	/api/v1/tasks/abc123/pause -> /api/v1/tasks/:id/pause
//	/api/v1/signals/insights   -> /api/v1/signals/insights (unchanged)
func normalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/ready", "/readyz", "/version", "/metrics":
		return path
	}

	segments := strings.Split(path, "/")
	normalized := false
	for i, seg := range segments {
		if _, isCollection := idCollections[seg]; seg == "" || isCollection {
			continue
		}
		_, afterCollection := idCollections[prevSegment(segments, i)]
		if afterCollection || pathSegmentPattern.MatchString(seg) {
			segments[i] = ":id"
			normalized = true
		}
	}
	if !normalized {
		return path
	}
	return strings.Join(segments, "/")
}

func prevSegment(segments []string, i int) string {
	if i == 0 {
		return ""
	}
	return segments[i-1]
}

// =============================================================================
// OTelTracing — OpenTelemetry HTTP tracing middleware
// =============================================================================

// OTelTracing creates a server span per request using the global tracer and
// the propagator configured by internal/telemetry.
func OTelTracing() Middleware {
	tracer := otel.Tracer("taskcore/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.Start(ctx, r.Method+" "+normalizePath(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
			if rw.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
		})
	}
}

// APIKeyAuth API Key 认证中间件。validKeys 为空时不做认证；
// skipPaths 中的路径不需要认证（如 /health, /ready, /version）。
func APIKeyAuth(validKeys []string, skipPaths []string, logger *zap.Logger) Middleware {
	keys := make([][]byte, 0, len(validKeys))
	for _, k := range validKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}
	skipSet := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skipSet[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, skip := skipSet[r.URL.Path]; skip {
				next.ServeHTTP(w, r)
				return
			}
			key := []byte(r.Header.Get("X-API-Key"))
			for _, k := range keys {
				if subtle.ConstantTimeCompare(key, k) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			logger.Debug("rejected request without valid API key", zap.String("path", r.URL.Path))
			handlers.WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "invalid or missing API key", nil)
		})
	}
}

// RateLimiter 基于 IP 的请求限流中间件，ctx 结束时停止后台清理
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for ip, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, ip)
					}
				}
				mu.Unlock()
			}
		}
	}()
	return func(next http.Handler) http.Handler {
		if rps <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			mu.Lock()
			v, exists := visitors[ip]
			if !exists {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()
			if !v.limiter.Allow() {
				logger.Debug("rate limited", zap.String("ip", ip))
				handlers.WriteErrorMessage(w, http.StatusTooManyRequests, types.ErrRateLimited, "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID adds a unique request ID to each request via the X-Request-ID header
// and injects it into the request context. If the client already provides one,
// it is preserved.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = generateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			ctx = types.WithTraceID(ctx, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SecurityHeaders adds common security response headers to every request.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			next.ServeHTTP(w, r)
		})
	}
}

// generateRequestID produces a random hex string suitable for request tracing.
func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "req-" + hex.EncodeToString(b)
}
