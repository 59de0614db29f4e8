package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthHandler 健康检查处理器
type HealthHandler struct {
	logger  *zap.Logger
	checks  []HealthCheck
	timeout time.Duration
	mu      sync.RWMutex
}

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// ServiceHealthResponse 健康状态响应
type ServiceHealthResponse struct {
	Status    string                 `json:"status"` // "healthy", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("component", "health")),
		checks:  make([]HealthCheck, 0),
		timeout: 5 * time.Second,
	}
}

// RegisterCheck 注册健康检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 请求（简单健康检查）
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, ServiceHealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// HandleHealthz 处理 /healthz 请求（Kubernetes 活跃度探针，只检查进程存活）
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, ServiceHealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// HandleReady 处理 /ready 或 /readyz 请求（就绪检查）
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := ServiceHealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	allHealthy := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{
			Status:  "pass",
			Latency: latency.String(),
		}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			allHealthy = false

			h.logger.Warn("health check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
				zap.Duration("latency", latency),
			)
		}
		status.Checks[check.Name()] = result
	}

	if !allHealthy {
		status.Status = "unhealthy"
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// HandleVersion 处理 /version 请求
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

// =============================================================================
// 🔧 内置健康检查实现
// =============================================================================

// FuncCheck adapts a ping function (database, redis, event bus) to HealthCheck.
type FuncCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncCheck 创建基于函数的健康检查
func NewFuncCheck(name string, fn func(ctx context.Context) error) *FuncCheck {
	return &FuncCheck{name: name, fn: fn}
}

func (c *FuncCheck) Name() string { return c.name }

func (c *FuncCheck) Check(ctx context.Context) error { return c.fn(ctx) }
