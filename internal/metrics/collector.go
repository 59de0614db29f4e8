// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
//
// Collector 以纯字符串签名实现各业务包声明的观察者接口
// （eventbus.PublishObserver、statemachine.TransitionObserver、
// approval.Observer、registry.Observer、orchestrator.AdmissionObserver），
// 因此本包不依赖任何业务包。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 状态机指标
	stateTransitions *prometheus.CounterVec

	// 事件总线指标
	eventsPublished *prometheus.CounterVec

	// 审批指标
	approvalsTotal   *prometheus.CounterVec
	approvalDuration *prometheus.HistogramVec

	// 注册表与扫描指标
	activeTasks      prometheus.Gauge
	highLoad         prometheus.Gauge
	sweepsTotal      *prometheus.CounterVec
	sweepDuration    *prometheus.HistogramVec
	longRunningTasks *prometheus.GaugeVec
	escalationsTotal *prometheus.CounterVec
	admissionsTotal  *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 状态机指标
	c.stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of attempted state machine transitions",
		},
		[]string{"kind", "from_state", "to_state", "result"}, // result: ok, rejected
	)

	// 事件总线指标
	c.eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of published events",
		},
		[]string{"event_type", "guarantee", "result"},
	)

	// 审批指标
	c.approvalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Total number of resolved approval requests",
		},
		[]string{"outcome"},
	)

	c.approvalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_duration_seconds",
			Help:      "Time from approval request to resolution in seconds",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 300, 900, 3600},
		},
		[]string{"outcome"},
	)

	// 注册表与扫描指标
	c.activeTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of tasks in the active task registry",
		},
	)

	c.highLoad = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_high_load",
			Help:      "1 when the registry is above its high-load threshold",
		},
	)

	c.sweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Total number of long-running task sweeps",
		},
		[]string{"task_type"},
	)

	c.sweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Sweep duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)

	c.longRunningTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "long_running_tasks",
			Help:      "Long-running tasks found by the latest sweep",
		},
		[]string{"task_type"},
	)

	c.escalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Total number of long-running task escalations",
		},
		[]string{"action", "outcome"},
	)

	c.admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_admissions_total",
			Help:      "Total number of run execution admission decisions",
		},
		[]string{"priority", "outcome"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔁 状态机与事件
// =============================================================================

// ObserveTransition 记录状态转换尝试
func (c *Collector) ObserveTransition(kind, from, to string, ok bool) {
	c.stateTransitions.WithLabelValues(kind, from, to, result(ok, "ok", "rejected")).Inc()
}

// ObservePublish 记录事件发布结果
func (c *Collector) ObservePublish(eventType, guarantee string, success bool) {
	c.eventsPublished.WithLabelValues(eventType, guarantee, result(success, "success", "failure")).Inc()
}

// =============================================================================
// ✋ 审批
// =============================================================================

// ObserveApproval 记录审批结果与耗时
func (c *Collector) ObserveApproval(outcome string, d time.Duration) {
	c.approvalsTotal.WithLabelValues(outcome).Inc()
	c.approvalDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// =============================================================================
// 🧹 注册表、扫描与准入
// =============================================================================

// SetActiveTasks 设置活跃任务数
func (c *Collector) SetActiveTasks(n int) {
	c.activeTasks.Set(float64(n))
}

// SetHighLoad 设置高负载标记
func (c *Collector) SetHighLoad(high bool) {
	if high {
		c.highLoad.Set(1)
		return
	}
	c.highLoad.Set(0)
}

// ObserveSweep 记录一次扫描
func (c *Collector) ObserveSweep(taskType string, d time.Duration, longRunning int) {
	c.sweepsTotal.WithLabelValues(taskType).Inc()
	c.sweepDuration.WithLabelValues(taskType).Observe(d.Seconds())
	c.longRunningTasks.WithLabelValues(taskType).Set(float64(longRunning))
}

// ObserveEscalation 记录一次升级处理
func (c *Collector) ObserveEscalation(action, outcome string) {
	c.escalationsTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveAdmission 记录一次运行准入决策
func (c *Collector) ObserveAdmission(priority, outcome string) {
	c.admissionsTotal.WithLabelValues(priority, outcome).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
