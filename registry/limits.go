package registry

import (
	"errors"
	"fmt"
	"time"
)

// EscalationAction is the first control signal sent to an overrunning task.
type EscalationAction string

const (
	EscalatePause EscalationAction = "pause"
	EscalateStop  EscalationAction = "stop"
)

// Limits 注册表与扫描的策略参数，全部由外部配置提供
type Limits struct {
	// MaxActive 最大并发活跃任务数（0 表示不限制）
	MaxActive int `json:"max_active" yaml:"max_active" env:"MAX_ACTIVE"`

	// HighLoadCheckInterval 扫描与高负载检测周期
	HighLoadCheckInterval time.Duration `json:"high_load_check_interval" yaml:"high_load_check_interval" env:"HIGH_LOAD_CHECK_INTERVAL"`

	// HighLoadThresholdPercentage 活跃数占 MaxActive 的百分比达到该值即视为高负载
	HighLoadThresholdPercentage float64 `json:"high_load_threshold_percentage" yaml:"high_load_threshold_percentage" env:"HIGH_LOAD_THRESHOLD_PERCENTAGE"`

	// 各层级的长时间运行阈值
	FreeLongRunningThreshold    time.Duration `json:"free_long_running_threshold" yaml:"free_long_running_threshold" env:"FREE_LONG_RUNNING_THRESHOLD"`
	PremiumLongRunningThreshold time.Duration `json:"premium_long_running_threshold" yaml:"premium_long_running_threshold" env:"PREMIUM_LONG_RUNNING_THRESHOLD"`

	// TaskTimeout 硬超时，超过 80% 时发出临近超时告警
	TaskTimeout time.Duration `json:"task_timeout" yaml:"task_timeout" env:"TASK_TIMEOUT"`

	// ShutdownGracePeriod 关闭时等待任务停止的最长时间
	ShutdownGracePeriod time.Duration `json:"shutdown_grace_period" yaml:"shutdown_grace_period" env:"SHUTDOWN_GRACE_PERIOD"`

	// 控制信号的重试次数（不含首次尝试）
	LongRunningPauseRetries int `json:"long_running_pause_retries" yaml:"long_running_pause_retries" env:"LONG_RUNNING_PAUSE_RETRIES"`
	LongRunningStopRetries  int `json:"long_running_stop_retries" yaml:"long_running_stop_retries" env:"LONG_RUNNING_STOP_RETRIES"`

	// EscalationRetryDelay 两次控制信号尝试之间的间隔
	EscalationRetryDelay time.Duration `json:"escalation_retry_delay" yaml:"escalation_retry_delay" env:"ESCALATION_RETRY_DELAY"`

	// OnLongRunningFirstThreshold 首次超过阈值时的动作：pause 或 stop
	OnLongRunningFirstThreshold EscalationAction `json:"on_long_running_first_threshold" yaml:"on_long_running_first_threshold" env:"ON_LONG_RUNNING_FIRST_THRESHOLD"`
}

// DefaultLimits returns production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxActive:                   100,
		HighLoadCheckInterval:       30 * time.Second,
		HighLoadThresholdPercentage: 80,
		FreeLongRunningThreshold:    30 * time.Minute,
		PremiumLongRunningThreshold: 2 * time.Hour,
		TaskTimeout:                 4 * time.Hour,
		ShutdownGracePeriod:         30 * time.Second,
		LongRunningPauseRetries:     2,
		LongRunningStopRetries:      2,
		EscalationRetryDelay:        200 * time.Millisecond,
		OnLongRunningFirstThreshold: EscalatePause,
	}
}

// ThresholdFor returns the long-running threshold of a tier.
func (l Limits) ThresholdFor(hasPremium bool) time.Duration {
	if hasPremium {
		return l.PremiumLongRunningThreshold
	}
	return l.FreeLongRunningThreshold
}

// Validate 校验策略参数
func (l Limits) Validate() error {
	var errs []error
	if l.MaxActive < 0 {
		errs = append(errs, errors.New("max_active must be >= 0"))
	}
	if l.HighLoadCheckInterval <= 0 {
		errs = append(errs, errors.New("high_load_check_interval must be positive"))
	}
	if l.HighLoadThresholdPercentage <= 0 || l.HighLoadThresholdPercentage > 100 {
		errs = append(errs, fmt.Errorf("high_load_threshold_percentage must be in (0, 100], got %v", l.HighLoadThresholdPercentage))
	}
	if l.FreeLongRunningThreshold <= 0 || l.PremiumLongRunningThreshold <= 0 {
		errs = append(errs, errors.New("long-running thresholds must be positive"))
	}
	if l.TaskTimeout < 0 || l.ShutdownGracePeriod < 0 || l.EscalationRetryDelay < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if l.LongRunningPauseRetries < 0 || l.LongRunningStopRetries < 0 {
		errs = append(errs, errors.New("retry counts must be >= 0"))
	}
	switch l.OnLongRunningFirstThreshold {
	case EscalatePause, EscalateStop:
	default:
		errs = append(errs, fmt.Errorf("on_long_running_first_threshold must be pause or stop, got %q", l.OnLongRunningFirstThreshold))
	}
	return errors.Join(errs...)
}
