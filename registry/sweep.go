package registry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/taskcore/eventbus"
	"github.com/BaSui01/taskcore/internal/retry"
	"github.com/BaSui01/taskcore/notify"
	"github.com/BaSui01/taskcore/statemachine"
	"github.com/BaSui01/taskcore/types"
)

const instrumentationName = "github.com/BaSui01/taskcore/registry"

// timeoutWarningRatio 临近硬超时告警的比例
const timeoutWarningRatio = 0.8

// Observer receives registry and sweep measurements, e.g. a metrics collector.
type Observer interface {
	SetActiveTasks(n int)
	SetHighLoad(high bool)
	ObserveSweep(taskType string, d time.Duration, longRunning int)
	ObserveEscalation(action, outcome string)
}

// SweepDeps are the collaborators of one sweep. Every field is optional.
type SweepDeps struct {
	Notifier  notify.Notifier
	Publisher eventbus.Publisher
	Observer  Observer
	Logger    *zap.Logger
	Now       func() time.Time
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Checked            int `json:"checked"`
	LongRunning        int `json:"longRunning"`
	Escalated          int `json:"escalated"`
	EscalationFailures int `json:"escalationFailures"`
	Skipped            int `json:"skipped"`
	NearTimeout        int `json:"nearTimeout"`
	NotifyFailures     int `json:"notifyFailures"`
	Errors             int `json:"errors"`
}

// CheckLongRunningTasks runs one sweep pass over reg. Failures of one task
// never stop the pass for the others.
func CheckLongRunningTasks(ctx context.Context, reg *Registry, limits Limits, taskTypeName string, deps SweepDeps) SweepReport {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "registry_sweep"), zap.String("task_type", taskTypeName))
	now := time.Now
	if deps.Now != nil {
		now = deps.Now
	}

	records := reg.OrderedRecords()
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "registry.sweep",
		trace.WithAttributes(
			attribute.String("task.type", taskTypeName),
			attribute.Int("registry.count", len(records)),
		))
	defer span.End()

	start := time.Now()
	s := &sweep{reg: reg, limits: limits, taskType: taskTypeName, deps: deps, logger: logger, now: now}
	for _, rec := range records {
		s.report.Checked++
		s.checkOne(ctx, rec)
	}

	span.SetAttributes(
		attribute.Int("sweep.long_running", s.report.LongRunning),
		attribute.Int("sweep.escalated", s.report.Escalated),
		attribute.Int("sweep.escalation_failures", s.report.EscalationFailures),
	)
	if s.report.EscalationFailures > 0 || s.report.Errors > 0 {
		span.SetStatus(codes.Error, "sweep completed with failures")
	}
	if deps.Observer != nil {
		deps.Observer.ObserveSweep(taskTypeName, time.Since(start), s.report.LongRunning)
	}
	logger.Debug("sweep finished",
		zap.Int("checked", s.report.Checked),
		zap.Int("long_running", s.report.LongRunning),
		zap.Int("escalated", s.report.Escalated),
	)
	return s.report
}

type sweep struct {
	reg      *Registry
	limits   Limits
	taskType string
	deps     SweepDeps
	logger   *zap.Logger
	now      func() time.Time
	report   SweepReport
}

func (s *sweep) checkOne(ctx context.Context, rec types.Task) {
	defer func() {
		if r := recover(); r != nil {
			s.report.Errors++
			s.logger.Error("sweep of task panicked", zap.String("task_id", rec.ID), zap.Any("panic", r))
		}
	}()

	threshold := s.limits.ThresholdFor(rec.HasPremium)
	duration := s.now().Sub(rec.StartTime)
	if duration <= threshold {
		return
	}
	s.report.LongRunning++

	log := s.logger.With(
		zap.String("task_id", rec.ID),
		zap.String("user_id", rec.UserID),
		zap.String("tier", rec.Tier()),
		zap.Duration("duration", duration),
		zap.Duration("threshold", threshold),
	)
	log.Info("task exceeded long-running threshold")

	s.notify(ctx, rec, duration, threshold, log)
	s.escalate(ctx, rec, duration, threshold, log)

	if s.limits.TaskTimeout > 0 && float64(duration) > float64(s.limits.TaskTimeout)*timeoutWarningRatio {
		s.warnNearTimeout(ctx, rec, duration, log)
	}
}

func (s *sweep) notify(ctx context.Context, rec types.Task, duration, threshold time.Duration, log *zap.Logger) {
	if s.deps.Notifier == nil {
		return
	}
	err := safely(func() error {
		return s.deps.Notifier.WarnLongRunning(ctx, notify.Warning{
			TaskID:     rec.ID,
			UserID:     rec.UserID,
			TaskType:   s.taskType,
			HasPremium: rec.HasPremium,
			Duration:   duration,
			Threshold:  threshold,
		})
	})
	if err != nil {
		s.report.NotifyFailures++
		log.Warn("long-running notification failed", zap.Error(err))
	}
}

func (s *sweep) escalate(ctx context.Context, rec types.Task, duration, threshold time.Duration, log *zap.Logger) {
	task, ok := s.reg.Task(rec.ID)
	if !ok {
		// 扫描期间任务已注销
		s.report.Skipped++
		log.Info("task deregistered during sweep, skipping escalation")
		return
	}

	var state string
	if err := safely(func() error { state = task.ControlState(); return nil }); err != nil {
		s.report.Errors++
		log.Error("failed to read task state", zap.Error(err))
		return
	}
	if !statemachine.Escalatable(state) {
		s.report.Skipped++
		log.Info("task not in a pausable or stoppable state, skipping escalation", zap.String("state", state))
		return
	}

	action := s.limits.OnLongRunningFirstThreshold
	retries := s.limits.LongRunningPauseRetries
	if action == EscalateStop {
		retries = s.limits.LongRunningStopRetries
	}
	reason := fmt.Sprintf("%s exceeded long-running threshold: ran %s, limit %s",
		s.taskType, duration.Round(time.Second), threshold)

	out := retry.Do(ctx, retry.Policy{MaxRetries: retries, InitialDelay: s.limits.EscalationRetryDelay},
		func(ctx context.Context, _ int) (bool, error) {
			if action == EscalateStop {
				return task.RequestStop(ctx, reason)
			}
			return task.RequestPause(ctx)
		}, log)

	if out.Succeeded {
		s.report.Escalated++
		s.observeEscalation(action, "success")
		log.Info("escalated long-running task",
			zap.String("action", string(action)),
			zap.Int("attempts", out.Attempts),
		)
		return
	}

	// 重试耗尽：只告警，不强制终止
	s.report.EscalationFailures++
	s.observeEscalation(action, "failure")
	log.Error("escalation of long-running task failed, task left in current state",
		zap.String("action", string(action)),
		zap.String("state", state),
		zap.Int("attempts", out.Attempts),
		zap.Error(out.LastErr),
	)
}

func (s *sweep) warnNearTimeout(ctx context.Context, rec types.Task, duration time.Duration, log *zap.Logger) {
	s.report.NearTimeout++
	log.Warn("task approaching hard timeout", zap.Duration("timeout", s.limits.TaskTimeout))

	if s.deps.Publisher == nil {
		return
	}
	ev := eventbus.New(
		eventbus.Source{Tier: eventbus.TierCrossCutting, Component: "registry_sweep", InstanceID: rec.ID},
		eventbus.TaskTimeoutWarning{
			TaskID:   rec.ID,
			TaskType: s.taskType,
			Duration: duration,
			Timeout:  s.limits.TaskTimeout,
		},
		eventbus.WithCorrelationID(rec.ID),
		eventbus.WithPriority(types.PriorityHigh),
	)
	if res := s.deps.Publisher.Publish(ctx, ev); !res.Success {
		log.Warn("timeout warning publish failed", zap.Error(res.Err))
	}
}

func (s *sweep) observeEscalation(action EscalationAction, outcome string) {
	if s.deps.Observer != nil {
		s.deps.Observer.ObserveEscalation(string(action), outcome)
	}
}

func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
