package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/taskcore/eventbus"
	"github.com/BaSui01/taskcore/types"
)

// 准入结果标签
const (
	AdmissionAdmitted = "admitted"
	AdmissionBypassed = "bypassed"
	AdmissionTimedOut = "timeout"
	AdmissionRejected = "rejected"
)

// RunRequest asks for one execution run of a registered task.
type RunRequest struct {
	RunID    string         `json:"runId,omitempty"`
	TaskID   string         `json:"taskId"`
	UserID   string         `json:"userId,omitempty"`
	Priority types.Priority `json:"priority,omitempty"`
}

func (o *Orchestrator) source() eventbus.Source {
	return eventbus.Source{Tier: eventbus.TierCoordination, Component: "orchestrator"}
}

// RequestRunExecution admits a run through the token bucket and publishes
// run.requested reliably. Critical requests skip the bucket.
func (o *Orchestrator) RequestRunExecution(ctx context.Context, req RunRequest) (string, error) {
	if req.Priority == "" {
		req.Priority = types.PriorityMedium
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.run_request", trace.WithAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.String("run.priority", string(req.Priority)),
	))
	defer span.End()

	h, err := o.handle(req.TaskID)
	if err != nil {
		o.observeAdmission(req.Priority, AdmissionRejected)
		return "", err
	}
	if req.UserID == "" {
		req.UserID = h.Task.UserID
	}

	outcome := AdmissionAdmitted
	if req.Priority == types.PriorityCritical {
		outcome = AdmissionBypassed
	} else if err := o.admit(ctx); err != nil {
		o.observeAdmission(req.Priority, AdmissionTimedOut)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	o.observeAdmission(req.Priority, outcome)

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	ev := eventbus.New(o.source(), eventbus.RunRequested{
		RunID:    req.RunID,
		TaskID:   req.TaskID,
		UserID:   req.UserID,
		Priority: string(req.Priority),
	},
		eventbus.WithCorrelationID(req.TaskID),
		eventbus.WithDelivery(eventbus.Reliable),
		eventbus.WithPriority(req.Priority),
	)
	// 订阅者可能在 Publish 返回前就上报完成，映射需先写入
	o.mu.Lock()
	o.runs[req.RunID] = req.TaskID
	o.mu.Unlock()

	if res := o.bus.Publish(ctx, ev); !res.Success {
		o.mu.Lock()
		delete(o.runs, req.RunID)
		o.mu.Unlock()
		span.SetStatus(codes.Error, "publish failed")
		return "", res.Err
	}

	o.logger.Debug("run admitted",
		zap.String("run_id", req.RunID),
		zap.String("task_id", req.TaskID),
		zap.String("admission", outcome),
	)
	return req.RunID, nil
}

func (o *Orchestrator) admit(parent context.Context) error {
	o.mu.RLock()
	timeout := o.cfg.Admission.Timeout
	o.mu.RUnlock()

	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}
	if err := o.limiter.Wait(ctx); err != nil {
		if perr := parent.Err(); perr != nil {
			return perr
		}
		return fmt.Errorf("%w: %v", ErrAdmissionTimeout, err)
	}
	return nil
}

// UpdateAdmission swaps the admission settings at runtime. Waiters already
// blocked in the limiter see the new rate on their next reservation.
func (o *Orchestrator) UpdateAdmission(cfg AdmissionConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid admission config: %w", err)
	}
	o.mu.Lock()
	o.cfg.Admission = cfg
	o.mu.Unlock()

	o.limiter.SetLimit(rate.Limit(cfg.RatePerSecond))
	o.limiter.SetBurst(cfg.Burst)
	o.logger.Info("admission updated",
		zap.Float64("rate_per_second", cfg.RatePerSecond),
		zap.Int("burst", cfg.Burst),
		zap.Duration("timeout", cfg.Timeout),
		zap.Float64("premium_reserve_percentage", cfg.PremiumReservePercentage),
	)
	return nil
}

func (o *Orchestrator) observeAdmission(p types.Priority, outcome string) {
	if o.observer != nil {
		o.observer.ObserveAdmission(string(p), outcome)
	}
}

// HandleRunCompletion completes the run's task. Unknown run ids are ignored.
func (o *Orchestrator) HandleRunCompletion(ctx context.Context, runID string) error {
	return o.finishRun(ctx, runID, "")
}

// HandleRunFailure fails the run's task with reason. Unknown run ids are ignored.
func (o *Orchestrator) HandleRunFailure(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "run failed"
	}
	return o.finishRun(ctx, runID, reason)
}

func (o *Orchestrator) finishRun(ctx context.Context, runID, failure string) error {
	o.mu.Lock()
	taskID, ok := o.runs[runID]
	delete(o.runs, runID)
	o.mu.Unlock()

	if !ok {
		o.logger.Debug("ignoring completion for unknown run", zap.String("run_id", runID))
		return nil
	}

	var err error
	if failure == "" {
		err = o.Complete(ctx, taskID)
	} else {
		err = o.Fail(ctx, taskID, failure)
	}

	payload := eventbus.RunCompleted{RunID: runID, TaskID: taskID, Success: failure == "" && err == nil}
	switch {
	case err != nil:
		payload.Error = err.Error()
	case failure != "":
		payload.Error = failure
	}
	ev := eventbus.New(o.source(), payload,
		eventbus.WithCorrelationID(taskID),
		eventbus.WithDelivery(eventbus.Reliable),
	)
	if res := o.bus.Publish(ctx, ev); !res.Success {
		o.logger.Warn("failed to publish run completion", zap.String("run_id", runID), zap.Error(res.Err))
	}
	return err
}
