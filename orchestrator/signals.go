package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/taskcore/eventbus"
	"github.com/BaSui01/taskcore/statemachine"
	"github.com/BaSui01/taskcore/types"
)

// SeverityCritical marks a resource alert that pauses running tasks.
const SeverityCritical = "critical"

// HandleMetacognitiveInsight publishes the insight best-effort. A swarm that
// is ACTIVE moves to ADAPTING when the insight asks for adaptation.
func (o *Orchestrator) HandleMetacognitiveInsight(ctx context.Context, in eventbus.MetacognitiveInsight) error {
	h, err := o.handle(in.TaskID)
	if err != nil {
		return err
	}

	ev := eventbus.New(o.source(), in, eventbus.WithCorrelationID(in.TaskID))
	if res := o.bus.Publish(ctx, ev); !res.Success {
		o.logger.Debug("insight not delivered", zap.String("task_id", in.TaskID), zap.Error(res.Err))
	}

	if !in.RequiresAdaptation || h.Task.Kind != types.TaskKindSwarm {
		return nil
	}
	if h.Machine.State() != statemachine.StateActive {
		o.logger.Debug("adaptation requested outside ACTIVE, ignoring",
			zap.String("task_id", in.TaskID),
			zap.String("state", string(h.Machine.State())),
		)
		return nil
	}
	return h.Machine.TransitionWithReason(ctx, statemachine.StateAdapting, in.Insight)
}

// HandleResourceAlert publishes the alert. Critical alerts pause every running
// task of alert.UserID, or of every user when it is empty. It returns how many
// tasks were paused.
func (o *Orchestrator) HandleResourceAlert(ctx context.Context, alert eventbus.ResourceAlert) (int, error) {
	priority := types.PriorityHigh
	if alert.Severity == SeverityCritical {
		priority = types.PriorityCritical
	}
	ev := eventbus.New(o.source(), alert,
		eventbus.WithPriority(priority),
		eventbus.WithTags(alert.Resource),
	)
	if res := o.bus.Publish(ctx, ev); !res.Success {
		o.logger.Warn("resource alert not delivered", zap.String("resource", alert.Resource), zap.Error(res.Err))
	}

	if alert.Severity != SeverityCritical {
		return 0, nil
	}

	paused := 0
	var errs []error
	for _, entry := range o.registry.Entries() {
		if alert.UserID != "" && entry.Record.UserID != alert.UserID {
			continue
		}
		h, err := o.handle(entry.Record.ID)
		if err != nil || h.Machine.State() != h.Machine.Definition().Running {
			continue
		}
		if err := o.Pause(ctx, entry.Record.ID); err != nil {
			errs = append(errs, fmt.Errorf("pause %s: %w", entry.Record.ID, err))
			continue
		}
		paused++
	}

	o.logger.Warn("critical resource alert handled",
		zap.String("resource", alert.Resource),
		zap.String("user_id", alert.UserID),
		zap.Int("paused", paused),
	)
	return paused, errors.Join(errs...)
}
