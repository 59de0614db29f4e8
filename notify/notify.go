// Package notify delivers user-facing warnings about overrunning tasks.
//
// Delivery is fire-and-forget from the caller's point of view: the sweep logs
// a returned error and moves on.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskcore/eventbus"
)

// Warning 长时间运行任务的告警内容
type Warning struct {
	TaskID     string        `json:"taskId"`
	UserID     string        `json:"userId"`
	TaskType   string        `json:"taskType"`
	HasPremium bool          `json:"hasPremium"`
	Duration   time.Duration `json:"duration"`
	Threshold  time.Duration `json:"threshold"`
}

// Notifier warns user X about long-running task Y.
type Notifier interface {
	WarnLongRunning(ctx context.Context, w Warning) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, w Warning) error

func (f NotifierFunc) WarnLongRunning(ctx context.Context, w Warning) error { return f(ctx, w) }

// LogNotifier writes warnings to the log only.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

func (n *LogNotifier) WarnLongRunning(_ context.Context, w Warning) error {
	n.logger.Warn("task running longer than threshold",
		zap.String("task_id", w.TaskID),
		zap.String("user_id", w.UserID),
		zap.String("task_type", w.TaskType),
		zap.Bool("premium", w.HasPremium),
		zap.Duration("duration", w.Duration),
		zap.Duration("threshold", w.Threshold),
	)
	return nil
}

// BusNotifier publishes a best-effort task.long_running event that UI
// gateways forward to the user.
type BusNotifier struct {
	bus eventbus.Publisher
}

// NewBusNotifier creates a notifier publishing on bus.
func NewBusNotifier(bus eventbus.Publisher) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// ErrNotDelivered is returned when nobody accepted the warning event.
var ErrNotDelivered = errors.New("long-running warning not delivered")

func (n *BusNotifier) WarnLongRunning(ctx context.Context, w Warning) error {
	ev := eventbus.New(
		eventbus.Source{Tier: eventbus.TierCrossCutting, Component: "notifier", InstanceID: w.TaskID},
		eventbus.TaskLongRunning{
			TaskID:     w.TaskID,
			UserID:     w.UserID,
			TaskType:   w.TaskType,
			HasPremium: w.HasPremium,
			Duration:   w.Duration,
			Threshold:  w.Threshold,
		},
		eventbus.WithCorrelationID(w.TaskID),
	)
	res := n.bus.Publish(ctx, ev)
	if res.Success {
		return nil
	}
	if res.Err != nil {
		return res.Err
	}
	return ErrNotDelivered
}

// Multi fans a warning out to every notifier. All notifiers are called even
// when some fail; the errors are joined.
type Multi []Notifier

func (m Multi) WarnLongRunning(ctx context.Context, w Warning) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.WarnLongRunning(ctx, w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
