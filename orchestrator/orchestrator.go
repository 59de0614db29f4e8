package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/taskcore/approval"
	"github.com/BaSui01/taskcore/eventbus"
	"github.com/BaSui01/taskcore/notify"
	"github.com/BaSui01/taskcore/persistence"
	"github.com/BaSui01/taskcore/registry"
	"github.com/BaSui01/taskcore/statemachine"
	"github.com/BaSui01/taskcore/types"
)

const instrumentationName = "github.com/BaSui01/taskcore/orchestrator"

var (
	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrAtCapacity is returned by Submit when the tier's share of MaxActive is used up.
	ErrAtCapacity = errors.New("active task capacity reached")
	// ErrAdmissionTimeout is returned when a run request waited too long for admission.
	ErrAdmissionTimeout = errors.New("run admission timed out")
	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("orchestrator is shut down")
)

// Observer is everything a metrics collector records for the core.
// *metrics.Collector satisfies it.
type Observer interface {
	statemachine.TransitionObserver
	approval.Observer
	registry.Observer
	ObserveAdmission(priority, outcome string)
}

// Deps are the collaborators of an Orchestrator. Bus is required.
type Deps struct {
	Bus      eventbus.Bus
	Store    persistence.StateStore
	Notifier notify.Notifier
	Observer Observer
}

// Handle pairs a submitted task with its state machine.
type Handle struct {
	Task    types.Task
	Machine *statemachine.Machine
}

// TaskInfo is a read-only view of a registered task.
type TaskInfo struct {
	Task         types.Task                `json:"task"`
	State        statemachine.State        `json:"state"`
	ControlState string                    `json:"controlState"`
	Version      int                       `json:"version"`
	History      []statemachine.Transition `json:"history,omitempty"`
}

// Orchestrator 编排器，组合状态机、事件总线、审批闸门与注册表
type Orchestrator struct {
	cfg      Config
	bus      eventbus.Bus
	store    persistence.StateStore
	registry *registry.Registry
	gate     *approval.Gate
	sweeper  *registry.Sweeper
	limiter  *rate.Limiter
	observer Observer
	tracer   trace.Tracer
	logger   *zap.Logger

	mu     sync.RWMutex
	tasks  map[string]*Handle
	runs   map[string]string // runID -> taskID
	subID  string
	closed bool
}

// New wires an orchestrator. Nothing runs in the background until Run.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Bus == nil {
		return nil, errors.New("orchestrator requires an event bus")
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid limits: %w", err)
	}
	if err := cfg.Admission.Validate(); err != nil {
		return nil, fmt.Errorf("invalid admission config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:      cfg,
		bus:      deps.Bus,
		store:    deps.Store,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Admission.RatePerSecond), cfg.Admission.Burst),
		observer: deps.Observer,
		tracer:   otel.Tracer(instrumentationName),
		logger:   logger.With(zap.String("component", "orchestrator")),
		tasks:    make(map[string]*Handle),
		runs:     make(map[string]string),
	}

	// 接口里的 nil 指针会让各组件误以为有观察者
	var regObs registry.Observer
	var gateOpts []approval.GateOption
	if deps.Observer != nil {
		regObs = deps.Observer
		gateOpts = append(gateOpts, approval.WithObserver(deps.Observer))
	}

	o.registry = registry.New(regObs)
	o.gate = approval.NewGate(deps.Bus, cfg.Approval, logger, gateOpts...)

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Multi{notify.NewLogNotifier(logger), notify.NewBusNotifier(deps.Bus)}
	}
	o.sweeper = registry.NewSweeper(o.registry, cfg.Limits, "task", registry.SweepDeps{
		Notifier:  notifier,
		Publisher: deps.Bus,
		Observer:  regObs,
	}, logger)

	o.subID = deps.Bus.Subscribe(eventbus.EventStateChanged, o.onStateChanged)
	return o, nil
}

// Registry exposes the active task registry.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Gate exposes the approval gate.
func (o *Orchestrator) Gate() *approval.Gate { return o.gate }

// Sweeper exposes the long-running task sweeper.
func (o *Orchestrator) Sweeper() *registry.Sweeper { return o.sweeper }

// Run starts the background sweeper.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.isClosed() {
		return ErrShutdown
	}
	return o.sweeper.Start(ctx)
}

// =============================================================================
// 任务生命周期
// =============================================================================

// Submit creates the task's state machine and registers it.
func (o *Orchestrator) Submit(ctx context.Context, task types.Task) (*Handle, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit",
		trace.WithAttributes(attribute.String("task.kind", string(task.Kind))))
	defer span.End()

	def, err := statemachine.DefinitionFor(task.Kind)
	if err != nil {
		return nil, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.StartTime.IsZero() {
		task.StartTime = time.Now()
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	opts := []statemachine.Option{
		statemachine.WithPublisher(o.bus),
		statemachine.WithCorrelationID(task.ID),
	}
	if o.store != nil {
		opts = append(opts, statemachine.WithSnapshotter(o.store))
	}
	if o.observer != nil {
		opts = append(opts, statemachine.WithObserver(o.observer))
	}
	h := &Handle{Task: task, Machine: statemachine.New(def, task.ID, o.logger, opts...)}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShutdown
	}
	if err := o.checkCapacity(task); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if err := o.registry.Add(task, h.Machine); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.tasks[task.ID] = h
	o.mu.Unlock()

	o.logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("user_id", task.UserID),
		zap.String("kind", string(task.Kind)),
		zap.String("tier", task.Tier()),
	)
	return h, nil
}

// checkCapacity must be called with o.mu held.
func (o *Orchestrator) checkCapacity(task types.Task) error {
	maxActive := o.cfg.Limits.MaxActive
	if maxActive <= 0 {
		return nil
	}
	limit := maxActive
	if !task.HasPremium {
		// 预留向下取整，但免费用户至少保有一个名额
		limit = max(1, int(float64(maxActive)*(100-o.cfg.Admission.PremiumReservePercentage)/100))
	}
	if count := o.registry.Count(); count >= limit {
		return fmt.Errorf("%w: %d/%d active (%s tier)", ErrAtCapacity, count, limit, task.Tier())
	}
	return nil
}

// Start drives the task along its kind's boot path up to the running state.
// A task already part-way through the boot path continues from where it is.
func (o *Orchestrator) Start(ctx context.Context, taskID string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.start", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	h, err := o.handle(taskID)
	if err != nil {
		return err
	}
	m := h.Machine
	def := m.Definition()

	cur := m.State()
	next := -1
	if cur == def.Initial {
		next = 0
	}
	for i, s := range def.BootPath {
		if s == cur {
			next = i + 1
		}
	}
	if next < 0 || next >= len(def.BootPath) {
		return &statemachine.PreconditionError{Op: "start", State: cur}
	}
	for _, s := range def.BootPath[next:] {
		if err := m.TransitionTo(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// TransitionTo moves a task to target.
func (o *Orchestrator) TransitionTo(ctx context.Context, taskID string, target statemachine.State) error {
	return o.drive(taskID, func(m *statemachine.Machine) error { return m.TransitionTo(ctx, target) })
}

// Pause pauses a running task.
func (o *Orchestrator) Pause(ctx context.Context, taskID string) error {
	return o.drive(taskID, func(m *statemachine.Machine) error { return m.Pause(ctx) })
}

// Resume resumes a paused task.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) error {
	return o.drive(taskID, func(m *statemachine.Machine) error { return m.Resume(ctx) })
}

// Complete finishes a task successfully.
func (o *Orchestrator) Complete(ctx context.Context, taskID string) error {
	return o.drive(taskID, func(m *statemachine.Machine) error { return m.Complete(ctx) })
}

// Fail finishes a task with reason.
func (o *Orchestrator) Fail(ctx context.Context, taskID, reason string) error {
	return o.drive(taskID, func(m *statemachine.Machine) error { return m.Fail(ctx, reason) })
}

// Stop stops a task. Stopping a terminal task is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, taskID, reason string) error {
	return o.drive(taskID, func(m *statemachine.Machine) error { return m.Stop(ctx, reason) })
}

// Cancel cancels a routine task.
func (o *Orchestrator) Cancel(ctx context.Context, taskID, reason string) error {
	return o.drive(taskID, func(m *statemachine.Machine) error { return m.Cancel(ctx, reason) })
}

// drive runs op on the task's machine and deregisters the task once it is terminal.
func (o *Orchestrator) drive(taskID string, op func(m *statemachine.Machine) error) error {
	h, err := o.handle(taskID)
	if err != nil {
		return err
	}
	if err := op(h.Machine); err != nil {
		return err
	}
	if h.Machine.IsTerminal() {
		o.deregister(taskID, string(h.Machine.State()))
	}
	return nil
}

func (o *Orchestrator) onStateChanged(_ context.Context, ev eventbus.Event) error {
	sc, ok := ev.Data.(eventbus.StateChanged)
	if !ok {
		return nil
	}
	def, err := statemachine.DefinitionFor(types.TaskKind(sc.Kind))
	if err != nil {
		return nil
	}
	if def.IsTerminal(statemachine.State(sc.ToState)) {
		o.deregister(sc.TaskID, sc.ToState)
	}
	return nil
}

func (o *Orchestrator) deregister(taskID, finalState string) {
	o.mu.Lock()
	_, known := o.tasks[taskID]
	delete(o.tasks, taskID)
	for runID, tid := range o.runs {
		if tid == taskID {
			delete(o.runs, runID)
		}
	}
	o.mu.Unlock()

	if o.registry.Remove(taskID) || known {
		o.logger.Info("task deregistered",
			zap.String("task_id", taskID),
			zap.String("final_state", finalState),
		)
	}
}

func (o *Orchestrator) handle(taskID string) (*Handle, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	h, ok := o.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return h, nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// Get returns a view of a registered task.
func (o *Orchestrator) Get(taskID string) (TaskInfo, error) {
	h, err := o.handle(taskID)
	if err != nil {
		return TaskInfo{}, err
	}
	return infoOf(h), nil
}

// List returns every registered task, oldest first.
func (o *Orchestrator) List() []TaskInfo {
	records := o.registry.OrderedRecords()
	out := make([]TaskInfo, 0, len(records))
	for _, rec := range records {
		if h, err := o.handle(rec.ID); err == nil {
			info := infoOf(h)
			info.History = nil
			out = append(out, info)
		}
	}
	return out
}

func infoOf(h *Handle) TaskInfo {
	m := h.Machine
	return TaskInfo{
		Task:         h.Task,
		State:        m.State(),
		ControlState: m.ControlState(),
		Version:      m.Version(),
		History:      m.History(),
	}
}

// Snapshot returns the latest persisted snapshot of a task. Without a state
// store it falls back to the live machine.
func (o *Orchestrator) Snapshot(ctx context.Context, taskID string) (*persistence.Snapshot, error) {
	if o.store != nil {
		snap, err := o.store.LoadConfig(ctx, taskID)
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return snap, err
	}
	h, err := o.handle(taskID)
	if err != nil {
		return nil, err
	}
	snap := h.Machine.Snapshot()
	return &snap, nil
}

// Shutdown stops the sweeper, cancels pending approvals and stops every
// registered task concurrently within ShutdownGracePeriod.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	handles := make([]*Handle, 0, len(o.tasks))
	for _, h := range o.tasks {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	o.logger.Info("orchestrator shutting down", zap.Int("active_tasks", len(handles)))

	o.sweeper.Stop()
	o.gate.Close(ctx)

	if grace := o.cfg.Limits.ShutdownGracePeriod; grace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if err := h.Machine.Stop(gctx, "orchestrator shutdown"); err != nil {
				o.logger.Warn("failed to stop task on shutdown",
					zap.String("task_id", h.Task.ID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	err := g.Wait()

	o.bus.Unsubscribe(o.subID)
	o.mu.Lock()
	o.tasks = make(map[string]*Handle)
	o.runs = make(map[string]string)
	o.mu.Unlock()
	o.registry.Clear()

	if err != nil {
		return fmt.Errorf("shutdown grace period exceeded: %w", err)
	}
	return nil
}
