package statemachine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskcore/eventbus"
	"github.com/BaSui01/taskcore/persistence"
)

// Snapshotter persists the state after every transition.
// persistence.StateStore satisfies it.
type Snapshotter interface {
	UpsertConfig(ctx context.Context, snap *persistence.Snapshot) error
}

// TransitionObserver receives one call per attempted transition.
type TransitionObserver interface {
	ObserveTransition(kind, from, to string, ok bool)
}

// Transition is one entry of a machine's history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// DefaultSnapshotTimeout bounds one snapshot write. A transition's caller
// waits at most this long on a slow store.
const DefaultSnapshotTimeout = 2 * time.Second

// Option configures a Machine.
type Option func(*Machine)

// WithSnapshotter sets the state store used for best-effort snapshots.
func WithSnapshotter(s Snapshotter) Option {
	return func(m *Machine) { m.store = s }
}

// WithSnapshotTimeout overrides DefaultSnapshotTimeout. d <= 0 disables the bound.
func WithSnapshotTimeout(d time.Duration) Option {
	return func(m *Machine) { m.snapshotTimeout = d }
}

// WithPublisher sets where state.changed events go.
func WithPublisher(p eventbus.Publisher) Option {
	return func(m *Machine) { m.bus = p }
}

// WithObserver sets the transition observer.
func WithObserver(o TransitionObserver) Option {
	return func(m *Machine) { m.observer = o }
}

// WithCorrelationID threads every state.changed event of the machine into one chain.
func WithCorrelationID(id string) Option {
	return func(m *Machine) { m.correlationID = id }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// emission is a committed transition whose side effects have not run yet.
type emission struct {
	ctx     context.Context
	tr      Transition
	version int
}

// Machine 是单个任务的状态机，并发安全
type Machine struct {
	def             *Definition
	taskID          string
	store           Snapshotter
	snapshotTimeout time.Duration
	bus             eventbus.Publisher
	observer        TransitionObserver
	correlationID   string
	now             func() time.Time
	logger          *zap.Logger

	mu       sync.Mutex
	state    State
	version  int
	history  []Transition
	outbox   []emission
	draining bool
}

// New creates a machine for taskID in def's initial state.
func New(def *Definition, taskID string, logger *zap.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		def:             def,
		taskID:          taskID,
		now:             time.Now,
		state:           def.Initial,
		snapshotTimeout: DefaultSnapshotTimeout,
		logger: logger.With(
			zap.String("component", "state_machine"),
			zap.String("task_id", taskID),
			zap.String("kind", string(def.Kind)),
		),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TaskID returns the owning task id.
func (m *Machine) TaskID() string { return m.taskID }

// Definition returns the transition graph.
func (m *Machine) Definition() *Definition { return m.def }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Version is the number of successful transitions so far.
func (m *Machine) Version() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// IsTerminal reports whether the machine has reached a terminal state.
func (m *Machine) IsTerminal() bool {
	return m.def.IsTerminal(m.State())
}

// History returns a copy of all successful transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// TransitionTo moves the machine to target if the graph allows it.
func (m *Machine) TransitionTo(ctx context.Context, target State) error {
	return m.TransitionWithReason(ctx, target, "")
}

// TransitionWithReason is TransitionTo with a reason recorded in history and
// in the published event.
func (m *Machine) TransitionWithReason(ctx context.Context, target State, reason string) error {
	return m.transition(ctx, target, reason, nil)
}

// transition validates and commits one move. guard, when set, runs under the
// lock and may veto the move with its own error.
func (m *Machine) transition(ctx context.Context, target State, reason string, guard func(State) error) error {
	m.mu.Lock()
	from := m.state
	if guard != nil {
		if err := guard(from); err != nil {
			m.mu.Unlock()
			if err != errAlreadyTerminal {
				m.observe(from, target, false)
			}
			return err
		}
	}
	if !m.def.CanTransition(from, target) {
		m.mu.Unlock()
		m.observe(from, target, false)
		return &InvalidTransitionError{From: from, To: target}
	}

	tr := Transition{From: from, To: target, At: m.now(), Reason: reason}
	m.state = target
	m.version++
	m.history = append(m.history, tr)
	m.outbox = append(m.outbox, emission{ctx: context.WithoutCancel(ctx), tr: tr, version: m.version})
	claimed := !m.draining
	if claimed {
		m.draining = true
	}
	m.mu.Unlock()

	m.observe(from, target, true)
	m.logger.Debug("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.String("reason", reason),
	)

	// 只有一个调用方负责排空 outbox，保证副作用按转换顺序执行
	if claimed {
		m.drain()
	}
	return nil
}

func (m *Machine) drain() {
	for {
		m.mu.Lock()
		if len(m.outbox) == 0 {
			m.draining = false
			m.mu.Unlock()
			return
		}
		em := m.outbox[0]
		m.outbox = m.outbox[1:]
		m.mu.Unlock()

		m.emit(em)
	}
}

func (m *Machine) persist(ctx context.Context, snap *persistence.Snapshot) error {
	if m.snapshotTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.snapshotTimeout)
		defer cancel()
	}
	return m.store.UpsertConfig(ctx, snap)
}

func (m *Machine) emit(em emission) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state change side effect panicked", zap.Any("panic", r))
		}
	}()

	if m.store != nil {
		snap := &persistence.Snapshot{
			TaskID:        m.taskID,
			Kind:          string(m.def.Kind),
			State:         string(em.tr.To),
			PreviousState: string(em.tr.From),
			Reason:        em.tr.Reason,
			Version:       em.version,
			UpdatedAt:     em.tr.At,
		}
		if err := m.persist(em.ctx, snap); err != nil {
			m.logger.Warn("failed to persist state snapshot",
				zap.String("state", string(em.tr.To)),
				zap.Error(err),
			)
		}
	}

	if m.bus != nil {
		ev := eventbus.New(
			eventbus.Source{Tier: eventbus.TierProcess, Component: "state_machine", InstanceID: m.taskID},
			eventbus.StateChanged{
				TaskID:    m.taskID,
				Kind:      string(m.def.Kind),
				FromState: string(em.tr.From),
				ToState:   string(em.tr.To),
				Reason:    em.tr.Reason,
				Timestamp: em.tr.At,
			},
			eventbus.WithCorrelationID(m.correlationID),
		)
		if res := m.bus.Publish(em.ctx, ev); !res.Success {
			m.logger.Warn("failed to publish state change",
				zap.String("state", string(em.tr.To)),
				zap.Error(res.Err),
			)
		}
	}
}

func (m *Machine) observe(from, to State, ok bool) {
	if m.observer != nil {
		m.observer.ObserveTransition(string(m.def.Kind), string(from), string(to), ok)
	}
}

// requireState builds a guard that only allows the move from want.
func requireState(op string, want State) func(State) error {
	return func(cur State) error {
		if cur != want {
			return &PreconditionError{Op: op, State: cur}
		}
		return nil
	}
}

// requireEdge builds a guard that reports a precondition error instead of an
// invalid transition when the graph has no edge to target.
func (m *Machine) requireEdge(op string, target State) func(State) error {
	return func(cur State) error {
		if target == "" || !m.def.CanTransition(cur, target) {
			return &PreconditionError{Op: op, State: cur}
		}
		return nil
	}
}

// Pause moves a running task to paused.
func (m *Machine) Pause(ctx context.Context) error {
	return m.transition(ctx, m.def.Paused, "", requireState("pause", m.def.Running))
}

// Resume moves a paused task back to running.
func (m *Machine) Resume(ctx context.Context) error {
	return m.transition(ctx, m.def.Running, "", requireState("resume", m.def.Paused))
}

// Complete finishes the task successfully.
func (m *Machine) Complete(ctx context.Context) error {
	return m.transition(ctx, m.def.Completed, "", m.requireEdge("complete", m.def.Completed))
}

// Fail finishes the task with reason.
func (m *Machine) Fail(ctx context.Context, reason string) error {
	return m.transition(ctx, m.def.Failed, reason, m.requireEdge("fail", m.def.Failed))
}

// Cancel cancels a routine. Kinds without a cancelled state always refuse.
func (m *Machine) Cancel(ctx context.Context, reason string) error {
	return m.transition(ctx, m.def.Cancelled, reason, m.requireEdge("cancel", m.def.Cancelled))
}

// Stop stops the task. It is a no-op when the machine is already terminal.
func (m *Machine) Stop(ctx context.Context, reason string) error {
	err := m.transition(ctx, m.def.Stopped, reason, func(cur State) error {
		if m.def.IsTerminal(cur) {
			return errAlreadyTerminal
		}
		return m.requireEdge("stop", m.def.Stopped)(cur)
	})
	if err == errAlreadyTerminal {
		return nil
	}
	return err
}

var errAlreadyTerminal = errors.New("already terminal")

// ControlState reports the current state in the generic vocabulary used by
// the registry sweep.
func (m *Machine) ControlState() string {
	return m.def.ControlState(m.State())
}

// RequestPause asks the task to pause. An already paused task reports success.
func (m *Machine) RequestPause(ctx context.Context) (bool, error) {
	if m.State() == m.def.Paused {
		return true, nil
	}
	if err := m.Pause(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// RequestStop asks the task to stop. A task that is already terminal reports success.
func (m *Machine) RequestStop(ctx context.Context, reason string) (bool, error) {
	if err := m.Stop(ctx, reason); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot returns the current state as a persistence snapshot.
func (m *Machine) Snapshot() persistence.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := persistence.Snapshot{
		TaskID:  m.taskID,
		Kind:    string(m.def.Kind),
		State:   string(m.state),
		Version: m.version,
	}
	if n := len(m.history); n > 0 {
		last := m.history[n-1]
		snap.PreviousState = string(last.From)
		snap.Reason = last.Reason
		snap.UpdatedAt = last.At
	}
	return snap
}
