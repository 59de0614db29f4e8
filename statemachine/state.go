package statemachine

import (
	"fmt"

	"github.com/BaSui01/taskcore/types"
)

// State 是状态机中的一个状态
type State string

// 两类任务共用的状态
const (
	StateUninitialized State = "UNINITIALIZED"
	StateReady         State = "READY"
	StatePaused        State = "PAUSED"
	StateCompleted     State = "COMPLETED"
	StateFailed        State = "FAILED"
	StateStopped       State = "STOPPED"
)

// Swarm 专有状态
const (
	StateInitializing       State = "INITIALIZING"
	StateStrategizing       State = "STRATEGIZING"
	StateResourceAllocation State = "RESOURCE_ALLOCATION"
	StateTeamForming        State = "TEAM_FORMING"
	StateActive             State = "ACTIVE"
	StateAdapting           State = "ADAPTING"
)

// Routine 专有状态
const (
	StateLoading     State = "LOADING"
	StateConfiguring State = "CONFIGURING"
	StateRunning     State = "RUNNING"
	StateCancelled   State = "CANCELLED"
)

// 扫描使用的通用控制状态
const (
	ControlRunning  = "RUNNING"
	ControlIdle     = "IDLE"
	ControlStarting = "STARTING"
)

// Escalatable reports whether a control state may be paused or stopped by the sweep.
func Escalatable(controlState string) bool {
	switch controlState {
	case ControlRunning, ControlIdle, ControlStarting:
		return true
	}
	return false
}

// Definition is the fixed transition graph of one task kind.
type Definition struct {
	Kind        types.TaskKind
	Initial     State
	Transitions map[State][]State
	Terminal    []State

	// BootPath is the sequence Start drives from Initial to Running.
	BootPath []State

	Running   State
	Paused    State
	Completed State
	Failed    State
	Stopped   State
	Cancelled State // 为空表示该类型不支持取消

	// Control maps concrete states to ControlRunning/ControlIdle/ControlStarting.
	Control map[State]string
}

// CanTransition 检查状态转换是否合法
func (d *Definition) CanTransition(from, to State) bool {
	for _, s := range d.Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no way out.
func (d *Definition) IsTerminal(s State) bool {
	for _, t := range d.Terminal {
		if t == s {
			return true
		}
	}
	return false
}

// States lists every state that appears in the graph, in a stable order.
func (d *Definition) States() []State {
	seen := make(map[State]bool)
	var out []State
	add := func(s State) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(d.Initial)
	for _, s := range d.BootPath {
		add(s)
	}
	for _, s := range []State{d.Running, d.Paused, d.Completed, d.Failed, d.Stopped, d.Cancelled} {
		if s != "" {
			add(s)
		}
	}
	for from, tos := range d.Transitions {
		add(from)
		for _, s := range tos {
			add(s)
		}
	}
	return out
}

// ControlState returns the generic control state for s, or s itself when it
// has no control mapping.
func (d *Definition) ControlState(s State) string {
	if c, ok := d.Control[s]; ok {
		return c
	}
	return string(s)
}

var swarmDefinition = &Definition{
	Kind:    types.TaskKindSwarm,
	Initial: StateUninitialized,
	Transitions: map[State][]State{
		StateUninitialized:      {StateInitializing},
		StateInitializing:       {StateStrategizing, StateStopped},
		StateStrategizing:       {StateResourceAllocation, StateStopped},
		StateResourceAllocation: {StateTeamForming, StateStopped},
		StateTeamForming:        {StateReady, StateStopped},
		StateReady:              {StateActive, StateStopped},
		StateActive:             {StateAdapting, StatePaused, StateStopped, StateCompleted, StateFailed},
		StateAdapting:           {StateActive, StateStopped, StateCompleted, StateFailed},
		StatePaused:             {StateActive, StateStopped},
	},
	Terminal: []State{StateStopped, StateCompleted, StateFailed},
	BootPath: []State{
		StateInitializing, StateStrategizing, StateResourceAllocation,
		StateTeamForming, StateReady, StateActive,
	},
	Running:   StateActive,
	Paused:    StatePaused,
	Completed: StateCompleted,
	Failed:    StateFailed,
	Stopped:   StateStopped,
	Control: map[State]string{
		StateActive:             ControlRunning,
		StateAdapting:           ControlRunning,
		StateReady:              ControlIdle,
		StateInitializing:       ControlStarting,
		StateStrategizing:       ControlStarting,
		StateResourceAllocation: ControlStarting,
		StateTeamForming:        ControlStarting,
	},
}

var routineDefinition = &Definition{
	Kind:    types.TaskKindRoutine,
	Initial: StateUninitialized,
	Transitions: map[State][]State{
		StateUninitialized: {StateLoading},
		StateLoading:       {StateConfiguring, StateFailed, StateStopped},
		StateConfiguring:   {StateReady, StateFailed, StateStopped},
		StateReady:         {StateRunning, StateFailed, StateStopped},
		StateRunning:       {StatePaused, StateCompleted, StateFailed, StateCancelled, StateStopped},
		StatePaused:        {StateRunning, StateCompleted, StateFailed, StateCancelled, StateStopped},
	},
	Terminal:  []State{StateCompleted, StateFailed, StateCancelled, StateStopped},
	BootPath:  []State{StateLoading, StateConfiguring, StateReady, StateRunning},
	Running:   StateRunning,
	Paused:    StatePaused,
	Completed: StateCompleted,
	Failed:    StateFailed,
	Stopped:   StateStopped,
	Cancelled: StateCancelled,
	Control: map[State]string{
		StateRunning:     ControlRunning,
		StateReady:       ControlIdle,
		StateLoading:     ControlStarting,
		StateConfiguring: ControlStarting,
	},
}

// DefinitionFor returns the transition graph for kind.
func DefinitionFor(kind types.TaskKind) (*Definition, error) {
	switch kind {
	case types.TaskKindSwarm:
		return swarmDefinition, nil
	case types.TaskKindRoutine:
		return routineDefinition, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
