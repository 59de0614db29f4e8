package statemachine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition matches every rejected transition via errors.Is.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrUnknownKind is returned for a task kind without a transition graph.
	ErrUnknownKind = errors.New("unknown task kind")
)

// InvalidTransitionError 非法状态转换错误
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("Invalid state transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// PreconditionError is returned by the convenience wrappers when the current
// state does not allow the operation.
type PreconditionError struct {
	Op    string
	State State
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("Cannot %s from state %s", e.Op, e.State)
}

func (e *PreconditionError) Is(target error) bool { return target == ErrInvalidTransition }
