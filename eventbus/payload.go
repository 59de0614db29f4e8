package eventbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the tagged union carried in Event.Data. The tag is EventType.
type Payload interface {
	EventType() EventType
}

// StateChanged is published after every successful state machine transition.
type StateChanged struct {
	TaskID    string    `json:"taskId"`
	Kind      string    `json:"kind"`
	FromState string    `json:"fromState"`
	ToState   string    `json:"toState"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ApprovalRequired opens an approval barrier.
type ApprovalRequired struct {
	PendingID           string         `json:"pendingId"`
	TaskID              string         `json:"taskId,omitempty"`
	UserID              string         `json:"userId,omitempty"`
	Action              string         `json:"action"`
	Description         string         `json:"description,omitempty"`
	Timeout             time.Duration  `json:"approvalTimeout"`
	AutoRejectOnTimeout bool           `json:"autoRejectOnTimeout"`
	Context             map[string]any `json:"context,omitempty"`
}

// ApprovalGranted closes a barrier with a positive answer.
type ApprovalGranted struct {
	PendingID        string        `json:"pendingId"`
	ApprovedBy       string        `json:"approvedBy"`
	Reason           string        `json:"reason,omitempty"`
	ApprovalDuration time.Duration `json:"approvalDuration"`
}

// ApprovalRejected closes a barrier with a negative answer.
type ApprovalRejected struct {
	PendingID        string        `json:"pendingId"`
	RejectedBy       string        `json:"rejectedBy"`
	Reason           string        `json:"reason,omitempty"`
	ApprovalDuration time.Duration `json:"approvalDuration"`
}

// ApprovalTimeout is published when nobody answered in time.
type ApprovalTimeout struct {
	PendingID    string        `json:"pendingId"`
	Timeout      time.Duration `json:"approvalTimeout"`
	AutoRejected bool          `json:"autoRejected"`
}

// ApprovalCancelled is published on explicit cancellation.
type ApprovalCancelled struct {
	PendingID string `json:"pendingId"`
	Reason    string `json:"reason"`
}

// TaskLongRunning is the sweep's user-facing overrun notice.
type TaskLongRunning struct {
	TaskID     string        `json:"taskId"`
	UserID     string        `json:"userId"`
	TaskType   string        `json:"taskType"`
	HasPremium bool          `json:"hasPremium"`
	Duration   time.Duration `json:"duration"`
	Threshold  time.Duration `json:"threshold"`
}

// TaskTimeoutWarning signals a task close to its hard timeout.
type TaskTimeoutWarning struct {
	TaskID   string        `json:"taskId"`
	TaskType string        `json:"taskType"`
	Duration time.Duration `json:"duration"`
	Timeout  time.Duration `json:"timeout"`
}

// RunRequested records an admitted run execution request.
type RunRequested struct {
	RunID    string `json:"runId"`
	TaskID   string `json:"taskId"`
	UserID   string `json:"userId,omitempty"`
	Priority string `json:"priority"`
}

// RunCompleted records the end of a run.
type RunCompleted struct {
	RunID   string `json:"runId"`
	TaskID  string `json:"taskId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// MetacognitiveInsight carries a self-assessment produced by a running swarm.
type MetacognitiveInsight struct {
	TaskID             string  `json:"taskId"`
	Insight            string  `json:"insight"`
	Confidence         float64 `json:"confidence"`
	RequiresAdaptation bool    `json:"requiresAdaptation"`
}

// ResourceAlert reports pressure on a shared resource.
type ResourceAlert struct {
	Resource string  `json:"resource"`
	Severity string  `json:"severity"`
	UserID   string  `json:"userId,omitempty"`
	Usage    float64 `json:"usage"`
	Message  string  `json:"message,omitempty"`
}

func (StateChanged) EventType() EventType         { return EventStateChanged }
func (ApprovalRequired) EventType() EventType     { return EventApprovalRequired }
func (ApprovalGranted) EventType() EventType      { return EventApprovalGranted }
func (ApprovalRejected) EventType() EventType     { return EventApprovalRejected }
func (ApprovalTimeout) EventType() EventType      { return EventApprovalTimeout }
func (ApprovalCancelled) EventType() EventType    { return EventApprovalCancelled }
func (TaskLongRunning) EventType() EventType      { return EventTaskLongRunning }
func (TaskTimeoutWarning) EventType() EventType   { return EventTaskTimeoutWarning }
func (RunRequested) EventType() EventType         { return EventRunRequested }
func (RunCompleted) EventType() EventType         { return EventRunCompleted }
func (MetacognitiveInsight) EventType() EventType { return EventMetacognitiveInsight }
func (ResourceAlert) EventType() EventType        { return EventResourceAlert }

// DecodePayload decodes raw JSON into the payload type tagged by t.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case EventStateChanged:
		p = &StateChanged{}
	case EventApprovalRequired:
		p = &ApprovalRequired{}
	case EventApprovalGranted:
		p = &ApprovalGranted{}
	case EventApprovalRejected:
		p = &ApprovalRejected{}
	case EventApprovalTimeout:
		p = &ApprovalTimeout{}
	case EventApprovalCancelled:
		p = &ApprovalCancelled{}
	case EventTaskLongRunning:
		p = &TaskLongRunning{}
	case EventTaskTimeoutWarning:
		p = &TaskTimeoutWarning{}
	case EventRunRequested:
		p = &RunRequested{}
	case EventRunCompleted:
		p = &RunCompleted{}
	case EventMetacognitiveInsight:
		p = &MetacognitiveInsight{}
	case EventResourceAlert:
		p = &ResourceAlert{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return deref(p), nil
}

// deref returns the value form so decoded events compare equal to published ones.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *StateChanged:
		return *v
	case *ApprovalRequired:
		return *v
	case *ApprovalGranted:
		return *v
	case *ApprovalRejected:
		return *v
	case *ApprovalTimeout:
		return *v
	case *ApprovalCancelled:
		return *v
	case *TaskLongRunning:
		return *v
	case *TaskTimeoutWarning:
		return *v
	case *RunRequested:
		return *v
	case *RunCompleted:
		return *v
	case *MetacognitiveInsight:
		return *v
	case *ResourceAlert:
		return *v
	}
	return p
}
