package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/taskcore/types"
)

// EventType identifies the payload carried by an Event.
type EventType string

const (
	EventStateChanged         EventType = "state.changed"
	EventApprovalRequired     EventType = "approval_required"
	EventApprovalGranted      EventType = "approval_granted"
	EventApprovalRejected     EventType = "approval_rejected"
	EventApprovalTimeout      EventType = "approval_timeout"
	EventApprovalCancelled    EventType = "approval_cancelled"
	EventTaskLongRunning      EventType = "task.long_running"
	EventTaskTimeoutWarning   EventType = "task.timeout_warning"
	EventRunRequested         EventType = "run.requested"
	EventRunCompleted         EventType = "run.completed"
	EventMetacognitiveInsight EventType = "metacognitive.insight"
	EventResourceAlert        EventType = "resource.alert"
)

// DeliveryGuarantee tells the bus how to treat a failed delivery.
type DeliveryGuarantee string

const (
	Reliable   DeliveryGuarantee = "reliable"
	BestEffort DeliveryGuarantee = "best-effort"
)

// Tier is the architectural layer an event originates from.
type Tier string

const (
	TierCoordination Tier = "tier1"
	TierProcess      Tier = "tier2"
	TierExecution    Tier = "tier3"
	TierCrossCutting Tier = "cross-cutting"
)

// Source identifies the producer of an event.
type Source struct {
	Tier       Tier   `json:"tier"`
	Component  string `json:"component"`
	InstanceID string `json:"instanceId,omitempty"`
}

// Metadata carries delivery and triage hints.
type Metadata struct {
	DeliveryGuarantee DeliveryGuarantee `json:"deliveryGuarantee"`
	Priority          types.Priority    `json:"priority"`
	ConversationID    string            `json:"conversationId,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
}

// Event is the wire shape shared by every collaborator.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Source        Source    `json:"source"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Data          Payload   `json:"data"`
	Metadata      Metadata  `json:"metadata"`
}

// Option customizes an Event built by New.
type Option func(*Event)

// WithCorrelationID threads the event into a causal chain.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithDelivery sets the delivery guarantee.
func WithDelivery(g DeliveryGuarantee) Option {
	return func(e *Event) { e.Metadata.DeliveryGuarantee = g }
}

// WithPriority sets the triage priority.
func WithPriority(p types.Priority) Option {
	return func(e *Event) { e.Metadata.Priority = p }
}

// WithConversationID attaches a conversation id.
func WithConversationID(id string) Option {
	return func(e *Event) { e.Metadata.ConversationID = id }
}

// WithTags appends tags.
func WithTags(tags ...string) Option {
	return func(e *Event) { e.Metadata.Tags = append(e.Metadata.Tags, tags...) }
}

// New builds an event for payload. Defaults: best-effort, medium priority.
func New(source Source, payload Payload, opts ...Option) Event {
	e := Event{
		ID:        uuid.NewString(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Data:      payload,
		Metadata: Metadata{
			DeliveryGuarantee: BestEffort,
			Priority:          types.PriorityMedium,
		},
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// IsReliable reports whether a failed delivery must reach the publisher.
func (e Event) IsReliable() bool {
	return e.Metadata.DeliveryGuarantee == Reliable
}

// Validate checks the envelope invariants the bus relies on.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	if e.Data == nil {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	if e.Type != e.Data.EventType() {
		return fmt.Errorf("event %s: type %q does not match payload %q", e.ID, e.Type, e.Data.EventType())
	}
	return nil
}

type wireEvent struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        Source          `json:"source"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Data          json.RawMessage `json:"data"`
	Metadata      Metadata        `json:"metadata"`
}

// UnmarshalJSON decodes Data into the concrete payload named by Type.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	payload, err := DecodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}
	*e = Event{
		ID:            w.ID,
		Type:          w.Type,
		Timestamp:     w.Timestamp,
		Source:        w.Source,
		CorrelationID: w.CorrelationID,
		Data:          payload,
		Metadata:      w.Metadata,
	}
	return nil
}
