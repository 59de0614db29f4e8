package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskcore/types"
)

func TestNew_Defaults(t *testing.T) {
	ev := New(testSource, StateChanged{TaskID: "t1"})

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, EventStateChanged, ev.Type)
	assert.Equal(t, BestEffort, ev.Metadata.DeliveryGuarantee)
	assert.Equal(t, types.PriorityMedium, ev.Metadata.Priority)
	assert.False(t, ev.Timestamp.IsZero())
	assert.NoError(t, ev.Validate())
}

func TestEvent_WireShape(t *testing.T) {
	ev := New(Source{Tier: TierProcess, Component: "approval_gate", InstanceID: "gate-1"},
		ApprovalTimeout{PendingID: "p1", Timeout: 50 * time.Millisecond, AutoRejected: true},
		WithCorrelationID("corr-1"),
		WithDelivery(Reliable),
		WithPriority(types.PriorityHigh),
		WithConversationID("conv-9"),
		WithTags("approval", "timeout"),
	)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "approval_timeout", generic["type"])
	assert.Equal(t, "corr-1", generic["correlationId"])
	source := generic["source"].(map[string]any)
	assert.Equal(t, "tier2", source["tier"])
	assert.Equal(t, "gate-1", source["instanceId"])
	meta := generic["metadata"].(map[string]any)
	assert.Equal(t, "reliable", meta["deliveryGuarantee"])
	assert.Equal(t, "high", meta["priority"])
	assert.Equal(t, "conv-9", meta["conversationId"])

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	payload, ok := decoded.Data.(ApprovalTimeout)
	require.True(t, ok, "payload should decode to its tagged type, got %T", decoded.Data)
	assert.Equal(t, "p1", payload.PendingID)
	assert.True(t, payload.AutoRejected)
	assert.Equal(t, []string{"approval", "timeout"}, decoded.Metadata.Tags)
}

func TestDecodePayload_UnknownType(t *testing.T) {
	_, err := DecodePayload("nope", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestEvent_ValidateRequiresPayload(t *testing.T) {
	ev := Event{ID: "x", Type: EventRunCompleted}
	assert.Error(t, ev.Validate())
	ev.ID = ""
	ev.Data = RunCompleted{}
	assert.Error(t, ev.Validate())
}
