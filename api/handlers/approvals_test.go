package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/BaSui01/taskcore/approval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApprovalHandler_AsyncRequestAndRespond(t *testing.T) {
	f := newAPIFixture(t)
	id := f.submit(t, map[string]any{"userId": "u1", "kind": "routine", "start": true}).Task.ID

	w, env := f.do(t, http.MethodPost, "/api/v1/approvals", map[string]any{
		"taskId":    id,
		"action":    "deploy",
		"timeoutMs": 60000,
		"async":     true,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, id, decodeData[ApprovalAccepted](t, env).CorrelationID)

	require.Eventually(t, func() bool {
		return len(f.orch.PendingApprovals()) == 1
	}, time.Second, 5*time.Millisecond)

	w, env = f.do(t, http.MethodGet, "/api/v1/approvals", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pending := decodeData[[]approval.PendingApproval](t, env)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].CorrelationID)
	assert.Equal(t, "u1", pending[0].Request.UserID)

	path := "/api/v1/approvals/" + pending[0].PendingID + "/respond"
	w, _ = f.do(t, http.MethodPost, path, map[string]any{"approved": true, "responder": "alice"})
	require.Equal(t, http.StatusOK, w.Code)

	// 重复响应是空操作
	w, env = f.do(t, http.MethodPost, path, map[string]any{"approved": false, "responder": "bob"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
	assert.Empty(t, f.orch.PendingApprovals())
}

func TestApprovalHandler_SyncAutoReject(t *testing.T) {
	f := newAPIFixture(t)

	w, env := f.do(t, http.MethodPost, "/api/v1/approvals", map[string]any{
		"action":              "delete-dataset",
		"timeoutMs":           20,
		"autoRejectOnTimeout": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decision := decodeData[approval.Decision](t, env)
	assert.False(t, decision.Approved)
	assert.True(t, decision.AutoRejected)
	assert.Equal(t, approval.AutoRejectReason, decision.Reason)
}

func TestApprovalHandler_SyncTimeoutWithoutAutoReject(t *testing.T) {
	f := newAPIFixture(t)

	w, env := f.do(t, http.MethodPost, "/api/v1/approvals", map[string]any{
		"action":    "rotate-keys",
		"timeoutMs": 20,
	})
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "APPROVAL_TIMEOUT", env.Error.Code)
}

func TestApprovalHandler_CancelCorrelated(t *testing.T) {
	f := newAPIFixture(t)

	for i := 0; i < 2; i++ {
		w, _ := f.do(t, http.MethodPost, "/api/v1/approvals", map[string]any{
			"correlationId": "job-7",
			"action":        "step",
			"timeoutMs":     60000,
			"async":         true,
		})
		require.Equal(t, http.StatusAccepted, w.Code)
	}
	require.Eventually(t, func() bool {
		return len(f.orch.PendingApprovals()) == 2
	}, time.Second, 5*time.Millisecond)

	w, env := f.do(t, http.MethodPost, "/api/v1/approvals/correlations/job-7/cancel", map[string]any{"reason": "job aborted"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decodeData[CancelResult](t, env).Cancelled)
	assert.Empty(t, f.orch.PendingApprovals())
}

func TestApprovalHandler_CancelOne(t *testing.T) {
	f := newAPIFixture(t)

	w, _ := f.do(t, http.MethodPost, "/api/v1/approvals/unknown/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.RequestApproval(context.Background(), approval.Request{Action: "merge", ApprovalTimeout: time.Minute})
		done <- err
	}()
	require.Eventually(t, func() bool {
		return len(f.orch.PendingApprovals()) == 1
	}, time.Second, 5*time.Millisecond)

	pendingID := f.orch.PendingApprovals()[0].PendingID
	w, _ = f.do(t, http.MethodPost, "/api/v1/approvals/"+pendingID+"/cancel", map[string]any{"reason": "superseded"})
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case err := <-done:
		var cancelled *approval.CancelledError
		require.ErrorAs(t, err, &cancelled)
		assert.Equal(t, "superseded", cancelled.Reason)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
}

func TestApprovalHandler_Validation(t *testing.T) {
	f := newAPIFixture(t)

	w, _ := f.do(t, http.MethodPost, "/api/v1/approvals", map[string]any{"timeoutMs": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/approvals", map[string]any{"action": "x", "timeoutMs": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/approvals", map[string]any{"action": "x", "async": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
