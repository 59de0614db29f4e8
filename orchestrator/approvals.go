package orchestrator

import (
	"context"

	"github.com/BaSui01/taskcore/approval"
)

// RequestApproval blocks until the request is decided. The correlation id
// defaults to the task id so CancelApprovalsFor can find it.
func (o *Orchestrator) RequestApproval(ctx context.Context, req approval.Request) (approval.Decision, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = req.TaskID
	}
	if req.TaskID != "" && req.UserID == "" {
		if h, err := o.handle(req.TaskID); err == nil {
			req.UserID = h.Task.UserID
		}
	}
	return o.gate.ProcessApprovalRequest(ctx, req)
}

// RespondToApproval delivers a user's answer. It reports false for unknown
// or already resolved requests.
func (o *Orchestrator) RespondToApproval(ctx context.Context, resp approval.Response) bool {
	return o.gate.HandleUserApprovalResponse(ctx, resp)
}

// CancelApproval cancels one outstanding request.
func (o *Orchestrator) CancelApproval(ctx context.Context, pendingID, reason string) bool {
	return o.gate.CancelPendingApproval(ctx, pendingID, reason)
}

// CancelApprovalsFor cancels every outstanding request correlated with id,
// usually a task id.
func (o *Orchestrator) CancelApprovalsFor(ctx context.Context, correlationID, reason string) int {
	return o.gate.CancelFor(ctx, correlationID, reason)
}

// PendingApprovals lists outstanding requests, oldest first.
func (o *Orchestrator) PendingApprovals() []approval.PendingApproval {
	return o.gate.Pending()
}
