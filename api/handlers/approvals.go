package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/taskcore/approval"
	"github.com/BaSui01/taskcore/types"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ApprovalService is the approval surface of the orchestrator.
type ApprovalService interface {
	RequestApproval(ctx context.Context, req approval.Request) (approval.Decision, error)
	RespondToApproval(ctx context.Context, resp approval.Response) bool
	CancelApproval(ctx context.Context, pendingID, reason string) bool
	CancelApprovalsFor(ctx context.Context, correlationID, reason string) int
	PendingApprovals() []approval.PendingApproval
}

// ApprovalHandler 人工审批端点
type ApprovalHandler struct {
	service ApprovalService
	logger  *zap.Logger
}

// NewApprovalHandler 创建审批处理器
func NewApprovalHandler(service ApprovalService, logger *zap.Logger) *ApprovalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalHandler{
		service: service,
		logger:  logger.With(zap.String("component", "approval_handler")),
	}
}

// CreateApprovalRequest 发起审批请求
type CreateApprovalRequest struct {
	TaskID              string         `json:"taskId,omitempty"`
	UserID              string         `json:"userId,omitempty"`
	Action              string         `json:"action"`
	Description         string         `json:"description,omitempty"`
	CorrelationID       string         `json:"correlationId,omitempty"`
	Priority            types.Priority `json:"priority,omitempty"`
	TimeoutMS           int64          `json:"timeoutMs,omitempty"`
	AutoRejectOnTimeout bool           `json:"autoRejectOnTimeout,omitempty"`
	Context             map[string]any `json:"context,omitempty"`
	// Async 为 true 时立即返回 202，不等待决定
	Async bool `json:"async,omitempty"`
}

// RespondApprovalRequest 审批响应请求
type RespondApprovalRequest struct {
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
	Responder string `json:"responder"`
}

// ApprovalAccepted 异步审批已受理
type ApprovalAccepted struct {
	CorrelationID string `json:"correlationId"`
}

// CancelResult 取消结果
type CancelResult struct {
	Cancelled int `json:"cancelled"`
}

// Register 注册路由到 chi 路由器
func (h *ApprovalHandler) Register(r chi.Router) {
	r.Route("/approvals", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleRequest)
		r.Post("/{id}/respond", h.HandleRespond)
		r.Post("/{id}/cancel", h.HandleCancel)
		r.Post("/correlations/{id}/cancel", h.HandleCancelCorrelated)
	})
}

// HandleList 处理 GET /approvals
func (h *ApprovalHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.service.PendingApprovals())
}

// HandleRequest 处理 POST /approvals。同步模式下连接保持到审批决定或超时。
func (h *ApprovalHandler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	var body CreateApprovalRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(body.Action) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "action is required", h.logger)
		return
	}
	if body.TimeoutMS < 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "timeoutMs must not be negative", h.logger)
		return
	}

	req := approval.Request{
		TaskID:              body.TaskID,
		UserID:              body.UserID,
		Action:              body.Action,
		Description:         body.Description,
		CorrelationID:       body.CorrelationID,
		Priority:            body.Priority,
		ApprovalTimeout:     time.Duration(body.TimeoutMS) * time.Millisecond,
		AutoRejectOnTimeout: body.AutoRejectOnTimeout,
		Context:             body.Context,
	}
	if req.CorrelationID == "" {
		req.CorrelationID = req.TaskID
	}

	if body.Async {
		if req.CorrelationID == "" {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "async requests need taskId or correlationId", h.logger)
			return
		}
		ctx := context.WithoutCancel(r.Context())
		go func() {
			decision, err := h.service.RequestApproval(ctx, req)
			if err != nil {
				h.logger.Info("async approval ended without decision",
					zap.String("correlation_id", req.CorrelationID),
					zap.Error(err),
				)
				return
			}
			h.logger.Info("async approval decided",
				zap.String("pending_id", decision.PendingID),
				zap.Bool("approved", decision.Approved),
			)
		}()
		WriteStatus(w, http.StatusAccepted, ApprovalAccepted{CorrelationID: req.CorrelationID})
		return
	}

	decision, err := h.service.RequestApproval(r.Context(), req)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, decision)
}

// HandleRespond 处理 POST /approvals/{id}/respond
func (h *ApprovalHandler) HandleRespond(w http.ResponseWriter, r *http.Request) {
	pendingID, ok := pathID(w, r, h.logger)
	if !ok {
		return
	}
	var body RespondApprovalRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	resp := approval.Response{
		PendingID: pendingID,
		Approved:  body.Approved,
		Reason:    body.Reason,
		Responder: body.Responder,
	}
	if !h.service.RespondToApproval(r.Context(), resp) {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "approval not pending", h.logger)
		return
	}
	WriteSuccess(w, resp)
}

// HandleCancel 处理 POST /approvals/{id}/cancel
func (h *ApprovalHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	pendingID, ok := pathID(w, r, h.logger)
	if !ok {
		return
	}
	var body ReasonRequest
	if !decodeOptional(w, r, &body, h.logger) {
		return
	}
	if !h.service.CancelApproval(r.Context(), pendingID, body.Reason) {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "approval not pending", h.logger)
		return
	}
	WriteSuccess(w, CancelResult{Cancelled: 1})
}

// HandleCancelCorrelated 处理 POST /approvals/correlations/{id}/cancel，
// id 通常是任务 id
func (h *ApprovalHandler) HandleCancelCorrelated(w http.ResponseWriter, r *http.Request) {
	correlationID, ok := pathID(w, r, h.logger)
	if !ok {
		return
	}
	var body ReasonRequest
	if !decodeOptional(w, r, &body, h.logger) {
		return
	}
	n := h.service.CancelApprovalsFor(r.Context(), correlationID, body.Reason)
	WriteSuccess(w, CancelResult{Cancelled: n})
}
