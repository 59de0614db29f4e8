package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/BaSui01/taskcore/eventbus"
	"github.com/BaSui01/taskcore/orchestrator"
	"github.com/BaSui01/taskcore/persistence"
	"github.com/BaSui01/taskcore/statemachine"
	"github.com/BaSui01/taskcore/types"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// TaskService is the orchestrator surface used by TaskHandler.
// *orchestrator.Orchestrator satisfies it.
type TaskService interface {
	Submit(ctx context.Context, task types.Task) (*orchestrator.Handle, error)
	Start(ctx context.Context, taskID string) error
	TransitionTo(ctx context.Context, taskID string, target statemachine.State) error
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
	Complete(ctx context.Context, taskID string) error
	Fail(ctx context.Context, taskID, reason string) error
	Stop(ctx context.Context, taskID, reason string) error
	Cancel(ctx context.Context, taskID, reason string) error
	Get(taskID string) (orchestrator.TaskInfo, error)
	List() []orchestrator.TaskInfo
	Snapshot(ctx context.Context, taskID string) (*persistence.Snapshot, error)

	RequestRunExecution(ctx context.Context, req orchestrator.RunRequest) (string, error)
	HandleRunCompletion(ctx context.Context, runID string) error
	HandleRunFailure(ctx context.Context, runID, reason string) error

	HandleMetacognitiveInsight(ctx context.Context, in eventbus.MetacognitiveInsight) error
	HandleResourceAlert(ctx context.Context, alert eventbus.ResourceAlert) (int, error)
}

// TaskHandler 任务生命周期、运行与信号端点
type TaskHandler struct {
	service TaskService
	logger  *zap.Logger
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(service TaskService, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{
		service: service,
		logger:  logger.With(zap.String("component", "task_handler")),
	}
}

// =============================================================================
// 📥 请求/响应结构
// =============================================================================

// SubmitTaskRequest 提交任务请求
type SubmitTaskRequest struct {
	ID         string `json:"id,omitempty"`
	UserID     string `json:"userId"`
	HasPremium bool   `json:"hasPremium,omitempty"`
	Kind       string `json:"kind"`
	Name       string `json:"name,omitempty"`
	// Start 为 true 时提交后立即沿启动路径推进
	Start bool `json:"start,omitempty"`
}

// TransitionRequest 显式状态转换请求
type TransitionRequest struct {
	State string `json:"state"`
}

// ReasonRequest 携带原因的操作请求（fail / stop / cancel）
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RunAccepted 运行请求已受理
type RunAccepted struct {
	RunID  string `json:"runId"`
	TaskID string `json:"taskId"`
}

// AlertResult 资源告警处理结果
type AlertResult struct {
	Paused int `json:"paused"`
}

// Register 注册路由到 chi 路由器
func (h *TaskHandler) Register(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.HandleSubmit)
		r.Get("/", h.HandleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Get("/snapshot", h.HandleSnapshot)
			r.Post("/start", h.HandleStart)
			r.Post("/transition", h.HandleTransition)
			r.Post("/pause", h.simple(h.service.Pause))
			r.Post("/resume", h.simple(h.service.Resume))
			r.Post("/complete", h.simple(h.service.Complete))
			r.Post("/fail", h.withReason(h.service.Fail))
			r.Post("/stop", h.withReason(h.service.Stop))
			r.Post("/cancel", h.withReason(h.service.Cancel))
		})
	})
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", h.HandleRunRequest)
		r.Post("/{id}/complete", h.HandleRunCompletion)
		r.Post("/{id}/fail", h.HandleRunFailure)
	})
	r.Post("/signals/insights", h.HandleInsight)
	r.Post("/signals/resource-alerts", h.HandleResourceAlert)
}

// =============================================================================
// 🎯 任务端点
// =============================================================================

// HandleSubmit 处理 POST /tasks
func (h *TaskHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	kind := types.TaskKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if !kind.Valid() {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "kind must be swarm or routine", h.logger)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "userId is required", h.logger)
		return
	}

	handle, err := h.service.Submit(r.Context(), types.Task{
		ID:         strings.TrimSpace(req.ID),
		UserID:     strings.TrimSpace(req.UserID),
		HasPremium: req.HasPremium,
		Kind:       kind,
		Name:       req.Name,
	})
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	taskID := handle.Task.ID

	if req.Start {
		if err := h.service.Start(r.Context(), taskID); err != nil {
			WriteDomainError(w, err, h.logger)
			return
		}
	}

	info, err := h.service.Get(taskID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusCreated, info)
}

// HandleList 处理 GET /tasks
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.service.List())
}

// HandleGet 处理 GET /tasks/{id}
func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	info, err := h.service.Get(taskID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, info)
}

// HandleSnapshot 处理 GET /tasks/{id}/snapshot
func (h *TaskHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	snap, err := h.service.Snapshot(r.Context(), taskID)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, snap)
}

// HandleStart 处理 POST /tasks/{id}/start
func (h *TaskHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	h.simple(h.service.Start)(w, r)
}

// HandleTransition 处理 POST /tasks/{id}/transition
func (h *TaskHandler) HandleTransition(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req TransitionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	target := statemachine.State(strings.ToUpper(strings.TrimSpace(req.State)))
	if target == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "state is required", h.logger)
		return
	}
	if err := h.service.TransitionTo(r.Context(), taskID, target); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	h.writeTask(w, taskID)
}

func (h *TaskHandler) simple(op func(ctx context.Context, taskID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, ok := h.pathID(w, r)
		if !ok {
			return
		}
		if err := op(r.Context(), taskID); err != nil {
			WriteDomainError(w, err, h.logger)
			return
		}
		h.writeTask(w, taskID)
	}
}

func (h *TaskHandler) withReason(op func(ctx context.Context, taskID, reason string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, ok := h.pathID(w, r)
		if !ok {
			return
		}
		var req ReasonRequest
		if !h.decodeOptional(w, r, &req) {
			return
		}
		if err := op(r.Context(), taskID, req.Reason); err != nil {
			WriteDomainError(w, err, h.logger)
			return
		}
		h.writeTask(w, taskID)
	}
}

// writeTask 写回操作后的任务视图；终态任务已注销时只返回 id
func (h *TaskHandler) writeTask(w http.ResponseWriter, taskID string) {
	info, err := h.service.Get(taskID)
	if err != nil {
		WriteSuccess(w, map[string]string{"id": taskID})
		return
	}
	WriteSuccess(w, info)
}

// =============================================================================
// 🏃 运行端点
// =============================================================================

// HandleRunRequest 处理 POST /runs
func (h *TaskHandler) HandleRunRequest(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.RunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.TaskID) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "taskId is required", h.logger)
		return
	}
	runID, err := h.service.RequestRunExecution(r.Context(), req)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusAccepted, RunAccepted{RunID: runID, TaskID: req.TaskID})
}

// HandleRunCompletion 处理 POST /runs/{id}/complete
func (h *TaskHandler) HandleRunCompletion(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.HandleRunCompletion(r.Context(), runID); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"runId": runID})
}

// HandleRunFailure 处理 POST /runs/{id}/fail
func (h *TaskHandler) HandleRunFailure(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if err := h.service.HandleRunFailure(r.Context(), runID, req.Reason); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"runId": runID})
}

// =============================================================================
// 📡 信号端点
// =============================================================================

// HandleInsight 处理 POST /signals/insights
func (h *TaskHandler) HandleInsight(w http.ResponseWriter, r *http.Request) {
	var in eventbus.MetacognitiveInsight
	if err := DecodeJSONBody(w, r, &in, h.logger); err != nil {
		return
	}
	if err := h.service.HandleMetacognitiveInsight(r.Context(), in); err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusAccepted, in)
}

// HandleResourceAlert 处理 POST /signals/resource-alerts
func (h *TaskHandler) HandleResourceAlert(w http.ResponseWriter, r *http.Request) {
	var alert eventbus.ResourceAlert
	if err := DecodeJSONBody(w, r, &alert, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(alert.Resource) == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "resource is required", h.logger)
		return
	}
	paused, err := h.service.HandleResourceAlert(r.Context(), alert)
	if err != nil {
		WriteDomainError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusAccepted, AlertResult{Paused: paused})
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func (h *TaskHandler) pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	return pathID(w, r, h.logger)
}

func (h *TaskHandler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeOptional(w, r, dst, h.logger)
}

func pathID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "missing id", logger)
		return "", false
	}
	return id, true
}

// decodeOptional 请求体可为空
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) bool {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return true
	}
	return DecodeJSONBody(w, r, dst, logger) == nil
}
