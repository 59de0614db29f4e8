package handlers

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/BaSui01/taskcore/approval"
	"github.com/BaSui01/taskcore/eventbus"
	"github.com/BaSui01/taskcore/orchestrator"
	"github.com/BaSui01/taskcore/registry"
	"github.com/BaSui01/taskcore/statemachine"
	"github.com/BaSui01/taskcore/types"
	"go.uber.org/zap"
)

// maxBodyBytes 请求体大小上限
const maxBodyBytes = 1 << 20

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// 头已写出，编码失败无法再改状态码
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteStatus(w, http.StatusOK, data)
}

// WriteStatus 以指定状态码写入成功响应
func WriteStatus(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

// WriteError 写入错误响应（从 types.Error）
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}

	info := &ErrorInfo{
		Code:       string(err.Code),
		Message:    err.Message,
		Retryable:  err.Retryable,
		HTTPStatus: status,
	}
	if err.Cause != nil {
		info.Details = err.Cause.Error()
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Bool("retryable", err.Retryable),
		}
		if err.Cause != nil {
			fields = append(fields, zap.Error(err.Cause))
		}
		if status >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Debug("API error", fields...)
		}
	}

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     info,
		Timestamp: time.Now(),
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// WriteDomainError 把编排层错误翻译为 types.Error 后写出
func WriteDomainError(w http.ResponseWriter, err error, logger *zap.Logger) {
	WriteError(w, ToAPIError(err), logger)
}

// ToAPIError maps errors returned by the orchestration packages to a coded
// API error. Unrecognised errors become INTERNAL_ERROR.
func ToAPIError(err error) *types.Error {
	var apiErr *types.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var (
		cancelled    *approval.CancelledError
		precondition *statemachine.PreconditionError
	)
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		return types.NewError(types.ErrNotFound, "task not found").WithCause(err)
	case errors.Is(err, statemachine.ErrInvalidTransition):
		return types.NewError(types.ErrInvalidTransition, "invalid state transition").WithCause(err)
	case errors.As(err, &precondition):
		return types.NewError(types.ErrInvalidTransition, "operation not allowed in current state").WithCause(err)
	case errors.Is(err, statemachine.ErrUnknownKind):
		return types.NewError(types.ErrInvalidRequest, "unknown task kind").WithCause(err)
	case errors.Is(err, registry.ErrDuplicateRegistration):
		return types.NewError(types.ErrDuplicateRegistration, "task already registered").WithCause(err)
	case errors.Is(err, orchestrator.ErrAtCapacity):
		return types.NewError(types.ErrAtCapacity, "active task capacity reached").WithCause(err).WithRetryable(true)
	case errors.Is(err, orchestrator.ErrAdmissionTimeout):
		return types.NewError(types.ErrRateLimited, "run admission timed out").WithCause(err).WithRetryable(true)
	case errors.Is(err, eventbus.ErrPublishFailed):
		return types.NewError(types.ErrPublishFailure, "event publish failed").WithCause(err).WithRetryable(true)
	case errors.As(err, &cancelled):
		return types.NewError(types.ErrApprovalCancelled, cancelled.Error()).WithCause(err)
	case errors.Is(err, approval.ErrApprovalTimeout):
		return types.NewError(types.ErrApprovalTimeout, "approval request timed out").WithCause(err)
	case errors.Is(err, orchestrator.ErrShutdown), errors.Is(err, approval.ErrGateClosed), errors.Is(err, eventbus.ErrBusClosed):
		return types.NewError(types.ErrServiceUnavailable, "orchestrator is shutting down").WithCause(err).WithRetryable(true)
	default:
		return types.NewError(types.ErrInternalError, "internal error").WithCause(err)
	}
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	// 4xx 客户端错误
	case types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrInvalidTransition, types.ErrDuplicateRegistration:
		return http.StatusConflict
	case types.ErrApprovalCancelled:
		return http.StatusGone
	case types.ErrRateLimited, types.ErrAtCapacity:
		return http.StatusTooManyRequests

	// 5xx 服务端错误
	case types.ErrTimeout, types.ErrApprovalTimeout:
		return http.StatusGatewayTimeout
	case types.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrPublishFailure, types.ErrEscalationFailure:
		return http.StatusBadGateway
	case types.ErrInternalError:
		return http.StatusInternalServerError

	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体（1 MB 限制 + 严格模式）
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, err, logger)
		return err
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		apiErr := types.NewError(types.ErrInvalidRequest, "invalid JSON body").
			WithCause(err).
			WithHTTPStatus(http.StatusBadRequest)
		WriteError(w, apiErr, logger)
		return apiErr
	}

	return nil
}

// ValidateContentType 验证 Content-Type
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		apiErr := types.NewError(types.ErrInvalidRequest, "Content-Type must be application/json").
			WithHTTPStatus(http.StatusUnsupportedMediaType)
		WriteError(w, apiErr, logger)
		return false
	}
	return true
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码与写出字节数
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
	Bytes      int
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += n
	return n, err
}
