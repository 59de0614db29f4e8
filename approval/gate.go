package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/taskcore/eventbus"
	"github.com/BaSui01/taskcore/types"
)

// AutoRejectReason is the reason attached to a decision produced by an
// auto-rejecting timeout.
const AutoRejectReason = "Auto-rejected on timeout"

var (
	// ErrApprovalTimeout is returned when a request without auto-reject times out.
	ErrApprovalTimeout = errors.New("approval request timed out")
	// ErrGateClosed is returned for requests issued after Close.
	ErrGateClosed = errors.New("approval gate is closed")
)

// CancelledError is returned to the waiter of a cancelled request.
type CancelledError struct {
	PendingID string
	Reason    string
	Cause     error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("approval %s cancelled: %s", e.PendingID, e.Reason)
}

func (e *CancelledError) Unwrap() error { return e.Cause }

// Request 审批请求
type Request struct {
	TaskID              string         `json:"taskId,omitempty"`
	UserID              string         `json:"userId,omitempty"`
	Action              string         `json:"action"`
	Description         string         `json:"description,omitempty"`
	CorrelationID       string         `json:"correlationId,omitempty"`
	Priority            types.Priority `json:"priority,omitempty"`
	ApprovalTimeout     time.Duration  `json:"approvalTimeout"`
	AutoRejectOnTimeout bool           `json:"autoRejectOnTimeout"`
	Context             map[string]any `json:"context,omitempty"`
}

// Response 用户的审批响应
type Response struct {
	PendingID string `json:"pendingId"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
	Responder string `json:"responder"`
}

// Decision 审批结果
type Decision struct {
	PendingID        string        `json:"pendingId"`
	Approved         bool          `json:"approved"`
	Reason           string        `json:"reason,omitempty"`
	ApprovedBy       string        `json:"approvedBy,omitempty"`
	RejectedBy       string        `json:"rejectedBy,omitempty"`
	ApprovalDuration time.Duration `json:"approvalDuration"`
	AutoRejected     bool          `json:"autoRejected,omitempty"`
}

// PendingApproval is a read-only view of an outstanding request.
type PendingApproval struct {
	PendingID     string    `json:"pendingId"`
	CorrelationID string    `json:"correlationId"`
	Request       Request   `json:"request"`
	RequestedAt   time.Time `json:"requestedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Observer receives one call per resolved request.
type Observer interface {
	ObserveApproval(outcome string, d time.Duration)
}

// 审批结果标签
const (
	OutcomeGranted       = "granted"
	OutcomeRejected      = "rejected"
	OutcomeTimeout       = "timeout"
	OutcomeAutoRejected  = "auto_rejected"
	OutcomeCancelled     = "cancelled"
	OutcomePublishFailed = "publish_failed"
)

// Config 审批闸门配置
type Config struct {
	// DefaultTimeout applies to requests that carry no ApprovalTimeout.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() Config {
	return Config{DefaultTimeout: 5 * time.Minute}
}

type outcome struct {
	decision Decision
	err      error
}

// entry is one pending approval. It owns exactly one timer.
type entry struct {
	id            string
	correlationID string
	req           Request
	requestedAt   time.Time
	timeout       time.Duration
	ctx           context.Context
	timer         *time.Timer

	once   sync.Once
	result chan outcome
}

func (e *entry) resolve(o outcome) {
	e.once.Do(func() { e.result <- o })
}

// Gate 审批闸门，并发安全
type Gate struct {
	bus      eventbus.Publisher
	config   Config
	observer Observer
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*entry
	closed  bool
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithObserver installs an approval observer.
func WithObserver(o Observer) GateOption {
	return func(g *Gate) { g.observer = o }
}

// WithClock overrides time.Now for durations, for tests.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates an approval gate publishing on bus.
func NewGate(bus eventbus.Publisher, config Config, logger *zap.Logger, opts ...GateOption) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	g := &Gate{
		bus:     bus,
		config:  config,
		now:     time.Now,
		logger:  logger.With(zap.String("component", "approval_gate")),
		pending: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var source = eventbus.Source{Tier: eventbus.TierCrossCutting, Component: "approval_gate"}

// ProcessApprovalRequest publishes approval_required and blocks until the
// request is answered, times out, or is cancelled.
func (g *Gate) ProcessApprovalRequest(ctx context.Context, req Request) (Decision, error) {
	e := &entry{
		id:          uuid.NewString(),
		req:         req,
		requestedAt: g.now(),
		timeout:     req.ApprovalTimeout,
		ctx:         context.WithoutCancel(ctx),
		result:      make(chan outcome, 1),
	}
	if e.timeout <= 0 {
		e.timeout = g.config.DefaultTimeout
	}
	e.correlationID = req.CorrelationID
	if e.correlationID == "" {
		if id, ok := types.CorrelationID(ctx); ok {
			e.correlationID = id
		} else {
			e.correlationID = e.id
		}
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return Decision{}, ErrGateClosed
	}
	g.pending[e.id] = e
	e.timer = time.AfterFunc(e.timeout, func() { g.onTimeout(e.id) })
	g.mu.Unlock()

	log := g.logger.With(
		zap.String("pending_id", e.id),
		zap.String("correlation_id", e.correlationID),
		zap.String("task_id", req.TaskID),
	)
	log.Info("requesting approval",
		zap.String("action", req.Action),
		zap.Duration("timeout", e.timeout),
		zap.Bool("auto_reject", req.AutoRejectOnTimeout),
	)

	priority := req.Priority
	if priority == "" {
		priority = types.PriorityHigh
	}
	res := g.publish(ctx, e, eventbus.ApprovalRequired{
		PendingID:           e.id,
		TaskID:              req.TaskID,
		UserID:              req.UserID,
		Action:              req.Action,
		Description:         req.Description,
		Timeout:             e.timeout,
		AutoRejectOnTimeout: req.AutoRejectOnTimeout,
		Context:             req.Context,
	}, priority)
	if !res.Success {
		g.take(e.id)
		err := res.Err
		if err == nil {
			err = eventbus.ErrPublishFailed
		}
		log.Error("approval request publish failed", zap.Error(err))
		g.observe(OutcomePublishFailed, 0)
		return Decision{}, err
	}

	select {
	case o := <-e.result:
		return o.decision, o.err
	case <-ctx.Done():
		g.cancel(e.id, ctx.Err().Error(), ctx.Err())
		// 其他路径可能已抢先移除条目，它们一定会写入结果
		o := <-e.result
		return o.decision, o.err
	}
}

// HandleUserApprovalResponse resolves the request named by resp.PendingID.
// Unknown or already resolved ids are logged and ignored. It reports whether
// the response resolved a request.
func (g *Gate) HandleUserApprovalResponse(ctx context.Context, resp Response) bool {
	e := g.take(resp.PendingID)
	if e == nil {
		g.logger.Info("ignoring approval response for unknown or resolved request",
			zap.String("pending_id", resp.PendingID),
			zap.Bool("approved", resp.Approved),
		)
		return false
	}

	d := g.now().Sub(e.requestedAt)
	decision := Decision{
		PendingID:        e.id,
		Approved:         resp.Approved,
		Reason:           resp.Reason,
		ApprovalDuration: d,
	}
	var payload eventbus.Payload
	if resp.Approved {
		decision.ApprovedBy = resp.Responder
		payload = eventbus.ApprovalGranted{PendingID: e.id, ApprovedBy: resp.Responder, Reason: resp.Reason, ApprovalDuration: d}
		g.observe(OutcomeGranted, d)
	} else {
		decision.RejectedBy = resp.Responder
		payload = eventbus.ApprovalRejected{PendingID: e.id, RejectedBy: resp.Responder, Reason: resp.Reason, ApprovalDuration: d}
		g.observe(OutcomeRejected, d)
	}

	if res := g.publish(context.WithoutCancel(ctx), e, payload, types.PriorityHigh); !res.Success {
		g.logger.Warn("approval response event publish failed",
			zap.String("pending_id", e.id),
			zap.Error(res.Err),
		)
	}

	g.logger.Info("approval resolved",
		zap.String("pending_id", e.id),
		zap.Bool("approved", resp.Approved),
		zap.String("responder", resp.Responder),
		zap.Duration("duration", d),
	)
	e.resolve(outcome{decision: decision})
	return true
}

// CancelPendingApproval cancels a request. The waiter receives *CancelledError.
// It reports whether a request was cancelled.
func (g *Gate) CancelPendingApproval(ctx context.Context, pendingID, reason string) bool {
	return g.cancel(pendingID, reason, nil)
}

// CancelFor cancels every pending request sharing correlationID and returns
// how many were cancelled.
func (g *Gate) CancelFor(ctx context.Context, correlationID, reason string) int {
	g.mu.Lock()
	var ids []string
	for id, e := range g.pending {
		if e.correlationID == correlationID {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()

	n := 0
	for _, id := range ids {
		if g.cancel(id, reason, nil) {
			n++
		}
	}
	return n
}

func (g *Gate) cancel(pendingID, reason string, cause error) bool {
	e := g.take(pendingID)
	if e == nil {
		g.logger.Info("ignoring cancel for unknown or resolved request", zap.String("pending_id", pendingID))
		return false
	}

	if res := g.publish(e.ctx, e, eventbus.ApprovalCancelled{PendingID: e.id, Reason: reason}, types.PriorityMedium); !res.Success {
		g.logger.Warn("approval cancel event publish failed",
			zap.String("pending_id", e.id),
			zap.Error(res.Err),
		)
	}

	d := g.now().Sub(e.requestedAt)
	g.observe(OutcomeCancelled, d)
	g.logger.Info("approval cancelled", zap.String("pending_id", e.id), zap.String("reason", reason))
	e.resolve(outcome{err: &CancelledError{PendingID: e.id, Reason: reason, Cause: cause}})
	return true
}

func (g *Gate) onTimeout(pendingID string) {
	// 条目已被其他路径移除时，计时器不产生任何副作用
	e := g.take(pendingID)
	if e == nil {
		return
	}

	auto := e.req.AutoRejectOnTimeout
	if res := g.publish(e.ctx, e, eventbus.ApprovalTimeout{
		PendingID:    e.id,
		Timeout:      e.timeout,
		AutoRejected: auto,
	}, types.PriorityHigh); !res.Success {
		g.logger.Warn("approval timeout event publish failed",
			zap.String("pending_id", e.id),
			zap.Error(res.Err),
		)
	}

	d := g.now().Sub(e.requestedAt)
	g.logger.Warn("approval request timed out",
		zap.String("pending_id", e.id),
		zap.Duration("timeout", e.timeout),
		zap.Bool("auto_rejected", auto),
	)

	if auto {
		g.observe(OutcomeAutoRejected, d)
		e.resolve(outcome{decision: Decision{
			PendingID:        e.id,
			Approved:         false,
			Reason:           AutoRejectReason,
			ApprovalDuration: d,
			AutoRejected:     true,
		}})
		return
	}
	g.observe(OutcomeTimeout, d)
	e.resolve(outcome{err: ErrApprovalTimeout})
}

// take removes pendingID from the map and stops its timer. Exactly one caller
// gets a non-nil entry.
func (g *Gate) take(pendingID string) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.pending[pendingID]
	if !ok {
		return nil
	}
	delete(g.pending, pendingID)
	if e.timer != nil {
		e.timer.Stop()
	}
	return e
}

func (g *Gate) publish(ctx context.Context, e *entry, payload eventbus.Payload, priority types.Priority) eventbus.Result {
	if g.bus == nil {
		return eventbus.Result{Success: true}
	}
	ev := eventbus.New(source, payload,
		eventbus.WithCorrelationID(e.correlationID),
		eventbus.WithDelivery(eventbus.Reliable),
		eventbus.WithPriority(priority),
	)
	return g.bus.Publish(ctx, ev)
}

func (g *Gate) observe(outcome string, d time.Duration) {
	if g.observer != nil {
		g.observer.ObserveApproval(outcome, d)
	}
}

// Pending returns the outstanding requests, oldest first.
func (g *Gate) Pending() []PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]PendingApproval, 0, len(g.pending))
	for _, e := range g.pending {
		out = append(out, PendingApproval{
			PendingID:     e.id,
			CorrelationID: e.correlationID,
			Request:       e.req,
			RequestedAt:   e.requestedAt,
			ExpiresAt:     e.requestedAt.Add(e.timeout),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// PendingCount returns the number of outstanding requests.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Close cancels every outstanding request and rejects new ones.
func (g *Gate) Close(ctx context.Context) {
	g.mu.Lock()
	g.closed = true
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.cancel(id, "approval gate closed", ErrGateClosed)
	}
}
