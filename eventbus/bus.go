package eventbus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrBusClosed is returned for publishes after Close.
var ErrBusClosed = errors.New("event bus is closed")

// ErrPublishFailed matches every *PublishError via errors.Is.
var ErrPublishFailed = errors.New("event publish failed")

// Handler consumes an event. A returned error or a panic counts as a failed delivery.
type Handler func(ctx context.Context, event Event) error

// Result is the outcome of a publish.
type Result struct {
	Success bool
	Err     error
}

// Publisher is the narrow capability most producers need.
type Publisher interface {
	Publish(ctx context.Context, event Event) Result
}

// Bus is a typed pub/sub transport.
type Bus interface {
	Publisher
	Subscribe(eventType EventType, handler Handler) string
	SubscribeAll(handler Handler) string
	Unsubscribe(subscriptionID string) bool
	Close()
}

// PublishObserver receives one call per publish, e.g. a metrics collector.
type PublishObserver interface {
	ObservePublish(eventType, guarantee string, success bool)
}

// DeliveryFailure describes one subscriber that did not accept an event.
type DeliveryFailure struct {
	SubscriptionID string
	Attempts       int
	Err            error
}

// PublishError is surfaced to the publisher of a reliable event.
type PublishError struct {
	EventID   string
	EventType EventType
	Cause     error
	Failures  []DeliveryFailure
}

func (e *PublishError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("publish %s (%s) failed: %v", e.EventType, e.EventID, e.Cause)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s after %d attempt(s): %v", f.SubscriptionID, f.Attempts, f.Err))
	}
	return fmt.Sprintf("publish %s (%s) failed: %s", e.EventType, e.EventID, strings.Join(parts, "; "))
}

func (e *PublishError) Unwrap() error { return e.Cause }

func (e *PublishError) Is(target error) bool { return target == ErrPublishFailed }

const wildcard EventType = "*"

type subscription struct {
	id      string
	handler Handler
}

// MemoryBus is an in-process bus. Delivery is synchronous and in
// registration order: type-specific subscribers first, then wildcard ones.
type MemoryBus struct {
	mu       sync.RWMutex
	subs     map[EventType][]subscription
	nextID   atomic.Uint64
	closed   atomic.Bool
	logger   *zap.Logger
	retries  int
	observer PublishObserver
}

// BusOption configures a MemoryBus.
type BusOption func(*MemoryBus)

// WithReliableRetries sets how many extra attempts a failing subscriber gets
// for reliable events.
func WithReliableRetries(n int) BusOption {
	return func(b *MemoryBus) {
		if n >= 0 {
			b.retries = n
		}
	}
}

// WithPublishObserver installs a publish observer.
func WithPublishObserver(o PublishObserver) BusOption {
	return func(b *MemoryBus) { b.observer = o }
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger *zap.Logger, opts ...BusOption) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &MemoryBus{
		subs:    make(map[EventType][]subscription),
		logger:  logger.With(zap.String("component", "event_bus")),
		retries: 2,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for one event type.
func (b *MemoryBus) Subscribe(eventType EventType, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("%s-%d", eventType, b.nextID.Add(1))
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})
	return id
}

// SubscribeAll registers handler for every event type.
func (b *MemoryBus) SubscribeAll(handler Handler) string {
	return b.Subscribe(wildcard, handler)
}

// Unsubscribe removes a subscription. It reports whether it existed.
func (b *MemoryBus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, s := range subs {
			if s.id != subscriptionID {
				continue
			}
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, eventType)
			} else {
				b.subs[eventType] = next
			}
			return true
		}
	}
	return false
}

// SubscriptionCount returns the number of live subscriptions.
func (b *MemoryBus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Close rejects further publishes. Subscriptions are dropped.
func (b *MemoryBus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	b.subs = make(map[EventType][]subscription)
	b.mu.Unlock()
}

// Publish delivers event to every matching subscriber.
func (b *MemoryBus) Publish(ctx context.Context, event Event) Result {
	res := b.publish(ctx, event)
	if b.observer != nil {
		b.observer.ObservePublish(string(event.Type), string(event.Metadata.DeliveryGuarantee), res.Success)
	}
	return res
}

func (b *MemoryBus) publish(ctx context.Context, event Event) Result {
	var cause error
	switch {
	case b.closed.Load():
		cause = ErrBusClosed
	case ctx.Err() != nil:
		cause = ctx.Err()
	default:
		cause = event.Validate()
	}
	if cause != nil {
		return b.fail(event, &PublishError{EventID: event.ID, EventType: event.Type, Cause: cause})
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs[event.Type])+len(b.subs[wildcard]))
	targets = append(targets, b.subs[event.Type]...)
	targets = append(targets, b.subs[wildcard]...)
	b.mu.RUnlock()

	attempts := 1
	if event.IsReliable() {
		attempts += b.retries
	}

	var failures []DeliveryFailure
	for _, sub := range targets {
		var err error
		n := 0
		for n < attempts {
			n++
			if err = b.deliver(ctx, sub, event); err == nil {
				break
			}
			b.logger.Debug("event delivery failed",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.String("subscription_id", sub.id),
				zap.Int("attempt", n),
				zap.Error(err),
			)
		}
		if err != nil {
			failures = append(failures, DeliveryFailure{SubscriptionID: sub.id, Attempts: n, Err: err})
		}
	}

	if len(failures) > 0 {
		return b.fail(event, &PublishError{EventID: event.ID, EventType: event.Type, Failures: failures})
	}
	return Result{Success: true}
}

func (b *MemoryBus) fail(event Event, perr *PublishError) Result {
	if event.IsReliable() {
		b.logger.Error("reliable event publish failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("correlation_id", event.CorrelationID),
			zap.Error(perr),
		)
		return Result{Success: false, Err: perr}
	}
	b.logger.Warn("best-effort event publish failed",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Error(perr),
	)
	return Result{Success: false}
}

func (b *MemoryBus) deliver(ctx context.Context, sub subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(event.Type)),
				zap.String("subscription_id", sub.id),
				zap.Any("recover", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}
