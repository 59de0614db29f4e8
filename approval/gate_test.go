package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/taskcore/eventbus"
	"github.com/BaSui01/taskcore/types"
)

// recorder captures every event published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) handle(_ context.Context, ev eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(t eventbus.EventType) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestGate(t *testing.T, opts ...GateOption) (*Gate, *eventbus.MemoryBus, *recorder, chan string) {
	t.Helper()
	bus := eventbus.NewMemoryBus(nil)
	t.Cleanup(bus.Close)

	rec := &recorder{}
	bus.SubscribeAll(rec.handle)

	ids := make(chan string, 16)
	bus.Subscribe(eventbus.EventApprovalRequired, func(_ context.Context, ev eventbus.Event) error {
		ids <- ev.Data.(eventbus.ApprovalRequired).PendingID
		return nil
	})

	return NewGate(bus, DefaultConfig(), zap.NewNop(), opts...), bus, rec, ids
}

type result struct {
	decision Decision
	err      error
}

func submit(g *Gate, ctx context.Context, req Request) <-chan result {
	out := make(chan result, 1)
	go func() {
		d, err := g.ProcessApprovalRequest(ctx, req)
		out <- result{d, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("approval request did not resolve")
		return result{}
	}
}

func nextID(t *testing.T, ids chan string) string {
	t.Helper()
	select {
	case id := <-ids:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("approval_required was not published")
		return ""
	}
}

func TestGate_AutoRejectOnTimeout(t *testing.T) {
	g, _, rec, _ := newTestGate(t)

	start := time.Now()
	r := await(t, submit(g, context.Background(), Request{
		Action:              "deploy",
		ApprovalTimeout:     50 * time.Millisecond,
		AutoRejectOnTimeout: true,
	}))
	elapsed := time.Since(start)

	require.NoError(t, r.err)
	assert.False(t, r.decision.Approved)
	assert.True(t, r.decision.AutoRejected)
	assert.Equal(t, AutoRejectReason, r.decision.Reason)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Zero(t, g.PendingCount())

	// 计时器只生效一次
	time.Sleep(100 * time.Millisecond)
	timeouts := rec.ofType(eventbus.EventApprovalTimeout)
	require.Len(t, timeouts, 1)
	assert.True(t, timeouts[0].Data.(eventbus.ApprovalTimeout).AutoRejected)
	assert.True(t, timeouts[0].IsReliable())
}

func TestGate_TimeoutWithoutAutoReject(t *testing.T) {
	g, _, rec, ids := newTestGate(t)

	ch := submit(g, context.Background(), Request{Action: "delete", ApprovalTimeout: 30 * time.Millisecond})
	id := nextID(t, ids)
	r := await(t, ch)
	assert.ErrorIs(t, r.err, ErrApprovalTimeout)

	// 超时后的迟到响应被忽略
	assert.False(t, g.HandleUserApprovalResponse(context.Background(), Response{PendingID: id, Approved: true}))
	assert.Empty(t, rec.ofType(eventbus.EventApprovalGranted))
}

func TestGate_GrantedResponse(t *testing.T) {
	now := time.Unix(1000, 0)
	var clock atomic.Int64
	clock.Store(now.UnixNano())
	g, _, rec, ids := newTestGate(t, WithClock(func() time.Time { return time.Unix(0, clock.Load()) }))

	ch := submit(g, context.Background(), Request{
		Action:          "run",
		CorrelationID:   "corr-42",
		ApprovalTimeout: time.Minute,
	})
	id := nextID(t, ids)
	assert.Equal(t, 1, g.PendingCount())

	clock.Add(int64(3 * time.Second))
	require.True(t, g.HandleUserApprovalResponse(context.Background(), Response{
		PendingID: id, Approved: true, Reason: "looks fine", Responder: "alice",
	}))

	r := await(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, Decision{
		PendingID:        id,
		Approved:         true,
		Reason:           "looks fine",
		ApprovedBy:       "alice",
		ApprovalDuration: 3 * time.Second,
	}, r.decision)

	granted := rec.ofType(eventbus.EventApprovalGranted)
	require.Len(t, granted, 1)
	assert.Equal(t, "corr-42", granted[0].CorrelationID)
	assert.Equal(t, "corr-42", rec.ofType(eventbus.EventApprovalRequired)[0].CorrelationID)
	assert.Equal(t, 3*time.Second, granted[0].Data.(eventbus.ApprovalGranted).ApprovalDuration)
}

func TestGate_RejectedResponse(t *testing.T) {
	g, _, rec, ids := newTestGate(t)

	ch := submit(g, context.Background(), Request{Action: "run", ApprovalTimeout: time.Minute})
	id := nextID(t, ids)
	require.True(t, g.HandleUserApprovalResponse(context.Background(), Response{
		PendingID: id, Approved: false, Reason: "no", Responder: "bob",
	}))

	r := await(t, ch)
	require.NoError(t, r.err)
	assert.False(t, r.decision.Approved)
	assert.Equal(t, "bob", r.decision.RejectedBy)
	assert.Empty(t, r.decision.ApprovedBy)
	assert.Len(t, rec.ofType(eventbus.EventApprovalRejected), 1)
}

func TestGate_ResponseAfterResolutionIsNoop(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	bus := eventbus.NewMemoryBus(nil)
	defer bus.Close()
	ids := make(chan string, 1)
	bus.Subscribe(eventbus.EventApprovalRequired, func(_ context.Context, ev eventbus.Event) error {
		ids <- ev.Data.(eventbus.ApprovalRequired).PendingID
		return nil
	})
	g := NewGate(bus, DefaultConfig(), zap.New(core))

	ch := submit(g, context.Background(), Request{Action: "x", ApprovalTimeout: time.Minute})
	id := nextID(t, ids)
	require.True(t, g.HandleUserApprovalResponse(context.Background(), Response{PendingID: id, Approved: true}))
	await(t, ch)

	assert.NotPanics(t, func() {
		assert.False(t, g.HandleUserApprovalResponse(context.Background(), Response{PendingID: id, Approved: false}))
		assert.False(t, g.HandleUserApprovalResponse(context.Background(), Response{PendingID: "does-not-exist"}))
	})
	assert.Equal(t, 2, logs.FilterMessage("ignoring approval response for unknown or resolved request").Len())
}

func TestGate_Cancel(t *testing.T) {
	g, _, rec, ids := newTestGate(t)

	ch := submit(g, context.Background(), Request{Action: "x", ApprovalTimeout: time.Minute, CorrelationID: "task-1"})
	id := nextID(t, ids)
	require.True(t, g.CancelPendingApproval(context.Background(), id, "task stopped"))
	assert.False(t, g.CancelPendingApproval(context.Background(), id, "again"))

	r := await(t, ch)
	var ce *CancelledError
	require.True(t, errors.As(r.err, &ce))
	assert.Equal(t, "task stopped", ce.Reason)
	assert.Equal(t, id, ce.PendingID)

	cancelled := rec.ofType(eventbus.EventApprovalCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "task-1", cancelled[0].CorrelationID)
}

func TestGate_CancelFor(t *testing.T) {
	g, _, _, ids := newTestGate(t)

	a := submit(g, context.Background(), Request{Action: "a", ApprovalTimeout: time.Minute, CorrelationID: "task-1"})
	nextID(t, ids)
	b := submit(g, context.Background(), Request{Action: "b", ApprovalTimeout: time.Minute, CorrelationID: "task-1"})
	nextID(t, ids)
	c := submit(g, context.Background(), Request{Action: "c", ApprovalTimeout: time.Minute, CorrelationID: "task-2"})
	otherID := nextID(t, ids)

	assert.Equal(t, 2, g.CancelFor(context.Background(), "task-1", "task failed"))
	assert.Error(t, await(t, a).err)
	assert.Error(t, await(t, b).err)
	assert.Equal(t, 1, g.PendingCount())

	require.True(t, g.HandleUserApprovalResponse(context.Background(), Response{PendingID: otherID, Approved: true}))
	assert.NoError(t, await(t, c).err)
}

func TestGate_ContextCancellation(t *testing.T) {
	g, _, rec, ids := newTestGate(t)

	ctx, cancel := context.WithCancel(context.Background())
	ch := submit(g, ctx, Request{Action: "x", ApprovalTimeout: time.Minute})
	nextID(t, ids)
	cancel()

	r := await(t, ch)
	assert.ErrorIs(t, r.err, context.Canceled)
	var ce *CancelledError
	assert.True(t, errors.As(r.err, &ce))
	assert.Zero(t, g.PendingCount())
	assert.Len(t, rec.ofType(eventbus.EventApprovalCancelled), 1)
}

func TestGate_PublishFailureCleansUp(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil, eventbus.WithReliableRetries(0))
	defer bus.Close()
	rec := &recorder{}
	bus.Subscribe(eventbus.EventApprovalTimeout, rec.handle)
	bus.Subscribe(eventbus.EventApprovalRequired, func(context.Context, eventbus.Event) error {
		return errors.New("ui offline")
	})

	var outcomes []string
	g := NewGate(bus, DefaultConfig(), nil, WithObserver(observerFunc(func(o string, _ time.Duration) {
		outcomes = append(outcomes, o)
	})))

	_, err := g.ProcessApprovalRequest(context.Background(), Request{
		Action:              "x",
		ApprovalTimeout:     20 * time.Millisecond,
		AutoRejectOnTimeout: true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, eventbus.ErrPublishFailed)
	assert.Zero(t, g.PendingCount())

	// 没有遗留的计时器
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, rec.ofType(eventbus.EventApprovalTimeout))
	assert.Equal(t, []string{OutcomePublishFailed}, outcomes)
}

func TestGate_ResponseStopsTimer(t *testing.T) {
	g, _, rec, ids := newTestGate(t)

	ch := submit(g, context.Background(), Request{Action: "x", ApprovalTimeout: 40 * time.Millisecond, AutoRejectOnTimeout: true})
	id := nextID(t, ids)
	require.True(t, g.HandleUserApprovalResponse(context.Background(), Response{PendingID: id, Approved: true}))
	r := await(t, ch)
	assert.True(t, r.decision.Approved)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.ofType(eventbus.EventApprovalTimeout))
}

func TestGate_ConcurrentResolversExactlyOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		g, _, rec, ids := newTestGate(t)
		ch := submit(g, context.Background(), Request{Action: "x", ApprovalTimeout: 5 * time.Millisecond, AutoRejectOnTimeout: true})
		id := nextID(t, ids)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for j := 0; j < 10; j++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if g.HandleUserApprovalResponse(context.Background(), Response{PendingID: id, Approved: true}) {
					wins.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				if g.CancelPendingApproval(context.Background(), id, "race") {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		await(t, ch)
		time.Sleep(10 * time.Millisecond)

		terminal := len(rec.ofType(eventbus.EventApprovalGranted)) +
			len(rec.ofType(eventbus.EventApprovalCancelled)) +
			len(rec.ofType(eventbus.EventApprovalTimeout))
		assert.Equal(t, 1, terminal)
		assert.LessOrEqual(t, wins.Load(), int32(1))
	}
}

func TestGate_DefaultTimeoutAndPending(t *testing.T) {
	bus := eventbus.NewMemoryBus(nil)
	defer bus.Close()
	g := NewGate(bus, Config{DefaultTimeout: time.Hour}, nil)

	ctx := types.WithCorrelationID(context.Background(), "ctx-corr")
	ch := submit(g, ctx, Request{Action: "x", TaskID: "t1"})

	require.Eventually(t, func() bool { return g.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	p := g.Pending()
	require.Len(t, p, 1)
	assert.Equal(t, "ctx-corr", p[0].CorrelationID)
	assert.Equal(t, "t1", p[0].Request.TaskID)
	assert.Equal(t, time.Hour, p[0].ExpiresAt.Sub(p[0].RequestedAt))

	g.Close(context.Background())
	r := await(t, ch)
	assert.ErrorIs(t, r.err, ErrGateClosed)

	_, err := g.ProcessApprovalRequest(context.Background(), Request{Action: "late"})
	assert.ErrorIs(t, err, ErrGateClosed)
}

type observerFunc func(outcome string, d time.Duration)

func (f observerFunc) ObserveApproval(outcome string, d time.Duration) { f(outcome, d) }
