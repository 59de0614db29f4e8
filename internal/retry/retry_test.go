package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestDo_StopsAtFirstSuccess(t *testing.T) {
	calls := 0
	out := Do(context.Background(), Policy{MaxRetries: 3}, func(context.Context, int) (bool, error) {
		calls++
		return calls == 2, nil
	}, zap.NewNop())

	assert.True(t, out.Succeeded)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 2, calls)
	assert.NoError(t, out.LastErr)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	var seen []int
	out := Do(context.Background(), Policy{
		MaxRetries: 2,
		OnRetry:    func(attempt int, err error) { seen = append(seen, attempt) },
	}, func(context.Context, int) (bool, error) {
		return false, boom
	}, nil)

	assert.False(t, out.Succeeded)
	assert.Equal(t, 3, out.Attempts)
	assert.ErrorIs(t, out.LastErr, boom)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDo_FalseWithoutErrorIsAFailure(t *testing.T) {
	out := Do(context.Background(), Policy{MaxRetries: 1}, func(context.Context, int) (bool, error) {
		return false, nil
	}, nil)

	assert.False(t, out.Succeeded)
	assert.Equal(t, 2, out.Attempts)
	assert.ErrorIs(t, out.LastErr, ErrNotAccepted)
}

func TestDo_RecoversPanics(t *testing.T) {
	calls := 0
	out := Do(context.Background(), Policy{MaxRetries: 1}, func(context.Context, int) (bool, error) {
		calls++
		if calls == 1 {
			panic("escalation bug")
		}
		return true, nil
	}, nil)

	assert.True(t, out.Succeeded)
	assert.Equal(t, 2, out.Attempts)
}

func TestDo_HonoursCancellationBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	out := Do(ctx, Policy{MaxRetries: 5, InitialDelay: 20 * time.Millisecond}, func(context.Context, int) (bool, error) {
		calls++
		cancel()
		return false, errors.New("fail")
	}, nil)

	assert.False(t, out.Succeeded)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, out.LastErr, context.Canceled)
}

func TestPolicy_DelayIsCapped(t *testing.T) {
	p := Policy{InitialDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, 10*time.Millisecond, p.delay(1))
	assert.Equal(t, 20*time.Millisecond, p.delay(2))
	assert.Equal(t, 25*time.Millisecond, p.delay(3))
	assert.Equal(t, time.Duration(0), Policy{}.delay(1))
}
