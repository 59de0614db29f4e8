package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskcore/statemachine"
)

func TestSweeper_StartStop(t *testing.T) {
	l := sweepLimits()
	l.HighLoadCheckInterval = 10 * time.Millisecond

	r := New(nil)
	stub := newStub("t1", statemachine.ControlRunning)
	require.NoError(t, r.Add(overdue("t1", false, time.Second, l), stub))

	obs := newGaugeObserver()
	s := NewSweeper(r, l, "routine", SweepDeps{Now: clock, Observer: obs}, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSweeperRunning)
	assert.True(t, s.Running())

	require.Eventually(t, func() bool {
		stub.mu.Lock()
		defer stub.mu.Unlock()
		return stub.pauseCalls >= 2
	}, time.Second, 5*time.Millisecond, "every pass re-escalates a still-running task")

	s.Stop()
	s.Stop()
	assert.False(t, s.Running())

	report, at := s.LastReport()
	assert.Equal(t, 1, report.LongRunning)
	assert.False(t, at.IsZero())
}

func TestSweeper_ContextCancel(t *testing.T) {
	l := sweepLimits()
	l.HighLoadCheckInterval = time.Hour

	s := NewSweeper(New(nil), l, "routine", SweepDeps{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)
	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestSweeper_HighLoad(t *testing.T) {
	l := sweepLimits()
	l.MaxActive = 10
	l.HighLoadThresholdPercentage = 80

	r := New(nil)
	obs := newGaugeObserver()
	s := NewSweeper(r, l, "routine", SweepDeps{Now: clock, Observer: obs}, nil)

	for i := 0; i < 7; i++ {
		id := string(rune('a' + i))
		require.NoError(t, r.Add(task(id), newStub(id, "RUNNING")))
	}
	s.RunOnce(context.Background())
	assert.False(t, s.HighLoad())

	require.NoError(t, r.Add(task("h"), newStub("h", "RUNNING")))
	s.RunOnce(context.Background())
	assert.True(t, s.HighLoad())

	r.Remove("h")
	r.Remove("a")
	s.RunOnce(context.Background())
	assert.False(t, s.HighLoad())
	assert.Equal(t, []bool{false, true, false}, obs.highLoad)
}
