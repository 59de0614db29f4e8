package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSweeperRunning is returned by Start on a running sweeper.
var ErrSweeperRunning = errors.New("sweeper already running")

// Sweeper 周期性驱动扫描并检测高负载
type Sweeper struct {
	registry *Registry
	limits   Limits
	taskType string
	deps     SweepDeps
	logger   *zap.Logger

	mu         sync.Mutex
	running    bool
	stopChan   chan struct{}
	doneChan   chan struct{}
	highLoad   bool
	lastReport SweepReport
	lastSweep  time.Time
}

// NewSweeper creates a sweeper for reg. Nothing runs until Start.
func NewSweeper(reg *Registry, limits Limits, taskType string, deps SweepDeps, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &Sweeper{
		registry: reg,
		limits:   limits,
		taskType: taskType,
		deps:     deps,
		logger:   logger.With(zap.String("component", "sweeper"), zap.String("task_type", taskType)),
	}
}

// Start launches the sweep loop. It stops on Stop or when ctx ends.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSweeperRunning
	}
	interval := s.limits.HighLoadCheckInterval
	if interval <= 0 {
		interval = DefaultLimits().HighLoadCheckInterval
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})

	go s.loop(ctx, interval, s.stopChan, s.doneChan)

	s.logger.Info("sweeper started", zap.Duration("interval", interval))
	return nil
}

// Stop halts the loop and waits for an in-flight pass to finish. Calling
// Stop on a stopped sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	// running 与 close 在同一临界区内，避免并发 Stop 重复 close
	s.running = false
	close(s.stopChan)
	done := s.doneChan
	s.mu.Unlock()

	<-done
	s.logger.Info("sweeper stopped")
}

// Running reports whether the loop is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			s.logger.Info("sweeper cancelled")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a high-load check followed by one sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	s.checkHighLoad()
	report := CheckLongRunningTasks(ctx, s.registry, s.limits, s.taskType, s.deps)

	s.mu.Lock()
	s.lastReport = report
	s.lastSweep = time.Now()
	s.mu.Unlock()
	return report
}

// checkHighLoad 根据活跃任务占比切换高负载状态
func (s *Sweeper) checkHighLoad() {
	if s.limits.MaxActive <= 0 {
		return
	}
	count := s.registry.Count()
	pct := float64(count) * 100 / float64(s.limits.MaxActive)
	high := pct >= s.limits.HighLoadThresholdPercentage

	s.mu.Lock()
	prev := s.highLoad
	s.highLoad = high
	s.mu.Unlock()

	switch {
	case high && !prev:
		s.logger.Warn("registry under high load",
			zap.Int("active", count),
			zap.Int("max_active", s.limits.MaxActive),
			zap.Float64("percentage", pct),
		)
	case !high && prev:
		s.logger.Info("registry load back to normal", zap.Int("active", count))
	}
	if s.deps.Observer != nil {
		s.deps.Observer.SetHighLoad(high)
	}
}

// HighLoad reports the result of the latest high-load check.
func (s *Sweeper) HighLoad() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highLoad
}

// LastReport returns the latest sweep report and when it ran.
func (s *Sweeper) LastReport() (SweepReport, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport, s.lastSweep
}
