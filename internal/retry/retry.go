// Package retry provides the bounded retry strategy used for control signals
// (pause/stop escalation) and other best-effort side effects.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// ErrNotAccepted is recorded when an attempt returns false without an error.
var ErrNotAccepted = errors.New("attempt reported failure")

// Policy 定义重试策略配置
type Policy struct {
	MaxRetries   int                          // 初始尝试之外的最大重试次数（0 表示不重试）
	InitialDelay time.Duration                // 首次重试前的延迟（0 表示立即重试）
	MaxDelay     time.Duration                // 最大延迟时间
	Multiplier   float64                      // 延迟倍增因子（指数退避）
	Jitter       bool                         // 是否添加 ±25% 随机抖动
	OnRetry      func(attempt int, err error) // 每次重试前的回调
}

// Action is one attempt. It reports whether the attempt succeeded; an error
// always counts as a failed attempt.
type Action func(ctx context.Context, attempt int) (bool, error)

// Outcome summarizes a Do call.
type Outcome struct {
	Succeeded bool
	Attempts  int
	LastErr   error
}

// Do runs action up to 1+MaxRetries times, stopping at the first success.
// Errors and panics from attempts are caught and logged; Do never panics.
func Do(ctx context.Context, policy Policy, action Action, logger *zap.Logger) Outcome {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}

	var out Outcome
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if policy.OnRetry != nil {
				policy.OnRetry(attempt, out.LastErr)
			}
			if delay := policy.delay(attempt); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					out.LastErr = fmt.Errorf("retry cancelled: %w", ctx.Err())
					return out
				case <-timer.C:
				}
			}
		}
		if err := ctx.Err(); err != nil {
			out.LastErr = fmt.Errorf("retry cancelled: %w", err)
			return out
		}

		out.Attempts++
		ok, err := safeAttempt(ctx, action, attempt)
		if err == nil && ok {
			out.Succeeded = true
			out.LastErr = nil
			return out
		}
		if err == nil {
			err = ErrNotAccepted
		}
		out.LastErr = err
		logger.Warn("attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", policy.MaxRetries+1),
			zap.Error(err),
		)
	}
	return out
}

func safeAttempt(ctx context.Context, action Action, attempt int) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("attempt panicked: %v", r)
		}
	}()
	return action(ctx, attempt)
}

// delay 计算第 attempt 次重试前的等待时间（指数退避 + 可选抖动）
func (p Policy) delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d += (rand.Float64()*2 - 1) * d * 0.25
	}
	if d < float64(p.InitialDelay) {
		d = float64(p.InitialDelay)
	}
	return time.Duration(d)
}
