package syncloop

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/issue-hub/issue-hub/internal/queue"
)

// maxBackoffSteps 限制指数计算的迭代次数，超过后必然已封顶到 Max。
const maxBackoffSteps = 64

// RetryPolicy 决定失败提交何时再次参与周期同步，以及何时暂停自动重试。
type RetryPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int // 0 表示不限次数
}

// Delay 返回第 attempts 次失败后的等待时间：Initial 起按 2 倍递增，封顶 Max，无抖动。
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts <= 0 || p.Initial <= 0 {
		return 0
	}
	maxInterval := p.Max
	if maxInterval < p.Initial {
		maxInterval = p.Initial
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxInterval,
	}
	b.Reset()

	if attempts > maxBackoffSteps {
		attempts = maxBackoffSteps
	}
	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Eligible 判断提交当前是否可以被周期同步尝试。
func (p RetryPolicy) Eligible(sub queue.Submission, now time.Time) bool {
	if sub.Parked() {
		return false
	}
	if sub.LastSyncAttempt == nil {
		return true
	}
	return !now.Before(sub.LastSyncAttempt.Add(p.Delay(sub.SyncAttempts)))
}

// Exhausted 判断提交是否已达到最大尝试次数。
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
