package outbox

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy 瞬时失败的重试策略。
// 第 n 次重试的等待时间为 min(BaseDelay * 2^(n-1), MaxDelay)。
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy 与配置默认值一致
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Minute,
		MaxDelay:   30 * time.Minute,
	}
}

// Validate 检查参数
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries 不能为负数: %d", p.MaxRetries)
	}
	if p.BaseDelay <= 0 || p.MaxDelay <= 0 {
		return fmt.Errorf("退避时间必须为正数 (base=%s, max=%s)", p.BaseDelay, p.MaxDelay)
	}
	if p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("base delay %s 大于 max delay %s", p.BaseDelay, p.MaxDelay)
	}
	return nil
}

// Backoff 返回第 n 次重试 (n >= 1) 之前的等待时间
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// decision 一次瞬时失败之后的处理
type decision struct {
	terminal      bool
	retryCount    int
	nextAttemptAt time.Time
}

// onTransient 根据已存的重试次数决定是安排重试还是标记失败。
// 重试次数只增不减，上限调低后已超出的计数保持原值。
func (p RetryPolicy) onTransient(storedRetryCount int, now time.Time) decision {
	if storedRetryCount >= p.MaxRetries {
		return decision{terminal: true, retryCount: max(storedRetryCount, p.MaxRetries)}
	}
	next := storedRetryCount + 1
	return decision{retryCount: next, nextAttemptAt: now.Add(p.Backoff(next))}
}
