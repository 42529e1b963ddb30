package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy 定义重试策略配置
// delay(n) = min(MaxDelay, InitialDelay × Multiplier^n)，n 为已重试次数
type RetryPolicy struct {
	// MaxRetries 首次尝试之后的最大重试次数，0 表示不重试。
	// 总调用次数为 MaxRetries+1：默认 4 即最多 5 次调用，
	// 重试前依次等待 1s、2s、4s、8s。模型配置里的 RetryCount 语义相同，会覆盖此值。
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"` // 初始延迟时间
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`         // 最大延迟时间
	Multiplier   float64       `yaml:"multiplier" env:"MULTIPLIER"`       // 延迟时间倍增因子（指数退避）
	Jitter       bool          `yaml:"jitter" env:"JITTER"`               // 是否添加 ±25% 随机抖动
}

// DefaultRetryPolicy 返回默认的重试策略：1s 起步、翻倍、32s 封顶、最多重试 4 次
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   4,
		InitialDelay: 1 * time.Second,
		MaxDelay:     32 * time.Second,
		Multiplier:   2.0,
	}
}

// Normalize 修正非法参数，返回可直接使用的副本。
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 32 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// NewBackOff 按策略构造退避序列。关闭抖动时序列是确定的。
func (p RetryPolicy) NewBackOff() *backoff.ExponentialBackOff {
	p = p.Normalize()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	if p.Jitter {
		b.RandomizationFactor = 0.25
	}
	b.Reset()
	return b
}

// Delays 返回不含抖动的完整退避序列，长度为 MaxRetries。
func (p RetryPolicy) Delays() []time.Duration {
	p = p.Normalize()
	p.Jitter = false
	b := p.NewBackOff()
	out := make([]time.Duration, 0, p.MaxRetries)
	for i := 0; i < p.MaxRetries; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// SleepFunc 等待 d，context 取消时提前返回错误。
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep 是默认的 SleepFunc。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
