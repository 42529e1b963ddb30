// Package ratelimit 按 provider/model 限制发往上游的请求速率（RPM）。
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/multiquery/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type key struct {
	provider string
	model    string
}

type entry struct {
	limiter *rate.Limiter
	rpm     int
}

// Limiters 进程级的令牌桶集合，键为 provider/model。
// RPM 来自模型配置，配置变化时就地调整速率。
type Limiters struct {
	mu       sync.Mutex
	limiters map[key]*entry
	logger   *zap.Logger
}

// New creates an empty limiter set.
func New(logger *zap.Logger) *Limiters {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiters{
		limiters: make(map[key]*entry),
		logger:   logger.With(zap.String("component", "ratelimit")),
	}
}

// burstFor 每分钟请求数折算出的突发容量，至少为 1。
func burstFor(rpm int) int {
	return max(1, rpm/60)
}

func (l *Limiters) get(provider, model string, rpm int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{provider: provider, model: model}
	e, ok := l.limiters[k]
	if !ok {
		e = &entry{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), burstFor(rpm)),
			rpm:     rpm,
		}
		l.limiters[k] = e
		return e.limiter
	}
	if e.rpm != rpm {
		l.logger.Debug("调整上游速率",
			zap.String("provider", provider),
			zap.String("model", model),
			zap.Int("from_rpm", e.rpm),
			zap.Int("to_rpm", rpm))
		e.limiter.SetLimit(rate.Every(time.Minute / time.Duration(rpm)))
		e.limiter.SetBurst(burstFor(rpm))
		e.rpm = rpm
	}
	return e.limiter
}

// Wait 阻塞直到获得一个令牌。rpm <= 0 表示不限速。
// 等待超过 context 截止时间或被取消时返回错误。
func (l *Limiters) Wait(ctx context.Context, provider, model string, rpm int) error {
	if rpm <= 0 {
		return nil
	}
	if err := l.get(provider, model, rpm).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return types.NewError(types.ErrCancelled, "rate limit wait cancelled").WithCause(ctx.Err()).WithProvider(provider)
		}
		return types.NewError(types.ErrRateLimited,
			fmt.Sprintf("local rate limit of %d rpm for %s/%s", rpm, provider, model)).
			WithCause(err).WithHTTPStatus(http.StatusTooManyRequests).WithRetryable(true).WithProvider(provider)
	}
	return nil
}

// Len returns the number of tracked provider/model pairs.
func (l *Limiters) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
