package retry

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/multiquery/types"
)

// Classification 错误分类结果
type Classification struct {
	Code        types.ErrorCode
	Retryable   bool
	RateLimited bool
	RetryAfter  time.Duration
}

// transient 可重试的错误码；其余一律视为终态
var transient = map[types.ErrorCode]bool{
	types.ErrRateLimited: true,
	types.ErrServerError: true,
	types.ErrTimeout:     true,
}

// Classify 把任意错误归入错误码体系。
// 认证/授权、非法请求、持续坏流、冷却中、预检拦截都是终态；
// 限流、上游 5xx、空闲超时可重试。
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	if e, ok := types.AsError(err); ok {
		return Classification{
			Code:        e.Code,
			Retryable:   transient[e.Code],
			RateLimited: e.Code == types.ErrRateLimited,
			RetryAfter:  e.RetryAfter,
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Classification{Code: types.ErrCancelled}
	case errors.Is(err, context.DeadlineExceeded):
		return Classification{Code: types.ErrTimeout, Retryable: true}
	default:
		return Classification{Code: types.ErrInternalError}
	}
}
