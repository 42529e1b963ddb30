package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/multiquery/types"
)

// EngineSelection 用户选择的一个引擎
type EngineSelection struct {
	ProviderID      string `json:"provider"`
	ModelID         string `json:"model"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
}

func (s EngineSelection) String() string {
	return s.ProviderID + "/" + s.ModelID
}

// Request 一次多引擎查询。
// 所有任务进入终态且结果被消费后即可丢弃。
type Request struct {
	ID        string            `json:"id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Prompt    string            `json:"prompt"`
	Engines   []EngineSelection `json:"engines"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// MaxEngines 单次查询允许的引擎数上限
const MaxEngines = 16

// Validate 检查请求是否可以分发
func (r *Request) Validate() error {
	if r == nil {
		return types.NewError(types.ErrInvalidRequest, "request is required")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return types.NewError(types.ErrInvalidRequest, "prompt must not be empty")
	}
	if r.UserID == "" {
		return types.NewError(types.ErrInvalidRequest, "user id is required")
	}
	if len(r.Engines) == 0 {
		return types.NewError(types.ErrInvalidRequest, "at least one engine must be selected")
	}
	if len(r.Engines) > MaxEngines {
		return types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("too many engines: %d (max %d)", len(r.Engines), MaxEngines))
	}
	for i, e := range r.Engines {
		if e.ProviderID == "" || e.ModelID == "" {
			return types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("engines[%d]: provider and model are required", i))
		}
		if e.MaxOutputTokens < 0 {
			return types.NewError(types.ErrInvalidRequest,
				fmt.Sprintf("engines[%d]: max_output_tokens must not be negative", i))
		}
	}
	return nil
}

// TaskState 引擎任务状态
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateStreaming TaskState = "streaming"
	StateRetrying  TaskState = "retrying"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateBlocked   TaskState = "blocked"
	// StateCancelled 调用方取消时尚未完成的任务，保留部分内容但不计费
	StateCancelled TaskState = "cancelled"
)

// IsTerminal 报告是否为终态
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateBlocked, StateCancelled:
		return true
	}
	return false
}
