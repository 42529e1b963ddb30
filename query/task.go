package query

import (
	"strings"
	"time"

	"github.com/BaSui01/multiquery/llm"
	"github.com/BaSui01/multiquery/llm/billing"
	"github.com/BaSui01/multiquery/llm/modelconfig"
	"github.com/BaSui01/multiquery/types"
)

// Summary 单个引擎的最终结果
type Summary struct {
	TaskID     string    `json:"task_id"`
	ProviderID string    `json:"provider"`
	ModelID    string    `json:"model"`
	State      TaskState `json:"state"`
	Content    string    `json:"content"`

	TokensIn       int   `json:"tokens_in"`
	TokensOut      int   `json:"tokens_out"`
	UsageEstimated bool  `json:"usage_estimated,omitempty"`
	Cost           int64 `json:"cost"`
	Charged        bool  `json:"charged"`
	Shortfall      bool  `json:"shortfall,omitempty"`

	Truncated          bool `json:"truncated,omitempty"`
	Clamped            bool `json:"clamped,omitempty"`
	RequestedMaxTokens int  `json:"requested_max_tokens,omitempty"`
	EffectiveMaxTokens int  `json:"effective_max_tokens,omitempty"`

	Attempts     int                `json:"attempts"`
	ConfigSource modelconfig.Source `json:"config_source,omitempty"`
	Error        *types.Error       `json:"error,omitempty"`
	Duration     time.Duration      `json:"duration_ns"`
}

// EngineTask 一个引擎的执行状态，只由运行它的 goroutine 读写
type EngineTask struct {
	ID        string
	Selection EngineSelection

	State   TaskState
	Attempt int
	Output  strings.Builder

	TokensIn       int
	TokensOut      int
	UsageEstimated bool
	Cost           int64
	Truncated      bool

	RequestedMaxTokens int
	EffectiveMaxTokens int
	Clamped            bool

	LastError *types.Error
	Charge    *billing.ChargeResult

	config   *modelconfig.ProviderModelConfig
	source   modelconfig.Source
	provider llm.Provider
	usage    *llm.ChatUsage

	startedAt  time.Time
	finishedAt time.Time
}

func newTask(id string, sel EngineSelection) *EngineTask {
	return &EngineTask{
		ID:                 id,
		Selection:          sel,
		State:              StatePending,
		RequestedMaxTokens: sel.MaxOutputTokens,
	}
}

// resetAttempt 丢弃上一次尝试的输出
func (t *EngineTask) resetAttempt(attempt int) {
	t.Attempt = attempt
	t.Output.Reset()
	t.usage = nil
	t.Truncated = false
}

// Summary 生成结果快照
func (t *EngineTask) Summary() Summary {
	s := Summary{
		TaskID:             t.ID,
		ProviderID:         t.Selection.ProviderID,
		ModelID:            t.Selection.ModelID,
		State:              t.State,
		Content:            t.Output.String(),
		TokensIn:           t.TokensIn,
		TokensOut:          t.TokensOut,
		UsageEstimated:     t.UsageEstimated,
		Cost:               t.Cost,
		Truncated:          t.Truncated,
		Clamped:            t.Clamped,
		RequestedMaxTokens: t.RequestedMaxTokens,
		EffectiveMaxTokens: t.EffectiveMaxTokens,
		ConfigSource:       t.source,
		Error:              t.LastError,
	}
	if t.State != StateBlocked {
		s.Attempts = t.Attempt + 1
	}
	if t.Charge != nil {
		switch t.Charge.Status {
		case billing.StatusCharged, billing.StatusAlreadyCharged:
			s.Charged = true
		case billing.StatusShortfall:
			s.Shortfall = true
		}
	}
	if !t.startedAt.IsZero() && !t.finishedAt.IsZero() {
		s.Duration = t.finishedAt.Sub(t.startedAt)
	}
	return s
}
