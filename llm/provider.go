package llm

import (
	"context"
	"strings"

	"github.com/BaSui01/multiquery/types"
)

// Error 是上游错误的统一表示，与 types.Error 共享错误码体系。
type Error = types.Error

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
}

// ChatRequest 是发往任意上游的规范化请求。
// MaxTokens 必须已经按模型上限裁剪过（见 ClampMaxTokens）。
type ChatRequest struct {
	TraceID   string    `json:"trace_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// FinishReason 归一化后的结束原因。
type FinishReason string

const (
	FinishStop   FinishReason = "stop"   // 正常结束
	FinishLength FinishReason = "length" // 命中输出上限，结果被截断
)

// NormalizeFinishReason 把各家上游的结束原因映射为 stop / length。
// 空字符串表示尚未结束。
func NormalizeFinishReason(raw string) FinishReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return ""
	case "length", "max_tokens", "max_output_tokens":
		return FinishLength
	default:
		return FinishStop
	}
}

// StreamChunk 是规范化的流式增量。
// FinishReason 非空的 chunk 是该次尝试的终止帧；Err 非空同样终止流。
type StreamChunk struct {
	ID           string       `json:"id,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Model        string       `json:"model,omitempty"`
	Delta        Message      `json:"delta"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        *ChatUsage   `json:"usage,omitempty"` // 最终 chunk 可带 usage
	Err          *Error       `json:"error,omitempty"`
}

// Provider 是协议适配器：把规范化请求翻译成某一家上游的线协议，
// 并把上游的流式响应解码为有序的 StreamChunk。
//
// Stream 在建立连接阶段失败时直接返回 error；连接建立后的失败通过
// 最后一个带 Err 的 chunk 传递。返回的 channel 总会被关闭。
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}
