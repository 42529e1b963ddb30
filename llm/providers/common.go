package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/multiquery/llm"
	"github.com/BaSui01/multiquery/types"
)

// MapHTTPError 将 HTTP 状态码映射为带有合适重试标记的 llm.Error
// 这是所有适配器使用的通用错误映射函数
func MapHTTPError(status int, msg string, provider string) *llm.Error {
	switch {
	case status == http.StatusUnauthorized:
		return types.NewError(types.ErrAuthentication, msg).WithHTTPStatus(status).WithProvider(provider)
	case status == http.StatusForbidden:
		return types.NewError(types.ErrAuthorization, msg).WithHTTPStatus(status).WithProvider(provider)
	case status == http.StatusTooManyRequests:
		// 账户额度耗尽同样返回 429，但重试无济于事
		if strings.Contains(strings.ToLower(msg), "insufficient_quota") {
			return types.NewError(types.ErrAuthorization, msg).WithHTTPStatus(status).WithProvider(provider)
		}
		return types.NewError(types.ErrRateLimited, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case status == http.StatusRequestTimeout:
		return types.NewError(types.ErrTimeout, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case status >= 500:
		// 含 529 overloaded
		return types.NewError(types.ErrServerError, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	default:
		return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(status).WithProvider(provider)
	}
}

// MapResponseError 读取错误响应体并映射，同时带上 Retry-After 提示。
func MapResponseError(resp *http.Response, provider string) *llm.Error {
	msg := ReadErrorMessage(resp.Body)
	e := MapHTTPError(resp.StatusCode, msg, provider)
	if d := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); d > 0 {
		e.WithRetryAfter(d)
	}
	return e
}

// MapTransportError 映射连接建立或读取阶段的网络错误。
// 调用方取消不是上游故障，单独归类为 CANCELLED。
func MapTransportError(ctx context.Context, err error, provider string) *llm.Error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrCancelled, "request cancelled").WithCause(err).WithProvider(provider)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return types.NewError(types.ErrTimeout, "upstream timed out").
			WithCause(err).WithHTTPStatus(http.StatusGatewayTimeout).WithRetryable(true).WithProvider(provider)
	}
	return types.NewError(types.ErrServerError, "upstream connection failed").
		WithCause(err).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true).WithProvider(provider)
}

// ParseRetryAfter 解析 Retry-After 头，支持秒数与 HTTP 日期两种格式。
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// ReadErrorMessage 读取响应体中的错误消息
// 尝试解析 JSON 错误响应，失败则回退到原始文本
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}

	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}

	return strings.TrimSpace(string(data))
}

// ChooseModel 选择请求模型：请求 > 默认 > 兜底。
func ChooseModel(req *llm.ChatRequest, defaultModel, fallbackModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if defaultModel != "" {
		return defaultModel
	}
	return fallbackModel
}

// BearerTokenHeaders 设置 Bearer 鉴权与 JSON 内容类型。
func BearerTokenHeaders(r *http.Request, apiKey string) {
	r.Header.Set("Authorization", "Bearer "+apiKey)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "text/event-stream")
}

// OpenAI 兼容 API 通用类型
// 这些类型被 OpenAI、DeepSeek、Qwen、Grok 等兼容 OpenAI 的上游共用.

// OpenAICompatMessage 表示 OpenAI 兼容的消息格式.
type OpenAICompatMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// OpenAICompatStreamOptions 要求上游在流末尾附带用量.
type OpenAICompatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// OpenAICompatRequest 表示 OpenAI 兼容的聊天完成请求.
type OpenAICompatRequest struct {
	Model         string                     `json:"model"`
	Messages      []OpenAICompatMessage      `json:"messages"`
	MaxTokens     int                        `json:"max_tokens,omitempty"`
	Stream        bool                       `json:"stream,omitempty"`
	StreamOptions *OpenAICompatStreamOptions `json:"stream_options,omitempty"`
}

// OpenAICompatChoice 表示 OpenAI 兼容响应中的单个选项.
type OpenAICompatChoice struct {
	Index        int                  `json:"index"`
	FinishReason string               `json:"finish_reason"`
	Delta        *OpenAICompatMessage `json:"delta,omitempty"`
}

// OpenAICompatUsage 表示 OpenAI 兼容响应中的 token 用量.
type OpenAICompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAICompatResponse 表示 OpenAI 兼容的流式响应帧.
type OpenAICompatResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []OpenAICompatChoice `json:"choices"`
	Usage   *OpenAICompatUsage   `json:"usage,omitempty"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// ConvertMessagesToOpenAI 将 llm.Message 切片转换为 OpenAI 兼容格式.
func ConvertMessagesToOpenAI(msgs []llm.Message) []OpenAICompatMessage {
	out := make([]OpenAICompatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, OpenAICompatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
