package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/multiquery/internal/tlsutil"
	"github.com/BaSui01/multiquery/llm"
	"github.com/BaSui01/multiquery/llm/providers"
	"github.com/BaSui01/multiquery/types"
	"go.uber.org/zap"
)

const (
	defaultBaseURL    = "https://api.anthropic.com"
	defaultAPIVersion = "2023-06-01"
	defaultModel      = "claude-sonnet-4-5"
	// Messages API 要求 max_tokens 必填
	defaultMaxTokens = 4096
)

// ClaudeProvider Anthropic Messages API 协议适配器
// 协议特点：
// 1. 使用 x-api-key 请求头认证
// 2. system 消息单独传递
// 3. 流式事件带 event 名，终止标记为 message_stop
type ClaudeProvider struct {
	cfg    providers.ClaudeConfig
	client *http.Client
	logger *zap.Logger
}

// NewClaudeProvider 创建 Claude 适配器
func NewClaudeProvider(cfg providers.ClaudeConfig, logger *zap.Logger) *ClaudeProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.HeaderTimeout == 0 {
		cfg.HeaderTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaudeProvider{
		cfg:    cfg,
		client: tlsutil.StreamingHTTPClient(cfg.Upstream()),
		logger: logger.With(zap.String("provider", "claude")),
	}
}

func (p *ClaudeProvider) Name() string { return "claude" }

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model     string          `json:"model"`
	Messages  []claudeMessage `json:"messages"`
	System    string          `json:"system,omitempty"`
	MaxTokens int             `json:"max_tokens"`
	Stream    bool            `json:"stream"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// 流式响应的事件类型
type claudeStreamEvent struct {
	Type    string              `json:"type"` // message_start, content_block_delta, message_delta, message_stop, ping, error ...
	Index   int                 `json:"index,omitempty"`
	Delta   *claudeDelta        `json:"delta,omitempty"`
	Message *claudeMessageStart `json:"message,omitempty"`
	Usage   *claudeUsage        `json:"usage,omitempty"`
	Error   *claudeStreamError  `json:"error,omitempty"`
}

type claudeMessageStart struct {
	ID    string       `json:"id"`
	Model string       `json:"model"`
	Usage *claudeUsage `json:"usage,omitempty"`
}

type claudeStreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type claudeDelta struct {
	Type       string `json:"type"` // text_delta, input_json_delta
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

func (p *ClaudeProvider) buildHeaders(req *http.Request) {
	// Claude 使用 x-api-key 认证
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", p.cfg.APIVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
}

func convertMessages(msgs []llm.Message) (string, []claudeMessage) {
	var system []string
	out := make([]claudeMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		out = append(out, claudeMessage{Role: string(m.Role), Content: m.Content})
	}
	return strings.Join(system, "\n\n"), out
}

// Stream 发起流式请求。
func (p *ClaudeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	model := providers.ChooseModel(req, p.cfg.Model, defaultModel)
	system, messages := convertMessages(req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload, err := json.Marshal(claudeRequest{
		Model:     model,
		Messages:  messages,
		System:    system,
		MaxTokens: maxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.MapTransportError(ctx, err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, providers.MapResponseError(resp, p.Name())
	}

	w := providers.NewStreamWriter(ctx, p.Name(), model, p.cfg.Threshold(), p.logger)
	go func() {
		defer resp.Body.Close()
		w.Close(decodeEvents(providers.NewSSEDecoder(resp.Body), w))
	}()
	return w.C(), nil
}

func decodeEvents(dec *providers.SSEDecoder, w *providers.StreamWriter) error {
	var messageID string
	for !w.Stopped() {
		ev, err := dec.Next()
		if err != nil {
			return err
		}
		if strings.TrimSpace(ev.Data) == "" {
			continue
		}

		var event claudeStreamEvent
		if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
			if !w.Malformed(ev.Data, err) {
				return nil
			}
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				messageID = event.Message.ID
				if event.Message.Usage != nil {
					w.SetUsage(llm.ChatUsage{PromptTokens: event.Message.Usage.InputTokens})
				}
			}
			w.WellFormed()

		case "content_block_delta":
			text := ""
			if event.Delta != nil && event.Delta.Type == "text_delta" {
				text = event.Delta.Text
			}
			if !w.Delta(messageID, text) {
				return nil
			}

		case "message_delta":
			if event.Delta != nil {
				w.SetFinishReason(event.Delta.StopReason)
			}
			if event.Usage != nil {
				w.SetUsage(llm.ChatUsage{
					PromptTokens:     event.Usage.InputTokens,
					CompletionTokens: event.Usage.OutputTokens,
				})
			}
			w.WellFormed()

		case "message_stop":
			w.MarkDone()
			return nil

		case "error":
			if event.Error != nil {
				w.Fail(mapStreamError(event.Error.Type, event.Error.Message))
				return nil
			}
			w.WellFormed()

		default:
			// ping / content_block_start / content_block_stop
			w.WellFormed()
		}
	}
	return nil
}

// mapStreamError 映射 SSE error 事件中的错误类型。
func mapStreamError(errType, msg string) *llm.Error {
	switch errType {
	case "authentication_error":
		return types.NewError(types.ErrAuthentication, msg).WithHTTPStatus(http.StatusUnauthorized)
	case "permission_error":
		return types.NewError(types.ErrAuthorization, msg).WithHTTPStatus(http.StatusForbidden)
	case "rate_limit_error":
		return types.NewError(types.ErrRateLimited, msg).WithHTTPStatus(http.StatusTooManyRequests).WithRetryable(true)
	case "invalid_request_error", "not_found_error", "request_too_large":
		return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(http.StatusBadRequest)
	default:
		// overloaded_error / api_error
		return types.NewError(types.ErrServerError, msg).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	}
}
