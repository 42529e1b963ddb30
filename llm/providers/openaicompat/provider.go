// =============================================================================
// MultiQuery OpenAI-Compatible Adapter
// =============================================================================
// Shared adapter for every upstream that speaks the OpenAI chat-completions
// streaming protocol (OpenAI, DeepSeek, Qwen, Grok, ...). Upstreams differ
// only in Name, BaseURL, default model and headers.
// =============================================================================

package openaicompat

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

// Config holds the configuration for an OpenAI-compatible upstream.
type Config struct {
	providers.BaseProviderConfig `yaml:",inline"`

	// ProviderName is the provider ID this adapter is registered under (e.g., "openai", "deepseek").
	ProviderName string

	// FallbackModel is used when both request and Model are empty.
	FallbackModel string

	// EndpointPath is the chat completions endpoint path. Defaults to "/v1/chat/completions".
	EndpointPath string

	// BuildHeaders is an optional function to set custom headers on each request.
	// If nil, the default "Authorization: Bearer <apiKey>" header is used.
	BuildHeaders func(req *http.Request, apiKey string)
}

// Provider is the adapter implementation shared by all OpenAI-compatible upstreams.
type Provider struct {
	Cfg    Config
	Client *http.Client
	Logger *zap.Logger
}

// New creates a new OpenAI-compatible adapter with the given config.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.HeaderTimeout == 0 {
		cfg.HeaderTimeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:    cfg,
		Client: tlsutil.StreamingHTTPClient(cfg.Upstream()),
		Logger: logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

// Name returns the provider ID.
func (p *Provider) Name() string { return p.Cfg.ProviderName }

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	if p.Cfg.BuildHeaders != nil {
		p.Cfg.BuildHeaders(req, apiKey)
		return
	}
	providers.BearerTokenHeaders(req, apiKey)
}

func (p *Provider) endpoint() string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.Cfg.BaseURL, "/"), p.Cfg.EndpointPath)
}

// Stream performs a streaming chat completion via SSE.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	model := providers.ChooseModel(req, p.Cfg.Model, p.Cfg.FallbackModel)

	body := providers.OpenAICompatRequest{
		Model:         model,
		Messages:      providers.ConvertMessagesToOpenAI(req.Messages),
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &providers.OpenAICompatStreamOptions{IncludeUsage: true},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.Cfg.APIKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, providers.MapTransportError(ctx, err, p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, providers.MapResponseError(resp, p.Name())
	}

	w := providers.NewStreamWriter(ctx, p.Name(), model, p.Cfg.Threshold(), p.Logger)
	go func() {
		defer resp.Body.Close()
		w.Close(decodeSSE(providers.NewSSEDecoder(resp.Body), w))
	}()
	return w.C(), nil
}

// decodeSSE 逐帧解析 OpenAI 兼容的 SSE 流，返回读取结束时的错误。
func decodeSSE(dec *providers.SSEDecoder, w *providers.StreamWriter) error {
	for !w.Stopped() {
		ev, err := dec.Next()
		if err != nil {
			return err
		}
		data := strings.TrimSpace(ev.Data)
		if data == "" {
			continue
		}
		if data == providers.DoneMarker {
			w.MarkDone()
			return nil
		}

		var frame providers.OpenAICompatResponse
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			if !w.Malformed(data, err) {
				return nil
			}
			continue
		}

		if frame.Error != nil {
			w.Fail(mapStreamError(frame.Error.Type, frame.Error.Message))
			return nil
		}
		if frame.Usage != nil {
			w.SetUsage(llm.ChatUsage{
				PromptTokens:     frame.Usage.PromptTokens,
				CompletionTokens: frame.Usage.CompletionTokens,
				TotalTokens:      frame.Usage.TotalTokens,
			})
		}
		if len(frame.Choices) == 0 {
			w.WellFormed()
			continue
		}
		for _, choice := range frame.Choices {
			if choice.Index != 0 {
				continue
			}
			text := ""
			if choice.Delta != nil {
				text = choice.Delta.Content
			}
			if !w.Delta(frame.ID, text) {
				return nil
			}
			w.SetFinishReason(choice.FinishReason)
		}
	}
	return nil
}

// mapStreamError 映射流中途下发的错误帧（HTTP 状态已经是 200）。
func mapStreamError(errType, msg string) *llm.Error {
	switch {
	case strings.Contains(errType, "rate_limit"):
		return types.NewError(types.ErrRateLimited, msg).WithHTTPStatus(http.StatusTooManyRequests).WithRetryable(true)
	case strings.Contains(errType, "invalid_request"):
		return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(http.StatusBadRequest)
	default:
		return types.NewError(types.ErrServerError, msg).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	}
}
