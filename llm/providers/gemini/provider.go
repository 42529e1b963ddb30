package gemini

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

// GeminiProvider Google Gemini 协议适配器
// 协议特点：
//  1. 使用 x-goog-api-key 请求头认证
//  2. 模型名在 URL 路径中
//  3. 流式响应为逐行输出的 JSON 对象，没有独立的终止标记，
//     候选项带 finishReason 即视为结束
type GeminiProvider struct {
	cfg    providers.GeminiConfig
	client *http.Client
	logger *zap.Logger
}

// NewGeminiProvider 创建 Gemini 适配器
func NewGeminiProvider(cfg providers.GeminiConfig, logger *zap.Logger) *GeminiProvider {
	if cfg.HeaderTimeout == 0 {
		cfg.HeaderTimeout = 30 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiProvider{
		cfg:    cfg,
		client: tlsutil.StreamingHTTPClient(cfg.Upstream()),
		logger: logger.With(zap.String("provider", "gemini")),
	}
}

func (p *GeminiProvider) Name() string { return "gemini" }

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // user, model
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
	Error         *geminiError         `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (p *GeminiProvider) buildHeaders(req *http.Request) {
	// Gemini 使用 x-goog-api-key 认证
	req.Header.Set("x-goog-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

// convertToGeminiContents 将统一格式转换为 Gemini 格式
func convertToGeminiContents(msgs []llm.Message) (*geminiContent, []geminiContent) {
	var systemInstruction *geminiContent
	contents := make([]geminiContent, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if systemInstruction == nil {
				systemInstruction = &geminiContent{}
			}
			systemInstruction.Parts = append(systemInstruction.Parts, geminiPart{Text: m.Content})
		case llm.RoleAssistant:
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return systemInstruction, contents
}

// Stream 发起流式请求。
func (p *GeminiProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	systemInstruction, contents := convertToGeminiContents(req.Messages)
	body := geminiRequest{Contents: contents, SystemInstruction: systemInstruction}
	if req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	model := providers.ChooseModel(req, p.cfg.Model, "gemini-2.5-flash")
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent", strings.TrimRight(p.cfg.BaseURL, "/"), model)

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
		w.Close(decodeLines(providers.NewLineDecoder(resp.Body), w))
	}()
	return w.C(), nil
}

func decodeLines(dec *providers.LineDecoder, w *providers.StreamWriter) error {
	for !w.Stopped() {
		line, err := dec.Next()
		if err != nil {
			return err
		}

		var resp geminiResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			if !w.Malformed(string(line), err) {
				return nil
			}
			continue
		}
		if resp.Error != nil {
			w.Fail(mapStreamError(resp.Error))
			return nil
		}
		if resp.UsageMetadata != nil {
			w.SetUsage(llm.ChatUsage{
				PromptTokens:     resp.UsageMetadata.PromptTokenCount,
				CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      resp.UsageMetadata.TotalTokenCount,
			})
		}
		if len(resp.Candidates) == 0 {
			w.WellFormed()
			continue
		}

		for _, candidate := range resp.Candidates {
			if candidate.Index != 0 {
				continue
			}
			var sb strings.Builder
			for _, part := range candidate.Content.Parts {
				sb.WriteString(part.Text)
			}
			if !w.Delta(resp.ResponseID, sb.String()) {
				return nil
			}
			if candidate.FinishReason != "" && candidate.FinishReason != "FINISH_REASON_UNSPECIFIED" {
				w.SetFinishReason(candidate.FinishReason)
			}
		}
	}
	return nil
}

// mapStreamError 映射流中途下发的错误对象，优先使用 HTTP 码，其次是 google.rpc 状态名。
func mapStreamError(e *geminiError) *llm.Error {
	if e.Code > 0 {
		return providers.MapHTTPError(e.Code, e.Message, "gemini")
	}
	switch e.Status {
	case "UNAUTHENTICATED":
		return types.NewError(types.ErrAuthentication, e.Message).WithHTTPStatus(http.StatusUnauthorized)
	case "PERMISSION_DENIED":
		return types.NewError(types.ErrAuthorization, e.Message).WithHTTPStatus(http.StatusForbidden)
	case "RESOURCE_EXHAUSTED":
		return types.NewError(types.ErrRateLimited, e.Message).WithHTTPStatus(http.StatusTooManyRequests).WithRetryable(true)
	case "DEADLINE_EXCEEDED":
		return types.NewError(types.ErrTimeout, e.Message).WithHTTPStatus(http.StatusGatewayTimeout).WithRetryable(true)
	case "INVALID_ARGUMENT", "NOT_FOUND", "FAILED_PRECONDITION":
		return types.NewError(types.ErrInvalidRequest, e.Message).WithHTTPStatus(http.StatusBadRequest)
	default:
		return types.NewError(types.ErrServerError, e.Message).WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	}
}
