// Package factory builds the adapter registry from configuration. It imports
// every adapter sub-package and maps configured entries to their
// constructors, so the llm package itself stays free of adapter imports.
package factory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/multiquery/llm"
	"github.com/BaSui01/multiquery/llm/providers"
	claude "github.com/BaSui01/multiquery/llm/providers/anthropic"
	"github.com/BaSui01/multiquery/llm/providers/gemini"
	"github.com/BaSui01/multiquery/llm/providers/openaicompat"
	"go.uber.org/zap"
)

// Adapter protocol families.
const (
	TypeOpenAICompat = "openai-compatible"
	TypeAnthropic    = "anthropic"
	TypeGemini       = "gemini"
)

// ProviderConfig is one entry of the providers section.
type ProviderConfig struct {
	// ID is the provider id engines refer to (e.g. "openai", "deepseek").
	ID string `json:"id" yaml:"id"`
	// Type selects the adapter. Empty means: a known preset if ID names one,
	// otherwise openai-compatible.
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	APIKey string `json:"-" yaml:"api_key,omitempty"`
	// APIKeyEnv names an environment variable holding the key.
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`

	BaseURL       string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model         string        `json:"model,omitempty" yaml:"model,omitempty"`
	EndpointPath  string        `json:"endpoint_path,omitempty" yaml:"endpoint_path,omitempty"`
	APIVersion    string        `json:"api_version,omitempty" yaml:"api_version,omitempty"`
	HeaderTimeout time.Duration `json:"header_timeout,omitempty" yaml:"header_timeout,omitempty"`

	MalformedThreshold int `json:"malformed_threshold,omitempty" yaml:"malformed_threshold,omitempty"`

	MaxConnections  int           `json:"max_connections,omitempty" yaml:"max_connections,omitempty"`
	IdleConnTimeout time.Duration `json:"idle_conn_timeout,omitempty" yaml:"idle_conn_timeout,omitempty"`
}

// preset describes a vendor that speaks one of the supported protocols.
type preset struct {
	Type          string
	BaseURL       string
	EndpointPath  string
	FallbackModel string
}

// presets maps well-known provider ids to their endpoints. Every
// OpenAI-style vendor is served by the shared openaicompat adapter.
var presets = map[string]preset{
	"openai":     {Type: TypeOpenAICompat, BaseURL: "https://api.openai.com", FallbackModel: "gpt-4o"},
	"deepseek":   {Type: TypeOpenAICompat, BaseURL: "https://api.deepseek.com", EndpointPath: "/chat/completions", FallbackModel: "deepseek-chat"},
	"qwen":       {Type: TypeOpenAICompat, BaseURL: "https://dashscope.aliyuncs.com", EndpointPath: "/compatible-mode/v1/chat/completions", FallbackModel: "qwen3-235b-a22b"},
	"glm":        {Type: TypeOpenAICompat, BaseURL: "https://open.bigmodel.cn", EndpointPath: "/api/paas/v4/chat/completions", FallbackModel: "glm-4-plus"},
	"grok":       {Type: TypeOpenAICompat, BaseURL: "https://api.x.ai", FallbackModel: "grok-beta"},
	"kimi":       {Type: TypeOpenAICompat, BaseURL: "https://api.moonshot.cn", FallbackModel: "moonshot-v1-8k"},
	"mistral":    {Type: TypeOpenAICompat, BaseURL: "https://api.mistral.ai", FallbackModel: "mistral-large-latest"},
	"doubao":     {Type: TypeOpenAICompat, BaseURL: "https://ark.cn-beijing.volces.com", EndpointPath: "/api/v3/chat/completions", FallbackModel: "Doubao-1.5-pro-32k"},
	"hunyuan":    {Type: TypeOpenAICompat, BaseURL: "https://api.hunyuan.cloud.tencent.com/v1", EndpointPath: "/chat/completions", FallbackModel: "hunyuan-pro"},
	"minimax":    {Type: TypeOpenAICompat, BaseURL: "https://api.minimax.io", EndpointPath: "/v1/text/chatcompletion_v2", FallbackModel: "abab6.5s-chat"},
	"llama":      {Type: TypeOpenAICompat, BaseURL: "https://api.together.xyz", FallbackModel: "meta-llama/Llama-3.3-70B-Instruct-Turbo"},
	"openrouter": {Type: TypeOpenAICompat, BaseURL: "https://openrouter.ai/api"},
	"claude":     {Type: TypeAnthropic},
	"anthropic":  {Type: TypeAnthropic},
	"gemini":     {Type: TypeGemini},
}

// Presets returns the provider ids with built-in endpoints, sorted.
func Presets() []string {
	ids := make([]string, 0, len(presets))
	for id := range presets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// resolveType picks the adapter family for cfg.
func resolveType(cfg ProviderConfig) (string, preset) {
	p, known := presets[strings.ToLower(cfg.ID)]
	t := strings.ToLower(strings.TrimSpace(cfg.Type))
	switch t {
	case "":
		if known {
			return p.Type, p
		}
		return TypeOpenAICompat, preset{}
	case "openai", "openaicompat", "openai_compatible":
		t = TypeOpenAICompat
	case "claude":
		t = TypeAnthropic
	}
	if known && p.Type == t {
		return t, p
	}
	return t, preset{}
}

// NewProvider creates one adapter. Explicit fields override preset values.
func NewProvider(cfg ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	kind, p := resolveType(cfg)
	base := providers.BaseProviderConfig{
		APIKey:             cfg.APIKey,
		BaseURL:            firstNonEmpty(cfg.BaseURL, p.BaseURL),
		Model:              cfg.Model,
		HeaderTimeout:      cfg.HeaderTimeout,
		MalformedThreshold: cfg.MalformedThreshold,
		MaxConnections:     cfg.MaxConnections,
		IdleConnTimeout:    cfg.IdleConnTimeout,
	}

	switch kind {
	case TypeOpenAICompat:
		return openaicompat.New(openaicompat.Config{
			BaseProviderConfig: base,
			ProviderName:       cfg.ID,
			FallbackModel:      p.FallbackModel,
			EndpointPath:       firstNonEmpty(cfg.EndpointPath, p.EndpointPath),
		}, logger), nil

	case TypeAnthropic:
		return claude.NewClaudeProvider(providers.ClaudeConfig{
			BaseProviderConfig: base,
			APIVersion:         cfg.APIVersion,
		}, logger), nil

	case TypeGemini:
		return gemini.NewGeminiProvider(providers.GeminiConfig{BaseProviderConfig: base}, logger), nil

	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", cfg.ID, cfg.Type)
	}
}

// BuildRegistry creates every configured adapter and registers it under its
// configured ID. Entries without an API key are skipped with a warning;
// engines naming them are then reported as having no adapter.
func BuildRegistry(cfgs []ProviderConfig, logger *zap.Logger) (*llm.ProviderRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := llm.NewProviderRegistry()
	for _, c := range cfgs {
		if c.APIKey == "" {
			logger.Warn("provider has no api key, not registered",
				zap.String("provider", c.ID),
				zap.String("api_key_env", c.APIKeyEnv))
			continue
		}
		if _, dup := reg.Get(c.ID); dup {
			return nil, fmt.Errorf("duplicate provider %q", c.ID)
		}
		p, err := NewProvider(c, logger)
		if err != nil {
			return nil, err
		}
		reg.Register(c.ID, p)
		logger.Info("provider registered", zap.String("provider", c.ID), zap.String("adapter", p.Name()))
	}
	return reg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
