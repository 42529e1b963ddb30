package factory

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/multiquery/llm"
	claude "github.com/BaSui01/multiquery/llm/providers/anthropic"
	"github.com/BaSui01/multiquery/llm/providers/gemini"
	"github.com/BaSui01/multiquery/llm/providers/openaicompat"
	"github.com/BaSui01/multiquery/testutil"
)

// =============================================================================
// Factory Tests
// =============================================================================

func TestNewProvider_Presets(t *testing.T) {
	tests := []struct {
		cfg          ProviderConfig
		wantName     string
		wantBaseURL  string
		wantEndpoint string
	}{
		{ProviderConfig{ID: "openai", APIKey: "k"}, "openai", "https://api.openai.com", "/v1/chat/completions"},
		{ProviderConfig{ID: "deepseek", APIKey: "k"}, "deepseek", "https://api.deepseek.com", "/chat/completions"},
		{ProviderConfig{ID: "qwen", APIKey: "k"}, "qwen", "https://dashscope.aliyuncs.com", "/compatible-mode/v1/chat/completions"},
		{ProviderConfig{ID: "glm", APIKey: "k"}, "glm", "https://open.bigmodel.cn", "/api/paas/v4/chat/completions"},
		{ProviderConfig{ID: "doubao", APIKey: "k"}, "doubao", "https://ark.cn-beijing.volces.com", "/api/v3/chat/completions"},
		{ProviderConfig{ID: "hunyuan", APIKey: "k"}, "hunyuan", "https://api.hunyuan.cloud.tencent.com/v1", "/chat/completions"},
		{ProviderConfig{ID: "grok", APIKey: "k"}, "grok", "https://api.x.ai", "/v1/chat/completions"},
	}

	for _, tt := range tests {
		t.Run(tt.cfg.ID, func(t *testing.T) {
			p, err := NewProvider(tt.cfg, zap.NewNop())
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name())

			oc, ok := p.(*openaicompat.Provider)
			require.True(t, ok, "preset %s should use the openai-compatible adapter", tt.cfg.ID)
			assert.Equal(t, tt.wantBaseURL, oc.Cfg.BaseURL)
			assert.Equal(t, tt.wantEndpoint, oc.Cfg.EndpointPath)
		})
	}
}

func TestNewProvider_ProtocolFamilies(t *testing.T) {
	p, err := NewProvider(ProviderConfig{ID: "claude", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &claude.ClaudeProvider{}, p)

	p, err = NewProvider(ProviderConfig{ID: "anthropic-eu", Type: "anthropic", APIKey: "k", BaseURL: "https://eu.example"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &claude.ClaudeProvider{}, p)

	p, err = NewProvider(ProviderConfig{ID: "gemini", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &gemini.GeminiProvider{}, p)
}

func TestNewProvider_CustomOpenAICompatible(t *testing.T) {
	p, err := NewProvider(ProviderConfig{
		ID:           "local-vllm",
		APIKey:       "k",
		BaseURL:      "http://localhost:8000",
		EndpointPath: "/v1/chat/completions",
		Model:        "qwen2.5-7b",
	}, nil)
	require.NoError(t, err)
	oc := p.(*openaicompat.Provider)
	assert.Equal(t, "local-vllm", oc.Name())
	assert.Equal(t, "http://localhost:8000", oc.Cfg.BaseURL)
	assert.Equal(t, "qwen2.5-7b", oc.Cfg.Model)
}

func TestNewProvider_ExplicitFieldsOverridePreset(t *testing.T) {
	p, err := NewProvider(ProviderConfig{ID: "deepseek", APIKey: "k", BaseURL: "https://proxy.example", EndpointPath: "/v1/chat"}, nil)
	require.NoError(t, err)
	oc := p.(*openaicompat.Provider)
	assert.Equal(t, "https://proxy.example", oc.Cfg.BaseURL)
	assert.Equal(t, "/v1/chat", oc.Cfg.EndpointPath)
}

func TestNewProvider_ConnectionSettingsPerProvider(t *testing.T) {
	p, err := NewProvider(ProviderConfig{
		ID:              "qwen",
		APIKey:          "k",
		HeaderTimeout:   45 * time.Second,
		MaxConnections:  6,
		IdleConnTimeout: 3 * time.Minute,
	}, nil)
	require.NoError(t, err)
	tr, ok := p.(*openaicompat.Provider).Client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, tr.ResponseHeaderTimeout)
	assert.Equal(t, 6, tr.MaxConnsPerHost)
	assert.Equal(t, 3*time.Minute, tr.IdleConnTimeout)

	other, err := NewProvider(ProviderConfig{ID: "deepseek", APIKey: "k"}, nil)
	require.NoError(t, err)
	otr := other.(*openaicompat.Provider).Client.Transport.(*http.Transport)
	assert.Zero(t, otr.MaxConnsPerHost)
	assert.NotSame(t, tr, otr)
}

func TestNewProvider_Errors(t *testing.T) {
	_, err := NewProvider(ProviderConfig{APIKey: "k"}, nil)
	require.Error(t, err)

	_, err = NewProvider(ProviderConfig{ID: "x", Type: "soap", APIKey: "k"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestBuildRegistry(t *testing.T) {
	reg, err := BuildRegistry([]ProviderConfig{
		{ID: "openai", APIKey: "k1"},
		{ID: "claude", APIKey: "k2"},
		{ID: "gemini", APIKeyEnv: "GEMINI_API_KEY"}, // 没有密钥：跳过
	}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []string{"claude", "openai"}, reg.List())
	_, ok := reg.Get("gemini")
	assert.False(t, ok)
}

func TestBuildRegistry_Duplicate(t *testing.T) {
	_, err := BuildRegistry([]ProviderConfig{
		{ID: "openai", APIKey: "k1"},
		{ID: "openai", APIKey: "k2"},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestPresets_Sorted(t *testing.T) {
	ids := Presets()
	require.NotEmpty(t, ids)
	assert.IsIncreasing(t, ids)
	assert.Contains(t, ids, "deepseek")
}

// 通过预设构建的适配器能对接实际的 OpenAI 兼容流
func TestBuildRegistry_StreamsAgainstServer(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path, auth = r.URL.Path, r.Header.Get("Authorization")
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":1,\"total_tokens\":4}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	reg, err := BuildRegistry([]ProviderConfig{{ID: "deepseek", APIKey: "sk-test", BaseURL: srv.URL}}, nil)
	require.NoError(t, err)
	p, ok := reg.Get("deepseek")
	require.True(t, ok)

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Model:    "deepseek-chat",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", testutil.CollectStreamContent(ch))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/chat/completions", path)
	assert.Equal(t, "Bearer sk-test", auth)
}
