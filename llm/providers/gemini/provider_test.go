package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/multiquery/llm"
	"github.com/BaSui01/multiquery/llm/providers"
	"github.com/BaSui01/multiquery/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *GeminiProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGeminiProvider(providers.GeminiConfig{
		BaseProviderConfig: providers.BaseProviderConfig{APIKey: "g-key", BaseURL: srv.URL, Model: "gemini-2.5-pro"},
	}, zap.NewNop())
}

func drain(t *testing.T, ch <-chan llm.StreamChunk) (string, []llm.StreamChunk) {
	t.Helper()
	var sb strings.Builder
	var all []llm.StreamChunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return sb.String(), all
			}
			sb.WriteString(c.Delta.Content)
			all = append(all, c)
		case <-deadline:
			t.Fatal("stream did not finish")
		}
	}
}

func TestGeminiStream_JSONArrayLines(t *testing.T) {
	var body geminiRequest
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.5-pro:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = fmt.Fprint(w,
			"[{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hola\"}],\"role\":\"model\"},\"index\":0}]}\n",
			",{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\" mundo\"}],\"role\":\"model\"},\"finishReason\":\"STOP\",\"index\":0}],",
			"\"usageMetadata\":{\"promptTokenCount\":4,\"candidatesTokenCount\":3,\"totalTokenCount\":7}}\n",
			"]\n",
		)
	})

	ch, err := p.Stream(context.Background(), &llm.ChatRequest{
		Messages:  []llm.Message{{Role: llm.RoleSystem, Content: "sys"}, {Role: llm.RoleUser, Content: "hi"}},
		MaxTokens: 64,
	})
	require.NoError(t, err)

	text, chunks := drain(t, ch)
	assert.Equal(t, "Hola mundo", text)
	last := chunks[len(chunks)-1]
	assert.Equal(t, llm.FinishStop, last.FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 4, last.Usage.PromptTokens)
	assert.Equal(t, 3, last.Usage.CompletionTokens)

	require.NotNil(t, body.SystemInstruction)
	assert.Equal(t, "sys", body.SystemInstruction.Parts[0].Text)
	require.NotNil(t, body.GenerationConfig)
	assert.Equal(t, 64, body.GenerationConfig.MaxOutputTokens)
}

func TestGeminiStream_MaxTokensTruncation(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"abc\"}]},\"finishReason\":\"MAX_TOKENS\",\"index\":0}]}\n")
	})
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{})
	require.NoError(t, err)
	_, chunks := drain(t, ch)
	assert.Equal(t, llm.FinishLength, chunks[len(chunks)-1].FinishReason)
}

func TestGeminiStream_TruncatedLastLineIsRetryable(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w,
			"{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"abc\"}]},\"index\":0}]}\n",
			"{\"candidates\":[{\"content\":{\"par",
		)
	})
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{})
	require.NoError(t, err)
	text, chunks := drain(t, ch)
	assert.Equal(t, "abc", text)
	last := chunks[len(chunks)-1]
	require.NotNil(t, last.Err)
	assert.Equal(t, types.ErrServerError, last.Err.Code)
	assert.True(t, last.Err.Retryable)
}

func TestGeminiStream_ErrorObject(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "{\"error\":{\"message\":\"quota\",\"status\":\"RESOURCE_EXHAUSTED\"}}\n")
	})
	ch, err := p.Stream(context.Background(), &llm.ChatRequest{})
	require.NoError(t, err)
	_, chunks := drain(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, types.ErrRateLimited, chunks[0].Err.Code)
	assert.True(t, chunks[0].Err.Retryable)
}

func TestGeminiStream_RateLimitedStatus(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Resource exhausted","status":"RESOURCE_EXHAUSTED"}}`))
	})
	_, err := p.Stream(context.Background(), &llm.ChatRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
}
