// MockProvider 按脚本回放流式响应的 llm.Provider。
//
// 每次 Stream 调用消费一个 Step；脚本用尽后重复最后一个 Step。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/multiquery/llm"
	"github.com/BaSui01/multiquery/types"
)

// Step 一次 Stream 调用的行为
type Step struct {
	// Err 非空时 Stream 直接返回该错误（连接阶段失败）
	Err error
	// Chunks 依次发送
	Chunks []llm.StreamChunk
	// Interval 每个 chunk 之前的等待
	Interval time.Duration
	// Hang 发送完 Chunks 后不关闭，一直挂起到 ctx 结束
	Hang bool
	// Started 非空时在开始发送前关闭，用于同步测试
	Started chan struct{}
}

// MockProvider 脚本化的 Provider
type MockProvider struct {
	mu       sync.Mutex
	name     string
	steps    []Step
	requests []llm.ChatRequest
	calls    int
	active   int
}

// NewMockProvider 创建 MockProvider
func NewMockProvider(name string, steps ...Step) *MockProvider {
	return &MockProvider{name: name, steps: steps}
}

// WithSteps 追加脚本
func (m *MockProvider) WithSteps(steps ...Step) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, steps...)
	return m
}

// Name 返回 Provider 名称
func (m *MockProvider) Name() string { return m.name }

// Stream 回放下一个 Step
func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	step := Step{Chunks: TextChunks(llm.FinishStop, nil, "ok")}
	if len(m.steps) > 0 {
		idx := m.calls
		if idx >= len(m.steps) {
			idx = len(m.steps) - 1
		}
		step = m.steps[idx]
	}
	m.calls++
	m.requests = append(m.requests, *req)
	m.mu.Unlock()

	if step.Err != nil {
		return nil, step.Err
	}

	ch := make(chan llm.StreamChunk)
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
	go func() {
		defer func() {
			m.mu.Lock()
			m.active--
			m.mu.Unlock()
			close(ch)
		}()
		if step.Started != nil {
			close(step.Started)
		}
		for _, c := range step.Chunks {
			if step.Interval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(step.Interval):
				}
			}
			c.Provider = m.name
			c.Model = req.Model
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		if step.Hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// Calls 返回 Stream 调用次数
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Active 返回尚未结束的流数量
func (m *MockProvider) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Requests 返回收到的请求副本
func (m *MockProvider) Requests() []llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.ChatRequest(nil), m.requests...)
}

// --- 脚本构造 ---

// TextChunks 把文本片段构造成 chunk 序列，最后一帧带结束原因与可选用量
func TextChunks(finish llm.FinishReason, usage *llm.ChatUsage, parts ...string) []llm.StreamChunk {
	chunks := make([]llm.StreamChunk, 0, len(parts)+1)
	for _, p := range parts {
		chunks = append(chunks, llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: p}})
	}
	chunks = append(chunks, llm.StreamChunk{FinishReason: finish, Usage: usage})
	return chunks
}

// Success 一次成功的流
func Success(usage *llm.ChatUsage, parts ...string) Step {
	return Step{Chunks: TextChunks(llm.FinishStop, usage, parts...)}
}

// Fail 连接阶段即失败
func Fail(err error) Step {
	return Step{Err: err}
}

// FailMidStream 先输出部分内容再以错误帧结束
func FailMidStream(err *types.Error, parts ...string) Step {
	s := Step{}
	for _, p := range parts {
		s.Chunks = append(s.Chunks, llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: p}})
	}
	s.Chunks = append(s.Chunks, llm.StreamChunk{Err: err})
	return s
}

// Hang 输出部分内容后挂起
func Hang(started chan struct{}, parts ...string) Step {
	s := Step{Hang: true, Started: started}
	for _, p := range parts {
		s.Chunks = append(s.Chunks, llm.StreamChunk{Delta: llm.Message{Role: llm.RoleAssistant, Content: p}})
	}
	return s
}

// RateLimited 429 错误
func RateLimited(provider string) *types.Error {
	return types.NewError(types.ErrRateLimited, "rate limited").
		WithProvider(provider).WithRetryable(true).WithHTTPStatus(429)
}

// ServerError 5xx 错误
func ServerError(provider string) *types.Error {
	return types.NewError(types.ErrServerError, "upstream unavailable").
		WithProvider(provider).WithRetryable(true).WithHTTPStatus(503)
}

// AuthError 401 错误
func AuthError(provider string) *types.Error {
	return types.NewError(types.ErrAuthentication, "invalid api key").
		WithProvider(provider).WithHTTPStatus(401)
}
