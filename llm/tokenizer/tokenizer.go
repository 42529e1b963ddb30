package tokenizer

import (
	"fmt"
	"strings"
	"sync"
)

// Tokenizer 统一的 token 计数接口
type Tokenizer interface {
	// CountTokens 返回文本的 token 数
	CountTokens(text string) (int, error)

	// CountMessages 返回消息列表的总 token 数，含每条消息的角色与分隔符开销
	CountMessages(messages []Message) (int, error)

	// Name 返回分词器名称
	Name() string
}

// Message 轻量消息结构，避免与 llm 包循环依赖
type Message struct {
	Role    string
	Content string
}

var (
	modelTokenizers   = make(map[string]Tokenizer)
	modelTokenizersMu sync.RWMutex
)

// RegisterTokenizer 为模型名（或模型名前缀）注册分词器
func RegisterTokenizer(model string, t Tokenizer) {
	modelTokenizersMu.Lock()
	defer modelTokenizersMu.Unlock()
	modelTokenizers[model] = t
}

// GetTokenizer 返回模型的分词器。精确匹配优先，否则取最长前缀匹配。
func GetTokenizer(model string) (Tokenizer, error) {
	modelTokenizersMu.RLock()
	defer modelTokenizersMu.RUnlock()

	if t, ok := modelTokenizers[model]; ok {
		return t, nil
	}

	var best Tokenizer
	bestLen := 0
	for prefix, t := range modelTokenizers {
		if len(prefix) > bestLen && strings.HasPrefix(model, prefix) {
			best, bestLen = t, len(prefix)
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
	}
	return best, nil
}

// GetTokenizerOrEstimator 未注册时退回字符估算器
func GetTokenizerOrEstimator(model string) Tokenizer {
	t, err := GetTokenizer(model)
	if err != nil {
		return NewEstimatorTokenizer(model)
	}
	return t
}

// Usage 估算出的用量
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// EstimateUsage 在上游没有返回用量时估算输入输出 token 数。
// 精确分词器不可用（例如编码数据无法加载）时退回估算器。
func EstimateUsage(model string, prompt []Message, completion string) Usage {
	t := GetTokenizerOrEstimator(model)
	in, err := t.CountMessages(prompt)
	if err != nil {
		t = NewEstimatorTokenizer(model)
		in, _ = t.CountMessages(prompt)
	}
	out, err := t.CountTokens(completion)
	if err != nil {
		out, _ = NewEstimatorTokenizer(model).CountTokens(completion)
	}
	return Usage{PromptTokens: in, CompletionTokens: out}
}
