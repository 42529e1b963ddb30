package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer OpenAI 系模型的精确分词器。
// 编码数据在第一次使用时加载，加载失败后每次调用都返回同一个错误。
type TiktokenTokenizer struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// openAIEncodings 模型前缀到编码的映射
var openAIEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4.1":       "o200k_base",
	"gpt-5":         "o200k_base",
	"o1":            "o200k_base",
	"o3":            "o200k_base",
	"o4":            "o200k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
	"deepseek":      "cl100k_base",
	"qwen":          "cl100k_base",
}

// NewTiktokenTokenizer 按编码名创建分词器
func NewTiktokenTokenizer(encoding string) *TiktokenTokenizer {
	return &TiktokenTokenizer{encoding: encoding}
}

func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// CountMessages 每条消息 <|start|>role\n content<|end|>\n，会话结尾 3 个 token
func (t *TiktokenTokenizer) CountMessages(messages []Message) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}
	total := 3
	for _, msg := range messages {
		total += 4
		total += len(t.enc.Encode(msg.Content, nil, nil))
		total += len(t.enc.Encode(msg.Role, nil, nil))
	}
	return total, nil
}

func (t *TiktokenTokenizer) Name() string {
	return "tiktoken[" + t.encoding + "]"
}

// RegisterOpenAITokenizers 为已知的 OpenAI 兼容模型前缀注册分词器，同一编码共享一个实例
func RegisterOpenAITokenizers() {
	shared := make(map[string]*TiktokenTokenizer)
	for prefix, encoding := range openAIEncodings {
		t, ok := shared[encoding]
		if !ok {
			t = NewTiktokenTokenizer(encoding)
			shared[encoding] = t
		}
		RegisterTokenizer(prefix, t)
	}
}
