package tokenizer

import (
	"unicode/utf8"
)

// EstimatorTokenizer 按字符数估算 token，区分 CJK 与其他字符。
type EstimatorTokenizer struct {
	model string
}

// NewEstimatorTokenizer 创建估算器
func NewEstimatorTokenizer(model string) *EstimatorTokenizer {
	return &EstimatorTokenizer{model: model}
}

// CountTokens CJK 约 1.5 字符/token，其他约 4 字符/token，非空文本至少 1。
func (e *EstimatorTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}

	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	return max(estimated, 1), nil
}

// CountMessages 每条消息约 4 个 token 的开销，会话结尾 3 个
func (e *EstimatorTokenizer) CountMessages(messages []Message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	total := 3
	for _, msg := range messages {
		n, _ := e.CountTokens(msg.Content)
		total += n + 4
	}
	return total, nil
}

func (e *EstimatorTokenizer) Name() string {
	return "estimator"
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}
