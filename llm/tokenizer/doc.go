// Package tokenizer 在上游未返回用量时估算 token 数。
// OpenAI 兼容模型使用 tiktoken 精确计数，其余模型使用区分 CJK 的字符估算器。
package tokenizer
