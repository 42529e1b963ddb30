// Package factory 根据配置创建适配器并填充 ProviderRegistry。
//
// OpenAI 风格的厂商（deepseek、qwen、glm、kimi 等）共用 openaicompat 适配器，
// 差异只在预设的 BaseURL、EndpointPath 与默认模型。
package factory
