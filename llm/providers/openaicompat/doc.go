// Package openaicompat provides the streaming adapter shared by every
// OpenAI-compatible upstream.
//
// OpenAI, DeepSeek, Qwen and Grok speak the same chat-completions SSE format,
// so a single Provider is registered once per provider ID and only differs in:
//
//   - Provider name and default model
//   - Base URL
//   - Custom headers (if any)
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    BaseProviderConfig: providers.BaseProviderConfig{
//	        APIKey:  cfg.APIKey,
//	        BaseURL: "https://api.deepseek.com",
//	        Model:   "deepseek-chat",
//	    },
//	    ProviderName: "deepseek",
//	}, logger)
package openaicompat
