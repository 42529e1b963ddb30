package providers

import (
	"time"

	"github.com/BaSui01/multiquery/internal/tlsutil"
)

// DefaultMalformedThreshold 连续解码失败多少帧后判定整条流不可用。
const DefaultMalformedThreshold = 8

// BaseProviderConfig 所有适配器共享的基础配置字段。
type BaseProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`

	// HeaderTimeout 限制等待响应头的时间；流读取本身不设总超时，
	// 空闲超时由调度器按模型配置控制。
	HeaderTimeout time.Duration `json:"header_timeout,omitempty" yaml:"header_timeout,omitempty"`

	// MalformedThreshold 连续坏帧上限，0 使用 DefaultMalformedThreshold。
	MalformedThreshold int `json:"malformed_threshold,omitempty" yaml:"malformed_threshold,omitempty"`

	// MaxConnections 到该上游的并发连接上限，0 不限
	MaxConnections int `json:"max_connections,omitempty" yaml:"max_connections,omitempty"`
	// IdleConnTimeout 空闲连接保留时间，0 使用默认值
	IdleConnTimeout time.Duration `json:"idle_conn_timeout,omitempty" yaml:"idle_conn_timeout,omitempty"`
}

// Upstream returns the connection settings for this provider's HTTP client.
func (c BaseProviderConfig) Upstream() tlsutil.Upstream {
	u := tlsutil.DefaultUpstream()
	if c.HeaderTimeout > 0 {
		u.HeaderTimeout = c.HeaderTimeout
	}
	if c.IdleConnTimeout > 0 {
		u.IdleConnTimeout = c.IdleConnTimeout
	}
	u.MaxConnsPerHost = c.MaxConnections
	return u
}

// Threshold returns the effective consecutive-malformed-frame limit.
func (c BaseProviderConfig) Threshold() int {
	if c.MalformedThreshold > 0 {
		return c.MalformedThreshold
	}
	return DefaultMalformedThreshold
}

// ClaudeConfig Anthropic Messages API 配置
type ClaudeConfig struct {
	BaseProviderConfig `yaml:",inline"`
	APIVersion         string `json:"api_version,omitempty" yaml:"api_version,omitempty"`
}

// GeminiConfig Gemini Provider 配置
type GeminiConfig struct {
	BaseProviderConfig `yaml:",inline"`
}
