package modelconfig

import (
	"fmt"
	"time"
)

// Pricing 每百万 token 的价格（额度单位）
type Pricing struct {
	InPerMillion  float64 `json:"in_per_million" yaml:"in_per_million"`
	OutPerMillion float64 `json:"out_per_million" yaml:"out_per_million"`
}

// ProviderModelConfig 某个 provider/model 的只读配置快照。
// ModelID 为空表示 provider 级配置。
type ProviderModelConfig struct {
	ProviderID     string  `json:"provider_id" yaml:"provider"`
	ModelID        string  `json:"model_id" yaml:"model"`
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	MaxOutputCap   int     `json:"max_output_cap" yaml:"max_output_cap"`
	RateLimitRPM   int     `json:"rate_limit_rpm" yaml:"rate_limit_rpm"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	RetryCount     int     `json:"retry_count" yaml:"retry_count"`
	Pricing        Pricing `json:"pricing" yaml:"pricing"`

	// DisabledReason 非空时说明为何不可用，展示给调用方
	DisabledReason string `json:"disabled_reason,omitempty" yaml:"disabled_reason,omitempty"`
}

// Timeout 返回空闲流超时，未配置时为 0
func (c *ProviderModelConfig) Timeout() time.Duration {
	if c == nil || c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Clone 返回深拷贝，缓存里的快照不会被调用方改写
func (c *ProviderModelConfig) Clone() *ProviderModelConfig {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Reason 返回人类可读的禁用原因
func (c *ProviderModelConfig) Reason() string {
	if c.Enabled {
		return ""
	}
	if c.DisabledReason != "" {
		return c.DisabledReason
	}
	if c.ModelID == "" {
		return fmt.Sprintf("provider %s is disabled", c.ProviderID)
	}
	return fmt.Sprintf("model %s/%s is disabled", c.ProviderID, c.ModelID)
}

// Validate 检查数值字段
func (c *ProviderModelConfig) Validate() error {
	if c.ProviderID == "" {
		return fmt.Errorf("provider id is required")
	}
	if c.MaxOutputCap < 0 || c.RateLimitRPM < 0 || c.TimeoutSeconds < 0 || c.RetryCount < 0 {
		return fmt.Errorf("%s/%s: negative limits are not allowed", c.ProviderID, c.ModelID)
	}
	if c.Pricing.InPerMillion < 0 || c.Pricing.OutPerMillion < 0 {
		return fmt.Errorf("%s/%s: negative pricing is not allowed", c.ProviderID, c.ModelID)
	}
	return nil
}

// SafetyDefault 从未成功读到配置且存储不可用时使用的兜底配置。
// 定价偏高，避免存储故障期间少计费。
func SafetyDefault() ProviderModelConfig {
	return ProviderModelConfig{
		Enabled:        true,
		MaxOutputCap:   4096,
		RateLimitRPM:   60,
		TimeoutSeconds: 60,
		RetryCount:     4,
		Pricing:        Pricing{InPerMillion: 15, OutPerMillion: 75},
	}
}

// notWhitelisted 存储中找不到记录时的禁用快照
func notWhitelisted(providerID, modelID string) *ProviderModelConfig {
	return &ProviderModelConfig{
		ProviderID:     providerID,
		ModelID:        modelID,
		Enabled:        false,
		DisabledReason: fmt.Sprintf("model %s/%s is not whitelisted", providerID, modelID),
	}
}

// merge 用模型行覆盖 provider 行。provider 被禁用时模型同样禁用。
func merge(provider, model *ProviderModelConfig) *ProviderModelConfig {
	switch {
	case provider == nil:
		return model.Clone()
	case model == nil:
		out := provider.Clone()
		return out
	}
	out := model.Clone()
	if !provider.Enabled {
		out.Enabled = false
		out.DisabledReason = provider.Reason()
	}
	if out.MaxOutputCap == 0 {
		out.MaxOutputCap = provider.MaxOutputCap
	}
	if out.RateLimitRPM == 0 {
		out.RateLimitRPM = provider.RateLimitRPM
	}
	if out.TimeoutSeconds == 0 {
		out.TimeoutSeconds = provider.TimeoutSeconds
	}
	if out.RetryCount == 0 {
		out.RetryCount = provider.RetryCount
	}
	if out.Pricing == (Pricing{}) {
		out.Pricing = provider.Pricing
	}
	return out
}
