// =============================================================================
// 📦 测试数据工厂 - 模型配置与额度账户
// =============================================================================
package fixtures

import (
	"github.com/BaSui01/multiquery/llm/modelconfig"
)

// DefaultPricing 每百万 token 输入 1000、输出 2000 额度
var DefaultPricing = modelconfig.Pricing{InPerMillion: 1000, OutPerMillion: 2000}

// EnabledModel 返回一个已启用的模型配置
func EnabledModel(provider, model string) modelconfig.ProviderModelConfig {
	return modelconfig.ProviderModelConfig{
		ProviderID:     provider,
		ModelID:        model,
		Enabled:        true,
		MaxOutputCap:   4096,
		TimeoutSeconds: 30,
		RetryCount:     4,
		Pricing:        DefaultPricing,
	}
}

// DisabledModel 返回一个被禁用的模型配置
func DisabledModel(provider, model, reason string) modelconfig.ProviderModelConfig {
	cfg := EnabledModel(provider, model)
	cfg.Enabled = false
	cfg.DisabledReason = reason
	return cfg
}

// EnabledProvider 返回 provider 级配置（ModelID 为空）
func EnabledProvider(provider string) modelconfig.ProviderModelConfig {
	return EnabledModel(provider, "")
}

// StaticConfigs 用给定配置构造 StaticStore
func StaticConfigs(configs ...modelconfig.ProviderModelConfig) *modelconfig.StaticStore {
	return modelconfig.NewStaticStore(configs...)
}
