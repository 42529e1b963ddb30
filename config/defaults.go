// =============================================================================
// 📦 MultiQuery 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/multiquery/internal/cache"
	"github.com/BaSui01/multiquery/internal/database"
	"github.com/BaSui01/multiquery/llm/circuitbreaker"
	"github.com/BaSui01/multiquery/llm/modelconfig"
	"github.com/BaSui01/multiquery/llm/retry"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Auth:         DefaultAuthConfig(),
		Redis:        cache.DefaultConfig(),
		Database:     DefaultDatabaseConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Billing:      DefaultBillingConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    10 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    10,
		RateLimitBurst:  20,
	}
}

// DefaultAuthConfig 返回默认鉴权配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Issuer:     "multiquery",
		UserHeader: "X-User-ID",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:      "postgres",
		Host:        "localhost",
		Port:        5432,
		User:        "multiquery",
		Password:    "",
		Name:        "multiquery",
		SSLMode:     "disable",
		Pool:        database.DefaultPoolConfig(),
		AutoMigrate: false,
	}
}

// DefaultOrchestratorConfig 返回默认编排配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Retry:          retry.DefaultRetryPolicy(),
		Cooldown:       circuitbreaker.DefaultConfig(),
		ConfigStore:    "gorm",
		CacheTTL:       5 * time.Minute,
		StoreTimeout:   2 * time.Second,
		FailureBackoff: 5 * time.Second,
		RevalidateWait: 100 * time.Millisecond,
		SharedCacheTTL: 10 * time.Minute,
		IdleTimeout:    60 * time.Second,
		EventBuffer:    256,
		Fallback:       modelconfig.SafetyDefault(),
	}
}

// DefaultBillingConfig 返回默认计费配置
func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Backend:     "gorm",
		InitialSeed: 1000,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "multiquery",
		SampleRate:   0.1,
	}
}
