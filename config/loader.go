// =============================================================================
// 📦 MultiQuery 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("multiquery.yaml").
//	    WithEnvPrefix("MULTIQUERY").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/multiquery/internal/cache"
	"github.com/BaSui01/multiquery/internal/database"
	"github.com/BaSui01/multiquery/llm/circuitbreaker"
	"github.com/BaSui01/multiquery/llm/factory"
	"github.com/BaSui01/multiquery/llm/modelconfig"
	"github.com/BaSui01/multiquery/llm/retry"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 MultiQuery 的完整配置结构
type Config struct {
	Server ServerConfig `yaml:"server" env:"SERVER"`

	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	Redis cache.Config `yaml:"redis" env:"REDIS"`

	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Orchestrator 派发、重试与冷却参数
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	Billing BillingConfig `yaml:"billing" env:"BILLING"`

	Log LogConfig `yaml:"log" env:"LOG"`

	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Providers 上游适配器，只能来自 YAML
	Providers []factory.ProviderConfig `yaml:"providers"`

	// Models 静态模型配置（store=static 时为唯一来源，否则作为种子数据）
	Models []modelconfig.ProviderModelConfig `yaml:"models"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口，0 表示挂在主端口的 /metrics
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`

	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时；流式接口需要足够长
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// 每个客户端的请求速率
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`

	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// AuthConfig JWT 鉴权配置。Secret 与 PublicKey 都为空时信任 UserHeader 携带的用户标识（网关后部署）
type AuthConfig struct {
	// HS256 密钥
	Secret string `yaml:"secret" env:"SECRET"`
	// RS256 公钥（PEM），与 Secret 可同时配置
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
	// 未开启鉴权时使用的用户 ID 请求头
	UserHeader string `yaml:"user_header" env:"USER_HEADER"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名；sqlite 时为文件路径
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`

	Pool database.PoolConfig `yaml:"pool" env:"-"`

	// 启动时自动执行迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// OrchestratorConfig 查询编排参数
type OrchestratorConfig struct {
	Retry retry.RetryPolicy `yaml:"retry" env:"RETRY"`

	Cooldown circuitbreaker.Config `yaml:"cooldown" env:"COOLDOWN"`

	// 模型配置来源: static, gorm, redis（redis 前置于 gorm）
	ConfigStore string `yaml:"config_store" env:"CONFIG_STORE"`
	// 进程内模型配置缓存
	CacheTTL       time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	StoreTimeout   time.Duration `yaml:"store_timeout" env:"STORE_TIMEOUT"`
	FailureBackoff time.Duration `yaml:"failure_backoff" env:"FAILURE_BACKOFF"`
	// 过期条目等待刷新的上限，超时先用旧值
	RevalidateWait time.Duration `yaml:"revalidate_wait" env:"REVALIDATE_WAIT"`
	// Redis 二级缓存的 TTL
	SharedCacheTTL time.Duration `yaml:"shared_cache_ttl" env:"SHARED_CACHE_TTL"`

	// 模型未配置超时时的空闲流超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	EventBuffer int           `yaml:"event_buffer" env:"EVENT_BUFFER"`

	// 配置存储不可用且无缓存时的兜底
	Fallback modelconfig.ProviderModelConfig `yaml:"fallback" env:"-"`
}

// BillingConfig 额度账本配置
type BillingConfig struct {
	// 账本后端: gorm, redis
	Backend string `yaml:"backend" env:"BACKEND"`
	// 新用户首次查询时开户的初始额度
	InitialSeed int64 `yaml:"initial_seed" env:"INITIAL_SEED"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MULTIQUERY",
		lookupEnv:  os.LookupEnv,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithEnvLookup 替换环境变量来源（测试用）
func (l *Loader) WithEnvLookup(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	l.resolveProviderKeys(cfg)

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// resolveProviderKeys 用 api_key_env 指向的环境变量填充 API Key，密钥不必写进文件
func (l *Loader) resolveProviderKeys(cfg *Config) {
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey != "" || p.APIKeyEnv == "" {
			continue
		}
		if v, ok := l.lookupEnv(p.APIKeyEnv); ok {
			p.APIKey = v
		}
	}
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := l.lookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration 单独处理
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if err := c.Database.Pool.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	o := c.Orchestrator
	if o.Retry.MaxRetries < 0 {
		errs = append(errs, "retry.max_retries must not be negative")
	}
	if o.Retry.InitialDelay <= 0 || o.Retry.MaxDelay < o.Retry.InitialDelay {
		errs = append(errs, "retry delays must satisfy 0 < initial_delay <= max_delay")
	}
	if o.Retry.Multiplier < 1 {
		errs = append(errs, "retry.multiplier must be >= 1")
	}
	if o.Cooldown.Threshold <= 0 || o.Cooldown.Cooldown <= 0 {
		errs = append(errs, "cooldown threshold and duration must be positive")
	}
	switch o.ConfigStore {
	case "static", "gorm", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unsupported config_store %q", o.ConfigStore))
	}
	if o.CacheTTL <= 0 {
		errs = append(errs, "orchestrator.cache_ttl must be positive")
	}

	switch c.Billing.Backend {
	case "gorm", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unsupported billing backend %q", c.Billing.Backend))
	}
	if c.Billing.InitialSeed < 0 {
		errs = append(errs, "billing.initial_seed must not be negative")
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, "provider id is required")
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("duplicate provider %q", p.ID))
		}
		seen[p.ID] = true
	}
	for _, m := range c.Models {
		if m.ProviderID == "" {
			errs = append(errs, "model entry without provider")
		}
		if m.MaxOutputCap < 0 || m.RetryCount < 0 || m.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Sprintf("model %s/%s has negative limits", m.ProviderID, m.ModelID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// CacheOptions 转换为模型配置缓存参数
func (o OrchestratorConfig) CacheOptions() modelconfig.CacheOptions {
	opts := modelconfig.DefaultCacheOptions()
	opts.TTL = o.CacheTTL
	if o.StoreTimeout > 0 {
		opts.StoreTimeout = o.StoreTimeout
	}
	if o.FailureBackoff > 0 {
		opts.FailureBackoff = o.FailureBackoff
	}
	if o.RevalidateWait > 0 {
		opts.RevalidateWait = o.RevalidateWait
	}
	opts.Default = o.Fallback
	return opts
}
