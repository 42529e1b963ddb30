package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CooldownRegistry 进程级的按上游冷却表，所有引擎任务共享同一个实例。
type CooldownRegistry struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	breakers map[string]*breaker
}

// RegistryOption 配置 CooldownRegistry
type RegistryOption func(*CooldownRegistry)

// WithClock 替换时钟（测试用）。
func WithClock(now func() time.Time) RegistryOption {
	return func(r *CooldownRegistry) { r.now = now }
}

// NewCooldownRegistry 创建冷却表
func NewCooldownRegistry(config Config, logger *zap.Logger, opts ...RegistryOption) *CooldownRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &CooldownRegistry{
		config:   config.normalize(),
		logger:   logger.With(zap.String("component", "cooldown")),
		now:      time.Now,
		breakers: make(map[string]*breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *CooldownRegistry) get(provider string) *breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[provider]; ok {
		return b
	}
	b = &breaker{
		provider: provider,
		config:   r.config,
		logger:   r.logger.With(zap.String("provider", provider)),
		now:      r.now,
		state:    StateClosed,
	}
	r.breakers[provider] = b
	return b
}

// Allow 在发起上游调用前检查冷却状态。冷却中返回 COOLDOWN 错误，调用方不得发起网络请求。
func (r *CooldownRegistry) Allow(provider string) error {
	return r.get(provider).allow()
}

// Record 记录一次调用结果。
func (r *CooldownRegistry) Record(provider string, outcome Outcome) {
	r.get(provider).record(outcome)
}

// State 返回上游当前状态。
func (r *CooldownRegistry) State(provider string) State {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.currentState()
}

// Reset 手动解除上游冷却。
func (r *CooldownRegistry) Reset(provider string) {
	r.get(provider).reset()
	r.logger.Info("冷却已手动解除", zap.String("provider", provider))
}

// Snapshot 返回所有已知上游的状态，按 provider 排序。
func (r *CooldownRegistry) Snapshot() []ProviderState {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]ProviderState, 0, len(names))
	for _, name := range names {
		out = append(out, ProviderState{Provider: name, State: r.State(name)})
	}
	return out
}

// ProviderState 单个上游的状态快照
type ProviderState struct {
	Provider string `json:"provider"`
	State    State  `json:"state"`
}
