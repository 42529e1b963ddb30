package circuitbreaker

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/multiquery/types"
	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（冷却中）
	StateOpen
	// StateHalfOpen 半开状态（冷却结束，放行试探请求）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// MarshalText 以状态名序列化。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome 一次上游调用的结果，只有限流会推动熔断
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeOther
)

// Config 冷却熔断配置
type Config struct {
	// Threshold 连续限流次数阈值（触发冷却）
	Threshold int `yaml:"threshold" env:"THRESHOLD"`

	// Cooldown 冷却时长（Open -> HalfOpen）
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN"`

	// HalfOpenMaxCalls 半开状态下允许的并发试探数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS"`

	// OnStateChange 状态变更回调
	OnStateChange func(provider string, from State, to State) `yaml:"-"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		Cooldown:         15 * time.Minute,
		HalfOpenMaxCalls: 1,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// ErrCircuitOpen 冷却期内的调用被拒绝
var ErrCircuitOpen = errors.New("provider is cooling down")

// ErrTooManyCallsInHalfOpen 半开状态下试探名额已用完
var ErrTooManyCallsInHalfOpen = errors.New("provider probe already in flight")

// breaker 单个上游的熔断状态
type breaker struct {
	provider string
	config   Config
	logger   *zap.Logger
	now      func() time.Time

	mu                sync.Mutex
	state             State
	rateLimitCount    int       // 连续限流次数
	openedAt          time.Time // 进入 Open 的时间
	halfOpenCallCount int       // 半开状态下在途的试探数
}

// allow 调用前检查
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		until := b.openedAt.Add(b.config.Cooldown)
		if !b.now().Before(until) {
			b.setState(StateHalfOpen)
			b.halfOpenCallCount = 1
			b.logger.Info("冷却结束，进入半开状态")
			return nil
		}
		return types.NewError(types.ErrCooldown,
			fmt.Sprintf("provider %s cooling down until %s", b.provider, until.UTC().Format(time.RFC3339))).
			WithCause(ErrCircuitOpen).WithHTTPStatus(http.StatusServiceUnavailable).WithProvider(b.provider)

	case StateHalfOpen:
		if b.halfOpenCallCount >= b.config.HalfOpenMaxCalls {
			return types.NewError(types.ErrCooldown, fmt.Sprintf("provider %s probe in flight", b.provider)).
				WithCause(ErrTooManyCallsInHalfOpen).WithHTTPStatus(http.StatusServiceUnavailable).WithProvider(b.provider)
		}
		b.halfOpenCallCount++
		return nil

	default:
		return fmt.Errorf("未知的熔断器状态: %v", b.state)
	}
}

// record 调用后处理
func (b *breaker) record(outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		b.rateLimitCount = 0
		if b.state == StateHalfOpen {
			b.logger.Info("上游恢复正常")
			b.setState(StateClosed)
			b.halfOpenCallCount = 0
		}

	case OutcomeRateLimited:
		b.rateLimitCount++
		switch b.state {
		case StateClosed:
			if b.rateLimitCount >= b.config.Threshold {
				b.logger.Warn("连续限流，上游进入冷却",
					zap.Int("rate_limit_count", b.rateLimitCount),
					zap.Int("threshold", b.config.Threshold),
					zap.Duration("cooldown", b.config.Cooldown),
				)
				b.open()
			}
		case StateHalfOpen:
			b.logger.Warn("试探请求仍被限流，重新冷却")
			b.open()
		}

	case OutcomeOther:
		// 非限流失败不影响计数，但要归还半开试探名额
		if b.state == StateHalfOpen && b.halfOpenCallCount > 0 {
			b.halfOpenCallCount--
		}
	}
}

func (b *breaker) open() {
	b.setState(StateOpen)
	b.openedAt = b.now()
	b.halfOpenCallCount = 0
}

// setState 设置状态并触发回调
func (b *breaker) setState(newState State) {
	oldState := b.state
	b.state = newState
	if oldState != newState && b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.provider, oldState, newState)
	}
}

func (b *breaker) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.config.Cooldown)) {
		return StateHalfOpen
	}
	return b.state
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.rateLimitCount = 0
	b.halfOpenCallCount = 0
}
