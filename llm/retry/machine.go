package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/multiquery/types"
	"go.uber.org/zap"
)

// State 单个引擎任务的重试状态
type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal 报告状态是否为终态。
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Transition 一次状态迁移
type Transition struct {
	From    State
	To      State
	Attempt int           // 从 0 开始的尝试序号
	Delay   time.Duration // 仅 To == StateRetrying 时有效
	Err     error
	Class   Classification
}

// AttemptFunc 执行一次完整的流式尝试。返回 nil 表示已收到上游的终止帧。
type AttemptFunc func(ctx context.Context, attempt int) error

// Result 状态机运行结果
type Result struct {
	State    State
	Attempts int
	Delays   []time.Duration
	Err      error
	Class    Classification
}

// Option 配置 Machine
type Option func(*Machine)

// WithSleep 替换等待函数（测试中用于记录延迟而不真正等待）。
func WithSleep(fn SleepFunc) Option {
	return func(m *Machine) { m.sleep = fn }
}

// WithLogger 设置日志。
func WithLogger(logger *zap.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// WithTransitionHook 注册状态迁移回调，回调在状态机所在的 goroutine 中同步执行。
func WithTransitionHook(fn func(Transition)) Option {
	return func(m *Machine) { m.onTransition = fn }
}

// Machine 驱动 Pending → Streaming → {Completed | Failed | Retrying → Streaming}。
// 一个 Machine 只服务一个任务，不可并发复用。
type Machine struct {
	policy       RetryPolicy
	sleep        SleepFunc
	logger       *zap.Logger
	onTransition func(Transition)
	state        State
}

// NewMachine 创建状态机
func NewMachine(policy RetryPolicy, opts ...Option) *Machine {
	m := &Machine{
		policy: policy.Normalize(),
		sleep:  Sleep,
		logger: zap.NewNop(),
		state:  StatePending,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State 返回当前状态。
func (m *Machine) State() State { return m.state }

func (m *Machine) transition(to State, attempt int, delay time.Duration, err error, cls Classification) {
	t := Transition{From: m.state, To: to, Attempt: attempt, Delay: delay, Err: err, Class: cls}
	m.state = to
	if m.onTransition != nil {
		m.onTransition(t)
	}
}

// Run 反复调用 fn 直到进入终态。
func (m *Machine) Run(ctx context.Context, fn AttemptFunc) Result {
	bo := m.policy.NewBackOff()
	res := Result{}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return m.cancelled(res, attempt, err)
		}

		m.transition(StateStreaming, attempt, 0, nil, Classification{})
		res.Attempts = attempt + 1
		err := fn(ctx, attempt)

		if err == nil {
			if attempt > 0 {
				m.logger.Info("重试成功", zap.Int("attempt", attempt))
			}
			m.transition(StateCompleted, attempt, 0, nil, Classification{})
			res.State = StateCompleted
			res.Err = nil
			res.Class = Classification{}
			return res
		}
		if ctx.Err() != nil {
			return m.cancelled(res, attempt, ctx.Err())
		}

		cls := Classify(err)
		res.Err = err
		res.Class = cls

		if !cls.Retryable {
			m.logger.Debug("错误不可重试", zap.String("code", string(cls.Code)), zap.Error(err))
			m.transition(StateFailed, attempt, 0, err, cls)
			res.State = StateFailed
			return res
		}
		if attempt >= m.policy.MaxRetries {
			m.logger.Warn("重试次数耗尽",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			res.Err = fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, err)
			m.transition(StateFailed, attempt, 0, res.Err, cls)
			res.State = StateFailed
			return res
		}

		delay := bo.NextBackOff()
		if cls.RetryAfter > delay {
			delay = min(cls.RetryAfter, m.policy.MaxDelay)
		}
		res.Delays = append(res.Delays, delay)

		m.logger.Debug("重试中",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", m.policy.MaxRetries),
			zap.Duration("delay", delay),
			zap.String("code", string(cls.Code)),
			zap.Error(err),
		)
		m.transition(StateRetrying, attempt, delay, err, cls)

		if err := m.sleep(ctx, delay); err != nil {
			return m.cancelled(res, attempt, err)
		}
	}
}

func (m *Machine) cancelled(res Result, attempt int, cause error) Result {
	err := types.NewError(types.ErrCancelled, "task cancelled").WithCause(cause)
	cls := Classification{Code: types.ErrCancelled}
	m.transition(StateCancelled, attempt, 0, err, cls)
	res.State = StateCancelled
	res.Err = err
	res.Class = cls
	return res
}
