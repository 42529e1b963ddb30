package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/multiquery/llm/modelconfig"
	"go.uber.org/zap"
)

// ErrAlreadyMetered 同一任务在本进程内已经计量过
var ErrAlreadyMetered = errors.New("billing: task already metered")

// Usage 一个已完成任务的用量
type Usage struct {
	TaskID    string
	UserID    string
	Provider  string
	Model     string
	TokensIn  int
	TokensOut int
	Pricing   modelconfig.Pricing
}

// Meter 对每个完成的任务恰好计费一次。
// 进程内按任务 ID 去重，存储层再按 Reference 幂等兜底。
type Meter struct {
	store  Store
	logger *zap.Logger

	seen      sync.Map // taskID -> time.Time
	lastSweep atomic.Int64
	guardTTL  time.Duration

	invocations atomic.Int64

	autoOpen bool
	seed     int64

	// OnCharge 每次成功调用存储后回调（指标）
	OnCharge func(u Usage, res *ChargeResult)
}

// NewMeter 创建计量器
func NewMeter(store Store, logger *zap.Logger) *Meter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Meter{
		store:    store,
		logger:   logger.With(zap.String("component", "meter")),
		guardTTL: time.Hour,
	}
}

// AutoOpen 扣费前为还没有账户的用户以 seed 开户
func (m *Meter) AutoOpen(seed int64) *Meter {
	m.autoOpen, m.seed = true, seed
	return m
}

// Charge 计算费用并调用存储扣费。
// 额度不足不是错误：返回 StatusShortfall 的结果；error 只表示存储故障或重复计量。
func (m *Meter) Charge(ctx context.Context, u Usage) (*ChargeResult, error) {
	if _, loaded := m.seen.LoadOrStore(u.TaskID, time.Now()); loaded {
		m.logger.Error("duplicate metering attempt suppressed", zap.String("task_id", u.TaskID))
		return nil, ErrAlreadyMetered
	}
	m.invocations.Add(1)
	m.sweep()

	cost := ComputeCost(u.TokensIn, u.TokensOut, u.Pricing)
	if err := m.ensureAccount(ctx, u.UserID); err != nil {
		m.seen.Delete(u.TaskID)
		m.logger.Error("open account failed", zap.String("user_id", u.UserID), zap.Error(err))
		return nil, err
	}
	res, err := m.store.Charge(ctx, ChargeRequest{
		UserID:    u.UserID,
		Reference: u.TaskID,
		Provider:  u.Provider,
		Model:     u.Model,
		TokensIn:  u.TokensIn,
		TokensOut: u.TokensOut,
		Cost:      cost,
	})
	if err != nil {
		// 存储故障：允许上层重试，Reference 幂等保证不会重复扣费
		m.seen.Delete(u.TaskID)
		m.logger.Error("charge failed",
			zap.String("task_id", u.TaskID),
			zap.String("user_id", u.UserID),
			zap.Int64("cost", cost),
			zap.Error(err))
		return nil, err
	}
	if m.OnCharge != nil {
		m.OnCharge(u, res)
	}
	return res, nil
}

func (m *Meter) ensureAccount(ctx context.Context, userID string) error {
	if !m.autoOpen {
		return nil
	}
	_, err := m.store.Balance(ctx, userID)
	if !errors.Is(err, ErrAccountNotFound) {
		return err
	}
	if _, err := m.store.OpenAccount(ctx, userID, m.seed); err != nil {
		return err
	}
	m.logger.Info("credit account opened", zap.String("user_id", userID), zap.Int64("seed", m.seed))
	return nil
}

// Invocations 返回实际发起的计量次数
func (m *Meter) Invocations() int64 {
	return m.invocations.Load()
}

// sweep 定期清理过期的去重记录
func (m *Meter) sweep() {
	now := time.Now()
	last := m.lastSweep.Load()
	if now.UnixNano()-last < int64(m.guardTTL/4) || !m.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	m.seen.Range(func(k, v any) bool {
		if now.Sub(v.(time.Time)) > m.guardTTL {
			m.seen.Delete(k)
		}
		return true
	})
}
