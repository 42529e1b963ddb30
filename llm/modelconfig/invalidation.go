package modelconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/multiquery/internal/cache"
	"go.uber.org/zap"
)

// DefaultInvalidationChannel 配置失效广播频道（不含键前缀）
const DefaultInvalidationChannel = "modelconfig:invalidate"

// InvalidationMessage 广播内容
type InvalidationMessage struct {
	Origin string    `json:"origin,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Clearer 可被整体清空的缓存
type Clearer interface {
	Clear()
}

// Invalidator 发布与订阅配置失效事件。
// 收到事件时清空本进程的所有 Clearer，没有按字段的局部失效。
type Invalidator struct {
	mgr      *cache.Manager
	channel  string
	shared   *RedisStore
	clearers []Clearer
	logger   *zap.Logger
}

// NewInvalidator 创建 Invalidator。shared 可为 nil。
func NewInvalidator(mgr *cache.Manager, shared *RedisStore, logger *zap.Logger, clearers ...Clearer) *Invalidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invalidator{
		mgr:      mgr,
		channel:  mgr.Key(DefaultInvalidationChannel),
		shared:   shared,
		clearers: clearers,
		logger:   logger.With(zap.String("component", "modelconfig_invalidator")),
	}
}

// Publish 清理共享快照并通知所有实例。
func (i *Invalidator) Publish(ctx context.Context, origin, reason string) error {
	if i.shared != nil {
		n, err := i.shared.Purge(ctx)
		if err != nil {
			return err
		}
		i.logger.Debug("shared snapshots purged", zap.Int("keys", n))
	}
	payload, err := json.Marshal(InvalidationMessage{Origin: origin, Reason: reason, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	return i.mgr.Publish(ctx, i.channel, string(payload))
}

// Run 订阅频道直到 ctx 结束。订阅建立后 ready 被关闭（可为 nil）。
func (i *Invalidator) Run(ctx context.Context, ready chan<- struct{}) error {
	ps, err := i.mgr.Subscribe(ctx, i.channel)
	if err != nil {
		return err
	}
	defer ps.Close()
	if ready != nil {
		close(ready)
	}

	i.logger.Info("listening for model config invalidations", zap.String("channel", i.channel))
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m InvalidationMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				i.logger.Debug("unparseable invalidation payload", zap.String("payload", msg.Payload))
			}
			for _, c := range i.clearers {
				c.Clear()
			}
			i.logger.Info("model config invalidated",
				zap.String("origin", m.Origin),
				zap.String("reason", m.Reason))
		}
	}
}
