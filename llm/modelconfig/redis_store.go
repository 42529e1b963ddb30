package modelconfig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/multiquery/internal/cache"
	"go.uber.org/zap"
)

// redisSnapshot Redis 中保存的快照；NotFound 用于缓存“未加入白名单”的结果
type redisSnapshot struct {
	Config   *ProviderModelConfig `json:"config,omitempty"`
	NotFound bool                 `json:"not_found,omitempty"`
}

// RedisStore 多实例共享的二级缓存，位于数据库存储之前。
// Redis 故障时直接读下层存储。
type RedisStore struct {
	next   Store
	mgr    *cache.Manager
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore 创建 RedisStore
func NewRedisStore(next Store, mgr *cache.Manager, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		next:   next,
		mgr:    mgr,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "modelconfig_redis")),
	}
}

func (s *RedisStore) key(providerID, modelID string) string {
	return s.mgr.Key("modelconfig", providerID, modelID)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, providerID, modelID string) (*ProviderModelConfig, error) {
	key := s.key(providerID, modelID)

	var snap redisSnapshot
	err := s.mgr.GetJSON(ctx, key, &snap)
	switch {
	case err == nil:
		if snap.NotFound {
			return nil, ErrNotFound
		}
		if snap.Config != nil {
			return snap.Config, nil
		}
	case !cache.IsCacheMiss(err):
		s.logger.Warn("redis read failed, falling back to store", zap.String("key", key), zap.Error(err))
	}

	cfg, err := s.next.Get(ctx, providerID, modelID)
	switch {
	case errors.Is(err, ErrNotFound):
		snap = redisSnapshot{NotFound: true}
	case err != nil:
		return nil, err
	default:
		snap = redisSnapshot{Config: cfg}
	}

	if werr := s.mgr.SetJSON(ctx, key, snap, s.ttl); werr != nil {
		s.logger.Warn("redis write failed", zap.String("key", key), zap.Error(werr))
	}
	if snap.NotFound {
		return nil, ErrNotFound
	}
	return cfg, nil
}

// Purge 删除所有共享快照
func (s *RedisStore) Purge(ctx context.Context) (int, error) {
	pattern := s.mgr.Key("modelconfig", "*")
	iter := s.mgr.Client().Scan(ctx, 0, pattern, 200).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan %s: %w", pattern, err)
	}
	if err := s.mgr.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}
