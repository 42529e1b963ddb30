package modelconfig

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Source 说明一次查询结果的来源
type Source string

const (
	SourceFresh   Source = "fresh"   // 未过 TTL 的缓存或刚刷新的值
	SourceStale   Source = "stale"   // 刷新失败，返回上次成功的值
	SourceDefault Source = "default" // 从未成功读取，返回兜底配置
)

// Lookup 一次读取的结果
type Lookup struct {
	Config    *ProviderModelConfig
	FetchedAt time.Time
	Fresh     bool
	Source    Source
}

// CacheOptions 缓存参数
type CacheOptions struct {
	// TTL 条目有效期，期间的值视为权威
	TTL time.Duration
	// StoreTimeout 单次刷新的超时
	StoreTimeout time.Duration
	// RevalidateWait 条目过期但有旧值时等待刷新的上限，超时先返回旧值，刷新继续在后台完成。
	// 0 表示完全不等待
	RevalidateWait time.Duration
	// FailureBackoff 刷新失败后在此时间内不再访问存储，直接返回旧值/兜底值
	FailureBackoff time.Duration
	// Default 兜底配置模板，ProviderID/ModelID 会被填充
	Default ProviderModelConfig
	// OnLookup 每次读取后回调，用于指标
	OnLookup func(providerID, modelID string, src Source)
}

// DefaultCacheOptions 默认参数
func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		TTL:            5 * time.Minute,
		StoreTimeout:   2 * time.Second,
		RevalidateWait: 100 * time.Millisecond,
		FailureBackoff: 5 * time.Second,
		Default:        SafetyDefault(),
	}
}

type entry struct {
	cfg        *ProviderModelConfig
	fetchedAt  time.Time
	failedAt   time.Time // 最近一次刷新失败
	everLoaded bool
}

// Cache 读穿透 TTL 缓存。存储故障时返回旧值或兜底值，不阻塞派发路径。
type Cache struct {
	store  Store
	opts   CacheOptions
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	// generation 每次 Clear 递增，防止并发刷新把清空前的结果写回
	generation uint64

	group singleflight.Group
}

// CacheOption 可选配置
type CacheOption func(*Cache)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache 创建缓存
func NewCache(store Store, opts CacheOptions, logger *zap.Logger, options ...CacheOption) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultCacheOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = def.StoreTimeout
	}
	if opts.FailureBackoff < 0 {
		opts.FailureBackoff = 0
	}
	if opts.RevalidateWait < 0 {
		opts.RevalidateWait = 0
	}
	c := &Cache{
		store:   store,
		opts:    opts,
		logger:  logger.With(zap.String("component", "modelconfig_cache")),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func cacheKey(providerID, modelID string) string {
	return providerID + "/" + modelID
}

// Get 读取 provider/model 配置。返回值始终非空。
func (c *Cache) Get(ctx context.Context, providerID, modelID string) Lookup {
	l := c.get(ctx, providerID, modelID)
	if c.opts.OnLookup != nil {
		c.opts.OnLookup(providerID, modelID, l.Source)
	}
	return l
}

func (c *Cache) get(ctx context.Context, providerID, modelID string) Lookup {
	key := cacheKey(providerID, modelID)
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	var snapshot entry
	if ok {
		snapshot = *e
	}
	c.mu.RUnlock()

	if ok && snapshot.everLoaded && now.Sub(snapshot.fetchedAt) < c.opts.TTL {
		return Lookup{Config: snapshot.cfg.Clone(), FetchedAt: snapshot.fetchedAt, Fresh: true, Source: SourceFresh}
	}

	// 最近刚失败过，先不打扰存储
	if ok && !snapshot.failedAt.IsZero() && now.Sub(snapshot.failedAt) < c.opts.FailureBackoff {
		return c.degraded(providerID, modelID, snapshot)
	}

	// 刷新在后台进行，调用方离开后结果照样写回缓存
	ch := c.group.DoChan(key, func() (any, error) {
		return c.refresh(ctx, providerID, modelID)
	})

	var (
		v   any
		err error
	)
	if snapshot.everLoaded {
		// 已有旧值：最多等 RevalidateWait，存储迟迟不答就先用旧值
		wait := time.NewTimer(c.opts.RevalidateWait)
		defer wait.Stop()
		select {
		case res := <-ch:
			v, err = res.Val, res.Err
		case <-wait.C:
			return c.degraded(providerID, modelID, snapshot)
		case <-ctx.Done():
			return c.degraded(providerID, modelID, snapshot)
		}
	} else {
		select {
		case res := <-ch:
			v, err = res.Val, res.Err
		case <-ctx.Done():
			return c.degraded(providerID, modelID, snapshot)
		}
	}
	if err != nil {
		c.mu.RLock()
		if cur, ok := c.entries[key]; ok {
			snapshot = *cur
		} else {
			snapshot = entry{}
		}
		c.mu.RUnlock()
		return c.degraded(providerID, modelID, snapshot)
	}
	fresh := v.(entry)
	return Lookup{Config: fresh.cfg.Clone(), FetchedAt: fresh.fetchedAt, Fresh: true, Source: SourceFresh}
}

func (c *Cache) refresh(ctx context.Context, providerID, modelID string) (entry, error) {
	key := cacheKey(providerID, modelID)

	c.mu.RLock()
	gen := c.generation
	c.mu.RUnlock()

	// 刷新不受调用方取消影响，结果对后续调用同样有用
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.StoreTimeout)
	defer cancel()

	cfg, err := c.store.Get(rctx, providerID, modelID)
	switch {
	case errors.Is(err, ErrNotFound):
		cfg, err = notWhitelisted(providerID, modelID), nil
	case err == nil && cfg == nil:
		cfg = notWhitelisted(providerID, modelID)
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.logger.Warn("model config refresh failed",
			zap.String("provider", providerID),
			zap.String("model", modelID),
			zap.Error(err))
		if gen == c.generation {
			e, ok := c.entries[key]
			if !ok {
				e = &entry{}
				c.entries[key] = e
			}
			e.failedAt = now
		}
		return entry{}, err
	}

	e := entry{cfg: cfg.Clone(), fetchedAt: now, everLoaded: true}
	if gen == c.generation {
		c.entries[key] = &e
	}
	return e, nil
}

func (c *Cache) degraded(providerID, modelID string, e entry) Lookup {
	if e.everLoaded {
		return Lookup{Config: e.cfg.Clone(), FetchedAt: e.fetchedAt, Fresh: false, Source: SourceStale}
	}
	def := c.opts.Default
	def.ProviderID = providerID
	def.ModelID = modelID
	return Lookup{Config: &def, Fresh: false, Source: SourceDefault}
}

// Clear 清空所有条目。下一次读取会访问存储。
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.generation++
	c.mu.Unlock()
	c.logger.Info("model config cache cleared")
}

// Len 返回条目数
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TTL 返回条目有效期
func (c *Cache) TTL() time.Duration {
	return c.opts.TTL
}
