package config

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/multiquery/llm/modelconfig"
)

// ModelReloader 配置文件变更时重新加载 models 段。
//
// 新配置先通过 Validate，成功后整体替换 StaticStore 并清空缓存；
// 失败时保留旧配置继续服务。其他段（端口、存储后端）需要重启才生效。
type ModelReloader struct {
	loader   *Loader
	store    *modelconfig.StaticStore
	clearers []modelconfig.Clearer
	logger   *zap.Logger

	mu      sync.Mutex
	reloads int
	lastErr error
}

// NewModelReloader 创建重载器
func NewModelReloader(loader *Loader, store *modelconfig.StaticStore, logger *zap.Logger, clearers ...modelconfig.Clearer) *ModelReloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelReloader{
		loader:   loader,
		store:    store,
		clearers: clearers,
		logger:   logger.With(zap.String("component", "model_reloader")),
	}
}

// Reload 立即重新加载一次
func (r *ModelReloader) Reload() error {
	cfg, err := r.loader.Load()
	if err == nil {
		err = cfg.Validate()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.lastErr = fmt.Errorf("reload models: %w", err)
		r.logger.Error("model config reload rejected, keeping previous", zap.Error(err))
		return r.lastErr
	}

	r.store.Replace(cfg.Models...)
	for _, c := range r.clearers {
		c.Clear()
	}
	r.reloads++
	r.lastErr = nil
	r.logger.Info("model config reloaded", zap.Int("models", len(cfg.Models)))
	return nil
}

// Watch 挂到 FileWatcher 上并启动它。文件被删除时不做任何事。
func (r *ModelReloader) Watch(ctx context.Context, w *FileWatcher) error {
	w.OnChange(func(evt FileEvent) {
		if evt.Op == FileOpRemove {
			r.logger.Warn("config file removed, keeping current models", zap.String("path", evt.Path))
			return
		}
		_ = r.Reload()
	})
	return w.Start(ctx)
}

// Stats 返回成功重载次数与最近一次错误
func (r *ModelReloader) Stats() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloads, r.lastErr
}
