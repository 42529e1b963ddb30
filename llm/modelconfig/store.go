package modelconfig

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound 存储中没有该 provider/model 的记录
var ErrNotFound = errors.New("modelconfig: not found")

// Store 外部配置存储。对编排器只读。
//
// Get 以 providerID 为键，可选 modelID。模型行缺失时回退到 provider 行
// （provider 级白名单）；两者都没有时返回 ErrNotFound。
type Store interface {
	Get(ctx context.Context, providerID, modelID string) (*ProviderModelConfig, error)
}

// StaticStore 基于内存表的存储，数据来自 YAML 配置。
type StaticStore struct {
	mu   sync.RWMutex
	rows map[string]*ProviderModelConfig
}

// NewStaticStore 用给定配置构建静态存储
func NewStaticStore(configs ...ProviderModelConfig) *StaticStore {
	s := &StaticStore{rows: make(map[string]*ProviderModelConfig, len(configs))}
	for i := range configs {
		s.Put(configs[i])
	}
	return s
}

// Put 写入或覆盖一条配置
func (s *StaticStore) Put(cfg ProviderModelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[cacheKey(cfg.ProviderID, cfg.ModelID)] = cfg.Clone()
}

// Replace 用新的配置集整体替换，文件重载时移除的行随之消失
func (s *StaticStore) Replace(configs ...ProviderModelConfig) {
	rows := make(map[string]*ProviderModelConfig, len(configs))
	for i := range configs {
		rows[cacheKey(configs[i].ProviderID, configs[i].ModelID)] = configs[i].Clone()
	}
	s.mu.Lock()
	s.rows = rows
	s.mu.Unlock()
}

// Len 返回行数
func (s *StaticStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Get implements Store.
func (s *StaticStore) Get(_ context.Context, providerID, modelID string) (*ProviderModelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolve(s.rows[cacheKey(providerID, "")], s.rows[cacheKey(providerID, modelID)], providerID, modelID)
}

// resolve 组合 provider 行和模型行
func resolve(providerRow, modelRow *ProviderModelConfig, providerID, modelID string) (*ProviderModelConfig, error) {
	if modelID == "" {
		modelRow = nil
	}
	if providerRow == nil && modelRow == nil {
		return nil, ErrNotFound
	}
	out := merge(providerRow, modelRow)
	out.ProviderID = providerID
	out.ModelID = modelID
	return out, nil
}
