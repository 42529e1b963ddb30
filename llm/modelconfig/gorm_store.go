package modelconfig

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConfigRow provider_model_configs 表。ModelID 为空串的行是 provider 级配置。
type ConfigRow struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	ProviderID         string    `gorm:"size:64;not null;uniqueIndex:idx_provider_model" json:"provider_id"`
	ModelID            string    `gorm:"size:128;not null;uniqueIndex:idx_provider_model" json:"model_id"`
	Enabled            bool      `gorm:"not null" json:"enabled"`
	MaxOutputCap       int       `gorm:"not null;default:0" json:"max_output_cap"`
	RateLimitRPM       int       `gorm:"column:rate_limit_rpm;not null;default:0" json:"rate_limit_rpm"` // 0 表示不限
	TimeoutSeconds     int       `gorm:"not null;default:0" json:"timeout_seconds"`
	RetryCount         int       `gorm:"not null;default:0" json:"retry_count"`
	PriceInPerMillion  float64   `gorm:"type:decimal(12,6);not null;default:0" json:"price_in_per_million"`
	PriceOutPerMillion float64   `gorm:"type:decimal(12,6);not null;default:0" json:"price_out_per_million"`
	DisabledReason     string    `gorm:"size:255" json:"disabled_reason"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TableName 指定表名
func (ConfigRow) TableName() string {
	return "provider_model_configs"
}

func (r *ConfigRow) toConfig() *ProviderModelConfig {
	return &ProviderModelConfig{
		ProviderID:     r.ProviderID,
		ModelID:        r.ModelID,
		Enabled:        r.Enabled,
		MaxOutputCap:   r.MaxOutputCap,
		RateLimitRPM:   r.RateLimitRPM,
		TimeoutSeconds: r.TimeoutSeconds,
		RetryCount:     r.RetryCount,
		Pricing:        Pricing{InPerMillion: r.PriceInPerMillion, OutPerMillion: r.PriceOutPerMillion},
		DisabledReason: r.DisabledReason,
	}
}

func rowFromConfig(c ProviderModelConfig) ConfigRow {
	return ConfigRow{
		ProviderID:         c.ProviderID,
		ModelID:            c.ModelID,
		Enabled:            c.Enabled,
		MaxOutputCap:       c.MaxOutputCap,
		RateLimitRPM:       c.RateLimitRPM,
		TimeoutSeconds:     c.TimeoutSeconds,
		RetryCount:         c.RetryCount,
		PriceInPerMillion:  c.Pricing.InPerMillion,
		PriceOutPerMillion: c.Pricing.OutPerMillion,
		DisabledReason:     c.DisabledReason,
	}
}

// GormStore 从数据库读取模型配置
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建 GormStore
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Get implements Store.
func (s *GormStore) Get(ctx context.Context, providerID, modelID string) (*ProviderModelConfig, error) {
	var rows []ConfigRow
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND model_id IN ?", providerID, []string{"", modelID}).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query provider_model_configs: %w", err)
	}

	var providerRow, modelRow *ProviderModelConfig
	for i := range rows {
		if rows[i].ModelID == "" {
			providerRow = rows[i].toConfig()
		} else {
			modelRow = rows[i].toConfig()
		}
	}
	return resolve(providerRow, modelRow, providerID, modelID)
}

// Upsert 写入配置（按 provider_id+model_id 覆盖）。供 seed 与测试使用。
func (s *GormStore) Upsert(ctx context.Context, configs ...ProviderModelConfig) error {
	if len(configs) == 0 {
		return nil
	}
	rows := make([]ConfigRow, 0, len(configs))
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return err
		}
		rows = append(rows, rowFromConfig(c))
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "provider_id"}, {Name: "model_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"enabled", "max_output_cap", "rate_limit_rpm", "timeout_seconds", "retry_count",
			"price_in_per_million", "price_out_per_million", "disabled_reason", "updated_at",
		}),
	}).Create(&rows).Error
}
