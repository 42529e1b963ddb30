package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/multiquery/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore 基于关系数据库的额度存储。
// 扣费使用条件更新 UPDATE ... WHERE balance >= cost，同一用户的并发扣费在行锁上串行。
type GormStore struct {
	pool        *database.PoolManager
	maxAttempts int
	logger      *zap.Logger
}

// NewGormStore 创建 GormStore
func NewGormStore(pool *database.PoolManager, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		pool:        pool,
		maxAttempts: 3,
		logger:      logger.With(zap.String("component", "billing_gorm")),
	}
}

// AutoMigrate 建表（测试与 sqlite 部署使用，生产走 migration）
func (s *GormStore) AutoMigrate() error {
	return s.pool.DB().AutoMigrate(&Balance{}, &LedgerEntry{}, &Shortfall{})
}

// Charge implements Store.
func (s *GormStore) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Cost == 0 {
		return &ChargeResult{Status: StatusNoCharge}, nil
	}

	var result *ChargeResult
	err := s.pool.WithTransactionRetry(ctx, s.maxAttempts, func(tx *gorm.DB) error {
		r, err := s.chargeTx(tx, req)
		result = r
		return err
	})
	if err != nil {
		// 并发的同 Reference 扣费：唯一索引冲突后再查一次
		if prior, lerr := s.priorOutcome(s.pool.DB().WithContext(ctx), req.Reference); lerr == nil && prior != nil {
			return prior, nil
		}
		return nil, fmt.Errorf("charge %s: %w", req.Reference, err)
	}

	switch result.Status {
	case StatusShortfall:
		s.logger.Warn("insufficient credit, shortfall recorded",
			zap.String("user_id", req.UserID),
			zap.String("reference", req.Reference),
			zap.Int64("required", req.Cost),
			zap.Int64("available", result.Available))
	case StatusCharged:
		s.logger.Debug("credit charged",
			zap.String("user_id", req.UserID),
			zap.String("reference", req.Reference),
			zap.Int64("cost", req.Cost),
			zap.Int64("balance_after", result.BalanceAfter))
	}
	return result, nil
}

func (s *GormStore) chargeTx(tx *gorm.DB, req ChargeRequest) (*ChargeResult, error) {
	if prior, err := s.priorOutcome(tx, req.Reference); err != nil || prior != nil {
		return prior, err
	}

	now := time.Now().UTC()
	res := tx.Model(&Balance{}).
		Where("user_id = ? AND balance >= ?", req.UserID, req.Cost).
		Updates(map[string]any{
			"balance":        gorm.Expr("balance - ?", req.Cost),
			"lifetime_spent": gorm.Expr("lifetime_spent + ?", req.Cost),
			"updated_at":     now,
		})
	if res.Error != nil {
		return nil, res.Error
	}

	if res.RowsAffected == 0 {
		var available int64
		var bal Balance
		err := tx.Where("user_id = ?", req.UserID).Take(&bal).Error
		switch {
		case err == nil:
			available = bal.Balance
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, err
		}
		sf := Shortfall{
			UserID:    req.UserID,
			Reference: req.Reference,
			Required:  req.Cost,
			Available: available,
			Provider:  req.Provider,
			Model:     req.Model,
			TokensIn:  req.TokensIn,
			TokensOut: req.TokensOut,
			CreatedAt: now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&sf).Error; err != nil {
			return nil, err
		}
		return &ChargeResult{Status: StatusShortfall, Cost: req.Cost, BalanceAfter: available, Available: available}, nil
	}

	var bal Balance
	if err := tx.Where("user_id = ?", req.UserID).Take(&bal).Error; err != nil {
		return nil, err
	}
	entry := LedgerEntry{
		UserID:       req.UserID,
		Amount:       -req.Cost,
		Type:         EntryDeduct,
		Provider:     req.Provider,
		Model:        req.Model,
		TokensIn:     req.TokensIn,
		TokensOut:    req.TokensOut,
		Reference:    req.Reference,
		BalanceAfter: bal.Balance,
		CreatedAt:    now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	return &ChargeResult{Status: StatusCharged, Cost: req.Cost, BalanceAfter: bal.Balance}, nil
}

// priorOutcome 查找同一 Reference 之前的扣费或欠费记录
func (s *GormStore) priorOutcome(db *gorm.DB, reference string) (*ChargeResult, error) {
	var entry LedgerEntry
	err := db.Where("reference = ?", reference).Take(&entry).Error
	if err == nil {
		return &ChargeResult{Status: StatusAlreadyCharged, Cost: -entry.Amount, BalanceAfter: entry.BalanceAfter}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var sf Shortfall
	err = db.Where("reference = ?", reference).Take(&sf).Error
	if err == nil {
		return &ChargeResult{Status: StatusShortfall, Cost: sf.Required, BalanceAfter: sf.Available, Available: sf.Available}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return nil, nil
}

// Credit implements Store.
func (s *GormStore) Credit(ctx context.Context, req CreditRequest) (*Balance, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var out Balance
	err := s.pool.WithTransactionRetry(ctx, s.maxAttempts, func(tx *gorm.DB) error {
		var existing LedgerEntry
		err := tx.Where("reference = ?", req.Reference).Take(&existing).Error
		if err == nil {
			return tx.Where("user_id = ?", req.UserID).Take(&out).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Balance{UserID: req.UserID, CreatedAt: now, UpdatedAt: now}).Error; err != nil {
			return err
		}
		if err := tx.Model(&Balance{}).Where("user_id = ?", req.UserID).Updates(map[string]any{
			"balance":         gorm.Expr("balance + ?", req.Amount),
			"lifetime_earned": gorm.Expr("lifetime_earned + ?", req.Amount),
			"updated_at":      now,
		}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", req.UserID).Take(&out).Error; err != nil {
			return err
		}
		return tx.Create(&LedgerEntry{
			UserID:       req.UserID,
			Amount:       req.Amount,
			Type:         req.Type,
			Reference:    req.Reference,
			BalanceAfter: out.Balance,
			Note:         req.Note,
			CreatedAt:    now,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("credit %s: %w", req.Reference, err)
	}
	return &out, nil
}

// OpenAccount implements Store.
func (s *GormStore) OpenAccount(ctx context.Context, userID string, seed int64) (*Balance, error) {
	if userID == "" || seed < 0 {
		return nil, fmt.Errorf("%w: user %q seed %d", ErrInvalidAmount, userID, seed)
	}
	now := time.Now().UTC()
	bal := Balance{
		UserID:         userID,
		Balance:        seed,
		LifetimeEarned: seed,
		InitialSeed:    seed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	db := s.pool.DB().WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&bal).Error; err != nil {
		return nil, fmt.Errorf("open account %s: %w", userID, err)
	}
	return s.Balance(ctx, userID)
}

// Balance implements Store.
func (s *GormStore) Balance(ctx context.Context, userID string) (*Balance, error) {
	var bal Balance
	err := s.pool.DB().WithContext(ctx).Where("user_id = ?", userID).Take(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

// Entries 返回最近的账本条目（新的在前）
func (s *GormStore) Entries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	q := s.pool.DB().WithContext(ctx).Where("user_id = ?", userID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Shortfalls 返回最近的欠费记录（新的在前）
func (s *GormStore) Shortfalls(ctx context.Context, userID string, limit int) ([]Shortfall, error) {
	var out []Shortfall
	q := s.pool.DB().WithContext(ctx).Where("user_id = ?", userID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Reconcile implements Store.
func (s *GormStore) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	var (
		bal Balance
		agg struct {
			Total int64
			N     int
		}
	)
	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Take(&bal).Error; err != nil {
			return err
		}
		return tx.Model(&LedgerEntry{}).
			Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS n").
			Where("user_id = ?", userID).
			Scan(&agg).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return reconcile(&bal, agg.Total, agg.N), nil
}
