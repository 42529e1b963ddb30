package billing

import "time"

// EntryType 账本条目类型
type EntryType string

const (
	EntryPurchase EntryType = "purchase"
	EntryDeduct   EntryType = "deduct"
	EntryRefund   EntryType = "refund"
	EntryBonus    EntryType = "bonus"
)

// Valid 是否为已知类型
func (t EntryType) Valid() bool {
	switch t {
	case EntryPurchase, EntryDeduct, EntryRefund, EntryBonus:
		return true
	}
	return false
}

// Balance 用户额度，每个用户一行，只在原子扣费/充值中修改
type Balance struct {
	UserID         string    `gorm:"primaryKey;size:64" json:"user_id"`
	Balance        int64     `gorm:"not null;default:0" json:"balance"`
	LifetimeEarned int64     `gorm:"not null;default:0" json:"lifetime_earned"`
	LifetimeSpent  int64     `gorm:"not null;default:0" json:"lifetime_spent"`
	InitialSeed    int64     `gorm:"not null;default:0" json:"initial_seed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Balance) TableName() string { return "credit_balances" }

// LedgerEntry 只追加的账本条目，Amount 为带符号金额（扣费为负）
type LedgerEntry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       string    `gorm:"size:64;not null;index:idx_ledger_user" json:"user_id"`
	Amount       int64     `gorm:"not null" json:"amount"`
	Type         EntryType `gorm:"size:16;not null" json:"type"`
	Provider     string    `gorm:"size:64" json:"provider,omitempty"`
	Model        string    `gorm:"size:128" json:"model,omitempty"`
	TokensIn     int       `gorm:"not null;default:0" json:"tokens_in"`
	TokensOut    int       `gorm:"not null;default:0" json:"tokens_out"`
	Reference    string    `gorm:"size:128;not null;uniqueIndex:idx_ledger_reference" json:"reference"`
	BalanceAfter int64     `gorm:"not null" json:"balance_after"`
	Note         string    `gorm:"size:255" json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName 指定表名
func (LedgerEntry) TableName() string { return "credit_ledger_entries" }

// Shortfall 额度不足导致扣费失败的记录，不影响余额
type Shortfall struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"size:64;not null;index:idx_shortfall_user" json:"user_id"`
	Reference string    `gorm:"size:128;not null;uniqueIndex:idx_shortfall_reference" json:"reference"`
	Required  int64     `gorm:"not null" json:"required"`
	Available int64     `gorm:"not null" json:"available"`
	Provider  string    `gorm:"size:64" json:"provider,omitempty"`
	Model     string    `gorm:"size:128" json:"model,omitempty"`
	TokensIn  int       `gorm:"not null;default:0" json:"tokens_in"`
	TokensOut int       `gorm:"not null;default:0" json:"tokens_out"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName 指定表名
func (Shortfall) TableName() string { return "credit_shortfalls" }
