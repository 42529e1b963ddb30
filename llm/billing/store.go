package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/BaSui01/multiquery/types"
)

var (
	// ErrAccountNotFound 用户没有额度账户
	ErrAccountNotFound = errors.New("billing: account not found")
	// ErrInvalidAmount 金额非法
	ErrInvalidAmount = errors.New("billing: invalid amount")
)

// ChargeStatus 扣费结果
type ChargeStatus string

const (
	StatusCharged        ChargeStatus = "charged"
	StatusAlreadyCharged ChargeStatus = "already_charged"
	StatusShortfall      ChargeStatus = "shortfall"
	// StatusNoCharge 费用为 0，未写入任何记录
	StatusNoCharge ChargeStatus = "no_charge"
)

// ChargeRequest 一次扣费请求。Reference 全局唯一（通常为任务 ID），用于幂等。
type ChargeRequest struct {
	UserID    string
	Reference string
	Provider  string
	Model     string
	TokensIn  int
	TokensOut int
	Cost      int64
}

// Validate 检查必填字段
func (r ChargeRequest) Validate() error {
	if r.UserID == "" || r.Reference == "" {
		return fmt.Errorf("%w: user id and reference are required", ErrInvalidAmount)
	}
	if r.Cost < 0 {
		return fmt.Errorf("%w: negative cost %d", ErrInvalidAmount, r.Cost)
	}
	return nil
}

// ChargeResult 扣费结果
type ChargeResult struct {
	Status       ChargeStatus `json:"status"`
	Cost         int64        `json:"cost"`
	BalanceAfter int64        `json:"balance_after"`
	// Available 额度不足时扣费前的余额
	Available int64 `json:"available,omitempty"`
}

// Err 额度不足时返回 INSUFFICIENT_CREDIT 错误，其余情况返回 nil
func (r *ChargeResult) Err() *types.Error {
	if r == nil || r.Status != StatusShortfall {
		return nil
	}
	return types.NewError(types.ErrInsufficientCredit,
		fmt.Sprintf("insufficient credit: required %d, available %d", r.Cost, r.Available)).
		WithHTTPStatus(http.StatusPaymentRequired)
}

// CreditRequest 充值、退款或赠送
type CreditRequest struct {
	UserID    string
	Amount    int64
	Type      EntryType
	Reference string
	Note      string
}

// Validate 检查充值请求
func (r CreditRequest) Validate() error {
	if r.UserID == "" || r.Reference == "" {
		return fmt.Errorf("%w: user id and reference are required", ErrInvalidAmount)
	}
	if r.Amount <= 0 {
		return fmt.Errorf("%w: credit amount must be positive", ErrInvalidAmount)
	}
	if r.Type == EntryDeduct || !r.Type.Valid() {
		return fmt.Errorf("%w: credit type %q", ErrInvalidAmount, r.Type)
	}
	return nil
}

// Reconciliation 对账结果
type Reconciliation struct {
	UserID      string `json:"user_id"`
	Balance     int64  `json:"balance"`
	InitialSeed int64  `json:"initial_seed"`
	LedgerSum   int64  `json:"ledger_sum"`
	Entries     int    `json:"entries"`
	Consistent  bool   `json:"consistent"`
}

func reconcile(b *Balance, sum int64, n int) *Reconciliation {
	return &Reconciliation{
		UserID:      b.UserID,
		Balance:     b.Balance,
		InitialSeed: b.InitialSeed,
		LedgerSum:   sum,
		Entries:     n,
		Consistent:  sum == b.Balance-b.InitialSeed && b.Balance >= 0,
	}
}

// Store 额度存储。Charge 是唯一的扣费入口，检查、扣减、记账在一个原子操作内完成。
type Store interface {
	// Charge 原子地检查余额、扣减并追加账本条目。
	// 余额不足时不修改余额，记录 Shortfall 并返回 StatusShortfall（error 为 nil）。
	// 相同 Reference 的重复调用返回 StatusAlreadyCharged。
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// Credit 增加额度并追加账本条目，按 Reference 幂等。
	Credit(ctx context.Context, req CreditRequest) (*Balance, error)
	// OpenAccount 创建账户，已存在时原样返回。
	OpenAccount(ctx context.Context, userID string, seed int64) (*Balance, error)
	Balance(ctx context.Context, userID string) (*Balance, error)
	Entries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
	Shortfalls(ctx context.Context, userID string, limit int) ([]Shortfall, error)
	Reconcile(ctx context.Context, userID string) (*Reconciliation, error)
}
