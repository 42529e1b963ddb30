package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/multiquery/internal/cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 每个用户四个键：account（哈希）、ledger（列表）、refs（哈希，Reference → 结果）、shortfalls（列表）。
// 用户 ID 放在 {} 中，集群模式下落在同一个槽。

// chargeScript 检查余额、扣减、记账，一次执行完成。
// KEYS: account, ledger, refs, shortfalls
// ARGV: cost, reference, entry json, shortfall json
var chargeScript = redis.NewScript(`
local prior = redis.call('HGET', KEYS[3], ARGV[2])
if prior then
  return {'prior', prior}
end
local cost = tonumber(ARGV[1])
local balance = tonumber(redis.call('HGET', KEYS[1], 'balance') or '0')
if balance < cost then
  local sf = cjson.decode(ARGV[4])
  sf['available'] = balance
  local encoded = cjson.encode(sf)
  redis.call('LPUSH', KEYS[4], encoded)
  redis.call('HSET', KEYS[3], ARGV[2], 'shortfall:' .. cost .. ':' .. balance)
  return {'shortfall', tostring(balance)}
end
local after = redis.call('HINCRBY', KEYS[1], 'balance', -cost)
redis.call('HINCRBY', KEYS[1], 'spent', cost)
local entry = cjson.decode(ARGV[3])
entry['balance_after'] = after
entry['id'] = redis.call('HINCRBY', KEYS[1], 'seq', 1)
redis.call('LPUSH', KEYS[2], cjson.encode(entry))
redis.call('HSET', KEYS[3], ARGV[2], 'charged:' .. cost .. ':' .. after)
return {'charged', tostring(after)}
`)

// creditScript 充值并记账
// KEYS: account, ledger, refs
// ARGV: amount, reference, entry json, now
var creditScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[3], ARGV[2]) == 1 then
  return 0
end
local amount = tonumber(ARGV[1])
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'balance', 0, 'earned', 0, 'spent', 0, 'seed', 0, 'created_at', ARGV[4])
end
local after = redis.call('HINCRBY', KEYS[1], 'balance', amount)
redis.call('HINCRBY', KEYS[1], 'earned', amount)
local entry = cjson.decode(ARGV[3])
entry['balance_after'] = after
entry['id'] = redis.call('HINCRBY', KEYS[1], 'seq', 1)
redis.call('LPUSH', KEYS[2], cjson.encode(entry))
redis.call('HSET', KEYS[3], ARGV[2], 'credit:' .. amount .. ':' .. after)
return 1
`)

// openScript 创建账户（已存在时不变）
// KEYS: account  ARGV: seed, now
var openScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'balance', ARGV[1], 'earned', ARGV[1], 'spent', 0, 'seed', ARGV[1], 'created_at', ARGV[2])
return 1
`)

// RedisStore 基于 Redis Lua 脚本的额度存储，适合高并发扣费的热路径。
type RedisStore struct {
	mgr    *cache.Manager
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisStore 创建 RedisStore
func NewRedisStore(mgr *cache.Manager, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		mgr:    mgr,
		logger: logger.With(zap.String("component", "billing_redis")),
		now:    time.Now,
	}
}

func (s *RedisStore) keys(userID string) (account, ledger, refs, shortfalls string) {
	base := "credit:{" + userID + "}"
	return s.mgr.Key(base, "account"), s.mgr.Key(base, "ledger"), s.mgr.Key(base, "refs"), s.mgr.Key(base, "shortfalls")
}

// Charge implements Store.
func (s *RedisStore) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Cost == 0 {
		return &ChargeResult{Status: StatusNoCharge}, nil
	}

	now := s.now().UTC()
	entry, err := json.Marshal(LedgerEntry{
		UserID:    req.UserID,
		Amount:    -req.Cost,
		Type:      EntryDeduct,
		Provider:  req.Provider,
		Model:     req.Model,
		TokensIn:  req.TokensIn,
		TokensOut: req.TokensOut,
		Reference: req.Reference,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	sf, err := json.Marshal(Shortfall{
		UserID:    req.UserID,
		Reference: req.Reference,
		Required:  req.Cost,
		Provider:  req.Provider,
		Model:     req.Model,
		TokensIn:  req.TokensIn,
		TokensOut: req.TokensOut,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	account, ledger, refs, shortfalls := s.keys(req.UserID)
	raw, err := s.mgr.Run(ctx, chargeScript, []string{account, ledger, refs, shortfalls},
		req.Cost, req.Reference, string(entry), string(sf))
	if err != nil {
		return nil, fmt.Errorf("charge %s: %w", req.Reference, err)
	}
	reply, ok := raw.([]any)
	if !ok || len(reply) != 2 {
		return nil, fmt.Errorf("charge %s: unexpected script reply %v", req.Reference, raw)
	}
	status, _ := reply[0].(string)
	value, _ := reply[1].(string)

	switch status {
	case "prior":
		return parsePrior(value)
	case "shortfall":
		var available int64
		_, _ = fmt.Sscan(value, &available)
		s.logger.Warn("insufficient credit, shortfall recorded",
			zap.String("user_id", req.UserID),
			zap.String("reference", req.Reference),
			zap.Int64("required", req.Cost),
			zap.Int64("available", available))
		return &ChargeResult{Status: StatusShortfall, Cost: req.Cost, BalanceAfter: available, Available: available}, nil
	case "charged":
		var after int64
		_, _ = fmt.Sscan(value, &after)
		return &ChargeResult{Status: StatusCharged, Cost: req.Cost, BalanceAfter: after}, nil
	default:
		return nil, fmt.Errorf("charge %s: unexpected script status %q", req.Reference, status)
	}
}

// parsePrior 解析 refs 中保存的 "kind:amount:balance"
func parsePrior(v string) (*ChargeResult, error) {
	var kind string
	var amount, bal int64
	if _, err := fmt.Sscanf(strings.ReplaceAll(v, ":", " "), "%s %d %d", &kind, &amount, &bal); err != nil {
		return nil, fmt.Errorf("corrupt reference record %q: %w", v, err)
	}
	switch kind {
	case "charged", "credit":
		return &ChargeResult{Status: StatusAlreadyCharged, Cost: amount, BalanceAfter: bal}, nil
	case "shortfall":
		return &ChargeResult{Status: StatusShortfall, Cost: amount, BalanceAfter: bal, Available: bal}, nil
	}
	return nil, fmt.Errorf("corrupt reference record %q", v)
}

// Credit implements Store.
func (s *RedisStore) Credit(ctx context.Context, req CreditRequest) (*Balance, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	entry, err := json.Marshal(LedgerEntry{
		UserID:    req.UserID,
		Amount:    req.Amount,
		Type:      req.Type,
		Reference: req.Reference,
		Note:      req.Note,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	account, ledger, refs, _ := s.keys(req.UserID)
	if _, err := s.mgr.Run(ctx, creditScript, []string{account, ledger, refs},
		req.Amount, req.Reference, string(entry), now.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("credit %s: %w", req.Reference, err)
	}
	return s.Balance(ctx, req.UserID)
}

// OpenAccount implements Store.
func (s *RedisStore) OpenAccount(ctx context.Context, userID string, seed int64) (*Balance, error) {
	if userID == "" || seed < 0 {
		return nil, fmt.Errorf("%w: user %q seed %d", ErrInvalidAmount, userID, seed)
	}
	account, _, _, _ := s.keys(userID)
	if _, err := s.mgr.Run(ctx, openScript, []string{account}, seed, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("open account %s: %w", userID, err)
	}
	return s.Balance(ctx, userID)
}

// Balance implements Store.
func (s *RedisStore) Balance(ctx context.Context, userID string) (*Balance, error) {
	account, _, _, _ := s.keys(userID)
	var raw struct {
		Balance   int64  `redis:"balance"`
		Earned    int64  `redis:"earned"`
		Spent     int64  `redis:"spent"`
		Seed      int64  `redis:"seed"`
		CreatedAt string `redis:"created_at"`
	}
	cmd := s.mgr.Client().HGetAll(ctx, account)
	if err := cmd.Err(); err != nil {
		return nil, err
	}
	if len(cmd.Val()) == 0 {
		return nil, ErrAccountNotFound
	}
	if err := cmd.Scan(&raw); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", userID, err)
	}
	created, _ := time.Parse(time.RFC3339Nano, raw.CreatedAt)
	return &Balance{
		UserID:         userID,
		Balance:        raw.Balance,
		LifetimeEarned: raw.Earned,
		LifetimeSpent:  raw.Spent,
		InitialSeed:    raw.Seed,
		CreatedAt:      created,
	}, nil
}

func listRange[T any](ctx context.Context, rdb *redis.Client, key string, limit int) ([]T, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	vals, err := rdb.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(vals))
	for _, v := range vals {
		var item T
		if err := json.Unmarshal([]byte(v), &item); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// Entries 返回最近的账本条目（新的在前）
func (s *RedisStore) Entries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	_, ledger, _, _ := s.keys(userID)
	return listRange[LedgerEntry](ctx, s.mgr.Client(), ledger, limit)
}

// Shortfalls 返回最近的欠费记录（新的在前）
func (s *RedisStore) Shortfalls(ctx context.Context, userID string, limit int) ([]Shortfall, error) {
	_, _, _, shortfalls := s.keys(userID)
	return listRange[Shortfall](ctx, s.mgr.Client(), shortfalls, limit)
}

// Reconcile implements Store.
func (s *RedisStore) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	bal, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := s.Entries(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	var sum int64
	for _, e := range entries {
		sum += e.Amount
	}
	return reconcile(bal, sum, len(entries)), nil
}
