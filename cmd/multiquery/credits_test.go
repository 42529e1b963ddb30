package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/multiquery/internal/database"
	"github.com/BaSui01/multiquery/llm/billing"
)

func newCreditsStore(t *testing.T) billing.Store {
	t.Helper()
	pool, err := database.Open("sqlite", ":memory:", database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	s := billing.NewGormStore(pool, zap.NewNop())
	require.NoError(t, s.AutoMigrate())
	return s
}

func TestGrantCredits_SameReferenceCreditsOnce(t *testing.T) {
	store := newCreditsStore(t)
	ctx := context.Background()
	req := billing.CreditRequest{
		UserID:    "alice",
		Amount:    5000,
		Type:      billing.EntryPurchase,
		Reference: "order-1042",
	}

	var out bytes.Buffer
	require.NoError(t, grantCredits(ctx, store, req, &out))
	require.NoError(t, grantCredits(ctx, store, req, &out))
	assert.Contains(t, out.String(), "purchase 5000 credits to alice")

	bal, err := store.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), bal.Balance)

	entries, err := store.Entries(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGrantCredits_RejectsDeductType(t *testing.T) {
	store := newCreditsStore(t)
	err := grantCredits(context.Background(), store, billing.CreditRequest{
		UserID:    "alice",
		Amount:    10,
		Type:      billing.EntryDeduct,
		Reference: "bad-type",
	}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestPrintBalance_ListsLedgerEntries(t *testing.T) {
	store := newCreditsStore(t)
	ctx := context.Background()
	require.NoError(t, grantCredits(ctx, store, billing.CreditRequest{
		UserID: "bob", Amount: 300, Type: billing.EntryBonus, Reference: "welcome-bob",
	}, &bytes.Buffer{}))

	var out bytes.Buffer
	require.NoError(t, printBalance(ctx, store, "bob", 20, &out))
	s := out.String()
	assert.Contains(t, s, "Balance:         300")
	assert.Contains(t, s, "REFERENCE")
	assert.Contains(t, s, "welcome-bob")
	assert.Contains(t, s, "bonus")
}

func TestPrintReconciliation_Consistent(t *testing.T) {
	store := newCreditsStore(t)
	ctx := context.Background()
	_, err := store.OpenAccount(ctx, "carol", 1000)
	require.NoError(t, err)
	require.NoError(t, grantCredits(ctx, store, billing.CreditRequest{
		UserID: "carol", Amount: 250, Type: billing.EntryRefund, Reference: "refund-7",
	}, &bytes.Buffer{}))

	var out bytes.Buffer
	require.NoError(t, printReconciliation(ctx, store, "carol", &out))
	assert.Contains(t, out.String(), "ledger sum 250 over 1 entries: OK")
}

func TestRunCredits_ArgumentErrors(t *testing.T) {
	assert.Equal(t, 1, runCredits(nil))
	assert.Equal(t, 0, runCredits([]string{"help"}))
	assert.Equal(t, 1, runCredits([]string{"grant", "--amount", "10"}))
}
