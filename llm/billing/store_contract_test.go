package billing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BaSui01/multiquery/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// runStoreContract 两种 Store 实现共用的行为测试
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("charge deducts and logs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.OpenAccount(ctx, "alice", 10)
		require.NoError(t, err)

		res, err := s.Charge(ctx, ChargeRequest{UserID: "alice", Reference: "task-1", Provider: "openai",
			Model: "gpt-4o", TokensIn: 100, TokensOut: 200, Cost: 3})
		require.NoError(t, err)
		assert.Equal(t, StatusCharged, res.Status)
		assert.EqualValues(t, 7, res.BalanceAfter)
		assert.Nil(t, res.Err())

		bal, err := s.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.EqualValues(t, 7, bal.Balance)
		assert.EqualValues(t, 3, bal.LifetimeSpent)

		entries, err := s.Entries(ctx, "alice", 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.EqualValues(t, -3, entries[0].Amount)
		assert.Equal(t, EntryDeduct, entries[0].Type)
		assert.Equal(t, "task-1", entries[0].Reference)
		assert.EqualValues(t, 7, entries[0].BalanceAfter)
		assert.Equal(t, 200, entries[0].TokensOut)

		rec, err := s.Reconcile(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, rec.Consistent)
		assert.EqualValues(t, -3, rec.LedgerSum)
	})

	t.Run("same reference is charged once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.OpenAccount(ctx, "bob", 10)
		require.NoError(t, err)

		req := ChargeRequest{UserID: "bob", Reference: "task-dup", Cost: 4}
		first, err := s.Charge(ctx, req)
		require.NoError(t, err)
		second, err := s.Charge(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, StatusCharged, first.Status)
		assert.Equal(t, StatusAlreadyCharged, second.Status)
		assert.EqualValues(t, 6, second.BalanceAfter)

		bal, _ := s.Balance(ctx, "bob")
		assert.EqualValues(t, 6, bal.Balance)
		entries, _ := s.Entries(ctx, "bob", 0)
		assert.Len(t, entries, 1)
	})

	t.Run("insufficient balance records shortfall", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.OpenAccount(ctx, "carol", 1)
		require.NoError(t, err)

		res, err := s.Charge(ctx, ChargeRequest{UserID: "carol", Reference: "task-big", Cost: 5, Model: "opus"})
		require.NoError(t, err)
		assert.Equal(t, StatusShortfall, res.Status)
		assert.EqualValues(t, 1, res.Available)
		require.NotNil(t, res.Err())
		assert.Equal(t, types.ErrInsufficientCredit, res.Err().Code)

		bal, _ := s.Balance(ctx, "carol")
		assert.EqualValues(t, 1, bal.Balance)

		sfs, err := s.Shortfalls(ctx, "carol", 10)
		require.NoError(t, err)
		require.Len(t, sfs, 1)
		assert.EqualValues(t, 5, sfs[0].Required)
		assert.EqualValues(t, 1, sfs[0].Available)
		assert.Equal(t, "opus", sfs[0].Model)

		again, err := s.Charge(ctx, ChargeRequest{UserID: "carol", Reference: "task-big", Cost: 5})
		require.NoError(t, err)
		assert.Equal(t, StatusShortfall, again.Status)
		sfs, _ = s.Shortfalls(ctx, "carol", 10)
		assert.Len(t, sfs, 1)

		entries, _ := s.Entries(ctx, "carol", 0)
		assert.Empty(t, entries)
	})

	t.Run("missing account is a shortfall", func(t *testing.T) {
		s := newStore(t)
		res, err := s.Charge(context.Background(), ChargeRequest{UserID: "ghost", Reference: "t", Cost: 1})
		require.NoError(t, err)
		assert.Equal(t, StatusShortfall, res.Status)
		assert.EqualValues(t, 0, res.Available)

		_, err = s.Balance(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("zero cost writes nothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, _ = s.OpenAccount(ctx, "dave", 0)
		res, err := s.Charge(ctx, ChargeRequest{UserID: "dave", Reference: "free", Cost: 0})
		require.NoError(t, err)
		assert.Equal(t, StatusNoCharge, res.Status)
		entries, _ := s.Entries(ctx, "dave", 0)
		assert.Empty(t, entries)
	})

	t.Run("invalid requests", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Charge(ctx, ChargeRequest{UserID: "x", Cost: 1})
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = s.Charge(ctx, ChargeRequest{UserID: "x", Reference: "r", Cost: -1})
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = s.Credit(ctx, CreditRequest{UserID: "x", Reference: "r", Amount: 5, Type: EntryDeduct})
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = s.Credit(ctx, CreditRequest{UserID: "x", Reference: "r", Amount: 0, Type: EntryPurchase})
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = s.OpenAccount(ctx, "x", -1)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("credit is idempotent and reconciles", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.OpenAccount(ctx, "erin", 5)
		require.NoError(t, err)

		bal, err := s.Credit(ctx, CreditRequest{UserID: "erin", Amount: 100, Type: EntryPurchase, Reference: "order-1"})
		require.NoError(t, err)
		assert.EqualValues(t, 105, bal.Balance)

		bal, err = s.Credit(ctx, CreditRequest{UserID: "erin", Amount: 100, Type: EntryPurchase, Reference: "order-1"})
		require.NoError(t, err)
		assert.EqualValues(t, 105, bal.Balance)

		_, err = s.Credit(ctx, CreditRequest{UserID: "erin", Amount: 7, Type: EntryBonus, Reference: "promo"})
		require.NoError(t, err)
		_, err = s.Charge(ctx, ChargeRequest{UserID: "erin", Reference: "t1", Cost: 12})
		require.NoError(t, err)

		rec, err := s.Reconcile(ctx, "erin")
		require.NoError(t, err)
		assert.True(t, rec.Consistent)
		assert.EqualValues(t, 100, rec.Balance)
		assert.EqualValues(t, 95, rec.LedgerSum)
		assert.Equal(t, 3, rec.Entries)

		// 新用户通过充值自动开户
		bal, err = s.Credit(ctx, CreditRequest{UserID: "frank", Amount: 3, Type: EntryRefund, Reference: "refund-1"})
		require.NoError(t, err)
		assert.EqualValues(t, 3, bal.Balance)
		assert.EqualValues(t, 0, bal.InitialSeed)
	})

	t.Run("open account is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.OpenAccount(ctx, "gina", 50)
		require.NoError(t, err)
		_, err = s.Charge(ctx, ChargeRequest{UserID: "gina", Reference: "t", Cost: 10})
		require.NoError(t, err)
		bal, err := s.OpenAccount(ctx, "gina", 999)
		require.NoError(t, err)
		assert.EqualValues(t, 40, bal.Balance)
		assert.EqualValues(t, 50, bal.InitialSeed)
	})

	t.Run("concurrent charges never overdraw", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.OpenAccount(ctx, "hank", 50)
		require.NoError(t, err)

		var charged, short atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := s.Charge(ctx, ChargeRequest{UserID: "hank", Reference: fmt.Sprintf("c-%d", i), Cost: 1})
				if !assert.NoError(t, err) {
					return
				}
				switch res.Status {
				case StatusCharged:
					charged.Add(1)
				case StatusShortfall:
					short.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.EqualValues(t, 50, charged.Load())
		assert.EqualValues(t, 50, short.Load())
		bal, _ := s.Balance(ctx, "hank")
		assert.EqualValues(t, 0, bal.Balance)
		rec, err := s.Reconcile(ctx, "hank")
		require.NoError(t, err)
		assert.True(t, rec.Consistent)
	})

	t.Run("ledger invariants hold for any operation sequence", func(t *testing.T) {
		s := newStore(t)
		var n atomic.Int64
		rapid.Check(t, func(rt *rapid.T) {
			ctx := context.Background()
			id := n.Add(1)
			user := fmt.Sprintf("prop-%d", id)
			seed := int64(rapid.IntRange(0, 50).Draw(rt, "seed"))
			if _, err := s.OpenAccount(ctx, user, seed); err != nil {
				rt.Fatalf("open: %v", err)
			}

			ops := rapid.IntRange(1, 25).Draw(rt, "ops")
			for i := 0; i < ops; i++ {
				amount := int64(rapid.IntRange(0, 30).Draw(rt, "amount"))
				ref := fmt.Sprintf("%s-%d", user, rapid.IntRange(0, ops).Draw(rt, "ref"))
				var err error
				if rapid.Bool().Draw(rt, "credit") && amount > 0 {
					_, err = s.Credit(ctx, CreditRequest{UserID: user, Amount: amount, Type: EntryPurchase, Reference: "cr-" + ref})
				} else {
					_, err = s.Charge(ctx, ChargeRequest{UserID: user, Reference: ref, Cost: amount})
				}
				if err != nil {
					rt.Fatalf("op %d: %v", i, err)
				}

				rec, err := s.Reconcile(ctx, user)
				if err != nil {
					rt.Fatalf("reconcile: %v", err)
				}
				if rec.Balance < 0 {
					rt.Fatalf("negative balance %d", rec.Balance)
				}
				if !rec.Consistent {
					rt.Fatalf("ledger sum %d != balance %d - seed %d", rec.LedgerSum, rec.Balance, rec.InitialSeed)
				}
			}
		})
	})
}
