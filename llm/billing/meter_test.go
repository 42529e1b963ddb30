package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BaSui01/multiquery/llm/modelconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingStore 记录 Charge 调用次数，可注入一次性错误
type countingStore struct {
	Store
	charges  atomic.Int32
	failNext atomic.Bool
}

func (c *countingStore) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	c.charges.Add(1)
	if c.failNext.CompareAndSwap(true, false) {
		return nil, errors.New("connection reset by peer")
	}
	return c.Store.Charge(ctx, req)
}

func TestMeter_ChargesOncePerTask(t *testing.T) {
	store := &countingStore{Store: newRedisStore(t)}
	ctx := context.Background()
	_, err := store.OpenAccount(ctx, "u1", 100)
	require.NoError(t, err)

	var hooked atomic.Int32
	m := NewMeter(store, zap.NewNop())
	m.OnCharge = func(Usage, *ChargeResult) { hooked.Add(1) }

	u := Usage{TaskID: "task-1", UserID: "u1", Provider: "openai", Model: "gpt-4o",
		TokensIn: 1_000_000, TokensOut: 500_000, Pricing: modelconfig.Pricing{InPerMillion: 2, OutPerMillion: 8}}

	var wg sync.WaitGroup
	var ok, dup atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Charge(ctx, u)
			if errors.Is(err, ErrAlreadyMetered) {
				dup.Add(1)
				return
			}
			if assert.NoError(t, err) {
				assert.Equal(t, StatusCharged, res.Status)
				assert.EqualValues(t, 6, res.Cost)
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 9, dup.Load())
	assert.EqualValues(t, 1, store.charges.Load())
	assert.EqualValues(t, 1, m.Invocations())
	assert.EqualValues(t, 1, hooked.Load())

	bal, _ := store.Balance(ctx, "u1")
	assert.EqualValues(t, 94, bal.Balance)
}

func TestMeter_ShortfallIsNotAnError(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	_, err := store.OpenAccount(ctx, "poor", 1)
	require.NoError(t, err)

	m := NewMeter(store, nil)
	res, err := m.Charge(ctx, Usage{TaskID: "t", UserID: "poor", TokensOut: 5_000_000,
		Pricing: modelconfig.Pricing{OutPerMillion: 1}})
	require.NoError(t, err)
	assert.Equal(t, StatusShortfall, res.Status)
	assert.EqualValues(t, 5, res.Cost)
	assert.NotNil(t, res.Err())

	bal, _ := store.Balance(ctx, "poor")
	assert.EqualValues(t, 1, bal.Balance)
}

func TestMeter_StoreFailureAllowsRetry(t *testing.T) {
	store := &countingStore{Store: newGormStore(t)}
	ctx := context.Background()
	_, _ = store.OpenAccount(ctx, "u", 10)
	store.failNext.Store(true)

	m := NewMeter(store, nil)
	u := Usage{TaskID: "t-retry", UserID: "u", TokensIn: 1, Pricing: modelconfig.Pricing{InPerMillion: 1}}

	_, err := m.Charge(ctx, u)
	require.Error(t, err)

	res, err := m.Charge(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, StatusCharged, res.Status)
	assert.EqualValues(t, 2, store.charges.Load())

	entries, _ := store.Entries(ctx, "u", 0)
	assert.Len(t, entries, 1)
}

func TestMeter_AutoOpenSeedsNewAccounts(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()

	m := NewMeter(store, nil).AutoOpen(50)
	res, err := m.Charge(ctx, Usage{TaskID: "first", UserID: "newcomer", TokensIn: 2_000_000,
		Pricing: modelconfig.Pricing{InPerMillion: 1}})
	require.NoError(t, err)
	assert.Equal(t, StatusCharged, res.Status)

	bal, err := store.Balance(ctx, "newcomer")
	require.NoError(t, err)
	assert.EqualValues(t, 48, bal.Balance)
	assert.EqualValues(t, 50, bal.InitialSeed)

	rec, err := store.Reconcile(ctx, "newcomer")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestMeter_WithoutAutoOpenMissingAccountIsShortfall(t *testing.T) {
	store := newGormStore(t)
	m := NewMeter(store, nil)
	res, err := m.Charge(context.Background(), Usage{TaskID: "t", UserID: "ghost", TokensIn: 1_000_000,
		Pricing: modelconfig.Pricing{InPerMillion: 1}})
	require.NoError(t, err)
	assert.Equal(t, StatusShortfall, res.Status)
}
