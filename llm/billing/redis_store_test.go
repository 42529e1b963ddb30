package billing

import (
	"context"
	"testing"

	"github.com/BaSui01/multiquery/internal/cache"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedisStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	mgr, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "mq:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return NewRedisStore(mgr, zap.NewNop())
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, newRedisStore)
}

func TestRedisStore_KeysShareHashSlot(t *testing.T) {
	s := newRedisStore(t).(*RedisStore)
	account, ledger, refs, shortfalls := s.keys("u1")
	for _, k := range []string{account, ledger, refs, shortfalls} {
		assert.Contains(t, k, "{u1}")
	}
}

func TestParsePrior(t *testing.T) {
	res, err := parsePrior("charged:4:6")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyCharged, res.Status)
	assert.EqualValues(t, 4, res.Cost)
	assert.EqualValues(t, 6, res.BalanceAfter)

	res, err = parsePrior("shortfall:5:1")
	require.NoError(t, err)
	assert.Equal(t, StatusShortfall, res.Status)
	assert.EqualValues(t, 1, res.Available)

	_, err = parsePrior("garbage")
	assert.Error(t, err)

	_, err = (&RedisStore{}).OpenAccount(context.Background(), "", 0)
	assert.Error(t, err)
}
