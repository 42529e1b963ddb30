package billing

import (
	"testing"

	"github.com/BaSui01/multiquery/internal/database"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newGormStore(t *testing.T) Store {
	t.Helper()
	pool, err := database.Open("sqlite", ":memory:", database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	s := NewGormStore(pool, zap.NewNop())
	require.NoError(t, s.AutoMigrate())
	return s
}

func TestGormStore(t *testing.T) {
	runStoreContract(t, newGormStore)
}
