package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/multiquery/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLimiters_UnlimitedWhenRPMZero(t *testing.T) {
	l := New(zap.NewNop())
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "openai", "gpt", 0))
	}
	assert.Equal(t, 0, l.Len())
}

func TestLimiters_BurstThenBlocks(t *testing.T) {
	l := New(nil)
	// 120 rpm => burst 2, 每 500ms 一个令牌
	require.NoError(t, l.Wait(context.Background(), "openai", "gpt", 120))
	require.NoError(t, l.Wait(context.Background(), "openai", "gpt", 120))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "openai", "gpt", 120)
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err), "wait would exceed the deadline")
}

func TestLimiters_KeyedByProviderAndModel(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Wait(context.Background(), "openai", "a", 60))
	require.NoError(t, l.Wait(context.Background(), "openai", "b", 60))
	require.NoError(t, l.Wait(context.Background(), "claude", "a", 60))
	assert.Equal(t, 3, l.Len())
}

func TestLimiters_CancelledContext(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Wait(context.Background(), "p", "m", 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(ctx, "p", "m", 1)
	require.Error(t, err)
	assert.Equal(t, types.ErrCancelled, types.GetErrorCode(err))
}

func TestLimiters_RateChangeApplied(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Wait(context.Background(), "p", "m", 1))
	lim := l.get("p", "m", 6000)
	assert.Equal(t, 100, lim.Burst())
}
