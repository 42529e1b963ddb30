package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)

	manager, err := NewManager(Config{
		Addr:       mr.Addr(),
		KeyPrefix:  "mq:",
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestManager_SetAndGet(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", time.Minute))
	value, err := manager.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	require.NoError(t, manager.Delete(ctx, "k"))
	_, err = manager.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_DefaultTTLApplied(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(2 * time.Minute)
	_, err := manager.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestManager_JSON(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	type row struct {
		Provider string `json:"provider"`
		RPM      int    `json:"rpm"`
	}
	require.NoError(t, manager.SetJSON(ctx, "j", row{Provider: "openai", RPM: 60}, time.Minute))

	var got row
	require.NoError(t, manager.GetJSON(ctx, "j", &got))
	assert.Equal(t, row{Provider: "openai", RPM: 60}, got)

	assert.Error(t, manager.SetJSON(ctx, "bad", make(chan int), time.Minute))

	require.NoError(t, manager.Set(ctx, "raw", "not json", time.Minute))
	assert.Error(t, manager.GetJSON(ctx, "raw", &got))
}

func TestManager_Key(t *testing.T) {
	_, manager := setupTestRedis(t)
	assert.Equal(t, "mq:modelconfig:openai:gpt-4o", manager.Key("modelconfig", "openai", "gpt-4o"))
	assert.Equal(t, "mq:", manager.Key())
}

func TestManager_PublishSubscribe(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	ps, err := manager.Subscribe(ctx, "events")
	require.NoError(t, err)
	defer ps.Close()

	require.NoError(t, manager.Publish(ctx, "events", "hello"))

	select {
	case msg := <-ps.Channel():
		assert.Equal(t, "events", msg.Channel)
		assert.Equal(t, "hello", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestManager_RunScript(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	incr := redis.NewScript(`return redis.call("INCRBY", KEYS[1], ARGV[1])`)
	v, err := manager.Run(ctx, incr, []string{"counter"}, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)

	v, err = manager.Run(ctx, incr, []string{"counter"}, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 7, v)
}

func TestManager_ConnectFailure(t *testing.T) {
	manager, err := NewManager(Config{Addr: "localhost:1"}, zap.NewNop())
	assert.Nil(t, manager)
	assert.Error(t, err)
}

func TestManager_Closed(t *testing.T) {
	_, manager := setupTestRedis(t)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	ctx := context.Background()
	_, err := manager.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, manager.Publish(ctx, "c", "p"), ErrClosed)
	assert.ErrorIs(t, manager.Ping(ctx), ErrClosed)
}

func TestManager_ConcurrentOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(id int) {
			defer func() { done <- struct{}{} }()
			key := "concurrent-" + string(rune('0'+id))
			assert.NoError(t, manager.Set(ctx, key, "value", time.Minute))
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	n, err := manager.Exists(ctx, "concurrent-0", "concurrent-9", "missing")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}
