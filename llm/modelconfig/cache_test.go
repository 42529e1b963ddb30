package modelconfig

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore 包装 StaticStore，可注入错误与延迟并计数
type flakyStore struct {
	*StaticStore
	calls atomic.Int32
	err   atomic.Pointer[error]
	delay time.Duration
}

func newFlakyStore(cfgs ...ProviderModelConfig) *flakyStore {
	return &flakyStore{StaticStore: NewStaticStore(cfgs...)}
}

func (s *flakyStore) fail(err error) { s.err.Store(&err) }
func (s *flakyStore) heal()          { s.err.Store(nil) }

func (s *flakyStore) Get(ctx context.Context, p, m string) (*ProviderModelConfig, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if e := s.err.Load(); e != nil {
		return nil, *e
	}
	return s.StaticStore.Get(ctx, p, m)
}

func gpt(enabled bool) ProviderModelConfig {
	return ProviderModelConfig{
		ProviderID: "openai", ModelID: "gpt-4o", Enabled: enabled,
		MaxOutputCap: 2048, RateLimitRPM: 600, TimeoutSeconds: 30, RetryCount: 4,
		Pricing: Pricing{InPerMillion: 2.5, OutPerMillion: 10},
	}
}

func newTestCache(store Store, clock *fakeClock) *Cache {
	opts := DefaultCacheOptions()
	opts.TTL = 5 * time.Minute
	opts.FailureBackoff = 0
	return NewCache(store, opts, zap.NewNop(), WithClock(clock.Now))
}

func TestCache_FreshHitDoesNotTouchStore(t *testing.T) {
	store := newFlakyStore(gpt(true))
	clock := newFakeClock()
	c := newTestCache(store, clock)

	l := c.Get(context.Background(), "openai", "gpt-4o")
	require.True(t, l.Fresh)
	assert.Equal(t, SourceFresh, l.Source)
	assert.True(t, l.Config.Enabled)
	assert.Equal(t, 2048, l.Config.MaxOutputCap)
	assert.Equal(t, clock.Now(), l.FetchedAt)

	clock.Advance(4 * time.Minute)
	l = c.Get(context.Background(), "openai", "gpt-4o")
	assert.True(t, l.Fresh)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestCache_DisabledMidTTLKeepsServingUntilExpiry(t *testing.T) {
	store := newFlakyStore(gpt(true))
	clock := newFakeClock()
	c := newTestCache(store, clock)
	ctx := context.Background()

	require.True(t, c.Get(ctx, "openai", "gpt-4o").Config.Enabled)

	// 2 分钟后在存储中禁用，此时缓存还剩 3 分钟
	clock.Advance(2 * time.Minute)
	store.Put(gpt(false))

	for i := 0; i < 3; i++ {
		l := c.Get(ctx, "openai", "gpt-4o")
		assert.True(t, l.Config.Enabled, "fresh entry is authoritative")
		clock.Advance(time.Minute - time.Second)
	}

	clock.Advance(10 * time.Second)
	l := c.Get(ctx, "openai", "gpt-4o")
	assert.True(t, l.Fresh)
	assert.False(t, l.Config.Enabled)
	assert.Contains(t, l.Config.Reason(), "disabled")
}

func TestCache_StaleOnStoreFailure(t *testing.T) {
	store := newFlakyStore(gpt(true))
	clock := newFakeClock()
	c := newTestCache(store, clock)
	ctx := context.Background()

	first := c.Get(ctx, "openai", "gpt-4o")
	clock.Advance(6 * time.Minute)
	store.fail(errors.New("connection refused"))

	l := c.Get(ctx, "openai", "gpt-4o")
	assert.False(t, l.Fresh)
	assert.Equal(t, SourceStale, l.Source)
	assert.Equal(t, first.FetchedAt, l.FetchedAt)
	assert.True(t, l.Config.Enabled)

	store.heal()
	l = c.Get(ctx, "openai", "gpt-4o")
	assert.True(t, l.Fresh)
	assert.Equal(t, clock.Now(), l.FetchedAt)
}

func TestCache_DefaultWhenNeverLoaded(t *testing.T) {
	store := newFlakyStore()
	store.fail(errors.New("store down"))
	c := newTestCache(store, newFakeClock())

	l := c.Get(context.Background(), "claude", "sonnet")
	assert.Equal(t, SourceDefault, l.Source)
	assert.False(t, l.Fresh)
	assert.Equal(t, "claude", l.Config.ProviderID)
	assert.Equal(t, "sonnet", l.Config.ModelID)
	assert.Equal(t, SafetyDefault().MaxOutputCap, l.Config.MaxOutputCap)
}

func TestCache_NotFoundIsDisabled(t *testing.T) {
	c := newTestCache(newFlakyStore(), newFakeClock())
	l := c.Get(context.Background(), "openai", "unknown")
	assert.True(t, l.Fresh)
	assert.False(t, l.Config.Enabled)
	assert.Contains(t, l.Config.Reason(), "not whitelisted")
}

func TestCache_FailureBackoffSkipsStore(t *testing.T) {
	store := newFlakyStore(gpt(true))
	store.fail(errors.New("timeout"))
	clock := newFakeClock()
	opts := DefaultCacheOptions()
	opts.FailureBackoff = 10 * time.Second
	c := NewCache(store, opts, nil, WithClock(clock.Now))

	c.Get(context.Background(), "openai", "gpt-4o")
	c.Get(context.Background(), "openai", "gpt-4o")
	assert.Equal(t, int32(1), store.calls.Load())

	clock.Advance(11 * time.Second)
	c.Get(context.Background(), "openai", "gpt-4o")
	assert.Equal(t, int32(2), store.calls.Load())
}

func TestCache_ClearForcesRefresh(t *testing.T) {
	store := newFlakyStore(gpt(true))
	c := newTestCache(store, newFakeClock())
	ctx := context.Background()

	c.Get(ctx, "openai", "gpt-4o")
	store.Put(gpt(false))
	assert.True(t, c.Get(ctx, "openai", "gpt-4o").Config.Enabled)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Get(ctx, "openai", "gpt-4o").Config.Enabled)
}

func TestCache_ConcurrentRefreshIsDeduplicated(t *testing.T) {
	store := newFlakyStore(gpt(true))
	store.delay = 50 * time.Millisecond
	c := newTestCache(store, newFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := c.Get(context.Background(), "openai", "gpt-4o")
			assert.True(t, l.Config.Enabled)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, store.calls.Load(), int32(2))
}

// hangingStore 在 release 关闭前一直阻塞（或直到 ctx 结束）
type hangingStore struct {
	*StaticStore
	hang    atomic.Bool
	release chan struct{}
}

func (s *hangingStore) Get(ctx context.Context, p, m string) (*ProviderModelConfig, error) {
	if s.hang.Load() {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.StaticStore.Get(ctx, p, m)
}

func TestCache_ExpiredEntryServedStaleWhileStoreHangs(t *testing.T) {
	store := &hangingStore{StaticStore: NewStaticStore(gpt(true)), release: make(chan struct{})}
	clock := newFakeClock()
	opts := DefaultCacheOptions()
	opts.StoreTimeout = 10 * time.Second
	opts.RevalidateWait = 20 * time.Millisecond
	c := NewCache(store, opts, zap.NewNop(), WithClock(clock.Now))
	ctx := context.Background()

	first := c.Get(ctx, "openai", "gpt-4o")
	require.True(t, first.Fresh)

	store.hang.Store(true)
	store.Put(gpt(false))
	clock.Advance(10 * time.Minute)

	start := time.Now()
	l := c.Get(ctx, "openai", "gpt-4o")
	assert.Less(t, time.Since(start), time.Second, "lookup must not wait for the store timeout")
	assert.Equal(t, SourceStale, l.Source)
	assert.True(t, l.Config.Enabled)
	assert.Equal(t, first.FetchedAt, l.FetchedAt)

	// 存储恢复后，后台刷新把新值写回缓存
	close(store.release)
	store.hang.Store(false)
	assert.Eventually(t, func() bool {
		l := c.Get(ctx, "openai", "gpt-4o")
		return l.Fresh && !l.Config.Enabled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCache_ZeroRevalidateWaitNeverBlocksOnExpiredEntry(t *testing.T) {
	store := &hangingStore{StaticStore: NewStaticStore(gpt(true)), release: make(chan struct{})}
	t.Cleanup(func() { close(store.release) })
	clock := newFakeClock()
	opts := DefaultCacheOptions()
	opts.StoreTimeout = 10 * time.Second
	opts.RevalidateWait = 0
	opts.FailureBackoff = 0
	c := NewCache(store, opts, nil, WithClock(clock.Now))

	c.Get(context.Background(), "openai", "gpt-4o")
	store.hang.Store(true)
	clock.Advance(6 * time.Minute)

	for i := 0; i < 5; i++ {
		start := time.Now()
		l := c.Get(context.Background(), "openai", "gpt-4o")
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.Equal(t, SourceStale, l.Source)
	}
}

func TestCache_ReturnedConfigIsACopy(t *testing.T) {
	c := newTestCache(newFlakyStore(gpt(true)), newFakeClock())
	l := c.Get(context.Background(), "openai", "gpt-4o")
	l.Config.Enabled = false
	assert.True(t, c.Get(context.Background(), "openai", "gpt-4o").Config.Enabled)
}

func TestCache_OnLookupHook(t *testing.T) {
	var sources []Source
	opts := DefaultCacheOptions()
	opts.OnLookup = func(_, _ string, src Source) { sources = append(sources, src) }
	c := NewCache(newFlakyStore(gpt(true)), opts, nil)

	c.Get(context.Background(), "openai", "gpt-4o")
	c.Get(context.Background(), "openai", "gpt-4o")
	assert.Equal(t, []Source{SourceFresh, SourceFresh}, sources)
}

func TestStaticStore_ProviderRowFallback(t *testing.T) {
	s := NewStaticStore(
		ProviderModelConfig{ProviderID: "claude", Enabled: true, MaxOutputCap: 8192, RateLimitRPM: 50},
		ProviderModelConfig{ProviderID: "claude", ModelID: "opus", Enabled: true, MaxOutputCap: 4096},
	)
	ctx := context.Background()

	cfg, err := s.Get(ctx, "claude", "opus")
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.MaxOutputCap)
	assert.Equal(t, 50, cfg.RateLimitRPM, "inherited from provider row")

	cfg, err = s.Get(ctx, "claude", "haiku")
	require.NoError(t, err)
	assert.Equal(t, "haiku", cfg.ModelID)
	assert.Equal(t, 8192, cfg.MaxOutputCap)

	_, err = s.Get(ctx, "gemini", "flash")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStaticStore_ProviderDisabledWins(t *testing.T) {
	s := NewStaticStore(
		ProviderModelConfig{ProviderID: "grok", Enabled: false},
		ProviderModelConfig{ProviderID: "grok", ModelID: "grok-3", Enabled: true},
	)
	cfg, err := s.Get(context.Background(), "grok", "grok-3")
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "provider grok is disabled", cfg.Reason())
}

func TestProviderModelConfig_Validate(t *testing.T) {
	ok := gpt(true)
	assert.NoError(t, ok.Validate())

	noProvider := gpt(true)
	noProvider.ProviderID = ""
	assert.Error(t, noProvider.Validate())

	negative := gpt(true)
	negative.Pricing.OutPerMillion = -1
	assert.Error(t, negative.Validate())

	assert.Equal(t, 30*time.Second, ok.Timeout())
}
