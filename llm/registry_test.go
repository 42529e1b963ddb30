package llm

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Stream(context.Context, *ChatRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func TestProviderRegistry_RegisterGetList(t *testing.T) {
	r := NewProviderRegistry()
	r.Register("openai", &stubProvider{name: "openai"})
	r.Register("claude", &stubProvider{name: "claude"})

	p, ok := r.Get("openai")
	assert.True(t, ok)
	assert.Equal(t, "openai", p.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"claude", "openai"}, r.List())
	assert.Equal(t, 2, r.Len())

	r.Unregister("claude")
	assert.Equal(t, []string{"openai"}, r.List())
}

func TestProviderRegistry_ConcurrentAccess(t *testing.T) {
	r := NewProviderRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("p", &stubProvider{name: "p"})
		}()
		go func() {
			defer wg.Done()
			_, _ = r.Get("p")
			_ = r.List()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, r.Len())
}
