package retry

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 4, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 32*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, p.Delays())
}

func TestRetryPolicy_CapsAtMaxDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	p.MaxRetries = 8
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 32 * time.Second, 32 * time.Second,
	}, p.Delays())
}

func TestRetryPolicy_Normalize(t *testing.T) {
	p := RetryPolicy{MaxRetries: -1, Multiplier: 0.5}.Normalize()
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 32*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
}

func TestRetryPolicy_JitterStaysInBand(t *testing.T) {
	p := DefaultRetryPolicy()
	p.Jitter = true
	b := p.NewBackOff()
	for i, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		d := b.NextBackOff()
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75), "retry %d", i)
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25)+1, "retry %d", i)
	}
}

// 属性：第 n 次重试的延迟 = min(MaxDelay, InitialDelay × Multiplier^n)
func TestProperty_DelayFormula(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("delay follows capped exponential", prop.ForAll(
		func(baseMs int, maxMs int, retries int) bool {
			p := RetryPolicy{
				MaxRetries:   retries,
				InitialDelay: time.Duration(baseMs) * time.Millisecond,
				MaxDelay:     time.Duration(baseMs+maxMs) * time.Millisecond,
				Multiplier:   2,
			}
			for n, got := range p.Delays() {
				want := math.Min(float64(p.MaxDelay), float64(p.InitialDelay)*math.Pow(2, float64(n)))
				if math.Abs(float64(got)-want) > float64(time.Millisecond) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 2000),
		gen.IntRange(0, 60000),
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}
