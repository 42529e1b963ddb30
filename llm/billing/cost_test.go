package billing

import (
	"math"
	"testing"

	"github.com/BaSui01/multiquery/llm/modelconfig"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestComputeCost(t *testing.T) {
	tests := []struct {
		name    string
		in, out int
		pricing modelconfig.Pricing
		want    int64
	}{
		{"zero usage", 0, 0, modelconfig.Pricing{InPerMillion: 3, OutPerMillion: 15}, 0},
		{"exact million", 1_000_000, 1_000_000, modelconfig.Pricing{InPerMillion: 3, OutPerMillion: 15}, 18},
		{"rounds up fraction", 1, 0, modelconfig.Pricing{InPerMillion: 3}, 1},
		{"sub-unit sums then ceil", 200_000, 100_000, modelconfig.Pricing{InPerMillion: 2.5, OutPerMillion: 10}, 2},
		{"free model", 5000, 5000, modelconfig.Pricing{}, 0},
		{"negative tokens floored", -100, -5, modelconfig.Pricing{InPerMillion: 3, OutPerMillion: 15}, 0},
		{"negative price ignored", 1_000_000, 0, modelconfig.Pricing{InPerMillion: -4}, 0},
		{"fractional price precision", 3_000_000, 0, modelconfig.Pricing{InPerMillion: 0.15}, 1},
		{"large volume", 2_000_000_000, 0, modelconfig.Pricing{InPerMillion: 1e6}, 2_000_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeCost(tt.in, tt.out, tt.pricing))
		})
	}
}

func TestComputeCost_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		in := rapid.IntRange(0, 10_000_000).Draw(rt, "in")
		out := rapid.IntRange(0, 10_000_000).Draw(rt, "out")
		p := modelconfig.Pricing{
			InPerMillion:  float64(rapid.IntRange(0, 100_000).Draw(rt, "inMicro")) / 1000,
			OutPerMillion: float64(rapid.IntRange(0, 100_000).Draw(rt, "outMicro")) / 1000,
		}
		cost := ComputeCost(in, out, p)

		if cost < 0 {
			rt.Fatalf("negative cost %d", cost)
		}
		exact := float64(in)/1e6*p.InPerMillion + float64(out)/1e6*p.OutPerMillion
		if float64(cost) < exact-1e-6 || float64(cost) > math.Ceil(exact)+1e-6 {
			rt.Fatalf("cost %d out of range for exact %f", cost, exact)
		}
		// 单调：多用 token 不会更便宜
		if ComputeCost(in+1, out, p) < cost {
			rt.Fatalf("cost not monotonic in input tokens")
		}
	})
}
