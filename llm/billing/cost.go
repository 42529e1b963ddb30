package billing

import (
	"math"
	"math/big"

	"github.com/BaSui01/multiquery/llm/modelconfig"
)

// microPerUnit 价格精度：每百万 token 价格保留到 1e-6
const microPerUnit = 1_000_000

// ComputeCost 计算一次调用的费用（整数额度）：
//
//	ceil(in/1e6 × inPerMillion + out/1e6 × outPerMillion)
//
// 价格先换算为微单位整数，全程整数运算，结果不小于 0。
func ComputeCost(tokensIn, tokensOut int, p modelconfig.Pricing) int64 {
	in := big.NewInt(int64(max(tokensIn, 0)))
	out := big.NewInt(int64(max(tokensOut, 0)))

	total := new(big.Int).Mul(in, big.NewInt(toMicro(p.InPerMillion)))
	total.Add(total, new(big.Int).Mul(out, big.NewInt(toMicro(p.OutPerMillion))))
	if total.Sign() <= 0 {
		return 0
	}

	// tokens × 微单位价格 / (1e6 tokens × 1e6 微单位)
	denom := big.NewInt(microPerUnit * microPerUnit)
	q, r := new(big.Int).QuoRem(total, denom, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsInt64() {
		return math.MaxInt64
	}
	return q.Int64()
}

func toMicro(price float64) int64 {
	if price <= 0 || math.IsNaN(price) {
		return 0
	}
	v := math.Round(price * microPerUnit)
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
