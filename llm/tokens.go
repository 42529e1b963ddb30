package llm

// ClampMaxTokens 返回 min(requested, maxCap)。
// requested <= 0 表示调用方未指定，此时直接使用上限；maxCap <= 0 表示不限。
// clamped 为 true 说明调用方的请求被下调过。
func ClampMaxTokens(requested, maxCap int) (effective int, clamped bool) {
	if maxCap <= 0 {
		if requested < 0 {
			return 0, false
		}
		return requested, false
	}
	if requested <= 0 {
		return maxCap, false
	}
	if requested > maxCap {
		return maxCap, true
	}
	return requested, false
}
