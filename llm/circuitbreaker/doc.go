// Package circuitbreaker 提供按上游的限流冷却熔断。
//
// 同一上游连续被限流达到阈值后进入 Open，冷却期内所有引擎任务对该上游的
// 尝试直接以 COOLDOWN 失败而不发起网络请求；冷却结束后进入 HalfOpen，
// 放行试探请求，成功则恢复 Closed，再次限流则重新冷却。
package circuitbreaker
