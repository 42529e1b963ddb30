// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package query 把一个 prompt 并发分发给多个引擎（provider/model），
收集流式输出，透明地从瞬时故障中恢复，并对每个交付的结果恰好计费一次。

# 流程

	Submit ─► modelconfig.Cache.Get ─► blocked? ─► 每个引擎一个 goroutine
	         ratelimit.Wait ─► circuitbreaker.Allow ─► retry.Machine ─► llm.Provider.Stream
	         completed ─► billing.Meter.Charge ─► Summary

# 保证

  - 同一任务的事件按接收顺序发出，任务之间没有顺序。
  - 一个引擎的延迟或失败不会影响其他引擎。
  - 被禁用或没有适配器的引擎在分发前进入 blocked，不产生网络请求。
  - 取消时未完成的任务以 cancelled 结束，保留部分内容，永不计费；
    已完成任务的计费使用 context.WithoutCancel，不会因取消丢失。
  - 额度不足时内容照常返回，Summary.Shortfall 为 true 并记录
    INSUFFICIENT_CREDIT。
*/
package query
