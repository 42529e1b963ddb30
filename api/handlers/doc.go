// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 MultiQuery HTTP API 的请求处理器。

# 核心类型

  - QueryHandler       — 提交查询，事件以 SSE 或 WebSocket 推送
  - CreditsHandler     — 当前用户的余额、账本与差额记录
  - ModelConfigHandler — 清空模型配置缓存并广播到其他实例
  - ProvidersHandler   — 已注册的适配器及冷却状态
  - HealthHandler      — /health、/healthz、/ready、/version
  - Response / ErrorInfo — 统一 JSON 响应结构
  - ResponseWriter     — 捕获状态码，保留 Flush 与 Hijack

客户端断开连接时，QueryHandler 取消查询并读空事件流；
已完成的引擎照常计费，未完成的以 cancelled 结束且不计费。
*/
package handlers
