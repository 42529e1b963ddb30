// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

包 providers 是所有协议适配器的公共基础层：流式帧切分、坏帧容忍、
终止判定与 HTTP 错误映射都在这里实现一次，各上游子包（openaicompat、
anthropic、gemini）只负责各自的请求体与事件语义。

# 核心类型

  - BaseProviderConfig — 适配器共享配置（APIKey、BaseURL、Model、HeaderTimeout、MalformedThreshold、
    MaxConnections、IdleConnTimeout）；Upstream() 生成该上游独占的连接设置
  - SSEDecoder — text/event-stream 解码，跨读取边界缓冲不完整的帧
  - LineDecoder — 行分隔 JSON 解码，兼容逐行输出的 JSON 数组
  - StreamWriter — 规范化增量输出：坏帧计数、结束原因与用量合并、提前断流判定
  - OpenAICompat* 系列 — OpenAI 兼容 API 的请求/响应结构体

# 核心函数

  - MapHTTPError / MapResponseError — HTTP 状态到错误码的映射（含 Retry-After）
  - MapTransportError — 网络错误映射，区分取消、超时与连接失败
  - ChooseModel — 按优先级选择模型（请求 > 默认 > 兜底）
*/
package providers
