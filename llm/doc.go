/*
包 llm 提供多上游模型接入的规范化层。

# 概述

不同模型服务商在鉴权、请求体、结束语义和流式协议上各不相同。本包定义
统一的请求、增量与用量模型，由 llm/providers 下的协议适配器负责与具体
上游互译，上层调度器只面对 [Provider] 接口。

# 核心类型

  - [Provider]：协议适配器接口，提供 Name / Stream
  - [ProviderRegistry]：按 provider ID 查找适配器的并发安全注册表
  - [ChatRequest] / [StreamChunk] / [ChatUsage]：规范化请求、增量与用量
  - [FinishReason]：归一化结束原因，stop 或 length

# 子包

  - providers：SSE / 行分隔 JSON 解码与 HTTP 错误映射，以及各家适配器
  - retry：错误分类与指数退避状态机
  - circuitbreaker：按上游的限流冷却熔断
  - ratelimit：按 provider/model 的请求速率限制
  - modelconfig：模型白名单与参数的 TTL 读穿缓存
  - billing：用量计费与积分账本
  - tokenizer：上游未返回用量时的 token 估算
*/
package llm
