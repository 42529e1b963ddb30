// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
包 metrics 提供基于 Prometheus 的指标采集。

Collector 通过 promauto.With 注册到调用方传入的 Registerer，
测试里每个用例可以使用独立的 prometheus.NewRegistry()。

覆盖的维度：

  - HTTP：请求总数、耗时、响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 引擎任务：终态计数、运行时长、在途任务数、重试与退避时长、
    token 用量、输出上限裁剪次数。
  - 冷却熔断：状态变化计数。
  - 计费：扣费结果计数与实际扣除额度。
  - 配置缓存：按 fresh/stale/default 来源统计查询。
  - 数据库：连接池活跃/空闲连接数。

所有 Record 方法对 nil *Collector 安全。
*/
package metrics
