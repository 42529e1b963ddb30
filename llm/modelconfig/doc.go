// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package modelconfig 提供 provider/model 级的白名单、输出上限、速率限制与定价配置。

# 读取路径

Cache 是进程内的读穿透 TTL 缓存：

  - 条目未过 TTL 时直接返回，即使存储已经变化；
  - 过期后刷新，同一个键的并发刷新合并为一次（singleflight）；
  - 刷新失败返回上次成功的值（Fresh=false, Source=stale）；
  - 从未成功读取时返回兜底配置（Source=default）。

存储返回 ErrNotFound 表示未加入白名单，缓存为禁用快照。

# 存储

  - GormStore：provider_model_configs 表，model_id 为空的行是 provider 级配置；
  - RedisStore：多实例共享的二级缓存，位于 GormStore 之前；
  - StaticStore：来自 YAML 配置的静态表。

# 失效

只有 TTL 过期或显式 Clear 两种失效方式。Invalidator 通过 Redis 发布订阅
在所有实例上调用 Clear。
*/
package modelconfig
