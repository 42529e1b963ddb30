// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 cache 封装共享的 Redis 客户端。

Manager 负责连接生命周期（初始化、健康检查、关闭），并提供：

  - 键值读写：Get/Set/Delete/Exists，以及 GetJSON/SetJSON；
  - 发布订阅：Publish/Subscribe，用于模型配置失效广播；
  - Lua 脚本：Run，用于 Redis 额度账本的原子扣费。

未命中返回 ErrCacheMiss，关闭后的调用返回 ErrClosed。
*/
package cache
