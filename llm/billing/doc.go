// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package billing 实现用量计费与额度账本。

ComputeCost 按每百万 token 价格计算整数额度，向上取整，不小于 0。

Store 把“检查余额、扣减、记账”作为一个不可分割的操作暴露：

  - GormStore 在事务内用条件更新扣减，同一用户的并发扣费在行锁上串行；
  - RedisStore 用一个 Lua 脚本完成全部步骤，每个用户的键落在同一个槽。

余额不足时余额不变，写入一条 Shortfall 记录，结果状态为 StatusShortfall。
同一 Reference 的重复扣费返回 StatusAlreadyCharged。

Meter 在进程内按任务 ID 去重，保证每个完成的任务只发起一次扣费。
*/
package billing
