// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 database 管理额度账本和模型配置表所用的 GORM 连接。

Open 按驱动名（postgres、mysql、sqlite）选择方言并建立连接池；
PoolManager 负责连接参数、后台健康检查与关闭。

WithTransactionRetry 在死锁、序列化冲突、SQLite 忙等瞬时错误时
以指数退避重试整个事务，业务错误原样返回。
*/
package database
