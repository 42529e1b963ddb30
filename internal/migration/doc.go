// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 MultiQuery 的数据库 Schema，基于 golang-migrate，
支持 PostgreSQL、MySQL 与 SQLite。

# 表

  - credit_balances：每个用户的积分余额，余额不得为负。
  - credit_ledger_entries：扣费与退款流水，reference 唯一，重复扣费被拒绝。
  - credit_shortfalls：结算时余额不足的差额记录。
  - provider_model_configs：按 (provider, model) 的运行时配置。

SQL 文件按方言内嵌在 migrations/ 下。sqlite 通过 database/sql 的
"sqlite" 驱动名打开，驱动本身由调用方引入。

# 入口

  - NewMigratorFromConfig / NewMigratorFromDatabaseConfig / NewMigratorFromURL
  - CLI：multiquery migrate 子命令的输出层
*/
package migration
