// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 是 MultiQuery 查询网关的可执行入口。

子命令：

  - serve：加载 YAML 配置（环境变量 MULTIQUERY_* 覆盖），按顺序初始化
    遥测、数据库（可选自动迁移）、Redis、模型配置存储与缓存、额度账本、
    适配器注册表和 Dispatcher，然后启动 HTTP 与 Metrics 服务。
  - migrate：up、down、steps、status、info、version、force、reset。
  - health：请求 /health（--ready 时请求 /ready）。
  - version：打印构建注入的版本信息。

中间件链由外到内：Recovery、RequestID、SecurityHeaders、OTelTracing、
MetricsMiddleware、RequestLogger、CORS、Auth（JWT HS256/RS256，未配置密钥时
信任用户请求头）、RateLimiter（按用户，匿名按 IP）。

models 段在 config_store=static 且指定了配置文件时支持热重载；
其他存储通过 POST /api/v1/modelconfig/invalidate 经 Redis 广播失效。
*/
package main
