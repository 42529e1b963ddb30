// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 MultiQuery 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 llm、query、api 等上层模块
提供统一的错误码与 Context 传播契约。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记
  - AsError / GetErrorCode / IsRetryable — 沿错误链提取结构化错误

# 主要能力

  - Context 传播：WithTraceID / WithUserID / WithRequestID
*/
package types
