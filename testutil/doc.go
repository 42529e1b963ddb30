// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package testutil 提供测试共享的辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel / Drain
  - 流式辅助: CollectStreamChunks / CollectStreamContent

# 子包

  - testutil/mocks: 脚本化的 MockProvider，每次 Stream 调用回放一个 Step
    （成功、连接失败、中途错误帧、挂起）
  - testutil/fixtures: 模型配置工厂（启用/禁用/provider 级）

# 使用示例

	p := mocks.NewMockProvider("openai",
		mocks.Fail(mocks.RateLimited("openai")),
		mocks.Success(nil, "hello", " world"),
	)
*/
package testutil
