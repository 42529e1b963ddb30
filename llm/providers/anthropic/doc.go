/*
# 概述

包 claude 提供 Anthropic Messages API（/v1/messages）的流式协议适配器，
将规范化请求映射为 Claude 请求体，并把命名 SSE 事件解码为统一增量。

# 协议差异

  - 认证使用 x-api-key 请求头（非 Bearer Token），并携带 anthropic-version
  - system 消息从 messages 数组中提取，单独传递到 system 字段
  - max_tokens 必填，调用方未指定时使用 4096
  - 输入 token 在 message_start 中下发，输出 token 在 message_delta 中下发
  - stop_reason=max_tokens 归一化为 length；message_stop 为终止标记
  - 流中途的 error 事件按类型映射（overloaded_error 可重试）
*/
package claude
