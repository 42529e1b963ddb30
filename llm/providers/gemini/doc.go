/*
# 概述

包 gemini 提供 Google Gemini 的流式协议适配器，直接对接
generativelanguage.googleapis.com 的 streamGenerateContent 接口。

# 协议差异

  - 使用 x-goog-api-key 请求头认证，模型名位于 URL 路径中
  - system 消息映射为 systemInstruction，assistant 映射为 model 角色
  - 流式响应为逐行 JSON 对象（兼容 JSON 数组的逐行输出），由
    providers.LineDecoder 切分
  - 没有独立终止标记：候选项出现 finishReason 即视为完成，
    MAX_TOKENS 归一化为 length
  - 用量来自 usageMetadata（prompt / candidates / total）
*/
package gemini
