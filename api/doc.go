// Package api 定义 MultiQuery HTTP 接口的请求与响应结构。
//
// # 接口
//
//	POST /api/v1/queries              提交查询，响应为 text/event-stream
//	GET  /api/v1/queries/ws           WebSocket，第一帧为 {"type":"submit","query":{...}}
//	GET  /api/v1/credits              当前用户余额与最近账本
//	GET  /api/v1/providers            已注册的适配器及冷却状态
//	POST /api/v1/modelconfig/invalidate  清空所有实例的模型配置缓存
//
// # 鉴权
//
// 配置了 auth.secret 时使用 Bearer JWT，用户 ID 取自 sub（或 user_id）声明；
// 否则从 auth.user_header 指定的请求头读取。
//
// # 事件流
//
// 每个 SSE 事件的 event 字段为事件类型（started、delta、retrying、completed 等），
// data 为 JSON。最后一个事件是 query_done，携带全部引擎的汇总。
package api
