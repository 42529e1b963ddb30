// Package retry 提供引擎任务的错误分类与重试状态机。
//
// Classify 把适配器返回的错误归入错误码体系并判定是否可重试；
// Machine 驱动 Pending → Streaming → {Completed | Failed | Retrying → Streaming}，
// 退避序列由 cenkalti/backoff 的 ExponentialBackOff 生成。
package retry
