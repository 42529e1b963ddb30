package api

import (
	"time"

	"github.com/BaSui01/multiquery/llm/billing"
)

// =============================================================================
// 查询
// =============================================================================

// Engine 一个被选中的 provider/model
// @Description 引擎选择
type Engine struct {
	// provider id（与 providers 段中的 id 一致）
	Provider string `json:"provider" example:"openai"`
	// 模型名称
	Model string `json:"model" example:"gpt-4o"`
	// 请求的最大输出 token，超过配置上限时被截到上限
	MaxOutputTokens int `json:"max_output_tokens,omitempty" example:"2048"`
}

// QueryRequest 一次多引擎查询。用户身份来自鉴权，不在请求体中。
// @Description 多引擎查询请求
type QueryRequest struct {
	Prompt  string   `json:"prompt" example:"Explain CRDTs in two sentences"`
	Engines []Engine `json:"engines"`
}

// WSClientMessage WebSocket 上客户端发来的控制帧。
// 第一帧必须是 submit，之后可以发送 cancel。
type WSClientMessage struct {
	Type  string        `json:"type" example:"submit"`
	Query *QueryRequest `json:"query,omitempty"`
}

// WebSocket 控制帧类型
const (
	WSSubmit = "submit"
	WSCancel = "cancel"
)

// =============================================================================
// 额度
// =============================================================================

// CreditsResponse 当前用户的余额与最近账本
// @Description 额度查询结果
type CreditsResponse struct {
	UserID         string                  `json:"user_id"`
	Balance        int64                   `json:"balance"`
	LifetimeEarned int64                   `json:"lifetime_earned"`
	LifetimeSpent  int64                   `json:"lifetime_spent"`
	Entries        []billing.LedgerEntry   `json:"entries"`
	Shortfalls     []billing.Shortfall     `json:"shortfalls,omitempty"`
	Reconciliation *billing.Reconciliation `json:"reconciliation,omitempty"`
}

// =============================================================================
// 模型配置
// =============================================================================

// InvalidateRequest 显式清空模型配置缓存
type InvalidateRequest struct {
	Reason string `json:"reason,omitempty" example:"disabled gpt-4o for maintenance"`
}

// InvalidateResponse 失效广播结果
type InvalidateResponse struct {
	Origin      string    `json:"origin"`
	Reason      string    `json:"reason,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	// Broadcast 为 false 表示没有配置 Redis，只清空了本进程的缓存
	Broadcast bool `json:"broadcast"`
}

// ProviderInfo 已注册的适配器
type ProviderInfo struct {
	ID      string `json:"id"`
	Adapter string `json:"adapter"`
	// Cooldown 冷却器状态：Closed/Open/HalfOpen
	Cooldown string `json:"cooldown"`
}
