package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/multiquery/api"
	"github.com/BaSui01/multiquery/query"
	"github.com/BaSui01/multiquery/types"
)

// Submitter 提交查询（*query.Dispatcher 实现）
type Submitter interface {
	Submit(ctx context.Context, req *query.Request) (*query.Execution, error)
}

// =============================================================================
// 🔀 查询 Handler
// =============================================================================

// QueryHandler 把查询事件以 SSE 或 WebSocket 推给客户端
type QueryHandler struct {
	dispatcher     Submitter
	logger         *zap.Logger
	keepAlive      time.Duration
	originPatterns []string
}

// QueryOption 配置 QueryHandler
type QueryOption func(*QueryHandler)

// WithKeepAlive SSE 心跳间隔，<= 0 关闭心跳
func WithKeepAlive(d time.Duration) QueryOption {
	return func(h *QueryHandler) { h.keepAlive = d }
}

// WithOriginPatterns 允许跨域 WebSocket 的来源（同 CORS 配置）
func WithOriginPatterns(patterns []string) QueryOption {
	return func(h *QueryHandler) { h.originPatterns = patterns }
}

// NewQueryHandler 创建查询处理器
func NewQueryHandler(d Submitter, logger *zap.Logger, opts ...QueryOption) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &QueryHandler{
		dispatcher: d,
		logger:     logger.With(zap.String("handler", "query")),
		keepAlive:  15 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func toQueryRequest(userID string, in *api.QueryRequest) *query.Request {
	engines := make([]query.EngineSelection, len(in.Engines))
	for i, e := range in.Engines {
		engines[i] = query.EngineSelection{
			ProviderID:      e.Provider,
			ModelID:         e.Model,
			MaxOutputTokens: e.MaxOutputTokens,
		}
	}
	return &query.Request{UserID: userID, Prompt: in.Prompt, Engines: engines}
}

// HandleSubmit 处理 POST /api/v1/queries
// @Summary 提交多引擎查询
// @Description 以 text/event-stream 返回每个引擎的事件，最后一个事件为 query_done
// @Tags 查询
// @Accept json
// @Produce text/event-stream
// @Param request body api.QueryRequest true "查询请求"
// @Success 200 {string} string "SSE 流"
// @Failure 400 {object} Response "无效请求"
// @Security BearerAuth
// @Router /api/v1/queries [post]
func (h *QueryHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}
	var body api.QueryRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}

	rc := http.NewResponseController(w)

	// 客户端断开时 r.Context() 取消，等同于 Execution.Cancel
	x, err := h.dispatcher.Submit(r.Context(), toQueryRequest(userID, &body))
	if err != nil {
		writeInternal(w, err, "failed to submit query", h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Query-ID", x.ID)
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("response does not support flushing", zap.Error(err))
	}

	var tick <-chan time.Time
	if h.keepAlive > 0 {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	events := x.Events()
	for {
		select {
		case e, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, e); err != nil {
				h.abandon(x, events, err)
				return
			}
		case <-tick:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				h.abandon(x, events, err)
				return
			}
		}
		if err := rc.Flush(); err != nil {
			h.abandon(x, events, err)
			return
		}
	}
}

// abandon 客户端已不可写：取消查询并读空事件流，避免泵协程阻塞
func (h *QueryHandler) abandon(x *query.Execution, events <-chan query.Event, cause error) {
	h.logger.Info("client gone, cancelling query", zap.String("query_id", x.ID), zap.Error(cause))
	x.Cancel()
	for range events {
	}
}

func writeSSE(w http.ResponseWriter, e query.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}

// HandleWebSocket 处理 GET /api/v1/queries/ws
// 第一帧 {"type":"submit","query":{...}}，之后客户端可发 {"type":"cancel"}。
// 服务端逐个发送事件，query_done 之后以正常状态关闭连接。
// @Summary WebSocket 查询
// @Tags 查询
// @Security BearerAuth
// @Router /api/v1/queries/ws [get]
func (h *QueryHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var first api.WSClientMessage
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		conn.Close(websocket.StatusUnsupportedData, "expected submit frame")
		return
	}
	if first.Type != api.WSSubmit || first.Query == nil {
		conn.Close(websocket.StatusPolicyViolation, "first frame must be submit")
		return
	}

	x, err := h.dispatcher.Submit(ctx, toQueryRequest(userID, first.Query))
	if err != nil {
		h.writeWSError(ctx, conn, err)
		return
	}

	// 读协程：处理 cancel 帧；连接断开同样取消查询
	go func() {
		for {
			var msg api.WSClientMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				x.Cancel()
				return
			}
			if msg.Type == api.WSCancel {
				h.logger.Info("query cancelled by client", zap.String("query_id", x.ID))
				x.Cancel()
			}
		}
	}()

	events := x.Events()
	for e := range events {
		if err := wsjson.Write(ctx, conn, e); err != nil {
			h.abandon(x, events, err)
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "query done")
}

// writeWSError 提交失败时发送一个错误帧再关闭
func (h *QueryHandler) writeWSError(ctx context.Context, conn *websocket.Conn, err error) {
	typed, ok := types.AsError(err)
	if !ok {
		typed = types.NewError(types.ErrInternalError, "failed to submit query").WithCause(err)
	}
	h.logger.Warn("websocket submit rejected", zap.String("code", string(typed.Code)), zap.Error(err))

	payload := Response{Success: false, Error: &ErrorInfo{Code: string(typed.Code), Message: typed.Message}, Timestamp: time.Now()}
	if werr := wsjson.Write(ctx, conn, payload); werr != nil && !errors.Is(werr, context.Canceled) {
		h.logger.Debug("failed to write websocket error", zap.Error(werr))
	}
	conn.Close(websocket.StatusPolicyViolation, string(typed.Code))
}
