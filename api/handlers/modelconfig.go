package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/multiquery/api"
	"github.com/BaSui01/multiquery/llm/modelconfig"
	"github.com/BaSui01/multiquery/types"
)

// InvalidationPublisher 广播配置失效（*modelconfig.Invalidator 实现）
type InvalidationPublisher interface {
	Publish(ctx context.Context, origin, reason string) error
}

// ModelConfigHandler 模型配置缓存管理
type ModelConfigHandler struct {
	publisher InvalidationPublisher
	local     []modelconfig.Clearer
	origin    string
	logger    *zap.Logger
}

// NewModelConfigHandler publisher 为 nil 时只清空本进程的缓存
func NewModelConfigHandler(publisher InvalidationPublisher, origin string, logger *zap.Logger, local ...modelconfig.Clearer) *ModelConfigHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelConfigHandler{
		publisher: publisher,
		local:     local,
		origin:    origin,
		logger:    logger.With(zap.String("handler", "modelconfig")),
	}
}

// HandleInvalidate 处理 POST /api/v1/modelconfig/invalidate
// 清空全部条目，下一次查询从配置存储重新读取。
// @Summary 清空模型配置缓存
// @Tags 模型配置
// @Accept json
// @Produce json
// @Param request body api.InvalidateRequest false "原因"
// @Success 200 {object} api.InvalidateResponse
// @Security BearerAuth
// @Router /api/v1/modelconfig/invalidate [post]
func (h *ModelConfigHandler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	var body api.InvalidateRequest
	if r.ContentLength != 0 && r.Body != nil && r.Body != http.NoBody {
		if !ValidateContentType(w, r, h.logger) {
			return
		}
		if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
			return
		}
	}

	for _, c := range h.local {
		c.Clear()
	}

	resp := api.InvalidateResponse{Origin: h.origin, Reason: body.Reason, PublishedAt: time.Now().UTC()}
	if h.publisher != nil {
		if err := h.publisher.Publish(r.Context(), h.origin, body.Reason); err != nil {
			WriteError(w, types.NewError(types.ErrServerError, "failed to broadcast invalidation").
				WithCause(err).WithHTTPStatus(http.StatusBadGateway), h.logger)
			return
		}
		resp.Broadcast = true
	}

	user, _ := types.UserID(r.Context())
	h.logger.Info("model config cache invalidated",
		zap.String("user_id", user),
		zap.String("reason", body.Reason),
		zap.Bool("broadcast", resp.Broadcast))
	WriteSuccess(w, resp)
}
