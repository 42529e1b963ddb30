package handlers

import (
	"net/http"

	"github.com/BaSui01/multiquery/api"
	"github.com/BaSui01/multiquery/llm"
	"github.com/BaSui01/multiquery/llm/circuitbreaker"
)

// ProvidersHandler 列出已注册的适配器
type ProvidersHandler struct {
	registry *llm.ProviderRegistry
	breakers *circuitbreaker.CooldownRegistry
}

// NewProvidersHandler breakers 可为 nil
func NewProvidersHandler(registry *llm.ProviderRegistry, breakers *circuitbreaker.CooldownRegistry) *ProvidersHandler {
	return &ProvidersHandler{registry: registry, breakers: breakers}
}

// HandleList 处理 GET /api/v1/providers
// @Summary 已注册的适配器
// @Tags 模型配置
// @Produce json
// @Success 200 {array} api.ProviderInfo
// @Router /api/v1/providers [get]
func (h *ProvidersHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ids := h.registry.List()
	out := make([]api.ProviderInfo, 0, len(ids))
	for _, id := range ids {
		p, ok := h.registry.Get(id)
		if !ok {
			continue
		}
		state := circuitbreaker.StateClosed
		if h.breakers != nil {
			state = h.breakers.State(id)
		}
		out = append(out, api.ProviderInfo{ID: id, Adapter: p.Name(), Cooldown: state.String()})
	}
	WriteSuccess(w, out)
}
