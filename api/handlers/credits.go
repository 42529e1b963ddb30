package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/multiquery/api"
	"github.com/BaSui01/multiquery/llm/billing"
	"github.com/BaSui01/multiquery/types"
)

const (
	defaultEntryLimit = 20
	maxEntryLimit     = 200
)

// CreditsHandler 额度查询
type CreditsHandler struct {
	store  billing.Store
	seed   int64
	logger *zap.Logger
}

// NewCreditsHandler 创建额度处理器。seed 为首次访问时开户的初始额度。
func NewCreditsHandler(store billing.Store, seed int64, logger *zap.Logger) *CreditsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CreditsHandler{store: store, seed: seed, logger: logger.With(zap.String("handler", "credits"))}
}

// HandleGet 处理 GET /api/v1/credits?limit=20&reconcile=true
// @Summary 当前用户额度
// @Tags 额度
// @Produce json
// @Param limit query int false "账本条数（默认 20，最大 200）"
// @Param reconcile query bool false "是否附带对账结果"
// @Success 200 {object} api.CreditsResponse
// @Security BearerAuth
// @Router /api/v1/credits [get]
func (h *CreditsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}

	limit := defaultEntryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "limit must be a positive integer", h.logger)
			return
		}
		limit = min(n, maxEntryLimit)
	}

	ctx := r.Context()
	bal, err := h.store.Balance(ctx, userID)
	if errors.Is(err, billing.ErrAccountNotFound) {
		bal, err = h.store.OpenAccount(ctx, userID, h.seed)
		if err == nil {
			h.logger.Info("credit account opened", zap.String("user_id", userID), zap.Int64("seed", h.seed))
		}
	}
	if err != nil {
		writeInternal(w, err, "failed to load balance", h.logger)
		return
	}

	entries, err := h.store.Entries(ctx, userID, limit)
	if err != nil {
		writeInternal(w, err, "failed to load ledger", h.logger)
		return
	}
	shortfalls, err := h.store.Shortfalls(ctx, userID, limit)
	if err != nil {
		writeInternal(w, err, "failed to load shortfalls", h.logger)
		return
	}

	resp := api.CreditsResponse{
		UserID:         userID,
		Balance:        bal.Balance,
		LifetimeEarned: bal.LifetimeEarned,
		LifetimeSpent:  bal.LifetimeSpent,
		Entries:        entries,
		Shortfalls:     shortfalls,
	}
	if resp.Entries == nil {
		resp.Entries = []billing.LedgerEntry{}
	}

	if reconcile, _ := strconv.ParseBool(r.URL.Query().Get("reconcile")); reconcile {
		rec, err := h.store.Reconcile(ctx, userID)
		if err != nil {
			writeInternal(w, err, "failed to reconcile", h.logger)
			return
		}
		if !rec.Consistent {
			h.logger.Error("ledger does not reconcile with balance",
				zap.String("user_id", userID),
				zap.Int64("balance", rec.Balance),
				zap.Int64("ledger_sum", rec.LedgerSum),
				zap.Int64("initial_seed", rec.InitialSeed))
		}
		resp.Reconciliation = rec
	}

	WriteSuccess(w, resp)
}
