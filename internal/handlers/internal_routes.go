package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kitchenline/api/internal/platform/httpx"
	"github.com/kitchenline/api/internal/services"
)

// InternalHandlers exposes maintenance triggers for schedulers. The router
// mounts them behind the internal middleware stack, never on the public API.
type InternalHandlers struct {
	sweeper *services.Sweeper
}

// NewInternalHandlers constructs a new InternalHandlers instance.
func NewInternalHandlers(sweeper *services.Sweeper) *InternalHandlers {
	return &InternalHandlers{sweeper: sweeper}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/sweeps/materials", h.sweepMaterials)
	r.Post("/sweeps/pending-orders", h.sweepPendingOrders)
	r.Post("/sweeps/orphan-deductions", h.sweepOrphanDeductions)
}

func (h *InternalHandlers) sweepMaterials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweeper_unavailable", "sweeper not configured", http.StatusServiceUnavailable))
		return
	}

	expired, err := h.sweeper.SweepExpiredMaterials(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweep_failed", err.Error(), http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"expired_materials": len(expired),
	})
}

func (h *InternalHandlers) sweepPendingOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweeper_unavailable", "sweeper not configured", http.StatusServiceUnavailable))
		return
	}

	canceled, err := h.sweeper.SweepStalePendingOrders(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweep_failed", err.Error(), http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"canceled_orders": canceled,
	})
}

func (h *InternalHandlers) sweepOrphanDeductions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweeper_unavailable", "sweeper not configured", http.StatusServiceUnavailable))
		return
	}

	released, err := h.sweeper.SweepOrphanedDeductions(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweep_failed", err.Error(), http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"released_deductions": released,
	})
}
