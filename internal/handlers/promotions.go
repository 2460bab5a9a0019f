package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/kitchenline/api/internal/domain"
	"github.com/kitchenline/api/internal/platform/auth"
	"github.com/kitchenline/api/internal/platform/httpx"
	"github.com/kitchenline/api/internal/services"
)

const (
	maxPromotionBodySize     = 8 * 1024
	defaultPromotionPageSize = 50
	maxPromotionPageSize     = 200
)

type validatePromotionRequest struct {
	Code            string `json:"code"`
	Subtotal        int64  `json:"subtotal"`
	ClaimedDiscount int64  `json:"claimed_discount"`
}

type promotionQuotePayload struct {
	Promotion promotionPayload `json:"promotion"`
	Discount  int64            `json:"discount"`
}

type upsertPromotionRequest struct {
	PromotionID    string  `json:"promotion_id"`
	Code           string  `json:"code"`
	Description    string  `json:"description"`
	DiscountAmount int64   `json:"discount_amount"`
	MinOrderAmount int64   `json:"min_order_amount"`
	MaxUses        int     `json:"max_uses"`
	StartsAt       string  `json:"starts_at"`
	EndsAt         string  `json:"ends_at"`
	IsActive       bool    `json:"is_active"`
	UserID         *string `json:"user_id"`
}

type promotionPayload struct {
	ID             string  `json:"id"`
	Code           string  `json:"code"`
	Description    string  `json:"description,omitempty"`
	DiscountAmount int64   `json:"discount_amount"`
	MinOrderAmount int64   `json:"min_order_amount"`
	MaxUses        int     `json:"max_uses"`
	CurrentUses    int     `json:"current_uses"`
	StartsAt       string  `json:"starts_at"`
	EndsAt         string  `json:"ends_at"`
	IsActive       bool    `json:"is_active"`
	UserID         *string `json:"user_id,omitempty"`
	UpdatedAt      string  `json:"updated_at,omitempty"`
}

type promotionListResponse struct {
	Items         []promotionPayload `json:"items"`
	NextPageToken string             `json:"next_page_token,omitempty"`
}

// PromotionHandlers exposes promotion validation for customers and
// administration for staff.
type PromotionHandlers struct {
	authn      *auth.Authenticator
	promotions services.PromotionService
	clock      func() time.Time
}

// NewPromotionHandlers constructs a new PromotionHandlers instance.
func NewPromotionHandlers(authn *auth.Authenticator, promotions services.PromotionService, clock func() time.Time) *PromotionHandlers {
	if clock == nil {
		clock = time.Now
	}
	return &PromotionHandlers{
		authn:      authn,
		promotions: promotions,
		clock:      clock,
	}
}

// Routes registers the customer-facing /promotions endpoints.
func (h *PromotionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/validate", h.validatePromotion)
}

// AdminRoutes registers the staff /admin/promotions endpoints.
func (h *PromotionHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/", h.listPromotions)
	r.Get("/{promotionID}", h.getPromotion)
	r.Post("/", h.upsertPromotion)
}

func (h *PromotionHandlers) validatePromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.promotions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("promotion_service_unavailable", "promotion service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxPromotionBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req validatePromotionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code is required", http.StatusBadRequest))
		return
	}

	quote, err := h.promotions.Validate(ctx, services.ValidatePromotionQuery{
		Code:            strings.TrimSpace(req.Code),
		UserID:          strings.TrimSpace(identity.UID),
		Subtotal:        req.Subtotal,
		ClaimedDiscount: req.ClaimedDiscount,
		Now:             h.clock().UTC(),
	})
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, promotionQuotePayload{
		Promotion: buildPromotionPayload(quote.Promotion),
		Discount:  quote.Discount,
	})
}

func (h *PromotionHandlers) listPromotions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.promotions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("promotion_service_unavailable", "promotion service unavailable", http.StatusServiceUnavailable))
		return
	}

	values := r.URL.Query()
	pageSize := defaultPromotionPageSize
	if raw := strings.TrimSpace(values.Get("page_size")); raw != "" {
		if size, err := strconv.Atoi(raw); err == nil && size > 0 {
			pageSize = size
			if pageSize > maxPromotionPageSize {
				pageSize = maxPromotionPageSize
			}
		}
	}

	page, err := h.promotions.ListPromotions(ctx, services.PromotionListQuery{
		ActiveOnly: parseBoolParam(values.Get("active_only")),
		Code:       strings.TrimSpace(values.Get("code")),
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(values.Get("page_token")),
		},
	})
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPromotionListResponse(page))
}

func (h *PromotionHandlers) getPromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.promotions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("promotion_service_unavailable", "promotion service unavailable", http.StatusServiceUnavailable))
		return
	}

	promotionID := strings.TrimSpace(chi.URLParam(r, "promotionID"))
	if promotionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "promotion id is required", http.StatusBadRequest))
		return
	}

	promotion, err := h.promotions.GetPromotion(ctx, promotionID)
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPromotionPayload(promotion))
}

func (h *PromotionHandlers) upsertPromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.promotions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("promotion_service_unavailable", "promotion service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, _ := auth.IdentityFromContext(ctx)

	body, err := readLimitedBody(r, maxPromotionBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req upsertPromotionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	startsAt, err := parseTimeParam(req.StartsAt)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "starts_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
		return
	}
	endsAt, err := parseTimeParam(req.EndsAt)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "ends_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
		return
	}

	cmd := services.UpsertPromotionCommand{
		PromotionID:    strings.TrimSpace(req.PromotionID),
		Code:           strings.TrimSpace(req.Code),
		Description:    strings.TrimSpace(req.Description),
		DiscountAmount: req.DiscountAmount,
		MinOrderAmount: req.MinOrderAmount,
		MaxUses:        req.MaxUses,
		StartsAt:       startsAt,
		EndsAt:         endsAt,
		IsActive:       req.IsActive,
		UserID:         cloneStringPointer(req.UserID),
	}
	if identity != nil {
		cmd.ActorID = strings.TrimSpace(identity.UID)
	}

	promotion, err := h.promotions.UpsertPromotion(ctx, cmd)
	if err != nil {
		writePromotionError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPromotionPayload(promotion))
}

func buildPromotionPayload(promotion services.Promotion) promotionPayload {
	return promotionPayload{
		ID:             promotion.ID,
		Code:           promotion.Code,
		Description:    promotion.Description,
		DiscountAmount: promotion.DiscountAmount,
		MinOrderAmount: promotion.MinOrderAmount,
		MaxUses:        promotion.MaxUses,
		CurrentUses:    promotion.CurrentUses,
		StartsAt:       formatTime(promotion.StartsAt),
		EndsAt:         formatTime(promotion.EndsAt),
		IsActive:       promotion.IsActive,
		UserID:         cloneStringPointer(promotion.UserID),
		UpdatedAt:      formatTime(promotion.UpdatedAt),
	}
}

func buildPromotionListResponse(page domain.CursorPage[services.Promotion]) promotionListResponse {
	items := make([]promotionPayload, 0, len(page.Items))
	for _, promotion := range page.Items {
		items = append(items, buildPromotionPayload(promotion))
	}
	return promotionListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	}
}

func writePromotionError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPromotionInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPromotionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("promotion_not_found", "promotion not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPromotionInactive),
		errors.Is(err, services.ErrPromotionExhausted),
		errors.Is(err, services.ErrPromotionMinimumNotMet),
		errors.Is(err, services.ErrPromotionDiscountMismatch),
		errors.Is(err, services.ErrPromotionNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("promotion_rejected", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPromotionConflict):
		httpx.WriteError(ctx, w, httpx.NewError("promotion_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPromotionUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("promotion_unavailable", "promotion storage unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("promotion_error", "failed to process promotion request", http.StatusInternalServerError))
	}
}
