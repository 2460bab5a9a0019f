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
	maxMaterialBodySize      = 8 * 1024
	maxRecipeBodySize        = 32 * 1024
	defaultMaterialPageSize  = 50
	maxMaterialPageSize      = 200
	defaultLowStockThreshold = 10.0
)

type upsertMaterialRequest struct {
	MaterialID string  `json:"material_id"`
	Name       string  `json:"name"`
	Unit       string  `json:"unit"`
	Quantity   float64 `json:"quantity"`
	ExpireAt   *string `json:"expire_at"`
	IsActive   *bool   `json:"is_active"`
}

type upsertRecipeRequest struct {
	ProductID string              `json:"product_id"`
	Lines     []recipeLinePayload `json:"lines"`
}

type recipeLinePayload struct {
	MaterialID string  `json:"material_id"`
	QtyPerUnit float64 `json:"qty_per_unit"`
}

type materialPayload struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Unit      string  `json:"unit"`
	Quantity  float64 `json:"quantity"`
	ExpireAt  string  `json:"expire_at,omitempty"`
	IsExpired bool    `json:"is_expired"`
	IsActive  bool    `json:"is_active"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

type materialListResponse struct {
	Items         []materialPayload `json:"items"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

type recipeResponse struct {
	ProductID string              `json:"product_id"`
	Lines     []recipeLinePayload `json:"lines"`
	UpdatedAt string              `json:"updated_at,omitempty"`
}

// AdminInventoryHandlers exposes material and recipe administration for staff.
type AdminInventoryHandlers struct {
	authn     *auth.Authenticator
	inventory services.InventoryService
}

// NewAdminInventoryHandlers constructs a new AdminInventoryHandlers instance.
func NewAdminInventoryHandlers(authn *auth.Authenticator, inventory services.InventoryService) *AdminInventoryHandlers {
	return &AdminInventoryHandlers{
		authn:     authn,
		inventory: inventory,
	}
}

// Routes registers the /admin/materials and /admin/recipes endpoints.
func (h *AdminInventoryHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/materials", h.listMaterials)
	r.Get("/materials/low-stock", h.listLowStock)
	r.Get("/materials/{materialID}", h.getMaterial)
	r.Post("/materials", h.upsertMaterial)
	r.Post("/recipes", h.upsertRecipe)
}

func (h *AdminInventoryHandlers) listMaterials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	values := r.URL.Query()
	query := services.MaterialListQuery{
		ActiveOnly:  parseBoolParam(values.Get("active_only")),
		ExpiredOnly: parseBoolParam(values.Get("expired_only")),
		Pagination:  buildMaterialPagination(values.Get("page_size"), values.Get("page_token")),
	}

	page, err := h.inventory.ListMaterials(ctx, query)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildMaterialListResponse(page))
}

func (h *AdminInventoryHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	values := r.URL.Query()
	threshold := defaultLowStockThreshold
	if raw := strings.TrimSpace(values.Get("threshold")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "threshold must be a non-negative number", http.StatusBadRequest))
			return
		}
		threshold = parsed
	}

	page, err := h.inventory.ListLowStock(ctx, services.LowStockQuery{
		Threshold:  threshold,
		Pagination: buildMaterialPagination(values.Get("page_size"), values.Get("page_token")),
	})
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildMaterialListResponse(page))
}

func (h *AdminInventoryHandlers) getMaterial(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	materialID := strings.TrimSpace(chi.URLParam(r, "materialID"))
	if materialID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "material id is required", http.StatusBadRequest))
		return
	}

	material, err := h.inventory.GetMaterial(ctx, materialID)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildMaterialPayload(material))
}

func (h *AdminInventoryHandlers) upsertMaterial(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, _ := auth.IdentityFromContext(ctx)

	body, err := readLimitedBody(r, maxMaterialBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req upsertMaterialRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	cmd := services.UpsertMaterialCommand{
		MaterialID: strings.TrimSpace(req.MaterialID),
		Name:       strings.TrimSpace(req.Name),
		Unit:       strings.TrimSpace(req.Unit),
		Quantity:   req.Quantity,
		IsActive:   true,
	}
	if req.IsActive != nil {
		cmd.IsActive = *req.IsActive
	}
	if identity != nil {
		cmd.ActorID = strings.TrimSpace(identity.UID)
	}
	if req.ExpireAt != nil && strings.TrimSpace(*req.ExpireAt) != "" {
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.ExpireAt))
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expire_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.ExpireAt = &ts
	}

	material, err := h.inventory.UpsertMaterial(ctx, cmd)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildMaterialPayload(material))
}

func (h *AdminInventoryHandlers) upsertRecipe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_service_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, _ := auth.IdentityFromContext(ctx)

	body, err := readLimitedBody(r, maxRecipeBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req upsertRecipeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	cmd := services.UpsertRecipeCommand{
		ProductID: strings.TrimSpace(req.ProductID),
		Lines:     make([]services.RecipeLine, 0, len(req.Lines)),
	}
	if identity != nil {
		cmd.ActorID = strings.TrimSpace(identity.UID)
	}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, services.RecipeLine{
			MaterialID: strings.TrimSpace(line.MaterialID),
			QtyPerUnit: line.QtyPerUnit,
		})
	}

	recipe, err := h.inventory.UpsertRecipe(ctx, cmd)
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}

	response := recipeResponse{
		ProductID: recipe.ProductID,
		Lines:     make([]recipeLinePayload, 0, len(recipe.Lines)),
		UpdatedAt: formatTime(recipe.UpdatedAt),
	}
	for _, line := range recipe.Lines {
		response.Lines = append(response.Lines, recipeLinePayload{
			MaterialID: line.MaterialID,
			QtyPerUnit: line.QtyPerUnit,
		})
	}

	writeJSONResponse(w, http.StatusOK, response)
}

func buildMaterialPagination(sizeRaw, token string) services.Pagination {
	pageSize := defaultMaterialPageSize
	if trimmed := strings.TrimSpace(sizeRaw); trimmed != "" {
		if size, err := strconv.Atoi(trimmed); err == nil {
			switch {
			case size <= 0:
				pageSize = defaultMaterialPageSize
			case size > maxMaterialPageSize:
				pageSize = maxMaterialPageSize
			default:
				pageSize = size
			}
		}
	}
	return services.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(token),
	}
}

func parseBoolParam(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func buildMaterialPayload(material services.Material) materialPayload {
	return materialPayload{
		ID:        material.ID,
		Name:      material.Name,
		Unit:      material.Unit,
		Quantity:  material.Quantity,
		ExpireAt:  formatTime(pointerTime(material.ExpireAt)),
		IsExpired: material.IsExpired,
		IsActive:  material.IsActive,
		UpdatedAt: formatTime(material.UpdatedAt),
	}
}

func buildMaterialListResponse(page domain.CursorPage[services.Material]) materialListResponse {
	items := make([]materialPayload, 0, len(page.Items))
	for _, material := range page.Items {
		items = append(items, buildMaterialPayload(material))
	}
	return materialListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	}
}

func writeInventoryError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInventoryNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("material_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInventoryMaterialExpired):
		httpx.WriteError(ctx, w, httpx.NewError("material_expired", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInventoryConflict):
		httpx.WriteError(ctx, w, httpx.NewError("inventory_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInventoryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory storage unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("inventory_error", "failed to process inventory request", http.StatusInternalServerError))
	}
}
