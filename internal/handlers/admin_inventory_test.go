package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/kitchenline/api/internal/domain"
	"github.com/kitchenline/api/internal/platform/auth"
	"github.com/kitchenline/api/internal/services"
)

type stubInventoryService struct {
	upsertMaterialFn func(context.Context, services.UpsertMaterialCommand) (services.Material, error)
	upsertRecipeFn   func(context.Context, services.UpsertRecipeCommand) (services.Recipe, error)
	listFn           func(context.Context, services.MaterialListQuery) (domain.CursorPage[services.Material], error)
	lowStockFn       func(context.Context, services.LowStockQuery) (domain.CursorPage[services.Material], error)
	getFn            func(context.Context, string) (services.Material, error)
}

func (s *stubInventoryService) DeductForOrder(context.Context, string, []services.OrderLineItem, time.Time) (services.InventoryDeduction, error) {
	return services.InventoryDeduction{}, fmt.Errorf("unexpected DeductForOrder call")
}

func (s *stubInventoryService) ReleaseDeduction(context.Context, string, string, time.Time) (services.InventoryDeduction, error) {
	return services.InventoryDeduction{}, fmt.Errorf("unexpected ReleaseDeduction call")
}

func (s *stubInventoryService) GetMaterial(ctx context.Context, materialID string) (services.Material, error) {
	if s.getFn != nil {
		return s.getFn(ctx, materialID)
	}
	return services.Material{}, fmt.Errorf("unexpected GetMaterial call")
}

func (s *stubInventoryService) UpsertMaterial(ctx context.Context, cmd services.UpsertMaterialCommand) (services.Material, error) {
	if s.upsertMaterialFn != nil {
		return s.upsertMaterialFn(ctx, cmd)
	}
	return services.Material{}, fmt.Errorf("unexpected UpsertMaterial call")
}

func (s *stubInventoryService) ListMaterials(ctx context.Context, query services.MaterialListQuery) (domain.CursorPage[services.Material], error) {
	if s.listFn != nil {
		return s.listFn(ctx, query)
	}
	return domain.CursorPage[services.Material]{}, fmt.Errorf("unexpected ListMaterials call")
}

func (s *stubInventoryService) ListLowStock(ctx context.Context, query services.LowStockQuery) (domain.CursorPage[services.Material], error) {
	if s.lowStockFn != nil {
		return s.lowStockFn(ctx, query)
	}
	return domain.CursorPage[services.Material]{}, fmt.Errorf("unexpected ListLowStock call")
}

func (s *stubInventoryService) UpsertRecipe(ctx context.Context, cmd services.UpsertRecipeCommand) (services.Recipe, error) {
	if s.upsertRecipeFn != nil {
		return s.upsertRecipeFn(ctx, cmd)
	}
	return services.Recipe{}, fmt.Errorf("unexpected UpsertRecipe call")
}

func (s *stubInventoryService) MarkExpiredMaterials(context.Context, time.Time) ([]services.Material, error) {
	return nil, fmt.Errorf("unexpected MarkExpiredMaterials call")
}

func (s *stubInventoryService) ListStaleDeductions(context.Context, time.Time, int) ([]services.InventoryDeduction, error) {
	return nil, fmt.Errorf("unexpected ListStaleDeductions call")
}

func mountAdminInventoryRoutes(h *AdminInventoryHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/admin/inventory", h.Routes)
	return r
}

func TestUpsertMaterialParsesExpiry(t *testing.T) {
	var captured services.UpsertMaterialCommand
	inventory := &stubInventoryService{
		upsertMaterialFn: func(_ context.Context, cmd services.UpsertMaterialCommand) (services.Material, error) {
			captured = cmd
			return services.Material{ID: "mat_1", Name: cmd.Name, Quantity: cmd.Quantity}, nil
		},
	}

	body, _ := json.Marshal(map[string]any{
		"name":      "Beef brisket",
		"unit":      "kg",
		"quantity":  12.5,
		"expire_at": "2025-06-01T00:00:00Z",
	})

	router := mountAdminInventoryRoutes(NewAdminInventoryHandlers(nil, inventory))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodPost, "/admin/inventory/materials", body, userIdentity("staff-1", auth.RoleStaff)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if captured.Name != "Beef brisket" || captured.Quantity != 12.5 {
		t.Errorf("captured = %+v", captured)
	}
	if captured.ExpireAt == nil || !captured.ExpireAt.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expireAt = %v", captured.ExpireAt)
	}
	if !captured.IsActive {
		t.Errorf("expected material active by default")
	}
	if captured.ActorID != "staff-1" {
		t.Errorf("actor = %q", captured.ActorID)
	}
}

func TestUpsertMaterialRejectsBadExpiry(t *testing.T) {
	router := mountAdminInventoryRoutes(NewAdminInventoryHandlers(nil, &stubInventoryService{}))
	body, _ := json.Marshal(map[string]any{"name": "Beef", "unit": "kg", "expire_at": "tomorrow"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodPost, "/admin/inventory/materials", body, userIdentity("staff-1", auth.RoleStaff)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestListLowStockPassesThreshold(t *testing.T) {
	var captured services.LowStockQuery
	inventory := &stubInventoryService{
		lowStockFn: func(_ context.Context, query services.LowStockQuery) (domain.CursorPage[services.Material], error) {
			captured = query
			return domain.CursorPage[services.Material]{
				Items: []services.Material{{ID: "mat_1", Name: "Rice noodles", Quantity: 2}},
			}, nil
		},
	}

	router := mountAdminInventoryRoutes(NewAdminInventoryHandlers(nil, inventory))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodGet, "/admin/inventory/materials/low-stock?threshold=5", nil, userIdentity("staff-1", auth.RoleStaff)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if captured.Threshold != 5 {
		t.Errorf("threshold = %v", captured.Threshold)
	}
}

func TestListLowStockRejectsNegativeThreshold(t *testing.T) {
	router := mountAdminInventoryRoutes(NewAdminInventoryHandlers(nil, &stubInventoryService{}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodGet, "/admin/inventory/materials/low-stock?threshold=-1", nil, userIdentity("staff-1", auth.RoleStaff)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestUpsertRecipeForwardsLines(t *testing.T) {
	var captured services.UpsertRecipeCommand
	inventory := &stubInventoryService{
		upsertRecipeFn: func(_ context.Context, cmd services.UpsertRecipeCommand) (services.Recipe, error) {
			captured = cmd
			return services.Recipe{ProductID: cmd.ProductID, Lines: cmd.Lines}, nil
		},
	}

	body, _ := json.Marshal(map[string]any{
		"product_id": "prod-pho",
		"lines": []map[string]any{
			{"material_id": "mat-noodles", "qty_per_unit": 0.2},
			{"material_id": "mat-beef", "qty_per_unit": 0.15},
		},
	})

	router := mountAdminInventoryRoutes(NewAdminInventoryHandlers(nil, inventory))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodPost, "/admin/inventory/recipes", body, userIdentity("staff-1", auth.RoleStaff)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if captured.ProductID != "prod-pho" || len(captured.Lines) != 2 {
		t.Errorf("captured = %+v", captured)
	}
	if captured.Lines[1].MaterialID != "mat-beef" || captured.Lines[1].QtyPerUnit != 0.15 {
		t.Errorf("lines = %+v", captured.Lines)
	}
}

func TestUpsertMaterialMapsValidationError(t *testing.T) {
	inventory := &stubInventoryService{
		upsertMaterialFn: func(context.Context, services.UpsertMaterialCommand) (services.Material, error) {
			return services.Material{}, fmt.Errorf("%w: name is required", services.ErrInventoryInvalidInput)
		},
	}

	body, _ := json.Marshal(map[string]any{"unit": "kg"})
	router := mountAdminInventoryRoutes(NewAdminInventoryHandlers(nil, inventory))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodPost, "/admin/inventory/materials", body, userIdentity("staff-1", auth.RoleStaff)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}
