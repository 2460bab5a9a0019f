package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/kitchenline/api/internal/domain"
	"github.com/kitchenline/api/internal/platform/auth"
	"github.com/kitchenline/api/internal/services"
)

func mountAdminOrderRoutes(h *AdminOrderHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/admin/orders", h.Routes)
	return r
}

func TestAdminTransitionOrder(t *testing.T) {
	var captured services.OrderStatusTransitionCommand
	orders := &stubOrderService{
		transitionFn: func(_ context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = cmd.Target
			return order, nil
		},
	}

	body, _ := json.Marshal(map[string]any{"target": "delivering", "shipper_id": "shipper-9"})
	router := mountAdminOrderRoutes(NewAdminOrderHandlers(nil, orders))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodPost, "/admin/orders/ord_1:transition", body, userIdentity("staff-1", auth.RoleStaff)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.Target != domain.OrderStatusDelivering {
		t.Errorf("captured = %+v", captured)
	}
	if captured.ShipperID != "shipper-9" || captured.ActorID != "staff-1" {
		t.Errorf("captured = %+v", captured)
	}
}

func TestAdminTransitionRejectsUnknownTarget(t *testing.T) {
	router := mountAdminOrderRoutes(NewAdminOrderHandlers(nil, &stubOrderService{}))
	body, _ := json.Marshal(map[string]any{"target": "shipped"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodPost, "/admin/orders/ord_1:transition", body, userIdentity("staff-1", auth.RoleStaff)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestAdminTransitionMapsInvalidState(t *testing.T) {
	orders := &stubOrderService{
		transitionFn: func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderInvalidState
		},
	}

	body, _ := json.Marshal(map[string]any{"target": "approved"})
	router := mountAdminOrderRoutes(NewAdminOrderHandlers(nil, orders))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodPost, "/admin/orders/ord_1:transition", body, userIdentity("staff-1", auth.RoleStaff)))

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestAdminListOrdersUnscoped(t *testing.T) {
	var captured services.ListOrdersQuery
	orders := &stubOrderService{
		listFn: func(_ context.Context, query services.ListOrdersQuery) (domain.CursorPage[services.Order], error) {
			captured = query
			return domain.CursorPage[services.Order]{}, nil
		},
	}

	router := mountAdminOrderRoutes(NewAdminOrderHandlers(nil, orders))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodGet, "/admin/orders/?store_id=store-7&status=paid", nil, userIdentity("staff-1", auth.RoleStaff)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "" {
		t.Errorf("expected unscoped listing, got user %q", captured.UserID)
	}
	if captured.StoreID != "store-7" {
		t.Errorf("store = %q", captured.StoreID)
	}
	if len(captured.Status) != 1 || captured.Status[0] != "paid" {
		t.Errorf("status = %v", captured.Status)
	}
}
