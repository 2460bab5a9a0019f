package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domain "github.com/kitchenline/api/internal/domain"
	"github.com/kitchenline/api/internal/services"
)

func TestRouterServesHealthEndpoints(t *testing.T) {
	router := NewRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status = %d", rr.Code)
	}
}

func TestRouterReturnsNotImplementedForUnmountedGroups(t *testing.T) {
	router := NewRouter()

	paths := []string{
		"/api/v1/orders",
		"/api/v1/payments/checkout",
		"/api/v1/promotions/validate",
		"/api/v1/admin/orders",
		"/api/v1/admin/inventory/materials",
		"/api/v1/webhooks/payments/stripe",
		"/api/v1/internal/sweeps/materials",
	}
	for _, path := range paths {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNotImplemented {
			t.Errorf("%s status = %d, want 501", path, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "not_implemented") {
			t.Errorf("%s body = %s", path, rr.Body.String())
		}
	}
}

func TestRouterMountsRegistrars(t *testing.T) {
	orders := NewOrderHandlers(nil, &stubOrderService{
		listFn: func(context.Context, services.ListOrdersQuery) (domain.CursorPage[services.Order], error) {
			return domain.CursorPage[services.Order]{}, nil
		},
	}, nil)

	router := NewRouter(WithOrderRoutes(orders.Routes))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodGet, "/api/v1/orders/", nil, userIdentity("user-1")))
	if rr.Code != http.StatusOK {
		t.Fatalf("orders status = %d body = %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/payments/checkout", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Errorf("payments status = %d, want 501", rr.Code)
	}
}

func TestRouterReportsUnknownRoute(t *testing.T) {
	router := NewRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "route_not_found") {
		t.Errorf("body = %s", rr.Body.String())
	}
}
