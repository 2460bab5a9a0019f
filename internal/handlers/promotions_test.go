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

type stubPromotionService struct {
	validateFn func(context.Context, services.ValidatePromotionQuery) (services.PromotionQuote, error)
	upsertFn   func(context.Context, services.UpsertPromotionCommand) (services.Promotion, error)
	listFn     func(context.Context, services.PromotionListQuery) (domain.CursorPage[services.Promotion], error)
	getFn      func(context.Context, string) (services.Promotion, error)
}

func (s *stubPromotionService) Validate(ctx context.Context, query services.ValidatePromotionQuery) (services.PromotionQuote, error) {
	if s.validateFn != nil {
		return s.validateFn(ctx, query)
	}
	return services.PromotionQuote{}, fmt.Errorf("unexpected Validate call")
}

func (s *stubPromotionService) Redeem(context.Context, string, time.Time) (services.Promotion, error) {
	return services.Promotion{}, fmt.Errorf("unexpected Redeem call")
}

func (s *stubPromotionService) Release(context.Context, string, time.Time) (services.Promotion, error) {
	return services.Promotion{}, fmt.Errorf("unexpected Release call")
}

func (s *stubPromotionService) GetPromotion(ctx context.Context, promotionID string) (services.Promotion, error) {
	if s.getFn != nil {
		return s.getFn(ctx, promotionID)
	}
	return services.Promotion{}, fmt.Errorf("unexpected GetPromotion call")
}

func (s *stubPromotionService) UpsertPromotion(ctx context.Context, cmd services.UpsertPromotionCommand) (services.Promotion, error) {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, cmd)
	}
	return services.Promotion{}, fmt.Errorf("unexpected UpsertPromotion call")
}

func (s *stubPromotionService) ListPromotions(ctx context.Context, query services.PromotionListQuery) (domain.CursorPage[services.Promotion], error) {
	if s.listFn != nil {
		return s.listFn(ctx, query)
	}
	return domain.CursorPage[services.Promotion]{}, fmt.Errorf("unexpected ListPromotions call")
}

func mountPromotionRoutes(h *PromotionHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/promotions", h.Routes)
	r.Route("/admin/promotions", h.AdminRoutes)
	return r
}

func samplePromotion() services.Promotion {
	return services.Promotion{
		ID:             "promo_1",
		Code:           "SUMMER5K",
		Description:    "5000 off summer menu",
		DiscountAmount: 5000,
		MinOrderAmount: 100000,
		MaxUses:        100,
		CurrentUses:    3,
		StartsAt:       time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		EndsAt:         time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC),
		IsActive:       true,
	}
}

func TestValidatePromotionUsesHandlerClock(t *testing.T) {
	now := time.Date(2025, 5, 15, 12, 0, 0, 0, time.UTC)
	var captured services.ValidatePromotionQuery
	promotions := &stubPromotionService{
		validateFn: func(_ context.Context, query services.ValidatePromotionQuery) (services.PromotionQuote, error) {
			captured = query
			return services.PromotionQuote{Promotion: samplePromotion(), Discount: 5000}, nil
		},
	}

	handler := NewPromotionHandlers(nil, promotions, func() time.Time { return now })
	router := mountPromotionRoutes(handler)

	body, _ := json.Marshal(map[string]any{"code": " SUMMER5K ", "subtotal": 130000, "claimed_discount": 5000})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodPost, "/promotions/validate", body, userIdentity("user-1")))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if captured.Code != "SUMMER5K" || captured.UserID != "user-1" {
		t.Errorf("captured = %+v", captured)
	}
	if captured.Subtotal != 130000 || captured.ClaimedDiscount != 5000 {
		t.Errorf("captured = %+v", captured)
	}
	if !captured.Now.Equal(now) {
		t.Errorf("now = %v, want %v", captured.Now, now)
	}

	var response promotionQuotePayload
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Discount != 5000 || response.Promotion.Code != "SUMMER5K" {
		t.Errorf("response = %+v", response)
	}
}

func TestValidatePromotionMapsRejections(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"exhausted", services.ErrPromotionExhausted},
		{"minimum not met", services.ErrPromotionMinimumNotMet},
		{"discount mismatch", services.ErrPromotionDiscountMismatch},
		{"inactive", services.ErrPromotionInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			promotions := &stubPromotionService{
				validateFn: func(context.Context, services.ValidatePromotionQuery) (services.PromotionQuote, error) {
					return services.PromotionQuote{}, tc.err
				},
			}
			router := mountPromotionRoutes(NewPromotionHandlers(nil, promotions, nil))

			body, _ := json.Marshal(map[string]any{"code": "SUMMER5K", "subtotal": 1000})
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, requestWithIdentity(http.MethodPost, "/promotions/validate", body, userIdentity("user-1")))

			if rr.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422", rr.Code)
			}
		})
	}
}

func TestValidatePromotionRequiresCode(t *testing.T) {
	router := mountPromotionRoutes(NewPromotionHandlers(nil, &stubPromotionService{}, nil))
	body, _ := json.Marshal(map[string]any{"subtotal": 1000})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodPost, "/promotions/validate", body, userIdentity("user-1")))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestUpsertPromotionParsesWindow(t *testing.T) {
	var captured services.UpsertPromotionCommand
	promotions := &stubPromotionService{
		upsertFn: func(_ context.Context, cmd services.UpsertPromotionCommand) (services.Promotion, error) {
			captured = cmd
			promotion := samplePromotion()
			promotion.Code = cmd.Code
			return promotion, nil
		},
	}

	body, _ := json.Marshal(map[string]any{
		"code":            "TET2025",
		"discount_amount": 10000,
		"min_order_amount": 50000,
		"max_uses":        500,
		"starts_at":       "2025-01-20T00:00:00Z",
		"ends_at":         "2025-02-10T00:00:00Z",
		"is_active":       true,
	})

	router := mountPromotionRoutes(NewPromotionHandlers(nil, promotions, nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodPost, "/admin/promotions/", body, userIdentity("staff-1", auth.RoleStaff)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if captured.Code != "TET2025" || captured.MaxUses != 500 {
		t.Errorf("captured = %+v", captured)
	}
	if !captured.StartsAt.Equal(time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("startsAt = %v", captured.StartsAt)
	}
	if !captured.EndsAt.Equal(time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("endsAt = %v", captured.EndsAt)
	}
	if captured.ActorID != "staff-1" {
		t.Errorf("actor = %q", captured.ActorID)
	}
}

func TestUpsertPromotionRejectsBadWindow(t *testing.T) {
	router := mountPromotionRoutes(NewPromotionHandlers(nil, &stubPromotionService{}, nil))
	body, _ := json.Marshal(map[string]any{"code": "TET2025", "starts_at": "soon", "ends_at": "later"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodPost, "/admin/promotions/", body, userIdentity("staff-1", auth.RoleStaff)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestListPromotionsForwardsFilters(t *testing.T) {
	var captured services.PromotionListQuery
	promotions := &stubPromotionService{
		listFn: func(_ context.Context, query services.PromotionListQuery) (domain.CursorPage[services.Promotion], error) {
			captured = query
			return domain.CursorPage[services.Promotion]{
				Items:         []services.Promotion{samplePromotion()},
				NextPageToken: "next",
			}, nil
		},
	}

	router := mountPromotionRoutes(NewPromotionHandlers(nil, promotions, nil))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, requestWithIdentity(http.MethodGet, "/admin/promotions/?active_only=true&page_size=25", nil, userIdentity("staff-1", auth.RoleStaff)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if !captured.ActiveOnly || captured.Pagination.PageSize != 25 {
		t.Errorf("captured = %+v", captured)
	}

	var response promotionListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(response.Items) != 1 || response.NextPageToken != "next" {
		t.Errorf("response = %+v", response)
	}
}
