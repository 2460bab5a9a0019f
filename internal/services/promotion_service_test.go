package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/kitchenline/api/internal/domain"
	"github.com/kitchenline/api/internal/repositories"
)

type stubPromotionRepo struct {
	insertFn     func(context.Context, domain.Promotion) error
	updateFn     func(context.Context, domain.Promotion) error
	findFn       func(context.Context, string) (domain.Promotion, error)
	findByCodeFn func(context.Context, string) (domain.Promotion, error)
	listFn       func(context.Context, repositories.PromotionListFilter) (domain.CursorPage[domain.Promotion], error)
	redeemFn     func(context.Context, string, time.Time) (domain.Promotion, error)
	releaseFn    func(context.Context, string, time.Time) (domain.Promotion, error)
}

func (s *stubPromotionRepo) Insert(ctx context.Context, promotion domain.Promotion) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, promotion)
	}
	return nil
}

func (s *stubPromotionRepo) Update(ctx context.Context, promotion domain.Promotion) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, promotion)
	}
	return nil
}

func (s *stubPromotionRepo) FindByID(ctx context.Context, promotionID string) (domain.Promotion, error) {
	if s.findFn != nil {
		return s.findFn(ctx, promotionID)
	}
	return domain.Promotion{}, errors.New("not implemented")
}

func (s *stubPromotionRepo) FindByCode(ctx context.Context, code string) (domain.Promotion, error) {
	if s.findByCodeFn != nil {
		return s.findByCodeFn(ctx, code)
	}
	return domain.Promotion{}, errors.New("not implemented")
}

func (s *stubPromotionRepo) List(ctx context.Context, filter repositories.PromotionListFilter) (domain.CursorPage[domain.Promotion], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Promotion]{}, nil
}

func (s *stubPromotionRepo) RedeemUsage(ctx context.Context, promotionID string, now time.Time) (domain.Promotion, error) {
	if s.redeemFn != nil {
		return s.redeemFn(ctx, promotionID, now)
	}
	return domain.Promotion{ID: promotionID}, nil
}

func (s *stubPromotionRepo) ReleaseUsage(ctx context.Context, promotionID string, now time.Time) (domain.Promotion, error) {
	if s.releaseFn != nil {
		return s.releaseFn(ctx, promotionID, now)
	}
	return domain.Promotion{ID: promotionID}, nil
}

func newTestPromotionService(t *testing.T, repo repositories.PromotionRepository) PromotionService {
	t.Helper()
	svc, err := NewPromotionService(PromotionServiceDeps{
		Promotions: repo,
		Clock:      fixedClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewPromotionService: %v", err)
	}
	return svc
}

func activePromotion() domain.Promotion {
	return domain.Promotion{
		ID:             "prm_1",
		Code:           "WELCOME",
		DiscountAmount: 5000,
		MinOrderAmount: 100000,
		MaxUses:        10,
		CurrentUses:    3,
		StartsAt:       time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		EndsAt:         time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		IsActive:       true,
	}
}

func TestPromotionServiceValidate(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		mutate  func(*domain.Promotion)
		query   ValidatePromotionQuery
		wantErr error
	}{
		{
			name:  "valid code",
			query: ValidatePromotionQuery{Code: "welcome", Subtotal: 130000, ClaimedDiscount: 5000, Now: now},
		},
		{
			name:  "claimed discount omitted",
			query: ValidatePromotionQuery{Code: "WELCOME", Subtotal: 130000, Now: now},
		},
		{
			name:    "disabled",
			mutate:  func(p *domain.Promotion) { p.IsActive = false },
			query:   ValidatePromotionQuery{Code: "WELCOME", Subtotal: 130000, Now: now},
			wantErr: ErrPromotionInactive,
		},
		{
			name:    "before window",
			mutate:  func(p *domain.Promotion) { p.StartsAt = now.Add(time.Hour) },
			query:   ValidatePromotionQuery{Code: "WELCOME", Subtotal: 130000, Now: now},
			wantErr: ErrPromotionInactive,
		},
		{
			name:    "after window",
			mutate:  func(p *domain.Promotion) { p.EndsAt = now.Add(-time.Hour) },
			query:   ValidatePromotionQuery{Code: "WELCOME", Subtotal: 130000, Now: now},
			wantErr: ErrPromotionInactive,
		},
		{
			name:    "exhausted",
			mutate:  func(p *domain.Promotion) { p.CurrentUses = p.MaxUses },
			query:   ValidatePromotionQuery{Code: "WELCOME", Subtotal: 130000, Now: now},
			wantErr: ErrPromotionExhausted,
		},
		{
			name:    "reserved for another user",
			mutate:  func(p *domain.Promotion) { other := "user-2"; p.UserID = &other },
			query:   ValidatePromotionQuery{Code: "WELCOME", UserID: "user-1", Subtotal: 130000, Now: now},
			wantErr: ErrPromotionNotEligible,
		},
		{
			name:    "below minimum",
			query:   ValidatePromotionQuery{Code: "WELCOME", Subtotal: 99999, Now: now},
			wantErr: ErrPromotionMinimumNotMet,
		},
		{
			name:    "discount mismatch",
			query:   ValidatePromotionQuery{Code: "WELCOME", Subtotal: 130000, ClaimedDiscount: 9000, Now: now},
			wantErr: ErrPromotionDiscountMismatch,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			promo := activePromotion()
			if tc.mutate != nil {
				tc.mutate(&promo)
			}
			repo := &stubPromotionRepo{
				findByCodeFn: func(_ context.Context, code string) (domain.Promotion, error) {
					if code != "WELCOME" {
						t.Fatalf("lookup used code %q, want WELCOME", code)
					}
					return promo, nil
				},
			}
			svc := newTestPromotionService(t, repo)

			quote, err := svc.Validate(context.Background(), tc.query)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if quote.Discount != 5000 {
				t.Errorf("discount = %d, want 5000", quote.Discount)
			}
		})
	}
}

func TestPromotionServiceValidateUnknownCode(t *testing.T) {
	repo := &stubPromotionRepo{
		findByCodeFn: func(context.Context, string) (domain.Promotion, error) {
			return domain.Promotion{}, &fakeRepoError{notFound: true}
		},
	}
	svc := newTestPromotionService(t, repo)

	_, err := svc.Validate(context.Background(), ValidatePromotionQuery{Code: "NOPE", Subtotal: 130000})
	if !errors.Is(err, ErrPromotionNotFound) {
		t.Fatalf("err = %v, want ErrPromotionNotFound", err)
	}
}

func TestPromotionServiceRedeemMapsExhausted(t *testing.T) {
	repo := &stubPromotionRepo{
		redeemFn: func(context.Context, string, time.Time) (domain.Promotion, error) {
			return domain.Promotion{}, repositories.NewPromotionError(repositories.PromotionErrorExhausted, "cap reached", nil)
		},
	}
	svc := newTestPromotionService(t, repo)

	_, err := svc.Redeem(context.Background(), "prm_1", time.Time{})
	if !errors.Is(err, ErrPromotionExhausted) {
		t.Fatalf("err = %v, want ErrPromotionExhausted", err)
	}
}

func TestPromotionServiceUpsertValidation(t *testing.T) {
	svc := newTestPromotionService(t, &stubPromotionRepo{})
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		cmd  UpsertPromotionCommand
	}{
		{name: "missing code", cmd: UpsertPromotionCommand{DiscountAmount: 100, StartsAt: start, EndsAt: start.Add(time.Hour)}},
		{name: "zero discount", cmd: UpsertPromotionCommand{Code: "X", StartsAt: start, EndsAt: start.Add(time.Hour)}},
		{name: "inverted window", cmd: UpsertPromotionCommand{Code: "X", DiscountAmount: 100, StartsAt: start, EndsAt: start}},
		{name: "negative cap", cmd: UpsertPromotionCommand{Code: "X", DiscountAmount: 100, MaxUses: -1, StartsAt: start, EndsAt: start.Add(time.Hour)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.UpsertPromotion(context.Background(), tc.cmd); !errors.Is(err, ErrPromotionInvalidInput) {
				t.Fatalf("err = %v, want ErrPromotionInvalidInput", err)
			}
		})
	}
}

func TestPromotionServiceUpsertPreservesUsageCounter(t *testing.T) {
	var updated domain.Promotion
	repo := &stubPromotionRepo{
		findFn: func(_ context.Context, promotionID string) (domain.Promotion, error) {
			return domain.Promotion{ID: promotionID, Code: "WELCOME", CurrentUses: 7}, nil
		},
		updateFn: func(_ context.Context, promotion domain.Promotion) error {
			updated = promotion
			return nil
		},
	}
	svc := newTestPromotionService(t, repo)

	_, err := svc.UpsertPromotion(context.Background(), UpsertPromotionCommand{
		PromotionID:    "prm_1",
		Code:           "WELCOME",
		DiscountAmount: 5000,
		MaxUses:        20,
		StartsAt:       time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		EndsAt:         time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		IsActive:       true,
	})
	if err != nil {
		t.Fatalf("UpsertPromotion: %v", err)
	}
	if updated.CurrentUses != 7 {
		t.Errorf("current uses = %d, want 7 preserved", updated.CurrentUses)
	}
}
