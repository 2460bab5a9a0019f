package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/kitchenline/api/internal/domain"
	"github.com/kitchenline/api/internal/repositories"
)

var (
	// ErrPromotionInvalidInput indicates the command failed validation.
	ErrPromotionInvalidInput = errors.New("promotion: invalid input")
	// ErrPromotionNotFound indicates no promotion matches the code or id.
	ErrPromotionNotFound = errors.New("promotion: not found")
	// ErrPromotionInactive indicates the promotion is disabled or outside its window.
	ErrPromotionInactive = errors.New("promotion: inactive")
	// ErrPromotionExhausted indicates the usage cap has been reached.
	ErrPromotionExhausted = errors.New("promotion: usage cap reached")
	// ErrPromotionMinimumNotMet indicates the order subtotal is below the minimum.
	ErrPromotionMinimumNotMet = errors.New("promotion: minimum order amount not met")
	// ErrPromotionDiscountMismatch indicates the client claimed a different discount.
	ErrPromotionDiscountMismatch = errors.New("promotion: discount mismatch")
	// ErrPromotionNotEligible indicates the promotion is reserved for another user.
	ErrPromotionNotEligible = errors.New("promotion: not eligible")
	// ErrPromotionConflict indicates concurrent usage updates clashed.
	ErrPromotionConflict = errors.New("promotion: conflict")
	// ErrPromotionUnavailable indicates the persistence layer is temporarily down.
	ErrPromotionUnavailable = errors.New("promotion: storage unavailable")
)

const promotionIDPrefix = "prm_"

// PromotionServiceDeps wires the promotion repository into the service.
type PromotionServiceDeps struct {
	Promotions repositories.PromotionRepository

	Clock       Clock
	IDGenerator IDGenerator
	Logger      Logger
}

type promotionService struct {
	promotions repositories.PromotionRepository

	clock       Clock
	idGenerator IDGenerator
	logger      Logger
}

// NewPromotionService validates dependencies and constructs the promotion service.
func NewPromotionService(deps PromotionServiceDeps) (PromotionService, error) {
	if deps.Promotions == nil {
		return nil, errors.New("promotion service: promotions repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGenerator := deps.IDGenerator
	if idGenerator == nil {
		idGenerator = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &promotionService{
		promotions: deps.Promotions,
		clock: func() time.Time {
			return clock().UTC()
		},
		idGenerator: idGenerator,
		logger:      logger,
	}, nil
}

// Validate checks the code against the order before any counter is touched.
// The cap is re-checked atomically inside Redeem, so a race here only costs
// the caller a later conflict, never an oversold promotion.
func (s *promotionService) Validate(ctx context.Context, query ValidatePromotionQuery) (PromotionQuote, error) {
	code := strings.ToUpper(strings.TrimSpace(query.Code))
	if code == "" {
		return PromotionQuote{}, fmt.Errorf("%w: code is required", ErrPromotionInvalidInput)
	}
	now := query.Now
	if now.IsZero() {
		now = s.clock()
	}

	promotion, err := s.promotions.FindByCode(ctx, code)
	if err != nil {
		return PromotionQuote{}, mapPromotionRepositoryError(err)
	}

	if !promotion.IsActive {
		return PromotionQuote{}, fmt.Errorf("%w: %s is disabled", ErrPromotionInactive, code)
	}
	if now.Before(promotion.StartsAt) || now.After(promotion.EndsAt) {
		return PromotionQuote{}, fmt.Errorf("%w: %s is outside its active window", ErrPromotionInactive, code)
	}
	if promotion.MaxUses > 0 && promotion.CurrentUses >= promotion.MaxUses {
		return PromotionQuote{}, fmt.Errorf("%w: %s", ErrPromotionExhausted, code)
	}
	if promotion.UserID != nil && *promotion.UserID != query.UserID {
		return PromotionQuote{}, fmt.Errorf("%w: %s is reserved for another user", ErrPromotionNotEligible, code)
	}
	if query.Subtotal < promotion.MinOrderAmount {
		return PromotionQuote{}, fmt.Errorf("%w: subtotal %d is below minimum %d", ErrPromotionMinimumNotMet, query.Subtotal, promotion.MinOrderAmount)
	}
	if query.ClaimedDiscount != 0 && query.ClaimedDiscount != promotion.DiscountAmount {
		return PromotionQuote{}, fmt.Errorf("%w: claimed %d, promotion grants %d", ErrPromotionDiscountMismatch, query.ClaimedDiscount, promotion.DiscountAmount)
	}

	return PromotionQuote{
		Promotion: promotion,
		Discount:  promotion.DiscountAmount,
	}, nil
}

func (s *promotionService) Redeem(ctx context.Context, promotionID string, now time.Time) (Promotion, error) {
	promotionID = strings.TrimSpace(promotionID)
	if promotionID == "" {
		return Promotion{}, fmt.Errorf("%w: promotion id is required", ErrPromotionInvalidInput)
	}
	if now.IsZero() {
		now = s.clock()
	}

	promotion, err := s.promotions.RedeemUsage(ctx, promotionID, now)
	if err != nil {
		return Promotion{}, mapPromotionRepositoryError(err)
	}

	s.logger(ctx, "promotion.redeemed", map[string]any{
		"promotionId": promotion.ID,
		"currentUses": promotion.CurrentUses,
	})
	return promotion, nil
}

func (s *promotionService) Release(ctx context.Context, promotionID string, now time.Time) (Promotion, error) {
	promotionID = strings.TrimSpace(promotionID)
	if promotionID == "" {
		return Promotion{}, fmt.Errorf("%w: promotion id is required", ErrPromotionInvalidInput)
	}
	if now.IsZero() {
		now = s.clock()
	}

	promotion, err := s.promotions.ReleaseUsage(ctx, promotionID, now)
	if err != nil {
		return Promotion{}, mapPromotionRepositoryError(err)
	}

	s.logger(ctx, "promotion.released", map[string]any{
		"promotionId": promotion.ID,
		"currentUses": promotion.CurrentUses,
	})
	return promotion, nil
}

func (s *promotionService) GetPromotion(ctx context.Context, promotionID string) (Promotion, error) {
	promotionID = strings.TrimSpace(promotionID)
	if promotionID == "" {
		return Promotion{}, fmt.Errorf("%w: promotion id is required", ErrPromotionInvalidInput)
	}
	promotion, err := s.promotions.FindByID(ctx, promotionID)
	if err != nil {
		return Promotion{}, mapPromotionRepositoryError(err)
	}
	return promotion, nil
}

func (s *promotionService) UpsertPromotion(ctx context.Context, cmd UpsertPromotionCommand) (Promotion, error) {
	code := strings.ToUpper(strings.TrimSpace(cmd.Code))
	if code == "" {
		return Promotion{}, fmt.Errorf("%w: code is required", ErrPromotionInvalidInput)
	}
	if cmd.DiscountAmount <= 0 {
		return Promotion{}, fmt.Errorf("%w: discount amount must be positive", ErrPromotionInvalidInput)
	}
	if cmd.MinOrderAmount < 0 {
		return Promotion{}, fmt.Errorf("%w: minimum order amount cannot be negative", ErrPromotionInvalidInput)
	}
	if cmd.MaxUses < 0 {
		return Promotion{}, fmt.Errorf("%w: max uses cannot be negative", ErrPromotionInvalidInput)
	}
	if !cmd.EndsAt.After(cmd.StartsAt) {
		return Promotion{}, fmt.Errorf("%w: end must be after start", ErrPromotionInvalidInput)
	}

	now := s.clock()
	promotion := Promotion{
		ID:             strings.TrimSpace(cmd.PromotionID),
		Code:           code,
		Description:    strings.TrimSpace(cmd.Description),
		DiscountAmount: cmd.DiscountAmount,
		MinOrderAmount: cmd.MinOrderAmount,
		MaxUses:        cmd.MaxUses,
		StartsAt:       cmd.StartsAt.UTC(),
		EndsAt:         cmd.EndsAt.UTC(),
		IsActive:       cmd.IsActive,
		UserID:         cmd.UserID,
		UpdatedAt:      now,
	}

	if promotion.ID == "" {
		promotion.ID = promotionIDPrefix + s.idGenerator()
		if err := s.promotions.Insert(ctx, promotion); err != nil {
			return Promotion{}, mapPromotionRepositoryError(err)
		}
		return promotion, nil
	}

	existing, err := s.promotions.FindByID(ctx, promotion.ID)
	if err != nil {
		return Promotion{}, mapPromotionRepositoryError(err)
	}
	promotion.CurrentUses = existing.CurrentUses
	if err := s.promotions.Update(ctx, promotion); err != nil {
		return Promotion{}, mapPromotionRepositoryError(err)
	}
	return promotion, nil
}

func (s *promotionService) ListPromotions(ctx context.Context, query PromotionListQuery) (domain.CursorPage[Promotion], error) {
	filter := repositories.PromotionListFilter{
		ActiveOnly: query.ActiveOnly,
		Pagination: query.Pagination,
	}
	if code := strings.ToUpper(strings.TrimSpace(query.Code)); code != "" {
		filter.Code = &code
	}

	page, err := s.promotions.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Promotion]{}, mapPromotionRepositoryError(err)
	}
	return page, nil
}

func mapPromotionRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var promoErr *repositories.PromotionError
	if errors.As(err, &promoErr) {
		switch promoErr.Code {
		case repositories.PromotionErrorExhausted:
			return fmt.Errorf("%w: %w", ErrPromotionExhausted, promoErr)
		case repositories.PromotionErrorNotFound:
			return fmt.Errorf("%w: %w", ErrPromotionNotFound, promoErr)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPromotionNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrPromotionConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrPromotionUnavailable, err)
		}
	}
	return err
}
