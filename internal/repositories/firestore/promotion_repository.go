package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/kitchenline/api/internal/domain"
	pfirestore "github.com/kitchenline/api/internal/platform/firestore"
	"github.com/kitchenline/api/internal/repositories"
)

const promotionsCollection = "promotions"

type PromotionRepository struct {
	provider   *pfirestore.Provider
	promotions *pfirestore.BaseRepository[promotionDocument]
}

func NewPromotionRepository(provider *pfirestore.Provider) (*PromotionRepository, error) {
	if provider == nil {
		return nil, errors.New("promotion repository requires firestore provider")
	}
	promotions := pfirestore.NewBaseRepository[promotionDocument](provider, promotionsCollection, nil, nil)
	return &PromotionRepository{provider: provider, promotions: promotions}, nil
}

func (r *PromotionRepository) Insert(ctx context.Context, promotion domain.Promotion) error {
	if r == nil || r.promotions == nil {
		return errors.New("promotion repository not initialised")
	}
	promoID := strings.TrimSpace(promotion.ID)
	if promoID == "" {
		return errors.New("promotion insert: id is required")
	}

	ref, err := r.promotions.DocumentRef(ctx, promoID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newPromotionDocument(promotion)); err != nil {
		return pfirestore.WrapError("promotions.insert", err)
	}
	return nil
}

func (r *PromotionRepository) Update(ctx context.Context, promotion domain.Promotion) error {
	if r == nil || r.promotions == nil {
		return errors.New("promotion repository not initialised")
	}
	promoID := strings.TrimSpace(promotion.ID)
	if promoID == "" {
		return errors.New("promotion update: id is required")
	}

	if _, err := r.promotions.Set(ctx, promoID, newPromotionDocument(promotion)); err != nil {
		return pfirestore.WrapError("promotions.update", err)
	}
	return nil
}

func (r *PromotionRepository) FindByID(ctx context.Context, promotionID string) (domain.Promotion, error) {
	if r == nil || r.promotions == nil {
		return domain.Promotion{}, errors.New("promotion repository not initialised")
	}
	promotionID = strings.TrimSpace(promotionID)
	if promotionID == "" {
		return domain.Promotion{}, errors.New("promotion find: id is required")
	}

	doc, err := r.promotions.Get(ctx, promotionID)
	if err != nil {
		return domain.Promotion{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *PromotionRepository) FindByCode(ctx context.Context, code string) (domain.Promotion, error) {
	if r == nil || r.promotions == nil {
		return domain.Promotion{}, errors.New("promotion repository not initialised")
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Promotion{}, errors.New("promotion find: code is required")
	}

	docs, err := r.promotions.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("code", "==", code).Limit(1)
	})
	if err != nil {
		return domain.Promotion{}, err
	}
	if len(docs) == 0 {
		return domain.Promotion{}, pfirestore.NewNotFoundError("promotions.findByCode", fmt.Sprintf("promotion %s not found", code))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

func (r *PromotionRepository) List(ctx context.Context, filter repositories.PromotionListFilter) (domain.CursorPage[domain.Promotion], error) {
	if r == nil || r.promotions == nil {
		return domain.CursorPage[domain.Promotion]{}, errors.New("promotion repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Promotion]{}, pfirestore.WrapError("promotions.list", err)
	}

	query := client.Collection(promotionsCollection).Query
	if filter.ActiveOnly {
		query = query.Where("isActive", "==", true)
	}
	if filter.Code != nil {
		query = query.Where("code", "==", strings.ToUpper(strings.TrimSpace(*filter.Code)))
	}
	query = query.OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		query = query.StartAfter(token)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var promotions []domain.Promotion
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Promotion]{}, pfirestore.WrapError("promotions.list", err)
		}
		var doc promotionDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Promotion]{}, fmt.Errorf("decode promotion %s: %w", snap.Ref.ID, err)
		}
		promotions = append(promotions, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(promotions) > pageSize
	if hasMore {
		promotions = promotions[:pageSize]
	}
	var nextToken string
	if hasMore && len(promotions) > 0 {
		nextToken = promotions[len(promotions)-1].ID
	}

	return domain.CursorPage[domain.Promotion]{
		Items:         promotions,
		NextPageToken: nextToken,
	}, nil
}

// RedeemUsage increments the usage counter only while it stays below the cap,
// so concurrent orders can never push a promotion past MaxUses.
func (r *PromotionRepository) RedeemUsage(ctx context.Context, promotionID string, now time.Time) (domain.Promotion, error) {
	return r.adjustUsage(ctx, promotionID, now, +1)
}

// ReleaseUsage hands a redeemed use back after a cancellation.
func (r *PromotionRepository) ReleaseUsage(ctx context.Context, promotionID string, now time.Time) (domain.Promotion, error) {
	return r.adjustUsage(ctx, promotionID, now, -1)
}

func (r *PromotionRepository) adjustUsage(ctx context.Context, promotionID string, now time.Time, delta int) (domain.Promotion, error) {
	if r == nil || r.provider == nil {
		return domain.Promotion{}, errors.New("promotion repository not initialised")
	}
	promotionID = strings.TrimSpace(promotionID)
	if promotionID == "" {
		return domain.Promotion{}, errors.New("promotion usage: id is required")
	}

	now = now.UTC()
	var updated domain.Promotion
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.promotions.DocumentRef(ctx, promotionID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewPromotionError(repositories.PromotionErrorNotFound, fmt.Sprintf("promotion %s not found", promotionID), err)
			}
			return err
		}
		var doc promotionDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode promotion %s: %w", promotionID, err)
		}

		if delta > 0 && doc.MaxUses > 0 && doc.CurrentUses >= doc.MaxUses {
			return repositories.NewPromotionError(repositories.PromotionErrorExhausted, fmt.Sprintf("promotion %s usage cap reached", promotionID), nil)
		}
		doc.CurrentUses += delta
		if doc.CurrentUses < 0 {
			doc.CurrentUses = 0
		}
		doc.UpdatedAt = now
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(promotionID)
		return nil
	})
	if err != nil {
		var promoErr *repositories.PromotionError
		if errors.As(err, &promoErr) {
			return domain.Promotion{}, promoErr
		}
		return domain.Promotion{}, pfirestore.WrapError("promotions.usage", err)
	}
	return updated, nil
}

// Document mapping ----------------------------------------------------------

type promotionDocument struct {
	Code           string    `firestore:"code"`
	Description    string    `firestore:"description,omitempty"`
	DiscountAmount int64     `firestore:"discountAmount"`
	MinOrderAmount int64     `firestore:"minOrderAmount"`
	MaxUses        int       `firestore:"maxUses"`
	CurrentUses    int       `firestore:"currentUses"`
	StartsAt       time.Time `firestore:"startsAt"`
	EndsAt         time.Time `firestore:"endsAt"`
	IsActive       bool      `firestore:"isActive"`
	UserID         *string   `firestore:"userId,omitempty"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

func newPromotionDocument(promotion domain.Promotion) promotionDocument {
	return promotionDocument{
		Code:           strings.ToUpper(strings.TrimSpace(promotion.Code)),
		Description:    strings.TrimSpace(promotion.Description),
		DiscountAmount: promotion.DiscountAmount,
		MinOrderAmount: promotion.MinOrderAmount,
		MaxUses:        promotion.MaxUses,
		CurrentUses:    promotion.CurrentUses,
		StartsAt:       promotion.StartsAt.UTC(),
		EndsAt:         promotion.EndsAt.UTC(),
		IsActive:       promotion.IsActive,
		UserID:         promotion.UserID,
		UpdatedAt:      promotion.UpdatedAt.UTC(),
	}
}

func (d promotionDocument) toDomain(id string) domain.Promotion {
	return domain.Promotion{
		ID:             id,
		Code:           d.Code,
		Description:    d.Description,
		DiscountAmount: d.DiscountAmount,
		MinOrderAmount: d.MinOrderAmount,
		MaxUses:        d.MaxUses,
		CurrentUses:    d.CurrentUses,
		StartsAt:       d.StartsAt,
		EndsAt:         d.EndsAt,
		IsActive:       d.IsActive,
		UserID:         d.UserID,
		UpdatedAt:      d.UpdatedAt,
	}
}
