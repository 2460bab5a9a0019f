package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/kitchenline/api/internal/domain"
	pfirestore "github.com/kitchenline/api/internal/platform/firestore"
)

const recipesCollection = "recipes"

// RecipeRepository keys recipe documents by product ID so stock expansion is a
// single batched lookup.
type RecipeRepository struct {
	provider *pfirestore.Provider
	recipes  *pfirestore.BaseRepository[recipeDocument]
}

func NewRecipeRepository(provider *pfirestore.Provider) (*RecipeRepository, error) {
	if provider == nil {
		return nil, errors.New("recipe repository requires firestore provider")
	}
	recipes := pfirestore.NewBaseRepository[recipeDocument](provider, recipesCollection, nil, nil)
	return &RecipeRepository{provider: provider, recipes: recipes}, nil
}

func (r *RecipeRepository) FindByProduct(ctx context.Context, productID string) (domain.Recipe, error) {
	if r == nil || r.recipes == nil {
		return domain.Recipe{}, errors.New("recipe repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Recipe{}, errors.New("recipe find: product id is required")
	}

	doc, err := r.recipes.Get(ctx, productID)
	if err != nil {
		return domain.Recipe{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *RecipeRepository) FindByProducts(ctx context.Context, productIDs []string) (map[string]domain.Recipe, error) {
	if r == nil || r.recipes == nil {
		return nil, errors.New("recipe repository not initialised")
	}

	refs := make([]*firestore.DocumentRef, 0, len(productIDs))
	for _, productID := range productIDs {
		productID = strings.TrimSpace(productID)
		if productID == "" {
			continue
		}
		ref, err := r.recipes.DocumentRef(ctx, productID)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return map[string]domain.Recipe{}, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("recipes.findByProducts", err)
	}
	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("recipes.findByProducts", err)
	}

	recipes := make(map[string]domain.Recipe, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var doc recipeDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode recipe %s: %w", snap.Ref.ID, err)
		}
		recipes[snap.Ref.ID] = doc.toDomain(snap.Ref.ID)
	}
	return recipes, nil
}

func (r *RecipeRepository) Upsert(ctx context.Context, recipe domain.Recipe) (domain.Recipe, error) {
	if r == nil || r.recipes == nil {
		return domain.Recipe{}, errors.New("recipe repository not initialised")
	}
	productID := strings.TrimSpace(recipe.ProductID)
	if productID == "" {
		return domain.Recipe{}, errors.New("recipe upsert: product id is required")
	}
	if len(recipe.Lines) == 0 {
		return domain.Recipe{}, errors.New("recipe upsert: at least one line is required")
	}
	for _, line := range recipe.Lines {
		if strings.TrimSpace(line.MaterialID) == "" {
			return domain.Recipe{}, errors.New("recipe upsert: material id is required")
		}
		if line.QtyPerUnit <= 0 {
			return domain.Recipe{}, fmt.Errorf("recipe upsert: qty per unit for %s must be > 0", line.MaterialID)
		}
	}

	doc := newRecipeDocument(recipe)
	if _, err := r.recipes.Set(ctx, productID, doc); err != nil {
		return domain.Recipe{}, pfirestore.WrapError("recipes.upsert", err)
	}
	return doc.toDomain(productID), nil
}

// Document mapping ----------------------------------------------------------

type recipeDocument struct {
	Lines     []recipeLineDocument `firestore:"lines"`
	UpdatedAt time.Time            `firestore:"updatedAt"`
}

type recipeLineDocument struct {
	MaterialID string  `firestore:"materialId"`
	QtyPerUnit float64 `firestore:"qtyPerUnit"`
}

func newRecipeDocument(recipe domain.Recipe) recipeDocument {
	lines := make([]recipeLineDocument, len(recipe.Lines))
	for i, line := range recipe.Lines {
		lines[i] = recipeLineDocument{
			MaterialID: strings.TrimSpace(line.MaterialID),
			QtyPerUnit: line.QtyPerUnit,
		}
	}
	return recipeDocument{
		Lines:     lines,
		UpdatedAt: recipe.UpdatedAt.UTC(),
	}
}

func (d recipeDocument) toDomain(productID string) domain.Recipe {
	lines := make([]domain.RecipeLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.RecipeLine{
			MaterialID: line.MaterialID,
			QtyPerUnit: line.QtyPerUnit,
		}
	}
	return domain.Recipe{
		ProductID: productID,
		Lines:     lines,
		UpdatedAt: d.UpdatedAt,
	}
}
