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
	// ErrInventoryInvalidInput indicates the command failed validation.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryNotFound indicates a material or deduction does not exist.
	ErrInventoryNotFound = errors.New("inventory: not found")
	// ErrInventoryInsufficientStock indicates a material cannot cover the demand.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInventoryMaterialExpired indicates an expired material was requested.
	ErrInventoryMaterialExpired = errors.New("inventory: material expired")
	// ErrInventoryConflict indicates concurrent stock updates clashed.
	ErrInventoryConflict = errors.New("inventory: conflict")
	// ErrInventoryUnavailable indicates the persistence layer is temporarily down.
	ErrInventoryUnavailable = errors.New("inventory: storage unavailable")
)

const (
	materialIDPrefix  = "mat_"
	deductionIDPrefix = "ded_"
)

// InventoryServiceDeps wires the repositories into the inventory service.
type InventoryServiceDeps struct {
	Inventory repositories.InventoryRepository
	Recipes   repositories.RecipeRepository

	Clock       Clock
	IDGenerator IDGenerator
	Logger      Logger
}

type inventoryService struct {
	inventory repositories.InventoryRepository
	recipes   repositories.RecipeRepository

	clock       Clock
	idGenerator IDGenerator
	logger      Logger
}

// NewInventoryService validates dependencies and constructs the inventory service.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}
	if deps.Recipes == nil {
		return nil, errors.New("inventory service: recipes repository is required")
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

	return &inventoryService{
		inventory: deps.Inventory,
		recipes:   deps.Recipes,
		clock: func() time.Time {
			return clock().UTC()
		},
		idGenerator: idGenerator,
		logger:      logger,
	}, nil
}

// DeductForOrder expands the order's line items through their recipes and
// applies a single all-or-nothing stock decrement. Products without a recipe
// consume no tracked materials. When the whole order resolves to zero material
// demand no deduction record is written and the zero value is returned.
func (s *inventoryService) DeductForOrder(ctx context.Context, orderRef string, items []OrderLineItem, now time.Time) (InventoryDeduction, error) {
	orderRef = strings.TrimSpace(orderRef)
	if orderRef == "" {
		return InventoryDeduction{}, fmt.Errorf("%w: order ref is required", ErrInventoryInvalidInput)
	}
	if len(items) == 0 {
		return InventoryDeduction{}, fmt.Errorf("%w: items are required", ErrInventoryInvalidInput)
	}
	if now.IsZero() {
		now = s.clock()
	}

	lines, err := s.expandRequirements(ctx, items)
	if err != nil {
		return InventoryDeduction{}, err
	}
	if len(lines) == 0 {
		return InventoryDeduction{}, nil
	}

	deduction := InventoryDeduction{
		ID:        deductionIDPrefix + s.idGenerator(),
		OrderRef:  orderRef,
		Status:    domain.DeductionStatusApplied,
		Lines:     lines,
		CreatedAt: now,
		UpdatedAt: now,
	}

	result, err := s.inventory.Deduct(ctx, repositories.InventoryDeductRequest{
		Deduction: deduction,
		Now:       now,
	})
	if err != nil {
		return InventoryDeduction{}, mapInventoryRepositoryError(err)
	}

	s.logger(ctx, "inventory.deducted", map[string]any{
		"orderRef":    orderRef,
		"deductionId": result.Deduction.ID,
		"materials":   len(result.Deduction.Lines),
	})
	return result.Deduction, nil
}

func (s *inventoryService) ReleaseDeduction(ctx context.Context, deductionID string, reason string, now time.Time) (InventoryDeduction, error) {
	deductionID = strings.TrimSpace(deductionID)
	if deductionID == "" {
		return InventoryDeduction{}, fmt.Errorf("%w: deduction id is required", ErrInventoryInvalidInput)
	}
	if now.IsZero() {
		now = s.clock()
	}

	result, err := s.inventory.Restock(ctx, repositories.InventoryRestockRequest{
		DeductionID: deductionID,
		Reason:      strings.TrimSpace(reason),
		Now:         now,
	})
	if err != nil {
		return InventoryDeduction{}, mapInventoryRepositoryError(err)
	}

	s.logger(ctx, "inventory.restocked", map[string]any{
		"deductionId": result.Deduction.ID,
		"orderRef":    result.Deduction.OrderRef,
	})
	return result.Deduction, nil
}

func (s *inventoryService) GetMaterial(ctx context.Context, materialID string) (Material, error) {
	materialID = strings.TrimSpace(materialID)
	if materialID == "" {
		return Material{}, fmt.Errorf("%w: material id is required", ErrInventoryInvalidInput)
	}
	material, err := s.inventory.GetMaterial(ctx, materialID)
	if err != nil {
		return Material{}, mapInventoryRepositoryError(err)
	}
	return material, nil
}

func (s *inventoryService) UpsertMaterial(ctx context.Context, cmd UpsertMaterialCommand) (Material, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return Material{}, fmt.Errorf("%w: material name is required", ErrInventoryInvalidInput)
	}
	if cmd.Quantity < 0 {
		return Material{}, fmt.Errorf("%w: quantity cannot be negative", ErrInventoryInvalidInput)
	}

	now := s.clock()
	materialID := strings.TrimSpace(cmd.MaterialID)
	if materialID == "" {
		materialID = materialIDPrefix + s.idGenerator()
	}

	material := Material{
		ID:        materialID,
		Name:      name,
		Unit:      strings.TrimSpace(cmd.Unit),
		Quantity:  cmd.Quantity,
		ExpireAt:  cmd.ExpireAt,
		IsActive:  cmd.IsActive,
		UpdatedAt: now,
	}
	if cmd.ExpireAt != nil && !cmd.ExpireAt.After(now) {
		material.IsExpired = true
	}

	saved, err := s.inventory.UpsertMaterial(ctx, material)
	if err != nil {
		return Material{}, mapInventoryRepositoryError(err)
	}
	return saved, nil
}

func (s *inventoryService) ListMaterials(ctx context.Context, query MaterialListQuery) (domain.CursorPage[Material], error) {
	page, err := s.inventory.ListMaterials(ctx, repositories.MaterialListFilter{
		ActiveOnly:  query.ActiveOnly,
		ExpiredOnly: query.ExpiredOnly,
		Pagination:  query.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Material]{}, mapInventoryRepositoryError(err)
	}
	return page, nil
}

func (s *inventoryService) ListLowStock(ctx context.Context, query LowStockQuery) (domain.CursorPage[Material], error) {
	page, err := s.inventory.ListLowStock(ctx, repositories.InventoryLowStockQuery{
		Threshold: query.Threshold,
		PageSize:  query.Pagination.PageSize,
		PageToken: query.Pagination.PageToken,
	})
	if err != nil {
		return domain.CursorPage[Material]{}, mapInventoryRepositoryError(err)
	}
	return page, nil
}

func (s *inventoryService) UpsertRecipe(ctx context.Context, cmd UpsertRecipeCommand) (Recipe, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Recipe{}, fmt.Errorf("%w: product id is required", ErrInventoryInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return Recipe{}, fmt.Errorf("%w: at least one recipe line is required", ErrInventoryInvalidInput)
	}
	for i, line := range cmd.Lines {
		if strings.TrimSpace(line.MaterialID) == "" {
			return Recipe{}, fmt.Errorf("%w: recipe line %d is missing a material id", ErrInventoryInvalidInput, i)
		}
		if line.QtyPerUnit <= 0 {
			return Recipe{}, fmt.Errorf("%w: recipe line %d quantity must be positive", ErrInventoryInvalidInput, i)
		}
	}

	recipe := Recipe{
		ProductID: productID,
		Lines:     cmd.Lines,
		UpdatedAt: s.clock(),
	}
	saved, err := s.recipes.Upsert(ctx, recipe)
	if err != nil {
		return Recipe{}, mapInventoryRepositoryError(err)
	}
	return saved, nil
}

func (s *inventoryService) MarkExpiredMaterials(ctx context.Context, now time.Time) ([]Material, error) {
	if now.IsZero() {
		now = s.clock()
	}
	expired, err := s.inventory.MarkExpired(ctx, now)
	if err != nil {
		return nil, mapInventoryRepositoryError(err)
	}
	if len(expired) > 0 {
		s.logger(ctx, "inventory.expired", map[string]any{
			"count": len(expired),
		})
	}
	return expired, nil
}

func (s *inventoryService) ListStaleDeductions(ctx context.Context, before time.Time, limit int) ([]InventoryDeduction, error) {
	if before.IsZero() {
		before = s.clock()
	}
	stale, err := s.inventory.ListStaleApplied(ctx, before, limit)
	if err != nil {
		return nil, mapInventoryRepositoryError(err)
	}
	return stale, nil
}

// expandRequirements aggregates per-material demand across all line items.
func (s *inventoryService) expandRequirements(ctx context.Context, items []OrderLineItem) ([]domain.DeductionLine, error) {
	productIDs := make([]string, 0, len(items))
	for _, item := range items {
		productIDs = append(productIDs, item.ProductID)
	}

	recipes, err := s.recipes.FindByProducts(ctx, productIDs)
	if err != nil {
		return nil, mapInventoryRepositoryError(err)
	}

	required := make(map[string]float64)
	order := make([]string, 0)
	for _, item := range items {
		recipe, ok := recipes[item.ProductID]
		if !ok {
			continue
		}
		for _, line := range recipe.Lines {
			if _, seen := required[line.MaterialID]; !seen {
				order = append(order, line.MaterialID)
			}
			required[line.MaterialID] += line.QtyPerUnit * float64(item.Quantity)
		}
	}

	lines := make([]domain.DeductionLine, 0, len(order))
	for _, materialID := range order {
		lines = append(lines, domain.DeductionLine{
			MaterialID: materialID,
			Quantity:   required[materialID],
		})
	}
	return lines, nil
}

func mapInventoryRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return fmt.Errorf("%w: %w", ErrInventoryInsufficientStock, invErr)
		case repositories.InventoryErrorMaterialExpired:
			return fmt.Errorf("%w: %w", ErrInventoryMaterialExpired, invErr)
		case repositories.InventoryErrorMaterialNotFound, repositories.InventoryErrorDeductionNotFound:
			return fmt.Errorf("%w: %w", ErrInventoryNotFound, invErr)
		case repositories.InventoryErrorInvalidDeductionState:
			return fmt.Errorf("%w: %w", ErrInventoryConflict, invErr)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrInventoryNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrInventoryConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrInventoryUnavailable, err)
		}
	}
	return err
}
