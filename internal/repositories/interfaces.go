package repositories

import (
	"context"
	"time"

	domain "github.com/kitchenline/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists order documents and provides query helpers for customers and staff.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	// Transition re-reads the order, fails with a conflict when its status
	// is not listed in From, and persists the applied mutation atomically.
	Transition(ctx context.Context, req OrderTransitionRequest) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
}

// OrderTransitionRequest describes a conditional status update. An empty From
// accepts any current status.
type OrderTransitionRequest struct {
	OrderID string
	From    []domain.OrderStatus
	Apply   func(order *domain.Order)
}

// ProductRepository stores the sellable catalog consulted during order validation.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	Upsert(ctx context.Context, product domain.Product) (domain.Product, error)
	List(ctx context.Context, filter ProductListFilter) (domain.CursorPage[domain.Product], error)
}

// InventoryRepository manages material stock with transactional deduction guarantees.
type InventoryRepository interface {
	Deduct(ctx context.Context, req InventoryDeductRequest) (InventoryDeductResult, error)
	Restock(ctx context.Context, req InventoryRestockRequest) (InventoryRestockResult, error)
	GetDeduction(ctx context.Context, deductionID string) (domain.InventoryDeduction, error)
	GetMaterial(ctx context.Context, materialID string) (domain.Material, error)
	UpsertMaterial(ctx context.Context, material domain.Material) (domain.Material, error)
	ListMaterials(ctx context.Context, filter MaterialListFilter) (domain.CursorPage[domain.Material], error)
	ListLowStock(ctx context.Context, query InventoryLowStockQuery) (domain.CursorPage[domain.Material], error)
	MarkExpired(ctx context.Context, now time.Time) ([]domain.Material, error)
	// ListStaleApplied returns deductions still in applied status that were
	// created before the cutoff, so the orphan sweep can reconcile them.
	ListStaleApplied(ctx context.Context, before time.Time, limit int) ([]domain.InventoryDeduction, error)
}

// InventoryDeductRequest encapsulates an all-or-nothing stock decrement for an order.
type InventoryDeductRequest struct {
	Deduction domain.InventoryDeduction
	Now       time.Time
}

// InventoryDeductResult returns the saved deduction and the updated material projections.
type InventoryDeductResult struct {
	Deduction domain.InventoryDeduction
	Materials map[string]domain.Material
}

// InventoryRestockRequest restores previously deducted stock back to availability.
type InventoryRestockRequest struct {
	DeductionID string
	Reason      string
	Now         time.Time
}

// InventoryRestockResult reports the deduction and material state after a restock.
type InventoryRestockResult struct {
	Deduction domain.InventoryDeduction
	Materials map[string]domain.Material
}

// InventoryLowStockQuery controls pagination and threshold filtering for low stock listings.
type InventoryLowStockQuery struct {
	Threshold float64
	PageSize  int
	PageToken string
}

// RecipeRepository stores the product to material expansions used for stock math.
type RecipeRepository interface {
	FindByProduct(ctx context.Context, productID string) (domain.Recipe, error)
	FindByProducts(ctx context.Context, productIDs []string) (map[string]domain.Recipe, error)
	Upsert(ctx context.Context, recipe domain.Recipe) (domain.Recipe, error)
}

// PromotionRepository maintains promotion definitions and their usage counters.
type PromotionRepository interface {
	Insert(ctx context.Context, promotion domain.Promotion) error
	Update(ctx context.Context, promotion domain.Promotion) error
	FindByID(ctx context.Context, promotionID string) (domain.Promotion, error)
	FindByCode(ctx context.Context, code string) (domain.Promotion, error)
	List(ctx context.Context, filter PromotionListFilter) (domain.CursorPage[domain.Promotion], error)
	// RedeemUsage increments CurrentUses only while it stays below MaxUses.
	RedeemUsage(ctx context.Context, promotionID string, now time.Time) (domain.Promotion, error)
	// ReleaseUsage decrements CurrentUses after a cancellation, never below zero.
	ReleaseUsage(ctx context.Context, promotionID string, now time.Time) (domain.Promotion, error)
}

// TransactionRepository stores the payment ledger rows tied to orders.
type TransactionRepository interface {
	Insert(ctx context.Context, trx domain.PaymentTransaction) error
	Update(ctx context.Context, trx domain.PaymentTransaction) error
	FindByID(ctx context.Context, trxID string) (domain.PaymentTransaction, error)
	FindByOrder(ctx context.Context, orderRef string) (domain.PaymentTransaction, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	UserID     string
	StoreID    string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type ProductListFilter struct {
	ActiveOnly bool
	Pagination domain.Pagination
}

type MaterialListFilter struct {
	ActiveOnly  bool
	ExpiredOnly bool
	Pagination  domain.Pagination
}

type PromotionListFilter struct {
	ActiveOnly bool
	Code       *string
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
