package services

import (
	"context"
	"time"

	domain "github.com/kitchenline/api/internal/domain"
	"github.com/kitchenline/api/internal/payments"
)

// Clock abstracts time lookups for deterministic tests.
type Clock func() time.Time

// IDGenerator produces collision-resistant identifiers for newly created entities.
type IDGenerator func() string

// Logger captures structured service events without binding to a concrete logging library.
type Logger func(ctx context.Context, event string, fields map[string]any)

// EventPublisher publishes integration events emitted by services after commit.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// Domain re-exports keep handler and service signatures terse.
type (
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderTotals        = domain.OrderTotals
	OrderLineItem      = domain.OrderLineItem
	Address            = domain.Address
	Product            = domain.Product
	Material           = domain.Material
	Recipe             = domain.Recipe
	RecipeLine         = domain.RecipeLine
	InventoryDeduction = domain.InventoryDeduction
	Promotion          = domain.Promotion
	PaymentTransaction = domain.PaymentTransaction
	ShippingQuote      = domain.ShippingQuote
	Pagination         = domain.Pagination
)

// CreateOrderItemInput is one requested line item with the price the client saw.
type CreateOrderItemInput struct {
	ProductID string
	Quantity  int
	UnitPrice int64
}

// CreateOrderCommand captures everything needed to build and persist an order.
type CreateOrderCommand struct {
	UserID          string
	StoreID         string
	Currency        string
	Items           []CreateOrderItemInput
	ShippingFee     int64
	Discount        int64
	PromotionCode   string
	DeliveryAddress *Address
	Note            string
	PaymentProvider string
	Metadata        map[string]any
	ActorID         string
}

// OrderStatusTransitionCommand moves an order along the fulfilment pipeline.
type OrderStatusTransitionCommand struct {
	OrderID   string
	Target    OrderStatus
	ActorID   string
	ShipperID string
}

// CancelOrderCommand cancels a pending order and rolls back its reservations.
type CancelOrderCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

// ListOrdersQuery filters order listings for customers and staff.
type ListOrdersQuery struct {
	UserID     string
	StoreID    string
	Status     []string
	From       *time.Time
	To         *time.Time
	Pagination Pagination
}

// OrderService drives the order lifecycle from creation to delivery.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetOrderByNumber(ctx context.Context, orderNumber string) (Order, error)
	ListOrders(ctx context.Context, query ListOrdersQuery) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// StartCheckoutCommand asks the payment gateway for a hosted checkout link.
type StartCheckoutCommand struct {
	OrderID   string
	Provider  string
	ReturnURL string
	CancelURL string
	ActorID   string
}

// CheckoutSession is the result handed back to the client after checkout starts.
type CheckoutSession struct {
	Order       Order
	Transaction PaymentTransaction
	CheckoutURL string
	ExpiresAt   time.Time
}

// ReconcileSource identifies which channel delivered the gateway notification.
type ReconcileSource string

const (
	// ReconcileSourceCallback marks browser redirect callbacks.
	ReconcileSourceCallback ReconcileSource = "callback"
	// ReconcileSourceWebhook marks server-to-server gateway webhooks.
	ReconcileSourceWebhook ReconcileSource = "webhook"
	// ReconcileSourcePoll marks reconciliation triggered by active polling.
	ReconcileSourcePoll ReconcileSource = "poll"
)

// ReconcileCommand carries a raw gateway notification into the reconciliation engine.
type ReconcileCommand struct {
	Provider  string
	Source    ReconcileSource
	Params    map[string]string
	Body      []byte
	Signature string
}

// ReconcileResult reports the final state after a notification is absorbed.
type ReconcileResult struct {
	Order        Order
	Transaction  PaymentTransaction
	Notification payments.Notification
	AlreadyPaid  bool
}

// PaymentService owns checkout initiation and payment reconciliation.
type PaymentService interface {
	StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (CheckoutSession, error)
	Reconcile(ctx context.Context, cmd ReconcileCommand) (ReconcileResult, error)
	PollPayment(ctx context.Context, orderID string) (ReconcileResult, error)
}

// UpsertMaterialCommand creates or updates a raw material record.
type UpsertMaterialCommand struct {
	MaterialID string
	Name       string
	Unit       string
	Quantity   float64
	ExpireAt   *time.Time
	IsActive   bool
	ActorID    string
}

// UpsertRecipeCommand replaces the material expansion for a product.
type UpsertRecipeCommand struct {
	ProductID string
	Lines     []RecipeLine
	ActorID   string
}

// LowStockQuery filters the low stock listing.
type LowStockQuery struct {
	Threshold  float64
	Pagination Pagination
}

// MaterialListQuery filters material listings.
type MaterialListQuery struct {
	ActiveOnly  bool
	ExpiredOnly bool
	Pagination  Pagination
}

// InventoryService exposes stock reservation primitives and material administration.
type InventoryService interface {
	DeductForOrder(ctx context.Context, orderRef string, items []OrderLineItem, now time.Time) (InventoryDeduction, error)
	ReleaseDeduction(ctx context.Context, deductionID string, reason string, now time.Time) (InventoryDeduction, error)
	GetMaterial(ctx context.Context, materialID string) (Material, error)
	UpsertMaterial(ctx context.Context, cmd UpsertMaterialCommand) (Material, error)
	ListMaterials(ctx context.Context, query MaterialListQuery) (domain.CursorPage[Material], error)
	ListLowStock(ctx context.Context, query LowStockQuery) (domain.CursorPage[Material], error)
	UpsertRecipe(ctx context.Context, cmd UpsertRecipeCommand) (Recipe, error)
	MarkExpiredMaterials(ctx context.Context, now time.Time) ([]Material, error)
	ListStaleDeductions(ctx context.Context, before time.Time, limit int) ([]InventoryDeduction, error)
}

// PromotionQuote is the validated discount a promotion grants an order.
type PromotionQuote struct {
	Promotion Promotion
	Discount  int64
}

// ValidatePromotionQuery checks a code against an order before redemption.
type ValidatePromotionQuery struct {
	Code            string
	UserID          string
	Subtotal        int64
	ClaimedDiscount int64
	Now             time.Time
}

// UpsertPromotionCommand creates or updates a promotion definition.
type UpsertPromotionCommand struct {
	PromotionID    string
	Code           string
	Description    string
	DiscountAmount int64
	MinOrderAmount int64
	MaxUses        int
	StartsAt       time.Time
	EndsAt         time.Time
	IsActive       bool
	UserID         *string
	ActorID        string
}

// PromotionListQuery filters promotion listings.
type PromotionListQuery struct {
	ActiveOnly bool
	Code       string
	Pagination Pagination
}

// PromotionService validates, redeems and administers promotion codes.
type PromotionService interface {
	Validate(ctx context.Context, query ValidatePromotionQuery) (PromotionQuote, error)
	Redeem(ctx context.Context, promotionID string, now time.Time) (Promotion, error)
	Release(ctx context.Context, promotionID string, now time.Time) (Promotion, error)
	GetPromotion(ctx context.Context, promotionID string) (Promotion, error)
	UpsertPromotion(ctx context.Context, cmd UpsertPromotionCommand) (Promotion, error)
	ListPromotions(ctx context.Context, query PromotionListQuery) (domain.CursorPage[Promotion], error)
}

// InvoiceGenerator renders and stores a durable receipt for a paid order.
type InvoiceGenerator interface {
	Generate(ctx context.Context, order Order, trx PaymentTransaction) (string, error)
}

// NotificationDispatcher delivers best-effort user notifications.
type NotificationDispatcher interface {
	NotifyOrderPaid(ctx context.Context, order Order) error
	NotifyOrderStatus(ctx context.Context, order Order) error
}

// ShippingQuoter returns delivery fees for an address before order creation.
type ShippingQuoter interface {
	Quote(ctx context.Context, address Address, subtotal int64) (ShippingQuote, error)
}

// HealthService surfaces dependency health for liveness/readiness endpoints.
type HealthService interface {
	Check(ctx context.Context) (domain.SystemHealthReport, error)
}
