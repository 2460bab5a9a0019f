package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment confirmation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid indicates payment succeeded and kitchen work can begin.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusApproved indicates staff accepted the paid order.
	OrderStatusApproved OrderStatus = "approved"
	// OrderStatusPreparing indicates the kitchen started cooking.
	OrderStatusPreparing OrderStatus = "preparing"
	// OrderStatusCooked indicates cooking finished and the order awaits a shipper.
	OrderStatusCooked OrderStatus = "cooked"
	// OrderStatusDelivering indicates a shipper took the order out for delivery.
	OrderStatusDelivering OrderStatus = "delivering"
	// OrderStatusDelivered indicates the customer received the order.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCanceled indicates the order has been canceled.
	OrderStatusCanceled OrderStatus = "canceled"
)

// Order captures the order aggregate returned to handlers/services.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	StoreID         string
	Status          OrderStatus
	Currency        string
	Totals          OrderTotals
	PromotionCode   *string
	PromotionID     *string
	Items           []OrderLineItem
	DeliveryAddress *Address
	Note            string
	PaymentProvider string
	CheckoutURL     string
	InvoiceURL      *string
	DeductionID     string
	ShipperID       *string
	ApprovedBy      *string
	CookedBy        *string
	CookedAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	DeliveredAt     *time.Time
	CanceledAt      *time.Time
	CancelReason    *string
	ExpiresAt       time.Time
	Audit           OrderAudit
	Metadata        map[string]any
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
//
// Amount is always Subtotal + Shipping - Discount and never negative.
type OrderTotals struct {
	Subtotal        int64
	Shipping        int64
	Discount        int64
	DiscountPercent float64
	Amount          int64
	PointsEarned    int64
}

// OrderLineItem is an immutable snapshot of a purchased product.
type OrderLineItem struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice int64
	Total     int64
}

// OrderAudit records the actors responsible for creating/updating the order.
type OrderAudit struct {
	CreatedBy *string
	UpdatedBy *string
}

// Address represents postal address structures shared by user and order layers.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	PostalCode string
	Country    string
	Phone      *string
}

// Product is the catalog entry line items are validated against.
type Product struct {
	ID        string
	Name      string
	Price     int64
	IsActive  bool
	UpdatedAt time.Time
}

// Material tracks a raw ingredient's stock level and expiry.
type Material struct {
	ID        string
	Name      string
	Unit      string
	Quantity  float64
	ExpireAt  *time.Time
	IsExpired bool
	IsActive  bool
	UpdatedAt time.Time
}

// RecipeLine ties one material requirement to a product unit.
type RecipeLine struct {
	MaterialID string
	QtyPerUnit float64
}

// Recipe lists the materials consumed per unit of a product sold.
type Recipe struct {
	ProductID string
	Lines     []RecipeLine
	UpdatedAt time.Time
}

// MaterialRequirement is the aggregated demand an order places on one material.
type MaterialRequirement struct {
	MaterialID string
	Required   float64
	Available  float64
}

// DeductionStatus describes the lifecycle of an inventory deduction record.
type DeductionStatus string

const (
	// DeductionStatusApplied indicates stock has been decremented for an order.
	DeductionStatusApplied DeductionStatus = "applied"
	// DeductionStatusReleased indicates the decrement was rolled back on cancel.
	DeductionStatusReleased DeductionStatus = "released"
)

// DeductionLine records how much of one material an order consumed.
type DeductionLine struct {
	MaterialID string
	Quantity   float64
}

// InventoryDeduction is the per-order record of applied stock decrements.
// It is what cancellation replays in reverse.
type InventoryDeduction struct {
	ID         string
	OrderRef   string
	Status     DeductionStatus
	Lines      []DeductionLine
	Reason     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ReleasedAt *time.Time
}

// Promotion describes a discount code with a usage cap and active window.
type Promotion struct {
	ID             string
	Code           string
	Description    string
	DiscountAmount int64
	MinOrderAmount int64
	MaxUses        int
	CurrentUses    int
	StartsAt       time.Time
	EndsAt         time.Time
	IsActive       bool
	UserID         *string
	UpdatedAt      time.Time
}

// TransactionStatus enumerates states of a payment ledger row.
type TransactionStatus string

const (
	// TransactionStatusPending indicates the gateway has not yet confirmed payment.
	TransactionStatusPending TransactionStatus = "PENDING"
	// TransactionStatusPaid indicates the gateway confirmed a successful capture.
	TransactionStatusPaid TransactionStatus = "PAID"
	// TransactionStatusFailed indicates the gateway reported a terminal failure.
	TransactionStatusFailed TransactionStatus = "FAILED"
)

// PaymentTransaction is one payment attempt against an order. It is distinct
// from Order.Status but must stay consistent with it.
type PaymentTransaction struct {
	ID          string
	OrderRef    string
	Provider    string
	Amount      int64
	Currency    string
	Status      TransactionStatus
	GatewayCode string
	GatewayRef  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ShippingQuote is the fee returned by the shipping-fee provider.
type ShippingQuote struct {
	Fee         int64
	Carrier     string
	EstimatedAt time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
