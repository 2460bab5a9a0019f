package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/kitchenline/api/internal/domain"
	"github.com/kitchenline/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput indicates the command failed validation.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the requested order does not exist.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the order status forbids the operation.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderConflict indicates a concurrent modification clashed with this one.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the persistence layer is temporarily down.
	ErrOrderUnavailable = errors.New("order: storage unavailable")
)

const (
	orderIDPrefix = "ord_"

	// One loyalty point per 10000 in the smallest currency unit.
	loyaltyPointsDivisor = 10000

	defaultOrderCurrency  = "VND"
	defaultPaymentLinkTTL = 24 * time.Hour

	maxOrderNoteLength = 500
	maxOrderLineItems  = 50
)

// orderStateTransitions is the single source of truth for legal status moves.
// A same-status transition is treated as a no-op so duplicate gateway
// callbacks and double-submitted staff actions stay idempotent.
var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusPaid, domain.OrderStatusCanceled},
	domain.OrderStatusPaid:       {domain.OrderStatusApproved},
	domain.OrderStatusApproved:   {domain.OrderStatusPreparing},
	domain.OrderStatusPreparing:  {domain.OrderStatusCooked},
	domain.OrderStatusCooked:     {domain.OrderStatusDelivering},
	domain.OrderStatusDelivering: {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:  {},
	domain.OrderStatusCanceled:   {},
}

// staffTransitionTargets lists the statuses staff endpoints may request.
// Paid is owned by reconciliation and Canceled by CancelOrder.
var staffTransitionTargets = []domain.OrderStatus{
	domain.OrderStatusApproved,
	domain.OrderStatusPreparing,
	domain.OrderStatusCooked,
	domain.OrderStatusDelivering,
	domain.OrderStatusDelivered,
}

func canTransition(current, target domain.OrderStatus) bool {
	if current == target {
		return true
	}
	return slices.Contains(orderStateTransitions[current], target)
}

// OrderServiceDeps wires repositories and collaborators into the order service.
type OrderServiceDeps struct {
	Orders       repositories.OrderRepository
	Products     repositories.ProductRepository
	Counters     repositories.CounterRepository
	Transactions repositories.TransactionRepository
	Inventory    InventoryService
	Promotions   PromotionService
	Events       EventPublisher

	PaymentLinkTTL time.Duration

	Clock       Clock
	IDGenerator IDGenerator
	Logger      Logger
}

type orderService struct {
	orders       repositories.OrderRepository
	products     repositories.ProductRepository
	counters     repositories.CounterRepository
	transactions repositories.TransactionRepository
	inventory    InventoryService
	promotions   PromotionService
	events       EventPublisher

	paymentLinkTTL time.Duration

	clock         Clock
	idGenerator   IDGenerator
	logger        Logger
	noteSanitizer *bluemonday.Policy
}

// NewOrderService validates dependencies and constructs the order service.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: orders repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: products repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counters repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
	}
	if deps.Promotions == nil {
		return nil, errors.New("order service: promotion service is required")
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
	ttl := deps.PaymentLinkTTL
	if ttl <= 0 {
		ttl = defaultPaymentLinkTTL
	}

	return &orderService{
		orders:         deps.Orders,
		products:       deps.Products,
		counters:       deps.Counters,
		transactions:   deps.Transactions,
		inventory:      deps.Inventory,
		promotions:     deps.Promotions,
		events:         deps.Events,
		paymentLinkTTL: ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		idGenerator:   idGenerator,
		logger:        logger,
		noteSanitizer: bluemonday.StrictPolicy(),
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if err := validateCreateOrderCommand(cmd); err != nil {
		return Order{}, err
	}

	now := s.clock()

	products, err := s.loadProducts(ctx, cmd.Items)
	if err != nil {
		return Order{}, err
	}

	items := make([]OrderLineItem, 0, len(cmd.Items))
	var subtotal int64
	for _, input := range cmd.Items {
		product := products[input.ProductID]
		if input.UnitPrice != product.Price {
			return Order{}, fmt.Errorf("%w: product %s price changed", ErrOrderInvalidInput, input.ProductID)
		}
		lineTotal := product.Price * int64(input.Quantity)
		items = append(items, OrderLineItem{
			ProductID: product.ID,
			Name:      product.Name,
			Quantity:  input.Quantity,
			UnitPrice: product.Price,
			Total:     lineTotal,
		})
		subtotal += lineTotal
	}

	var promotionQuote *PromotionQuote
	discount := cmd.Discount
	if code := strings.TrimSpace(cmd.PromotionCode); code != "" {
		quote, err := s.promotions.Validate(ctx, ValidatePromotionQuery{
			Code:            code,
			UserID:          cmd.UserID,
			Subtotal:        subtotal,
			ClaimedDiscount: cmd.Discount,
			Now:             now,
		})
		if err != nil {
			return Order{}, err
		}
		promotionQuote = &quote
		discount = quote.Discount
	} else if cmd.Discount != 0 {
		return Order{}, fmt.Errorf("%w: discount requires a promotion code", ErrOrderInvalidInput)
	}

	amount := subtotal + cmd.ShippingFee - discount
	if amount < 0 {
		return Order{}, fmt.Errorf("%w: discount exceeds order total", ErrOrderInvalidInput)
	}

	var discountPercent float64
	if subtotal > 0 && discount > 0 {
		discountPercent = float64(discount) / float64(subtotal) * 100
	}

	orderNumber, err := s.nextOrderNumber(ctx, now)
	if err != nil {
		return Order{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = defaultOrderCurrency
	}

	order := Order{
		ID:              orderIDPrefix + s.idGenerator(),
		OrderNumber:     orderNumber,
		UserID:          cmd.UserID,
		StoreID:         strings.TrimSpace(cmd.StoreID),
		Status:          domain.OrderStatusPending,
		Currency:        currency,
		Totals: OrderTotals{
			Subtotal:        subtotal,
			Shipping:        cmd.ShippingFee,
			Discount:        discount,
			DiscountPercent: discountPercent,
			Amount:          amount,
			PointsEarned:    amount / loyaltyPointsDivisor,
		},
		Items:           items,
		DeliveryAddress: cloneAddress(cmd.DeliveryAddress),
		Note:            s.noteSanitizer.Sanitize(strings.TrimSpace(cmd.Note)),
		PaymentProvider: strings.ToLower(strings.TrimSpace(cmd.PaymentProvider)),
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(s.paymentLinkTTL),
		Audit: domain.OrderAudit{
			CreatedBy: optionalString(cmd.ActorID),
			UpdatedBy: optionalString(cmd.ActorID),
		},
		Metadata: cloneMap(cmd.Metadata),
	}
	if promotionQuote != nil {
		order.PromotionCode = valuePtr(promotionQuote.Promotion.Code)
		order.PromotionID = valuePtr(promotionQuote.Promotion.ID)
	}

	// Stock, promotion usage and the order row each commit in their own
	// Firestore transaction, with compensating releases on failure. A crash
	// between the deduction and the insert leaves an applied deduction with
	// no order; the orphan-deduction sweep restocks those.
	deduction, err := s.inventory.DeductForOrder(ctx, order.ID, order.Items, now)
	if err != nil {
		return Order{}, err
	}
	order.DeductionID = deduction.ID

	if promotionQuote != nil {
		if _, err := s.promotions.Redeem(ctx, promotionQuote.Promotion.ID, now); err != nil {
			if releaseErr := s.rollbackDeduction(ctx, order.DeductionID, now); releaseErr != nil {
				s.logger(ctx, "order.create.rollback_failed", map[string]any{
					"orderId": order.ID,
					"error":   releaseErr.Error(),
				})
			}
			return Order{}, err
		}
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		if releaseErr := s.rollbackDeduction(ctx, order.DeductionID, now); releaseErr != nil {
			s.logger(ctx, "order.create.rollback_failed", map[string]any{
				"orderId": order.ID,
				"error":   releaseErr.Error(),
			})
		}
		if promotionQuote != nil {
			if _, releaseErr := s.promotions.Release(ctx, promotionQuote.Promotion.ID, now); releaseErr != nil {
				s.logger(ctx, "order.create.promotion_release_failed", map[string]any{
					"orderId": order.ID,
					"error":   releaseErr.Error(),
				})
			}
		}
		return Order{}, mapOrderRepositoryError(err)
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"amount":      order.Totals.Amount,
	})
	s.publishEvent(ctx, "order.created", orderEvent{
		Type:        "order.created",
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		OccurredAt:  now,
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) GetOrderByNumber(ctx context.Context, orderNumber string) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, query ListOrdersQuery) (domain.CursorPage[Order], error) {
	filter := repositories.OrderListFilter{
		UserID:     strings.TrimSpace(query.UserID),
		StoreID:    strings.TrimSpace(query.StoreID),
		Status:     query.Status,
		Pagination: query.Pagination,
	}
	filter.DateRange.From = query.From
	filter.DateRange.To = query.To

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, mapOrderRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !slices.Contains(staffTransitionTargets, cmd.Target) {
		return Order{}, fmt.Errorf("%w: status %q cannot be requested directly", ErrOrderInvalidInput, cmd.Target)
	}
	if cmd.Target == domain.OrderStatusDelivering && strings.TrimSpace(cmd.ShipperID) == "" {
		return Order{}, fmt.Errorf("%w: shipper id is required for delivering", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	if order.Status == cmd.Target {
		return order, nil
	}
	if !canTransition(order.Status, cmd.Target) {
		return Order{}, fmt.Errorf("%w: cannot move %s from %s to %s", ErrOrderInvalidState, order.ID, order.Status, cmd.Target)
	}

	now := s.clock()
	// The repository re-checks the status inside its transaction, so a
	// concurrent transition makes this a conflict instead of a lost update.
	updated, err := s.orders.Transition(ctx, repositories.OrderTransitionRequest{
		OrderID: orderID,
		From:    []domain.OrderStatus{order.Status},
		Apply: func(o *domain.Order) {
			applyStatusTransition(o, cmd.Target, cmd.ActorID, cmd.ShipperID, now)
		},
	})
	if err != nil {
		if isRepositoryConflict(err) {
			current, findErr := s.orders.FindByID(ctx, orderID)
			if findErr == nil && current.Status == cmd.Target {
				return current, nil
			}
		}
		return Order{}, mapOrderRepositoryError(err)
	}
	order = updated

	s.logger(ctx, "order.status.changed", map[string]any{
		"orderId": order.ID,
		"status":  string(order.Status),
		"actorId": cmd.ActorID,
	})
	s.publishEvent(ctx, "order.status.changed", orderEvent{
		Type:        "order.status.changed",
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		OccurredAt:  now,
	})

	return order, nil
}

func (s *orderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	if order.Status == domain.OrderStatusCanceled {
		return order, nil
	}
	if order.Status != domain.OrderStatusPending {
		return Order{}, fmt.Errorf("%w: only pending orders can be canceled, %s is %s", ErrOrderInvalidState, order.ID, order.Status)
	}

	now := s.clock()
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = "canceled"
	}

	// Claim the cancellation first: once the status flips, a late payment
	// notification conflicts instead of overwriting it, and reconciliation
	// can never mark a restocked order paid.
	claimed, err := s.orders.Transition(ctx, repositories.OrderTransitionRequest{
		OrderID: orderID,
		From:    []domain.OrderStatus{domain.OrderStatusPending},
		Apply: func(o *domain.Order) {
			o.Status = domain.OrderStatusCanceled
			o.CanceledAt = valuePtr(now)
			o.CancelReason = valuePtr(reason)
			o.UpdatedAt = now
			o.Audit.UpdatedBy = optionalString(cmd.ActorID)
		},
	})
	if err != nil {
		if isRepositoryConflict(err) {
			current, findErr := s.orders.FindByID(ctx, orderID)
			if findErr == nil {
				if current.Status == domain.OrderStatusCanceled {
					return current, nil
				}
				return Order{}, fmt.Errorf("%w: only pending orders can be canceled, %s is %s", ErrOrderInvalidState, current.ID, current.Status)
			}
		}
		return Order{}, mapOrderRepositoryError(err)
	}
	order = claimed

	// Releases after the claim are logged on failure rather than propagated;
	// the orphan-deduction sweep retries any deduction left applied.
	if order.DeductionID != "" {
		if _, err := s.inventory.ReleaseDeduction(ctx, order.DeductionID, reason, now); err != nil {
			s.logger(ctx, "order.cancel.release_failed", map[string]any{
				"orderId":     order.ID,
				"deductionId": order.DeductionID,
				"error":       err.Error(),
			})
		}
	}
	if order.PromotionID != nil {
		if _, err := s.promotions.Release(ctx, *order.PromotionID, now); err != nil {
			s.logger(ctx, "order.cancel.promotion_release_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
	}
	if s.transactions != nil {
		if err := s.failPendingTransaction(ctx, order.ID, now); err != nil {
			s.logger(ctx, "order.cancel.transaction_update_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
	}

	s.logger(ctx, "order.canceled", map[string]any{
		"orderId": order.ID,
		"reason":  reason,
	})
	s.publishEvent(ctx, "order.status.changed", orderEvent{
		Type:        "order.status.changed",
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		OccurredAt:  now,
	})

	return order, nil
}

func (s *orderService) loadProducts(ctx context.Context, items []CreateOrderItemInput) (map[string]Product, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if !slices.Contains(ids, item.ProductID) {
			ids = append(ids, item.ProductID)
		}
	}

	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return nil, mapOrderRepositoryError(err)
	}

	for _, id := range ids {
		product, ok := products[id]
		if !ok {
			return nil, fmt.Errorf("%w: product %s not found", ErrOrderInvalidInput, id)
		}
		if !product.IsActive {
			return nil, fmt.Errorf("%w: product %s is not for sale", ErrOrderInvalidInput, id)
		}
	}
	return products, nil
}

// rollbackDeduction undoes the stock decrement when a later step of order
// creation fails. The deduction repo commits its own transaction, so the
// decrement has to be compensated, not rolled back.
func (s *orderService) rollbackDeduction(ctx context.Context, deductionID string, now time.Time) error {
	if deductionID == "" {
		return nil
	}
	_, err := s.inventory.ReleaseDeduction(ctx, deductionID, "order creation failed", now)
	return err
}

func (s *orderService) failPendingTransaction(ctx context.Context, orderID string, now time.Time) error {
	trx, err := s.transactions.FindByOrder(ctx, orderID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		return mapOrderRepositoryError(err)
	}
	if trx.Status != domain.TransactionStatusPending {
		return nil
	}
	trx.Status = domain.TransactionStatusFailed
	trx.UpdatedAt = now
	if err := s.transactions.Update(ctx, trx); err != nil {
		return mapOrderRepositoryError(err)
	}
	return nil
}

func (s *orderService) nextOrderNumber(ctx context.Context, now time.Time) (string, error) {
	year := now.Year()
	seq, err := s.counters.Next(ctx, fmt.Sprintf("orders-%d", year), 1)
	if err != nil {
		return "", mapOrderRepositoryError(err)
	}
	return fmt.Sprintf("KL-%d-%06d", year, seq), nil
}

func (s *orderService) publishEvent(ctx context.Context, topic string, event any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, topic, event); err != nil {
		s.logger(ctx, "order.event.publish_failed", map[string]any{
			"topic": topic,
			"error": err.Error(),
		})
	}
}

func validateCreateOrderCommand(cmd CreateOrderCommand) error {
	if strings.TrimSpace(cmd.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: at least one line item is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) > maxOrderLineItems {
		return fmt.Errorf("%w: too many line items", ErrOrderInvalidInput)
	}
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return fmt.Errorf("%w: item %d is missing a product id", ErrOrderInvalidInput, i)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("%w: item %d quantity must be at least 1", ErrOrderInvalidInput, i)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("%w: item %d unit price cannot be negative", ErrOrderInvalidInput, i)
		}
	}
	if cmd.ShippingFee < 0 {
		return fmt.Errorf("%w: shipping fee cannot be negative", ErrOrderInvalidInput)
	}
	if cmd.Discount < 0 {
		return fmt.Errorf("%w: discount cannot be negative", ErrOrderInvalidInput)
	}
	if len(cmd.Note) > maxOrderNoteLength {
		return fmt.Errorf("%w: note exceeds %d characters", ErrOrderInvalidInput, maxOrderNoteLength)
	}
	return nil
}

// applyStatusTransition mutates the order for the target status and stamps the
// side fields each state carries.
func applyStatusTransition(order *Order, target domain.OrderStatus, actorID, shipperID string, now time.Time) {
	order.Status = target
	order.UpdatedAt = now
	order.Audit.UpdatedBy = optionalString(actorID)

	switch target {
	case domain.OrderStatusPaid:
		order.PaidAt = valuePtr(now)
	case domain.OrderStatusApproved:
		order.ApprovedBy = optionalString(actorID)
	case domain.OrderStatusCooked:
		order.CookedBy = optionalString(actorID)
		order.CookedAt = valuePtr(now)
	case domain.OrderStatusDelivering:
		order.ShipperID = optionalString(shipperID)
	case domain.OrderStatusDelivered:
		order.DeliveredAt = valuePtr(now)
	case domain.OrderStatusCanceled:
		order.CanceledAt = valuePtr(now)
	}
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return err
}

// orderEvent is the payload published to the jobs topic after state changes.
type orderEvent struct {
	Type        string    `json:"type"`
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	Status      string    `json:"status"`
	OccurredAt  time.Time `json:"occurredAt"`
}

func valuePtr[T any](v T) *T {
	return &v
}

func optionalString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}

func cloneAddress(addr *Address) *Address {
	if addr == nil {
		return nil
	}
	clone := *addr
	return &clone
}
