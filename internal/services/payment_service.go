package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/kitchenline/api/internal/domain"
	"github.com/kitchenline/api/internal/payments"
	"github.com/kitchenline/api/internal/repositories"
)

var (
	// ErrPaymentInvalidInput indicates the command failed validation.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates the order or transaction cannot be located.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentInvalidState indicates the order status forbids the operation.
	ErrPaymentInvalidState = errors.New("payment: invalid state")
	// ErrPaymentSignature indicates a gateway notification failed verification.
	ErrPaymentSignature = errors.New("payment: signature verification failed")
	// ErrPaymentGateway indicates the payment gateway call failed.
	ErrPaymentGateway = errors.New("payment: gateway error")
	// ErrPaymentUnavailable indicates the persistence layer is temporarily down.
	ErrPaymentUnavailable = errors.New("payment: storage unavailable")
)

const (
	transactionIDPrefix = "trx_"

	defaultLookupRetries = 5
	defaultLookupBackoff = 200 * time.Millisecond
)

// PaymentGateway is the slice of the payments manager the service consumes.
type PaymentGateway interface {
	CreatePaymentLink(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LinkRequest) (payments.Link, error)
	VerifyNotification(ctx context.Context, paymentCtx payments.PaymentContext, req payments.NotificationRequest) (payments.Notification, error)
	LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error)
}

// PaymentServiceDeps wires repositories and the gateway into the payment service.
type PaymentServiceDeps struct {
	Orders       repositories.OrderRepository
	Transactions repositories.TransactionRepository
	Gateway      PaymentGateway
	Invoices     InvoiceGenerator
	Notifier     NotificationDispatcher
	Events       EventPublisher

	// LookupRetries bounds how often reconciliation re-reads an order that is
	// not yet visible because the creating transaction has not committed.
	LookupRetries int
	LookupBackoff time.Duration

	Clock       Clock
	IDGenerator IDGenerator
	Logger      Logger
}

type paymentService struct {
	orders       repositories.OrderRepository
	transactions repositories.TransactionRepository
	gateway      PaymentGateway
	invoices     InvoiceGenerator
	notifier     NotificationDispatcher
	events       EventPublisher

	lookupRetries int
	lookupBackoff time.Duration

	// invoiceMu serialises receipt generation so concurrent reconciles of
	// the same order render at most one invoice.
	invoiceMu sync.Mutex

	clock       Clock
	idGenerator IDGenerator
	logger      Logger
}

// NewPaymentService validates dependencies and constructs the payment service.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: orders repository is required")
	}
	if deps.Transactions == nil {
		return nil, errors.New("payment service: transactions repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway is required")
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
	retries := deps.LookupRetries
	if retries <= 0 {
		retries = defaultLookupRetries
	}
	backoff := deps.LookupBackoff
	if backoff < 0 {
		backoff = 0
	} else if backoff == 0 {
		backoff = defaultLookupBackoff
	}

	return &paymentService{
		orders:        deps.Orders,
		transactions:  deps.Transactions,
		gateway:       deps.Gateway,
		invoices:      deps.Invoices,
		notifier:      deps.Notifier,
		events:        deps.Events,
		lookupRetries: retries,
		lookupBackoff: backoff,
		clock: func() time.Time {
			return clock().UTC()
		},
		idGenerator: idGenerator,
		logger:      logger,
	}, nil
}

func (s *paymentService) StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (CheckoutSession, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return CheckoutSession{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return CheckoutSession{}, mapPaymentRepositoryError(err)
	}
	if order.Status != domain.OrderStatusPending {
		return CheckoutSession{}, fmt.Errorf("%w: order %s is %s, checkout requires pending", ErrPaymentInvalidState, order.ID, order.Status)
	}

	now := s.clock()
	provider := strings.TrimSpace(cmd.Provider)
	if provider == "" {
		provider = order.PaymentProvider
	}

	link, err := s.gateway.CreatePaymentLink(ctx, payments.PaymentContext{
		PreferredProvider: provider,
		Currency:          order.Currency,
	}, payments.LinkRequest{
		OrderRef:       order.OrderNumber,
		Amount:         order.Totals.Amount,
		Currency:       order.Currency,
		Description:    "Order " + order.OrderNumber,
		CustomerID:     order.UserID,
		ReturnURL:      cmd.ReturnURL,
		CancelURL:      cmd.CancelURL,
		ExpiresAt:      order.ExpiresAt,
		IdempotencyKey: order.ID,
		Metadata:       map[string]string{"orderId": order.ID},
	})
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return CheckoutSession{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
		}
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	trx := PaymentTransaction{
		ID:         transactionIDPrefix + s.idGenerator(),
		OrderRef:   order.ID,
		Provider:   link.Provider,
		Amount:     order.Totals.Amount,
		Currency:   order.Currency,
		Status:     domain.TransactionStatusPending,
		GatewayRef: link.GatewayRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	existing, err := s.transactions.FindByOrder(ctx, order.ID)
	switch {
	case err == nil:
		if existing.Status == domain.TransactionStatusPaid {
			return CheckoutSession{}, fmt.Errorf("%w: order %s already has a paid transaction", ErrPaymentInvalidState, order.ID)
		}
		trx.ID = existing.ID
		trx.CreatedAt = existing.CreatedAt
		if err := s.transactions.Update(ctx, trx); err != nil {
			return CheckoutSession{}, mapPaymentRepositoryError(err)
		}
	case isRepositoryNotFound(err):
		if err := s.transactions.Insert(ctx, trx); err != nil {
			return CheckoutSession{}, mapPaymentRepositoryError(err)
		}
	default:
		return CheckoutSession{}, mapPaymentRepositoryError(err)
	}

	order.CheckoutURL = link.URL
	order.PaymentProvider = link.Provider
	order.UpdatedAt = now
	if !link.ExpiresAt.IsZero() {
		order.ExpiresAt = link.ExpiresAt
	}
	if err := s.orders.Update(ctx, order); err != nil {
		return CheckoutSession{}, mapPaymentRepositoryError(err)
	}

	s.logger(ctx, "payment.checkout.started", map[string]any{
		"orderId":  order.ID,
		"provider": link.Provider,
		"amount":   order.Totals.Amount,
	})

	return CheckoutSession{
		Order:       order,
		Transaction: trx,
		CheckoutURL: link.URL,
		ExpiresAt:   order.ExpiresAt,
	}, nil
}

// Reconcile is the single entry point for redirect callbacks, webhooks and
// poll results. It verifies the notification, locates the order (with a
// bounded retry for the create-then-notify race) and settles the order and
// ledger exactly once.
func (s *paymentService) Reconcile(ctx context.Context, cmd ReconcileCommand) (ReconcileResult, error) {
	provider := strings.TrimSpace(cmd.Provider)
	if provider == "" {
		return ReconcileResult{}, fmt.Errorf("%w: provider is required", ErrPaymentInvalidInput)
	}

	notification, err := s.gateway.VerifyNotification(ctx, payments.PaymentContext{
		PreferredProvider: provider,
	}, payments.NotificationRequest{
		Params:    cmd.Params,
		Body:      cmd.Body,
		Signature: cmd.Signature,
	})
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			s.logger(ctx, "payment.reconcile.signature_rejected", map[string]any{
				"provider": provider,
				"source":   string(cmd.Source),
			})
			return ReconcileResult{}, fmt.Errorf("%w: %v", ErrPaymentSignature, err)
		}
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return ReconcileResult{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
		}
		return ReconcileResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	order, err := s.findOrderWithRetry(ctx, notification.OrderRef)
	if err != nil {
		return ReconcileResult{}, err
	}

	return s.settle(ctx, order, notification, cmd.Source)
}

func (s *paymentService) PollPayment(ctx context.Context, orderID string) (ReconcileResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return ReconcileResult{}, mapPaymentRepositoryError(err)
	}
	if orderPaidOrLater(order.Status) {
		trx, err := s.transactions.FindByOrder(ctx, order.ID)
		if err != nil && !isRepositoryNotFound(err) {
			s.logger(ctx, "payment.poll.ledger_lookup_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
		return ReconcileResult{Order: order, Transaction: trx, AlreadyPaid: true}, nil
	}

	trx, err := s.transactions.FindByOrder(ctx, order.ID)
	if err != nil {
		if isRepositoryNotFound(err) {
			return ReconcileResult{}, fmt.Errorf("%w: order %s has no payment attempt", ErrPaymentNotFound, order.ID)
		}
		return ReconcileResult{}, mapPaymentRepositoryError(err)
	}

	details, err := s.gateway.LookupPayment(ctx, payments.PaymentContext{
		PreferredProvider: trx.Provider,
		Currency:          order.Currency,
	}, payments.LookupRequest{
		OrderRef:   order.OrderNumber,
		GatewayRef: trx.GatewayRef,
	})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	if details.Status == payments.StatusPending {
		return ReconcileResult{Order: order, Transaction: trx}, nil
	}

	occurredAt := s.clock()
	if details.PaidAt != nil {
		occurredAt = *details.PaidAt
	}
	notification := payments.Notification{
		Provider:    details.Provider,
		OrderRef:    order.OrderNumber,
		GatewayRef:  details.GatewayRef,
		Amount:      details.Amount,
		Currency:    details.Currency,
		Status:      details.Status,
		GatewayCode: details.GatewayCode,
		OccurredAt:  occurredAt,
		Raw:         details.Raw,
	}
	if notification.Amount == 0 {
		notification.Amount = order.Totals.Amount
	}

	return s.settle(ctx, order, notification, ReconcileSourcePoll)
}

func (s *paymentService) settle(ctx context.Context, order Order, notification payments.Notification, source ReconcileSource) (ReconcileResult, error) {
	now := s.clock()

	if orderPaidOrLater(order.Status) {
		return s.reportDuplicate(ctx, order, notification, source)
	}

	if notification.Status != payments.StatusSucceeded {
		trx, err := s.markTransactionFailed(ctx, order.ID, notification, now)
		if err != nil {
			return ReconcileResult{}, err
		}
		s.logger(ctx, "payment.reconcile.failed_notification", map[string]any{
			"orderId":     order.ID,
			"gatewayCode": notification.GatewayCode,
			"source":      string(source),
		})
		return ReconcileResult{Order: order, Transaction: trx, Notification: notification}, nil
	}

	if order.Status != domain.OrderStatusPending {
		return ReconcileResult{}, fmt.Errorf("%w: order %s is %s and cannot be marked paid", ErrPaymentInvalidState, order.ID, order.Status)
	}
	if notification.Amount != order.Totals.Amount {
		return ReconcileResult{}, fmt.Errorf("%w: notification amount %d does not match order amount %d", ErrPaymentInvalidState, notification.Amount, order.Totals.Amount)
	}

	// Exactly one caller wins the Pending->Paid claim; every concurrent
	// delivery of the same notification loses with a conflict and is folded
	// into the duplicate path below.
	updated, err := s.orders.Transition(ctx, repositories.OrderTransitionRequest{
		OrderID: order.ID,
		From:    []domain.OrderStatus{domain.OrderStatusPending},
		Apply: func(o *domain.Order) {
			applyStatusTransition(o, domain.OrderStatusPaid, "", "", now)
			if !notification.OccurredAt.IsZero() {
				o.PaidAt = valuePtr(notification.OccurredAt.UTC())
			}
		},
	})
	if err != nil {
		if isRepositoryConflict(err) {
			current, findErr := s.orders.FindByID(ctx, order.ID)
			if findErr != nil {
				return ReconcileResult{}, mapPaymentRepositoryError(findErr)
			}
			if orderPaidOrLater(current.Status) {
				return s.reportDuplicate(ctx, current, notification, source)
			}
			return ReconcileResult{}, fmt.Errorf("%w: order %s is %s and cannot be marked paid", ErrPaymentInvalidState, current.ID, current.Status)
		}
		return ReconcileResult{}, mapPaymentRepositoryError(err)
	}
	order = updated

	existing, findErr := s.transactions.FindByOrder(ctx, order.ID)
	insert := false
	var trx PaymentTransaction
	switch {
	case findErr == nil:
		trx = existing
	case isRepositoryNotFound(findErr):
		insert = true
		trx = PaymentTransaction{
			ID:        transactionIDPrefix + s.idGenerator(),
			OrderRef:  order.ID,
			Amount:    order.Totals.Amount,
			Currency:  order.Currency,
			CreatedAt: now,
		}
	default:
		return ReconcileResult{}, mapPaymentRepositoryError(findErr)
	}

	trx.Provider = notification.Provider
	trx.Status = domain.TransactionStatusPaid
	trx.GatewayCode = notification.GatewayCode
	if notification.GatewayRef != "" {
		trx.GatewayRef = notification.GatewayRef
	}
	trx.UpdatedAt = now

	if insert {
		if err := s.transactions.Insert(ctx, trx); err != nil {
			return ReconcileResult{}, mapPaymentRepositoryError(err)
		}
	} else if err := s.transactions.Update(ctx, trx); err != nil {
		return ReconcileResult{}, mapPaymentRepositoryError(err)
	}

	order = s.ensureInvoice(ctx, order, trx)
	s.notify(ctx, order)
	s.publishEvent(ctx, "payment.reconciled", orderEvent{
		Type:        "payment.reconciled",
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		OccurredAt:  now,
	})

	s.logger(ctx, "payment.reconciled", map[string]any{
		"orderId":  order.ID,
		"provider": notification.Provider,
		"amount":   notification.Amount,
		"source":   string(source),
	})

	return ReconcileResult{Order: order, Transaction: trx, Notification: notification}, nil
}

// findOrderWithRetry absorbs the race where the gateway notifies before the
// order-creating transaction becomes visible to readers.
func (s *paymentService) findOrderWithRetry(ctx context.Context, orderNumber string) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Order{}, fmt.Errorf("%w: notification carries no order reference", ErrPaymentInvalidInput)
	}

	var lastErr error
	for attempt := 0; attempt < s.lookupRetries; attempt++ {
		if attempt > 0 && s.lookupBackoff > 0 {
			timer := time.NewTimer(time.Duration(attempt) * s.lookupBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Order{}, ctx.Err()
			case <-timer.C:
			}
		}

		order, err := s.orders.FindByOrderNumber(ctx, orderNumber)
		if err == nil {
			return order, nil
		}
		if !isRepositoryNotFound(err) {
			return Order{}, mapPaymentRepositoryError(err)
		}
		lastErr = err
	}

	return Order{}, fmt.Errorf("%w: order %s not visible after %d attempts: %v", ErrPaymentNotFound, orderNumber, s.lookupRetries, lastErr)
}

func (s *paymentService) markTransactionFailed(ctx context.Context, orderID string, notification payments.Notification, now time.Time) (PaymentTransaction, error) {
	trx, err := s.transactions.FindByOrder(ctx, orderID)
	if err != nil {
		if isRepositoryNotFound(err) {
			return PaymentTransaction{}, nil
		}
		return PaymentTransaction{}, mapPaymentRepositoryError(err)
	}
	if trx.Status != domain.TransactionStatusPending {
		return trx, nil
	}

	trx.Status = domain.TransactionStatusFailed
	trx.GatewayCode = notification.GatewayCode
	if notification.GatewayRef != "" {
		trx.GatewayRef = notification.GatewayRef
	}
	trx.UpdatedAt = now
	if err := s.transactions.Update(ctx, trx); err != nil {
		return PaymentTransaction{}, mapPaymentRepositoryError(err)
	}
	return trx, nil
}

// reportDuplicate resolves a notification for an order that is already paid
// or further along. The ledger is left untouched and no paid notification is
// re-sent; only a missing invoice is filled in.
func (s *paymentService) reportDuplicate(ctx context.Context, order Order, notification payments.Notification, source ReconcileSource) (ReconcileResult, error) {
	trx, err := s.transactions.FindByOrder(ctx, order.ID)
	if err != nil && !isRepositoryNotFound(err) {
		s.logger(ctx, "payment.reconcile.ledger_lookup_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}

	order = s.ensureInvoice(ctx, order, trx)

	s.logger(ctx, "payment.reconcile.duplicate", map[string]any{
		"orderId": order.ID,
		"status":  string(order.Status),
		"source":  string(source),
	})
	return ReconcileResult{Order: order, Transaction: trx, Notification: notification, AlreadyPaid: true}, nil
}

// ensureInvoice generates and persists the receipt URL at most once. Invoice
// failures are logged and never unwind a confirmed payment.
func (s *paymentService) ensureInvoice(ctx context.Context, order Order, trx PaymentTransaction) Order {
	if s.invoices == nil || order.InvoiceURL != nil {
		return order
	}

	s.invoiceMu.Lock()
	defer s.invoiceMu.Unlock()

	// A concurrent reconcile may have rendered the invoice between our status
	// claim and this point. Adopt its URL instead of generating a second one.
	latest, err := s.orders.FindByID(ctx, order.ID)
	switch {
	case err == nil && latest.InvoiceURL != nil:
		order.InvoiceURL = latest.InvoiceURL
		return order
	case err != nil && !isRepositoryNotFound(err):
		s.logger(ctx, "payment.invoice.lookup_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}

	url, err := s.invoices.Generate(ctx, order, trx)
	if err != nil {
		s.logger(ctx, "payment.invoice.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return order
	}

	order.InvoiceURL = valuePtr(url)
	order.UpdatedAt = s.clock()
	if err := s.orders.Update(ctx, order); err != nil {
		s.logger(ctx, "payment.invoice.persist_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
	return order
}

func (s *paymentService) notify(ctx context.Context, order Order) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyOrderPaid(ctx, order); err != nil {
		s.logger(ctx, "payment.notify.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func (s *paymentService) publishEvent(ctx context.Context, topic string, event any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, topic, event); err != nil {
		s.logger(ctx, "payment.event.publish_failed", map[string]any{
			"topic": topic,
			"error": err.Error(),
		})
	}
}

func orderPaidOrLater(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusPaid,
		domain.OrderStatusApproved,
		domain.OrderStatusPreparing,
		domain.OrderStatusCooked,
		domain.OrderStatusDelivering,
		domain.OrderStatusDelivered:
		return true
	}
	return false
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepositoryConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func mapPaymentRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrPaymentNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrPaymentInvalidState, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
		}
	}
	return err
}
