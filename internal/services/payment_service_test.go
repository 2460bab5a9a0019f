package services

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	domain "github.com/kitchenline/api/internal/domain"
	"github.com/kitchenline/api/internal/payments"
)

type stubInvoices struct {
	generateFn func(context.Context, Order, PaymentTransaction) (string, error)
}

func (s *stubInvoices) Generate(ctx context.Context, order Order, trx PaymentTransaction) (string, error) {
	if s.generateFn != nil {
		return s.generateFn(ctx, order, trx)
	}
	return "https://receipts.example.com/" + order.ID + ".html", nil
}

type stubNotifier struct {
	paidFn   func(context.Context, Order) error
	statusFn func(context.Context, Order) error
}

func (s *stubNotifier) NotifyOrderPaid(ctx context.Context, order Order) error {
	if s.paidFn != nil {
		return s.paidFn(ctx, order)
	}
	return nil
}

func (s *stubNotifier) NotifyOrderStatus(ctx context.Context, order Order) error {
	if s.statusFn != nil {
		return s.statusFn(ctx, order)
	}
	return nil
}

func newTestPaymentService(t *testing.T, deps PaymentServiceDeps) PaymentService {
	t.Helper()
	if deps.Orders == nil {
		deps.Orders = &stubOrderRepo{}
	}
	if deps.Transactions == nil {
		deps.Transactions = &stubTransactionRepo{}
	}
	if deps.Gateway == nil {
		deps.Gateway = &stubGateway{}
	}
	if deps.Clock == nil {
		deps.Clock = fixedClock(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
	}
	if deps.LookupBackoff == 0 {
		deps.LookupBackoff = -1
	}
	svc, err := NewPaymentService(deps)
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	return svc
}

func pendingOrder() domain.Order {
	return domain.Order{
		ID:          "ord_1",
		OrderNumber: "KL-2025-000042",
		UserID:      "user-1",
		Status:      domain.OrderStatusPending,
		Currency:    "VND",
		Totals:      domain.OrderTotals{Subtotal: 130000, Shipping: 20000, Discount: 5000, Amount: 145000, PointsEarned: 14},
	}
}

func succeededNotification(amount int64) payments.Notification {
	return payments.Notification{
		Provider:    "vnpay",
		OrderRef:    "KL-2025-000042",
		GatewayRef:  "gw-777",
		Amount:      amount,
		Currency:    "VND",
		Status:      payments.StatusSucceeded,
		GatewayCode: "00",
		OccurredAt:  time.Date(2025, 5, 1, 10, 5, 0, 0, time.UTC),
	}
}

func TestPaymentServiceStartCheckout(t *testing.T) {
	order := pendingOrder()
	var updatedOrder domain.Order
	orders := &stubOrderRepo{
		findFn: func(_ context.Context, _ string) (domain.Order, error) {
			return order, nil
		},
		updateFn: func(_ context.Context, o domain.Order) error {
			updatedOrder = o
			return nil
		},
	}
	var insertedTrx domain.PaymentTransaction
	transactions := &stubTransactionRepo{
		insertFn: func(_ context.Context, trx domain.PaymentTransaction) error {
			insertedTrx = trx
			return nil
		},
	}
	gateway := &stubGateway{
		createFn: func(_ context.Context, paymentCtx payments.PaymentContext, req payments.LinkRequest) (payments.Link, error) {
			if req.OrderRef != order.OrderNumber {
				t.Errorf("link order ref = %q, want %q", req.OrderRef, order.OrderNumber)
			}
			if req.Amount != 145000 {
				t.Errorf("link amount = %d, want 145000", req.Amount)
			}
			return payments.Link{
				Provider:   "vnpay",
				URL:        "https://pay.example.com/checkout?token=abc",
				GatewayRef: order.OrderNumber,
			}, nil
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{
		Orders:       orders,
		Transactions: transactions,
		Gateway:      gateway,
	})

	session, err := svc.StartCheckout(context.Background(), StartCheckoutCommand{
		OrderID:  "ord_1",
		Provider: "vnpay",
	})
	if err != nil {
		t.Fatalf("StartCheckout: %v", err)
	}

	if session.CheckoutURL != "https://pay.example.com/checkout?token=abc" {
		t.Errorf("checkout url = %q", session.CheckoutURL)
	}
	if insertedTrx.Status != domain.TransactionStatusPending {
		t.Errorf("transaction status = %q, want PENDING", insertedTrx.Status)
	}
	if insertedTrx.OrderRef != "ord_1" {
		t.Errorf("transaction order ref = %q", insertedTrx.OrderRef)
	}
	if insertedTrx.Amount != 145000 {
		t.Errorf("transaction amount = %d", insertedTrx.Amount)
	}
	if updatedOrder.CheckoutURL == "" {
		t.Error("checkout url not persisted on the order")
	}
}

func TestPaymentServiceStartCheckoutRejectsNonPending(t *testing.T) {
	orders := &stubOrderRepo{
		findFn: func(_ context.Context, orderID string) (domain.Order, error) {
			return domain.Order{ID: orderID, Status: domain.OrderStatusPaid}, nil
		},
	}
	svc := newTestPaymentService(t, PaymentServiceDeps{Orders: orders})

	_, err := svc.StartCheckout(context.Background(), StartCheckoutCommand{OrderID: "ord_1"})
	if !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("err = %v, want ErrPaymentInvalidState", err)
	}
}

func TestPaymentServiceReconcileMarksPaid(t *testing.T) {
	order := pendingOrder()
	var orderUpdates []domain.Order
	orders := &stubOrderRepo{
		findByNumberFn: func(_ context.Context, orderNumber string) (domain.Order, error) {
			if orderNumber != order.OrderNumber {
				return domain.Order{}, &fakeRepoError{notFound: true}
			}
			return order, nil
		},
		findFn: func(_ context.Context, _ string) (domain.Order, error) {
			return order, nil
		},
		updateFn: func(_ context.Context, o domain.Order) error {
			orderUpdates = append(orderUpdates, o)
			return nil
		},
	}
	var trxUpdate domain.PaymentTransaction
	transactions := &stubTransactionRepo{
		findByOrderFn: func(_ context.Context, _ string) (domain.PaymentTransaction, error) {
			return domain.PaymentTransaction{ID: "trx_1", OrderRef: order.ID, Status: domain.TransactionStatusPending, Amount: 145000, Currency: "VND"}, nil
		},
		updateFn: func(_ context.Context, trx domain.PaymentTransaction) error {
			trxUpdate = trx
			return nil
		},
	}
	gateway := &stubGateway{
		verifyFn: func(_ context.Context, paymentCtx payments.PaymentContext, _ payments.NotificationRequest) (payments.Notification, error) {
			if paymentCtx.PreferredProvider != "vnpay" {
				t.Errorf("provider = %q", paymentCtx.PreferredProvider)
			}
			return succeededNotification(145000), nil
		},
	}
	notified := 0
	notifier := &stubNotifier{
		paidFn: func(context.Context, Order) error {
			notified++
			return nil
		},
	}
	events := &captureEvents{}

	svc := newTestPaymentService(t, PaymentServiceDeps{
		Orders:       orders,
		Transactions: transactions,
		Gateway:      gateway,
		Invoices:     &stubInvoices{},
		Notifier:     notifier,
		Events:       events,
	})

	result, err := svc.Reconcile(context.Background(), ReconcileCommand{
		Provider: "vnpay",
		Source:   ReconcileSourceWebhook,
		Params:   map[string]string{"vnp_TxnRef": order.OrderNumber},
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if result.AlreadyPaid {
		t.Error("first reconciliation must not report AlreadyPaid")
	}
	if result.Order.Status != domain.OrderStatusPaid {
		t.Errorf("order status = %q, want paid", result.Order.Status)
	}
	if result.Order.PaidAt == nil {
		t.Error("PaidAt not stamped")
	}
	if trxUpdate.Status != domain.TransactionStatusPaid {
		t.Errorf("transaction status = %q, want PAID", trxUpdate.Status)
	}
	if trxUpdate.GatewayRef != "gw-777" {
		t.Errorf("gateway ref = %q", trxUpdate.GatewayRef)
	}
	if result.Order.InvoiceURL == nil {
		t.Error("invoice url not set")
	}
	if notified != 1 {
		t.Errorf("notifier called %d times", notified)
	}
	if len(events.topics) != 1 || events.topics[0] != "payment.reconciled" {
		t.Errorf("published topics = %v", events.topics)
	}
	// One update flips the status, one persists the invoice URL.
	if len(orderUpdates) != 2 {
		t.Errorf("order updated %d times, want 2", len(orderUpdates))
	}
}

func TestPaymentServiceReconcileDuplicateDeliverySettlesOnce(t *testing.T) {
	// Two deliveries of the same succeeded webhook, both reading a stale
	// pending snapshot. The conditional transition lets exactly one through;
	// the loser must fold into the duplicate path without a second invoice,
	// ledger row or paid notification.
	stale := pendingOrder()
	stored := pendingOrder()
	orders := &stubOrderRepo{
		findByNumberFn: func(context.Context, string) (domain.Order, error) {
			return stale, nil
		},
		findFn: func(_ context.Context, _ string) (domain.Order, error) {
			return stored, nil
		},
		updateFn: func(_ context.Context, o domain.Order) error {
			stored = o
			return nil
		},
	}
	var ledger *domain.PaymentTransaction
	inserts := 0
	transactions := &stubTransactionRepo{
		insertFn: func(_ context.Context, trx domain.PaymentTransaction) error {
			inserts++
			ledger = &trx
			return nil
		},
		findByOrderFn: func(context.Context, string) (domain.PaymentTransaction, error) {
			if ledger == nil {
				return domain.PaymentTransaction{}, &fakeRepoError{notFound: true}
			}
			return *ledger, nil
		},
	}
	gateway := &stubGateway{
		verifyFn: func(context.Context, payments.PaymentContext, payments.NotificationRequest) (payments.Notification, error) {
			return succeededNotification(145000), nil
		},
	}
	generated := 0
	invoices := &stubInvoices{
		generateFn: func(_ context.Context, order Order, _ PaymentTransaction) (string, error) {
			generated++
			return "https://receipts.example.com/" + order.ID + ".html", nil
		},
	}
	notified := 0
	notifier := &stubNotifier{
		paidFn: func(context.Context, Order) error {
			notified++
			return nil
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{
		Orders:       orders,
		Transactions: transactions,
		Gateway:      gateway,
		Invoices:     invoices,
		Notifier:     notifier,
	})

	cmd := ReconcileCommand{Provider: "vnpay", Source: ReconcileSourceWebhook}
	first, err := svc.Reconcile(context.Background(), cmd)
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	second, err := svc.Reconcile(context.Background(), cmd)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	if first.AlreadyPaid {
		t.Error("first delivery must settle, not report AlreadyPaid")
	}
	if !second.AlreadyPaid {
		t.Error("second delivery must report AlreadyPaid")
	}
	if stored.Status != domain.OrderStatusPaid {
		t.Errorf("stored status = %q, want paid", stored.Status)
	}
	if generated != 1 {
		t.Errorf("invoice generated %d times, want 1", generated)
	}
	if notified != 1 {
		t.Errorf("paid notification sent %d times, want 1", notified)
	}
	if inserts != 1 {
		t.Errorf("ledger rows inserted %d times, want 1", inserts)
	}
}

func TestPaymentServicePollPaymentLogsLedgerLookupFailure(t *testing.T) {
	order := pendingOrder()
	order.Status = domain.OrderStatusPaid

	orders := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return order, nil
		},
	}
	transactions := &stubTransactionRepo{
		findByOrderFn: func(context.Context, string) (domain.PaymentTransaction, error) {
			return domain.PaymentTransaction{}, &fakeRepoError{unavailable: true}
		},
	}
	var logged []string
	logger := func(_ context.Context, event string, _ map[string]any) {
		logged = append(logged, event)
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{
		Orders:       orders,
		Transactions: transactions,
		Logger:       logger,
	})

	result, err := svc.PollPayment(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("PollPayment: %v", err)
	}
	if !result.AlreadyPaid {
		t.Error("want AlreadyPaid for a settled order")
	}
	if !slices.Contains(logged, "payment.poll.ledger_lookup_failed") {
		t.Errorf("logged events = %v, want payment.poll.ledger_lookup_failed", logged)
	}
}

func TestPaymentServiceReconcileRejectsBadSignature(t *testing.T) {
	lookedUp := false
	orders := &stubOrderRepo{
		findByNumberFn: func(context.Context, string) (domain.Order, error) {
			lookedUp = true
			return domain.Order{}, &fakeRepoError{notFound: true}
		},
	}
	gateway := &stubGateway{
		verifyFn: func(context.Context, payments.PaymentContext, payments.NotificationRequest) (payments.Notification, error) {
			return payments.Notification{}, payments.ErrInvalidSignature
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{Orders: orders, Gateway: gateway})

	_, err := svc.Reconcile(context.Background(), ReconcileCommand{Provider: "vnpay"})
	if !errors.Is(err, ErrPaymentSignature) {
		t.Fatalf("err = %v, want ErrPaymentSignature", err)
	}
	if lookedUp {
		t.Error("order must not be read for an unverified notification")
	}
}

func TestPaymentServiceReconcileIdempotentWhenPaid(t *testing.T) {
	invoiceURL := "https://receipts.example.com/ord_1.html"
	order := pendingOrder()
	order.Status = domain.OrderStatusPaid
	order.InvoiceURL = &invoiceURL

	updates := 0
	orders := &stubOrderRepo{
		findByNumberFn: func(context.Context, string) (domain.Order, error) {
			return order, nil
		},
		updateFn: func(context.Context, domain.Order) error {
			updates++
			return nil
		},
	}
	notified := 0
	notifier := &stubNotifier{
		paidFn: func(context.Context, Order) error {
			notified++
			return nil
		},
	}
	gateway := &stubGateway{
		verifyFn: func(context.Context, payments.PaymentContext, payments.NotificationRequest) (payments.Notification, error) {
			return succeededNotification(145000), nil
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{
		Orders:   orders,
		Gateway:  gateway,
		Invoices: &stubInvoices{},
		Notifier: notifier,
	})

	result, err := svc.Reconcile(context.Background(), ReconcileCommand{Provider: "vnpay", Source: ReconcileSourceCallback})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !result.AlreadyPaid {
		t.Error("duplicate notification must report AlreadyPaid")
	}
	if updates != 0 {
		t.Errorf("order updated %d times on a duplicate", updates)
	}
	if notified != 0 {
		t.Errorf("notifier called %d times on a duplicate", notified)
	}
}

func TestPaymentServiceReconcileBackfillsMissingInvoice(t *testing.T) {
	order := pendingOrder()
	order.Status = domain.OrderStatusPaid

	var updated domain.Order
	orders := &stubOrderRepo{
		findByNumberFn: func(context.Context, string) (domain.Order, error) {
			return order, nil
		},
		findFn: func(context.Context, string) (domain.Order, error) {
			return order, nil
		},
		updateFn: func(_ context.Context, o domain.Order) error {
			updated = o
			return nil
		},
	}
	gateway := &stubGateway{
		verifyFn: func(context.Context, payments.PaymentContext, payments.NotificationRequest) (payments.Notification, error) {
			return succeededNotification(145000), nil
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{
		Orders:   orders,
		Gateway:  gateway,
		Invoices: &stubInvoices{},
	})

	result, err := svc.Reconcile(context.Background(), ReconcileCommand{Provider: "vnpay"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !result.AlreadyPaid {
		t.Error("want AlreadyPaid")
	}
	if result.Order.InvoiceURL == nil {
		t.Fatal("invoice url not backfilled")
	}
	if updated.InvoiceURL == nil {
		t.Error("backfilled invoice url not persisted")
	}
}

func TestPaymentServiceReconcileRetriesUntilOrderVisible(t *testing.T) {
	order := pendingOrder()
	attempts := 0
	orders := &stubOrderRepo{
		findByNumberFn: func(context.Context, string) (domain.Order, error) {
			attempts++
			if attempts < 3 {
				return domain.Order{}, &fakeRepoError{notFound: true}
			}
			return order, nil
		},
		findFn: func(_ context.Context, _ string) (domain.Order, error) {
			return order, nil
		},
	}
	gateway := &stubGateway{
		verifyFn: func(context.Context, payments.PaymentContext, payments.NotificationRequest) (payments.Notification, error) {
			return succeededNotification(145000), nil
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{
		Orders:        orders,
		Gateway:       gateway,
		LookupRetries: 5,
	})

	result, err := svc.Reconcile(context.Background(), ReconcileCommand{Provider: "vnpay"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if attempts != 3 {
		t.Errorf("order looked up %d times, want 3", attempts)
	}
	if result.Order.Status != domain.OrderStatusPaid {
		t.Errorf("order status = %q", result.Order.Status)
	}
}

func TestPaymentServiceReconcileGivesUpAfterRetries(t *testing.T) {
	attempts := 0
	orders := &stubOrderRepo{
		findByNumberFn: func(context.Context, string) (domain.Order, error) {
			attempts++
			return domain.Order{}, &fakeRepoError{notFound: true}
		},
	}
	gateway := &stubGateway{
		verifyFn: func(context.Context, payments.PaymentContext, payments.NotificationRequest) (payments.Notification, error) {
			return succeededNotification(145000), nil
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{
		Orders:        orders,
		Gateway:       gateway,
		LookupRetries: 3,
	})

	_, err := svc.Reconcile(context.Background(), ReconcileCommand{Provider: "vnpay"})
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("err = %v, want ErrPaymentNotFound", err)
	}
	if attempts != 3 {
		t.Errorf("order looked up %d times, want 3", attempts)
	}
}

func TestPaymentServiceReconcileFailedNotification(t *testing.T) {
	order := pendingOrder()
	orders := &stubOrderRepo{
		findByNumberFn: func(context.Context, string) (domain.Order, error) {
			return order, nil
		},
		updateFn: func(context.Context, domain.Order) error {
			t.Error("order must not be updated for a failed payment")
			return nil
		},
	}
	var trxUpdate domain.PaymentTransaction
	transactions := &stubTransactionRepo{
		findByOrderFn: func(context.Context, string) (domain.PaymentTransaction, error) {
			return domain.PaymentTransaction{ID: "trx_1", OrderRef: order.ID, Status: domain.TransactionStatusPending}, nil
		},
		updateFn: func(_ context.Context, trx domain.PaymentTransaction) error {
			trxUpdate = trx
			return nil
		},
	}
	gateway := &stubGateway{
		verifyFn: func(context.Context, payments.PaymentContext, payments.NotificationRequest) (payments.Notification, error) {
			n := succeededNotification(145000)
			n.Status = payments.StatusFailed
			n.GatewayCode = "24"
			return n, nil
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{
		Orders:       orders,
		Transactions: transactions,
		Gateway:      gateway,
	})

	result, err := svc.Reconcile(context.Background(), ReconcileCommand{Provider: "vnpay"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Order.Status != domain.OrderStatusPending {
		t.Errorf("order status = %q, want pending", result.Order.Status)
	}
	if trxUpdate.Status != domain.TransactionStatusFailed {
		t.Errorf("transaction status = %q, want FAILED", trxUpdate.Status)
	}
	if trxUpdate.GatewayCode != "24" {
		t.Errorf("gateway code = %q", trxUpdate.GatewayCode)
	}
}

func TestPaymentServiceReconcileRejectsAmountMismatch(t *testing.T) {
	order := pendingOrder()
	orders := &stubOrderRepo{
		findByNumberFn: func(context.Context, string) (domain.Order, error) {
			return order, nil
		},
		updateFn: func(context.Context, domain.Order) error {
			t.Error("order must not be updated on amount mismatch")
			return nil
		},
	}
	gateway := &stubGateway{
		verifyFn: func(context.Context, payments.PaymentContext, payments.NotificationRequest) (payments.Notification, error) {
			return succeededNotification(100), nil
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{Orders: orders, Gateway: gateway})

	_, err := svc.Reconcile(context.Background(), ReconcileCommand{Provider: "vnpay"})
	if !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("err = %v, want ErrPaymentInvalidState", err)
	}
}

func TestPaymentServiceInvoiceFailureDoesNotRevertPayment(t *testing.T) {
	order := pendingOrder()
	orders := &stubOrderRepo{
		findByNumberFn: func(context.Context, string) (domain.Order, error) {
			return order, nil
		},
		findFn: func(_ context.Context, _ string) (domain.Order, error) {
			return order, nil
		},
	}
	gateway := &stubGateway{
		verifyFn: func(context.Context, payments.PaymentContext, payments.NotificationRequest) (payments.Notification, error) {
			return succeededNotification(145000), nil
		},
	}
	invoices := &stubInvoices{
		generateFn: func(context.Context, Order, PaymentTransaction) (string, error) {
			return "", errors.New("render crashed")
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{
		Orders:   orders,
		Gateway:  gateway,
		Invoices: invoices,
	})

	result, err := svc.Reconcile(context.Background(), ReconcileCommand{Provider: "vnpay"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Order.Status != domain.OrderStatusPaid {
		t.Errorf("order status = %q, want paid", result.Order.Status)
	}
	if result.Order.InvoiceURL != nil {
		t.Error("invoice url must stay unset after a render failure")
	}
}

func TestPaymentServicePollPayment(t *testing.T) {
	order := pendingOrder()
	orders := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return order, nil
		},
	}
	var trxUpdate domain.PaymentTransaction
	transactions := &stubTransactionRepo{
		findByOrderFn: func(context.Context, string) (domain.PaymentTransaction, error) {
			return domain.PaymentTransaction{ID: "trx_1", OrderRef: order.ID, Provider: "vnpay", GatewayRef: "gw-777", Status: domain.TransactionStatusPending}, nil
		},
		updateFn: func(_ context.Context, trx domain.PaymentTransaction) error {
			trxUpdate = trx
			return nil
		},
	}
	paidAt := time.Date(2025, 5, 1, 10, 7, 0, 0, time.UTC)
	gateway := &stubGateway{
		lookupFn: func(_ context.Context, _ payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error) {
			if req.GatewayRef != "gw-777" {
				t.Errorf("lookup gateway ref = %q", req.GatewayRef)
			}
			return payments.PaymentDetails{
				Provider:   "vnpay",
				GatewayRef: "gw-777",
				Status:     payments.StatusSucceeded,
				Amount:     145000,
				Currency:   "VND",
				PaidAt:     &paidAt,
			}, nil
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{
		Orders:       orders,
		Transactions: transactions,
		Gateway:      gateway,
	})

	result, err := svc.PollPayment(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("PollPayment: %v", err)
	}
	if result.Order.Status != domain.OrderStatusPaid {
		t.Errorf("order status = %q, want paid", result.Order.Status)
	}
	if result.Order.PaidAt == nil || !result.Order.PaidAt.Equal(paidAt) {
		t.Errorf("PaidAt = %v, want %v", result.Order.PaidAt, paidAt)
	}
	if trxUpdate.Status != domain.TransactionStatusPaid {
		t.Errorf("transaction status = %q, want PAID", trxUpdate.Status)
	}
}
