package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider implements the Provider interface using Stripe hosted checkout.
type StripeProvider struct {
	api           stripeClients
	webhookSecret string
	account       string
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			intents:  sc.PaymentIntents,
		}
	}

	if clients.sessions == nil || clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:           clients,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		account:       strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreatePaymentLink creates a Stripe Checkout session and returns its hosted URL.
func (p *StripeProvider) CreatePaymentLink(ctx context.Context, req LinkRequest) (Link, error) {
	if p == nil {
		return Link{}, errors.New("stripe: provider is nil")
	}
	orderRef := strings.TrimSpace(req.OrderRef)
	if orderRef == "" {
		return Link{}, errors.New("stripe: order ref is required")
	}
	if req.Amount <= 0 {
		return Link{}, errors.New("stripe: amount must be > 0")
	}

	name := strings.TrimSpace(req.Description)
	if name == "" {
		name = "Order " + orderRef
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.ReturnURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(orderRef),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(name),
					},
				},
			},
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}
	metadata := map[string]string{"orderRef": orderRef}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	params.Metadata = metadata
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: metadata,
	}

	session, err := p.api.sessions.New(params)
	if err != nil {
		return Link{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	p.logger(ctx, "payments.stripe.link.created", map[string]any{
		"sessionId": session.ID,
		"orderRef":  orderRef,
		"currency":  session.Currency,
	})

	expiresAt := p.clock().Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return Link{
		Provider:   "stripe",
		URL:        session.URL,
		GatewayRef: session.ID,
		ExpiresAt:  expiresAt,
		Raw:        stripeRaw(session),
	}, nil
}

// VerifyNotification validates the webhook signature with the endpoint secret
// and extracts the completed checkout session fields.
func (p *StripeProvider) VerifyNotification(ctx context.Context, req NotificationRequest) (Notification, error) {
	if p == nil {
		return Notification{}, errors.New("stripe: provider is nil")
	}
	if p.webhookSecret == "" {
		return Notification{}, errors.New("stripe: webhook secret is not configured")
	}
	if len(req.Body) == 0 {
		return Notification{}, fmt.Errorf("%w: empty payload", ErrInvalidSignature)
	}

	event, err := webhook.ConstructEvent(req.Body, req.Signature, p.webhookSecret)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return Notification{}, fmt.Errorf("stripe: decode event payload: %w", err)
	}

	status := StatusPending
	gatewayCode := string(event.Type)
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			status = StatusSucceeded
		}
	case "checkout.session.async_payment_failed":
		status = StatusFailed
	case "checkout.session.expired":
		status = StatusCanceled
	}

	orderRef := strings.TrimSpace(session.ClientReferenceID)
	if orderRef == "" && session.Metadata != nil {
		orderRef = strings.TrimSpace(session.Metadata["orderRef"])
	}
	if orderRef == "" {
		return Notification{}, errors.New("stripe: notification missing order reference")
	}

	p.logger(ctx, "payments.stripe.notification.verified", map[string]any{
		"eventType": string(event.Type),
		"sessionId": session.ID,
		"orderRef":  orderRef,
	})

	return Notification{
		Provider:    "stripe",
		OrderRef:    orderRef,
		GatewayRef:  session.ID,
		Amount:      session.AmountTotal,
		Currency:    strings.ToUpper(string(session.Currency)),
		Status:      status,
		GatewayCode: gatewayCode,
		OccurredAt:  time.Unix(event.Created, 0).UTC(),
		Raw:         stripeRaw(&session),
	}, nil
}

// LookupPayment retrieves the checkout session state for active reconciliation.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	sessionID := strings.TrimSpace(req.GatewayRef)
	if sessionID == "" {
		return PaymentDetails{}, errors.New("stripe: gateway ref is required")
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	session, err := p.api.sessions.Get(sessionID, params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: lookup checkout session: %w", err)
	}

	status := StatusPending
	var paidAt *time.Time
	switch session.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid:
		status = StatusSucceeded
		t := p.clock()
		if session.PaymentIntent != nil && session.PaymentIntent.Created != 0 {
			t = time.Unix(session.PaymentIntent.Created, 0).UTC()
		}
		paidAt = &t
	case stripe.CheckoutSessionPaymentStatusUnpaid:
		if session.Status == stripe.CheckoutSessionStatusExpired {
			status = StatusCanceled
		}
	}

	return PaymentDetails{
		Provider:    "stripe",
		GatewayRef:  session.ID,
		Status:      status,
		Amount:      session.AmountTotal,
		Currency:    strings.ToUpper(string(session.Currency)),
		GatewayCode: string(session.PaymentStatus),
		PaidAt:      paidAt,
		Raw:         stripeRaw(session),
	}, nil
}

func stripeRaw(value any) map[string]any {
	raw := map[string]any{}
	if data, err := json.Marshal(value); err == nil {
		_ = json.Unmarshal(data, &raw)
	}
	return raw
}
