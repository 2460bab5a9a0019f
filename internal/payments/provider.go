package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusCanceled indicates the customer abandoned or the gateway voided the attempt.
	StatusCanceled Status = "canceled"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrInvalidSignature is returned when a notification fails signature verification.
	ErrInvalidSignature = errors.New("payments: invalid signature")
)

// LinkRequest captures the payload required to create a hosted payment link.
type LinkRequest struct {
	OrderRef       string
	Amount         int64
	Currency       string
	Description    string
	CustomerID     string
	ReturnURL      string
	CancelURL      string
	ExpiresAt      time.Time
	IdempotencyKey string
	Metadata       map[string]string
}

// Link represents the hosted checkout location returned to the client.
type Link struct {
	Provider   string
	URL        string
	GatewayRef string
	ExpiresAt  time.Time
	Raw        map[string]any
}

// NotificationRequest carries the raw gateway callback or webhook payload for verification.
type NotificationRequest struct {
	// Params holds query or form parameters for redirect-style callbacks.
	Params map[string]string
	// Body holds the raw request body for webhook-style notifications.
	Body []byte
	// Signature is the detached signature header when the provider sends one.
	Signature string
}

// Notification is the verified, normalised result of a gateway notification.
// Fields are only trustworthy when the provider's VerifyNotification succeeded.
type Notification struct {
	Provider    string
	OrderRef    string
	GatewayRef  string
	Amount      int64
	Currency    string
	Status      Status
	GatewayCode string
	OccurredAt  time.Time
	Raw         map[string]any
}

// LookupRequest identifies a payment attempt for active reconciliation.
type LookupRequest struct {
	OrderRef   string
	GatewayRef string
}

// PaymentDetails normalises gateway specific fields for storage.
type PaymentDetails struct {
	Provider    string
	GatewayRef  string
	Status      Status
	Amount      int64
	Currency    string
	GatewayCode string
	PaidAt      *time.Time
	Raw         map[string]any
}

// Provider defines the contract for payment gateway adapters to implement.
type Provider interface {
	// CreatePaymentLink builds a hosted checkout link for the order.
	CreatePaymentLink(ctx context.Context, req LinkRequest) (Link, error)
	// VerifyNotification checks the payload signature and extracts the verified fields.
	// Implementations must return ErrInvalidSignature (wrapped or not) on any mismatch.
	VerifyNotification(ctx context.Context, req NotificationRequest) (Notification, error)
	// LookupPayment queries the gateway for the current state of a payment attempt.
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreatePaymentLink delegates to the resolved provider.
func (m *Manager) CreatePaymentLink(ctx context.Context, paymentCtx PaymentContext, req LinkRequest) (Link, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Link{}, err
	}
	link, err := provider.CreatePaymentLink(ctx, req)
	if err != nil {
		return Link{}, err
	}
	link.Provider = key
	return link, nil
}

// VerifyNotification delegates to the resolved provider. The provider key in
// paymentCtx.PreferredProvider must be explicit for notifications; routing a
// webhook to the wrong verifier would always fail signature checks.
func (m *Manager) VerifyNotification(ctx context.Context, paymentCtx PaymentContext, req NotificationRequest) (Notification, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Notification{}, err
	}
	notification, err := provider.VerifyNotification(ctx, req)
	if err != nil {
		return Notification{}, err
	}
	notification.Provider = key
	return notification, nil
}

// LookupPayment delegates to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	details, err := provider.LookupPayment(ctx, req)
	if err != nil {
		return PaymentDetails{}, err
	}
	details.Provider = key
	return details, nil
}
