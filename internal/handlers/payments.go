package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kitchenline/api/internal/platform/auth"
	"github.com/kitchenline/api/internal/platform/httpx"
	"github.com/kitchenline/api/internal/services"
)

const (
	maxCheckoutBodySize = 8 * 1024
	maxWebhookBodySize  = 256 * 1024
)

type startCheckoutRequest struct {
	OrderID   string `json:"order_id"`
	Provider  string `json:"provider"`
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
}

type checkoutResponse struct {
	Order       orderPayload       `json:"order"`
	Transaction transactionPayload `json:"transaction"`
	CheckoutURL string             `json:"checkout_url"`
	ExpiresAt   string             `json:"expires_at,omitempty"`
}

type transactionPayload struct {
	ID          string `json:"id"`
	OrderRef    string `json:"order_ref"`
	Provider    string `json:"provider"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	GatewayCode string `json:"gateway_code,omitempty"`
	GatewayRef  string `json:"gateway_ref,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

type reconcileResponse struct {
	Order       orderPayload       `json:"order"`
	Transaction transactionPayload `json:"transaction"`
	AlreadyPaid bool               `json:"already_paid"`
}

// PaymentHandlers exposes checkout initiation, gateway callbacks and polling.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	payments services.PaymentService
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService) *PaymentHandlers {
	return &PaymentHandlers{
		authn:    authn,
		payments: payments,
	}
}

// Routes registers the authenticated /payments endpoints. The gateway redirect
// callback is registered separately because customers arrive without a token.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(authed chi.Router) {
		if h.authn != nil {
			authed.Use(h.authn.RequireFirebaseAuth())
		}
		authed.Post("/checkout", h.startCheckout)
		authed.Get("/{orderID}/status", h.pollPayment)
	})
	r.Get("/callback/{provider}", h.gatewayCallback)
}

// WebhookRoutes registers the server-to-server notification endpoints.
func (h *PaymentHandlers) WebhookRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.gatewayWebhook)
}

func (h *PaymentHandlers) startCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req startCheckoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id is required", http.StatusBadRequest))
		return
	}

	session, err := h.payments.StartCheckout(ctx, services.StartCheckoutCommand{
		OrderID:   strings.TrimSpace(req.OrderID),
		Provider:  strings.TrimSpace(req.Provider),
		ReturnURL: strings.TrimSpace(req.ReturnURL),
		CancelURL: strings.TrimSpace(req.CancelURL),
		ActorID:   strings.TrimSpace(identity.UID),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, checkoutResponse{
		Order:       buildOrderPayload(session.Order),
		Transaction: buildTransactionPayload(session.Transaction),
		CheckoutURL: session.CheckoutURL,
		ExpiresAt:   formatTime(session.ExpiresAt),
	})
}

func (h *PaymentHandlers) pollPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	result, err := h.payments.PollPayment(ctx, orderID)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	if !orderVisibleTo(result.Order, identity) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, buildReconcileResponse(result))
}

// gatewayCallback absorbs the browser redirect from the hosted payment page.
// Query parameters carry the signed notification for providers like VNPay.
func (h *PaymentHandlers) gatewayCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	if provider == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "provider is required", http.StatusBadRequest))
		return
	}

	params := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	result, err := h.payments.Reconcile(ctx, services.ReconcileCommand{
		Provider: provider,
		Source:   services.ReconcileSourceCallback,
		Params:   params,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildReconcileResponse(result))
}

// gatewayWebhook absorbs asynchronous server-to-server notifications.
func (h *PaymentHandlers) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	if provider == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "provider is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	params := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	result, err := h.payments.Reconcile(ctx, services.ReconcileCommand{
		Provider:  provider,
		Source:    services.ReconcileSourceWebhook,
		Params:    params,
		Body:      body,
		Signature: strings.TrimSpace(r.Header.Get("Stripe-Signature")),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildReconcileResponse(result))
}

func buildTransactionPayload(trx services.PaymentTransaction) transactionPayload {
	return transactionPayload{
		ID:          strings.TrimSpace(trx.ID),
		OrderRef:    strings.TrimSpace(trx.OrderRef),
		Provider:    strings.TrimSpace(trx.Provider),
		Amount:      trx.Amount,
		Currency:    strings.ToUpper(strings.TrimSpace(trx.Currency)),
		Status:      string(trx.Status),
		GatewayCode: strings.TrimSpace(trx.GatewayCode),
		GatewayRef:  strings.TrimSpace(trx.GatewayRef),
		CreatedAt:   formatTime(trx.CreatedAt),
		UpdatedAt:   formatTime(trx.UpdatedAt),
	}
}

func buildReconcileResponse(result services.ReconcileResult) reconcileResponse {
	return reconcileResponse{
		Order:       buildOrderPayload(result.Order),
		Transaction: buildTransactionPayload(result.Transaction),
		AlreadyPaid: result.AlreadyPaid,
	}
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPaymentSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "notification signature rejected", http.StatusUnauthorized))
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("payment_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentGateway):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "payment gateway request failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_unavailable", "payment storage unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "failed to process payment request", http.StatusInternalServerError))
	}
}
