package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/kitchenline/api/internal/domain"
	"github.com/kitchenline/api/internal/platform/auth"
	"github.com/kitchenline/api/internal/platform/httpx"
	"github.com/kitchenline/api/internal/services"
)

const (
	defaultOrderPageSize   = 20
	maxOrderPageSize       = 100
	maxOrderCreateBodySize = 64 * 1024
	maxOrderCancelBodySize = 4 * 1024
)

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:    {},
	domain.OrderStatusPaid:       {},
	domain.OrderStatusApproved:   {},
	domain.OrderStatusPreparing:  {},
	domain.OrderStatusCooked:     {},
	domain.OrderStatusDelivering: {},
	domain.OrderStatusDelivered:  {},
	domain.OrderStatusCanceled:   {},
}

type createOrderRequest struct {
	StoreID         string                 `json:"store_id"`
	Currency        string                 `json:"currency"`
	Items           []createOrderItemInput `json:"items"`
	ShippingFee     *int64                 `json:"shipping_fee"`
	Discount        int64                  `json:"discount"`
	PromotionCode   string                 `json:"promotion_code"`
	DeliveryAddress *addressPayload        `json:"delivery_address"`
	Note            string                 `json:"note"`
	PaymentProvider string                 `json:"payment_provider"`
	Metadata        map[string]any         `json:"metadata"`
}

type createOrderItemInput struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes order lifecycle endpoints for authenticated users.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	shipping services.ShippingQuoter
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, shipping services.ShippingQuoter) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		orders:   orders,
		shipping: shipping,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/shipping-quote", h.quoteShipping)
}

type shippingQuoteRequest struct {
	DeliveryAddress *addressPayload `json:"delivery_address"`
	Subtotal        int64           `json:"subtotal"`
}

type shippingQuoteResponse struct {
	Fee         int64  `json:"fee"`
	Carrier     string `json:"carrier,omitempty"`
	EstimatedAt string `json:"estimated_at,omitempty"`
}

func (h *OrderHandlers) quoteShipping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", "shipping quotes are not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxOrderCreateBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req shippingQuoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	address := addressFromPayload(req.DeliveryAddress)
	if address == nil || address.Line1 == "" || address.City == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "delivery_address with line1 and city is required", http.StatusBadRequest))
		return
	}
	if req.Subtotal < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "subtotal must be >= 0", http.StatusBadRequest))
		return
	}

	quote, err := h.shipping.Quote(ctx, *address, req.Subtotal)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", "unable to quote shipping fee", http.StatusBadGateway))
		return
	}

	writeJSONResponse(w, http.StatusOK, shippingQuoteResponse{
		Fee:         quote.Fee,
		Carrier:     quote.Carrier,
		EstimatedAt: formatTime(quote.EstimatedAt),
	})
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxOrderCreateBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}
	if len(req.Items) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "at least one item is required", http.StatusBadRequest))
		return
	}

	items := make([]services.CreateOrderItemInput, 0, len(req.Items))
	var subtotal int64
	for _, item := range req.Items {
		items = append(items, services.CreateOrderItemInput{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
		subtotal += item.UnitPrice * int64(item.Quantity)
	}

	address := addressFromPayload(req.DeliveryAddress)

	var shippingFee int64
	switch {
	case req.ShippingFee != nil:
		shippingFee = *req.ShippingFee
	case address != nil && h.shipping != nil:
		quote, err := h.shipping.Quote(ctx, *address, subtotal)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", "unable to quote shipping fee", http.StatusBadGateway))
			return
		}
		shippingFee = quote.Fee
	}

	cmd := services.CreateOrderCommand{
		UserID:          strings.TrimSpace(identity.UID),
		StoreID:         strings.TrimSpace(req.StoreID),
		Currency:        strings.TrimSpace(req.Currency),
		Items:           items,
		ShippingFee:     shippingFee,
		Discount:        req.Discount,
		PromotionCode:   strings.TrimSpace(req.PromotionCode),
		DeliveryAddress: address,
		Note:            req.Note,
		PaymentProvider: strings.TrimSpace(req.PaymentProvider),
		Metadata:        cloneMap(req.Metadata),
		ActorID:         strings.TrimSpace(identity.UID),
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	query, err := buildListOrdersQuery(r, strings.TrimSpace(identity.UID))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, query)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
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

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	if !orderVisibleTo(order, identity) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
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

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderCancelBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if !orderVisibleTo(order, identity) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	canceled, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{
		OrderID: orderID,
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: strings.TrimSpace(identity.UID),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(canceled)})
}

func buildListOrdersQuery(r *http.Request, userID string) (services.ListOrdersQuery, error) {
	values := r.URL.Query()

	query := services.ListOrdersQuery{
		UserID: userID,
		Status: parseFilterValues(values["status"]),
	}
	for _, status := range query.Status {
		if _, ok := validOrderStatuses[domain.OrderStatus(status)]; !ok {
			return services.ListOrdersQuery{}, errors.New("status filter contains an unknown order status")
		}
	}

	if raw := strings.TrimSpace(values.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return services.ListOrdersQuery{}, errors.New("created_after must be a valid RFC3339 timestamp")
		}
		query.From = &ts
	}
	if raw := strings.TrimSpace(values.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			return services.ListOrdersQuery{}, errors.New("created_before must be a valid RFC3339 timestamp")
		}
		query.To = &ts
	}

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(values.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			return services.ListOrdersQuery{}, errors.New("page_size must be an integer")
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}
	query.Pagination = services.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(values.Get("page_token")),
	}

	return query, nil
}

func orderVisibleTo(order services.Order, identity *auth.Identity) bool {
	if identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin) {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(order.UserID), strings.TrimSpace(identity.UID))
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Amount      int64  `json:"amount"`
	CreatedAt   string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	OrderNumber     string             `json:"order_number"`
	UserID          string             `json:"user_id"`
	StoreID         string             `json:"store_id,omitempty"`
	Status          string             `json:"status"`
	Currency        string             `json:"currency"`
	Totals          orderTotalsPayload `json:"totals"`
	PromotionCode   *string            `json:"promotion_code,omitempty"`
	Items           []orderItemPayload `json:"items"`
	DeliveryAddress *addressPayload    `json:"delivery_address,omitempty"`
	Note            string             `json:"note,omitempty"`
	PaymentProvider string             `json:"payment_provider,omitempty"`
	CheckoutURL     string             `json:"checkout_url,omitempty"`
	InvoiceURL      *string            `json:"invoice_url,omitempty"`
	ShipperID       *string            `json:"shipper_id,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at,omitempty"`
	PaidAt          string             `json:"paid_at,omitempty"`
	CookedAt        string             `json:"cooked_at,omitempty"`
	DeliveredAt     string             `json:"delivered_at,omitempty"`
	CanceledAt      string             `json:"canceled_at,omitempty"`
	CancelReason    *string            `json:"cancel_reason,omitempty"`
	ExpiresAt       string             `json:"expires_at,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal     int64 `json:"subtotal"`
	Shipping     int64 `json:"shipping"`
	Discount     int64 `json:"discount"`
	Amount       int64 `json:"amount"`
	PointsEarned int64 `json:"points_earned"`
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Total     int64  `json:"total"`
}

func buildOrderListResponse(page domain.CursorPage[services.Order]) orderListResponse {
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, orderSummaryPayload{
			ID:          strings.TrimSpace(order.ID),
			OrderNumber: strings.TrimSpace(order.OrderNumber),
			Status:      string(order.Status),
			Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
			Amount:      order.Totals.Amount,
			CreatedAt:   formatTime(order.CreatedAt),
		})
	}
	return orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		UserID:      strings.TrimSpace(order.UserID),
		StoreID:     strings.TrimSpace(order.StoreID),
		Status:      string(order.Status),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		Totals: orderTotalsPayload{
			Subtotal:     order.Totals.Subtotal,
			Shipping:     order.Totals.Shipping,
			Discount:     order.Totals.Discount,
			Amount:       order.Totals.Amount,
			PointsEarned: order.Totals.PointsEarned,
		},
		PromotionCode:   cloneStringPointer(order.PromotionCode),
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		Note:            order.Note,
		PaymentProvider: strings.TrimSpace(order.PaymentProvider),
		CheckoutURL:     strings.TrimSpace(order.CheckoutURL),
		InvoiceURL:      cloneStringPointer(order.InvoiceURL),
		ShipperID:       cloneStringPointer(order.ShipperID),
		Metadata:        cloneMap(order.Metadata),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		PaidAt:          formatTime(pointerTime(order.PaidAt)),
		CookedAt:        formatTime(pointerTime(order.CookedAt)),
		DeliveredAt:     formatTime(pointerTime(order.DeliveredAt)),
		CanceledAt:      formatTime(pointerTime(order.CanceledAt)),
		CancelReason:    cloneStringPointer(order.CancelReason),
		ExpiresAt:       formatTime(order.ExpiresAt),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}

	if order.DeliveryAddress != nil {
		addr := buildAddressPayload(*order.DeliveryAddress)
		payload.DeliveryAddress = &addr
	}

	return payload
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInventoryMaterialExpired):
		httpx.WriteError(ctx, w, httpx.NewError("material_expired", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPromotionNotFound),
		errors.Is(err, services.ErrPromotionInactive),
		errors.Is(err, services.ErrPromotionExhausted),
		errors.Is(err, services.ErrPromotionMinimumNotMet),
		errors.Is(err, services.ErrPromotionDiscountMismatch),
		errors.Is(err, services.ErrPromotionNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("promotion_rejected", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order storage unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
