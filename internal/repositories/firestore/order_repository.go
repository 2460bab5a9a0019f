package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/kitchenline/api/internal/domain"
	pfirestore "github.com/kitchenline/api/internal/platform/firestore"
	"github.com/kitchenline/api/internal/repositories"
)

const ordersCollection = "orders"

type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: orders}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order insert: id is required")
	}

	ref, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order update: id is required")
	}

	if _, err := r.orders.Set(ctx, orderID, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.update", err)
	}
	return nil
}

// Transition re-reads the order inside a transaction, rejects the update with
// a conflict when the current status is not in req.From, and persists the
// mutated document. Concurrent settles and cancels of the same order serialise
// here: exactly one caller wins, the rest observe IsConflict.
func (r *OrderRepository) Transition(ctx context.Context, req repositories.OrderTransitionRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order transition: id is required")
	}
	if req.Apply == nil {
		return domain.Order{}, errors.New("order transition: apply function is required")
	}

	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.NewNotFoundError("orders.transition", fmt.Sprintf("order %s not found", orderID))
			}
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		order := doc.toDomain(orderID)
		if len(req.From) > 0 && !slices.Contains(req.From, order.Status) {
			return pfirestore.NewConflictError("orders.transition", fmt.Sprintf("order %s is %s", orderID, order.Status))
		}

		req.Apply(&order)
		if err := tx.Set(ref, newOrderDocument(order)); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.transition", err)
	}
	return updated, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *OrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.Order{}, errors.New("order find: order number is required")
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderNumber", "==", orderNumber).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.NewNotFoundError("orders.findByNumber", fmt.Sprintf("order %s not found", orderNumber))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.orders == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if storeID := strings.TrimSpace(filter.StoreID); storeID != "" {
		query = query.Where("storeId", "==", storeID)
	}
	if len(filter.Status) == 1 {
		query = query.Where("status", "==", filter.Status[0])
	} else if len(filter.Status) > 1 {
		query = query.Where("status", "in", filter.Status)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{
		Items:         orders,
		NextPageToken: nextToken,
	}, nil
}

// ListStalePending returns pending orders whose payment window elapsed before
// the supplied cutoff so the sweeper can cancel them.
func (r *OrderRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	if r == nil || r.orders == nil {
		return nil, errors.New("order repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("orders.stalePending", err)
	}

	query := client.Collection(ordersCollection).Query.
		Where("status", "==", string(domain.OrderStatusPending)).
		Where("expiresAt", "<=", before.UTC()).
		OrderBy("expiresAt", firestore.Asc).
		Limit(limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orders.stalePending", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}
	return orders, nil
}

// Document mapping ----------------------------------------------------------

type orderDocument struct {
	OrderNumber     string              `firestore:"orderNumber"`
	UserID          string              `firestore:"userId"`
	StoreID         string              `firestore:"storeId,omitempty"`
	Status          string              `firestore:"status"`
	Currency        string              `firestore:"currency"`
	Subtotal        int64               `firestore:"subtotal"`
	Shipping        int64               `firestore:"shipping"`
	Discount        int64               `firestore:"discount"`
	DiscountPercent float64             `firestore:"discountPercent"`
	Amount          int64               `firestore:"amount"`
	PointsEarned    int64               `firestore:"pointsEarned"`
	PromotionCode   *string             `firestore:"promotionCode,omitempty"`
	PromotionID     *string             `firestore:"promotionId,omitempty"`
	Items           []orderItemDocument `firestore:"items"`
	DeliveryAddress *addressDocument    `firestore:"deliveryAddress,omitempty"`
	Note            string              `firestore:"note,omitempty"`
	PaymentProvider string              `firestore:"paymentProvider,omitempty"`
	CheckoutURL     string              `firestore:"checkoutUrl,omitempty"`
	InvoiceURL      *string             `firestore:"invoiceUrl,omitempty"`
	DeductionID     string              `firestore:"deductionId,omitempty"`
	ShipperID       *string             `firestore:"shipperId,omitempty"`
	ApprovedBy      *string             `firestore:"approvedBy,omitempty"`
	CookedBy        *string             `firestore:"cookedBy,omitempty"`
	CookedAt        *time.Time          `firestore:"cookedAt,omitempty"`
	PaidAt          *time.Time          `firestore:"paidAt,omitempty"`
	DeliveredAt     *time.Time          `firestore:"deliveredAt,omitempty"`
	CanceledAt      *time.Time          `firestore:"canceledAt,omitempty"`
	CancelReason    *string             `firestore:"cancelReason,omitempty"`
	ExpiresAt       time.Time           `firestore:"expiresAt"`
	CreatedBy       *string             `firestore:"createdBy,omitempty"`
	UpdatedBy       *string             `firestore:"updatedBy,omitempty"`
	Metadata        map[string]any      `firestore:"metadata,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Quantity  int    `firestore:"qty"`
	UnitPrice int64  `firestore:"unitPrice"`
	Total     int64  `firestore:"total"`
}

type addressDocument struct {
	Recipient  string  `firestore:"recipient,omitempty"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	PostalCode string  `firestore:"postalCode,omitempty"`
	Country    string  `firestore:"country,omitempty"`
	Phone      *string `firestore:"phone,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
	}
	var address *addressDocument
	if order.DeliveryAddress != nil {
		address = &addressDocument{
			Recipient:  order.DeliveryAddress.Recipient,
			Line1:      order.DeliveryAddress.Line1,
			Line2:      order.DeliveryAddress.Line2,
			City:       order.DeliveryAddress.City,
			PostalCode: order.DeliveryAddress.PostalCode,
			Country:    order.DeliveryAddress.Country,
			Phone:      order.DeliveryAddress.Phone,
		}
	}
	return orderDocument{
		OrderNumber:     strings.TrimSpace(order.OrderNumber),
		UserID:          strings.TrimSpace(order.UserID),
		StoreID:         strings.TrimSpace(order.StoreID),
		Status:          string(order.Status),
		Currency:        strings.TrimSpace(order.Currency),
		Subtotal:        order.Totals.Subtotal,
		Shipping:        order.Totals.Shipping,
		Discount:        order.Totals.Discount,
		DiscountPercent: order.Totals.DiscountPercent,
		Amount:          order.Totals.Amount,
		PointsEarned:    order.Totals.PointsEarned,
		PromotionCode:   order.PromotionCode,
		PromotionID:     order.PromotionID,
		Items:           items,
		DeliveryAddress: address,
		Note:            strings.TrimSpace(order.Note),
		PaymentProvider: strings.TrimSpace(order.PaymentProvider),
		CheckoutURL:     order.CheckoutURL,
		InvoiceURL:      order.InvoiceURL,
		DeductionID:     strings.TrimSpace(order.DeductionID),
		ShipperID:       order.ShipperID,
		ApprovedBy:      order.ApprovedBy,
		CookedBy:        order.CookedBy,
		CookedAt:        order.CookedAt,
		PaidAt:          order.PaidAt,
		DeliveredAt:     order.DeliveredAt,
		CanceledAt:      order.CanceledAt,
		CancelReason:    order.CancelReason,
		ExpiresAt:       order.ExpiresAt.UTC(),
		CreatedBy:       order.Audit.CreatedBy,
		UpdatedBy:       order.Audit.UpdatedBy,
		Metadata:        order.Metadata,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderLineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderLineItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
	}
	var address *domain.Address
	if d.DeliveryAddress != nil {
		address = &domain.Address{
			Recipient:  d.DeliveryAddress.Recipient,
			Line1:      d.DeliveryAddress.Line1,
			Line2:      d.DeliveryAddress.Line2,
			City:       d.DeliveryAddress.City,
			PostalCode: d.DeliveryAddress.PostalCode,
			Country:    d.DeliveryAddress.Country,
			Phone:      d.DeliveryAddress.Phone,
		}
	}
	return domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		UserID:      d.UserID,
		StoreID:     d.StoreID,
		Status:      domain.OrderStatus(d.Status),
		Currency:    d.Currency,
		Totals: domain.OrderTotals{
			Subtotal:        d.Subtotal,
			Shipping:        d.Shipping,
			Discount:        d.Discount,
			DiscountPercent: d.DiscountPercent,
			Amount:          d.Amount,
			PointsEarned:    d.PointsEarned,
		},
		PromotionCode:   d.PromotionCode,
		PromotionID:     d.PromotionID,
		Items:           items,
		DeliveryAddress: address,
		Note:            d.Note,
		PaymentProvider: d.PaymentProvider,
		CheckoutURL:     d.CheckoutURL,
		InvoiceURL:      d.InvoiceURL,
		DeductionID:     d.DeductionID,
		ShipperID:       d.ShipperID,
		ApprovedBy:      d.ApprovedBy,
		CookedBy:        d.CookedBy,
		CookedAt:        d.CookedAt,
		PaidAt:          d.PaidAt,
		DeliveredAt:     d.DeliveredAt,
		CanceledAt:      d.CanceledAt,
		CancelReason:    d.CancelReason,
		ExpiresAt:       d.ExpiresAt,
		Audit: domain.OrderAudit{
			CreatedBy: d.CreatedBy,
			UpdatedBy: d.UpdatedBy,
		},
		Metadata:  d.Metadata,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type orderPageToken struct {
	ID        string
	CreatedAt time.Time
}

func encodeOrderPageToken(token orderPageToken) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(token); err != nil {
		return "", fmt.Errorf("encode order page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeOrderPageToken(encoded string) (*orderPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode order page token: %w", err)
	}
	var token orderPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode order page token json: %w", err)
	}
	return &token, nil
}
