package invoices

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	domain "github.com/kitchenline/api/internal/domain"
)

// ObjectStore persists a rendered receipt and returns its durable URL.
type ObjectStore interface {
	Write(ctx context.Context, object string, contentType string, data []byte) (string, error)
}

// GCSStore writes receipts into a Cloud Storage bucket.
type GCSStore struct {
	bucket     *storage.BucketHandle
	bucketName string
	baseURL    string
}

// NewGCSStore constructs a receipt store over the given bucket. baseURL
// overrides the public object URL prefix when serving through a CDN.
func NewGCSStore(client *storage.Client, bucketName string, baseURL string) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("invoices: storage client is required")
	}
	bucketName = strings.TrimSpace(bucketName)
	if bucketName == "" {
		return nil, errors.New("invoices: bucket name is required")
	}
	return &GCSStore{
		bucket:     client.Bucket(bucketName),
		bucketName: bucketName,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}, nil
}

// Write uploads the object and returns its URL.
func (s *GCSStore) Write(ctx context.Context, object string, contentType string, data []byte) (string, error) {
	if s == nil || s.bucket == nil {
		return "", errors.New("invoices: store is not initialised")
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return "", errors.New("invoices: object name is required")
	}

	w := s.bucket.Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("invoices: write object %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("invoices: finalise object %s: %w", object, err)
	}

	if s.baseURL != "" {
		return s.baseURL + "/" + object, nil
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucketName, object), nil
}

var receiptTemplate = template.Must(template.New("receipt").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Receipt {{.OrderNumber}}</title></head>
<body>
<h1>Receipt {{.OrderNumber}}</h1>
<p>Paid at {{.PaidAt}} via {{.Provider}} (ref {{.GatewayRef}})</p>
<table>
<tr><th>Item</th><th>Qty</th><th>Unit</th><th>Total</th></tr>
{{range .Items}}<tr><td>{{.Name}}</td><td>{{.Quantity}}</td><td>{{.UnitPrice}}</td><td>{{.Total}}</td></tr>
{{end}}</table>
<p>Subtotal: {{.Subtotal}} {{.Currency}}</p>
<p>Shipping: {{.Shipping}} {{.Currency}}</p>
<p>Discount: {{.Discount}} {{.Currency}}</p>
<p><strong>Total: {{.Amount}} {{.Currency}}</strong></p>
<p>Points earned: {{.Points}}</p>
</body>
</html>
`))

type receiptData struct {
	OrderNumber string
	PaidAt      string
	Provider    string
	GatewayRef  string
	Items       []domain.OrderLineItem
	Subtotal    int64
	Shipping    int64
	Discount    int64
	Amount      int64
	Points      int64
	Currency    string
}

// GeneratorDeps wires the store into the receipt generator.
type GeneratorDeps struct {
	Store ObjectStore
	Clock func() time.Time
}

// Generator renders paid orders into durable HTML receipts.
type Generator struct {
	store ObjectStore
	clock func() time.Time
}

// NewGenerator validates dependencies and constructs the generator.
func NewGenerator(deps GeneratorDeps) (*Generator, error) {
	if deps.Store == nil {
		return nil, errors.New("invoices: object store is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Generator{
		store: deps.Store,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Generate renders the receipt and stores it, returning the receipt URL.
func (g *Generator) Generate(ctx context.Context, order domain.Order, trx domain.PaymentTransaction) (string, error) {
	if strings.TrimSpace(order.OrderNumber) == "" {
		return "", errors.New("invoices: order number is required")
	}

	paidAt := g.clock()
	if order.PaidAt != nil {
		paidAt = *order.PaidAt
	}

	var buf bytes.Buffer
	err := receiptTemplate.Execute(&buf, receiptData{
		OrderNumber: order.OrderNumber,
		PaidAt:      paidAt.Format(time.RFC3339),
		Provider:    trx.Provider,
		GatewayRef:  trx.GatewayRef,
		Items:       order.Items,
		Subtotal:    order.Totals.Subtotal,
		Shipping:    order.Totals.Shipping,
		Discount:    order.Totals.Discount,
		Amount:      order.Totals.Amount,
		Points:      order.Totals.PointsEarned,
		Currency:    order.Currency,
	})
	if err != nil {
		return "", fmt.Errorf("invoices: render receipt for %s: %w", order.OrderNumber, err)
	}

	object := fmt.Sprintf("receipts/%d/%s.html", paidAt.Year(), order.OrderNumber)
	url, err := g.store.Write(ctx, object, "text/html; charset=utf-8", buf.Bytes())
	if err != nil {
		return "", err
	}
	return url, nil
}
