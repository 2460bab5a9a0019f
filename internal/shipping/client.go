package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	domain "github.com/kitchenline/api/internal/domain"
)

// ErrUnavailable is returned when the shipping provider cannot be reached or
// answers with a server error.
var ErrUnavailable = errors.New("shipping: provider unavailable")

// ClientConfig configures the shipping fee client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Clock      func() time.Time
}

// Client fetches delivery fee quotes from the external shipping provider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	clock      func() time.Time
}

// NewClient validates the configuration and constructs the client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("shipping: base url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

type quoteRequest struct {
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Subtotal   int64  `json:"subtotal"`
}

type quoteResponse struct {
	Fee     int64  `json:"fee"`
	Carrier string `json:"carrier"`
}

// Quote returns the delivery fee for the address before order creation.
func (c *Client) Quote(ctx context.Context, address domain.Address, subtotal int64) (domain.ShippingQuote, error) {
	if c == nil {
		return domain.ShippingQuote{}, errors.New("shipping: client is nil")
	}
	if strings.TrimSpace(address.City) == "" {
		return domain.ShippingQuote{}, errors.New("shipping: address city is required")
	}
	if subtotal < 0 {
		return domain.ShippingQuote{}, errors.New("shipping: subtotal cannot be negative")
	}

	body, err := json.Marshal(quoteRequest{
		City:       address.City,
		PostalCode: address.PostalCode,
		Country:    address.Country,
		Subtotal:   subtotal,
	})
	if err != nil {
		return domain.ShippingQuote{}, fmt.Errorf("shipping: encode quote request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/quotes", bytes.NewReader(body))
	if err != nil {
		return domain.ShippingQuote{}, fmt.Errorf("shipping: build quote request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ShippingQuote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return domain.ShippingQuote{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return domain.ShippingQuote{}, fmt.Errorf("shipping: quote rejected with status %d", resp.StatusCode)
	}

	var decoded quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return domain.ShippingQuote{}, fmt.Errorf("shipping: decode quote response: %w", err)
	}
	if decoded.Fee < 0 {
		return domain.ShippingQuote{}, errors.New("shipping: provider returned a negative fee")
	}

	return domain.ShippingQuote{
		Fee:         decoded.Fee,
		Carrier:     decoded.Carrier,
		EstimatedAt: c.clock(),
	}, nil
}
