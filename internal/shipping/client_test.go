package shipping

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/kitchenline/api/internal/domain"
)

func TestClientQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/quotes" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["city"] != "Hanoi" {
			t.Errorf("city = %v", req["city"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"fee": 20000, "carrier": "ghn"})
	}))
	defer srv.Close()

	client, err := NewClient(ClientConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Clock:   func() time.Time { return time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	quote, err := client.Quote(context.Background(), domain.Address{City: "Hanoi", Country: "VN"}, 130000)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.Fee != 20000 {
		t.Errorf("fee = %d, want 20000", quote.Fee)
	}
	if quote.Carrier != "ghn" {
		t.Errorf("carrier = %q", quote.Carrier)
	}
}

func TestClientQuoteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(ClientConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.Quote(context.Background(), domain.Address{City: "Hanoi"}, 1000)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestClientQuoteValidatesInput(t *testing.T) {
	client, err := NewClient(ClientConfig{BaseURL: "https://shipping.example.com"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.Quote(context.Background(), domain.Address{}, 1000); err == nil {
		t.Fatal("expected error for missing city")
	}
}
