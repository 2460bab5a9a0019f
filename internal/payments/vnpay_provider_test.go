package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

const testHashSecret = "VNPAYSECRETKEY123"

func newTestVNPayProvider(t *testing.T, queryURL string) *VNPayProvider {
	t.Helper()
	provider, err := NewVNPayProvider(VNPayProviderConfig{
		TmnCode:    "KITCHEN1",
		HashSecret: testHashSecret,
		PayURL:     "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		QueryURL:   queryURL,
		Clock: func() time.Time {
			return time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider
}

func signParams(params map[string]string) string {
	mac := hmac.New(sha512.New, []byte(testHashSecret))
	mac.Write([]byte(canonicalQuery(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVNPayCreatePaymentLink(t *testing.T) {
	provider := newTestVNPayProvider(t, "")

	link, err := provider.CreatePaymentLink(context.Background(), LinkRequest{
		OrderRef:  "KL-2025-000042",
		Amount:    145000,
		Currency:  "VND",
		ReturnURL: "https://kitchenline.example/return",
		ExpiresAt: time.Date(2025, 5, 2, 9, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create link: %v", err)
	}

	parsed, err := url.Parse(link.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	values := parsed.Query()

	if values.Get("vnp_TxnRef") != "KL-2025-000042" {
		t.Errorf("vnp_TxnRef = %q", values.Get("vnp_TxnRef"))
	}
	if values.Get("vnp_Amount") != "14500000" {
		t.Errorf("vnp_Amount = %q, want amount x100", values.Get("vnp_Amount"))
	}
	if values.Get("vnp_CreateDate") != "20250501093000" {
		t.Errorf("vnp_CreateDate = %q", values.Get("vnp_CreateDate"))
	}
	if values.Get("vnp_ExpireDate") != "20250502093000" {
		t.Errorf("vnp_ExpireDate = %q", values.Get("vnp_ExpireDate"))
	}

	params := make(map[string]string, len(values))
	for key := range values {
		if key == "vnp_SecureHash" {
			continue
		}
		params[key] = values.Get(key)
	}
	if got := values.Get("vnp_SecureHash"); got != signParams(params) {
		t.Errorf("secure hash mismatch: %q", got)
	}
}

func TestVNPayVerifyNotificationAcceptsValidSignature(t *testing.T) {
	provider := newTestVNPayProvider(t, "")

	params := map[string]string{
		"vnp_TmnCode":           "KITCHEN1",
		"vnp_TxnRef":            "KL-2025-000042",
		"vnp_Amount":            "14500000",
		"vnp_CurrCode":          "VND",
		"vnp_ResponseCode":      "00",
		"vnp_TransactionStatus": "00",
		"vnp_TransactionNo":     "14226112",
		"vnp_PayDate":           "20250501094500",
	}
	params["vnp_SecureHash"] = signParams(params)

	notification, err := provider.VerifyNotification(context.Background(), NotificationRequest{Params: params})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if notification.Status != StatusSucceeded {
		t.Errorf("status = %q", notification.Status)
	}
	if notification.OrderRef != "KL-2025-000042" || notification.GatewayRef != "14226112" {
		t.Errorf("notification = %+v", notification)
	}
	if notification.Amount != 145000 {
		t.Errorf("amount = %d, want descaled 145000", notification.Amount)
	}
	if !notification.OccurredAt.Equal(time.Date(2025, 5, 1, 9, 45, 0, 0, time.UTC)) {
		t.Errorf("occurredAt = %v", notification.OccurredAt)
	}
}

func TestVNPayVerifyNotificationRejectsTamperedAmount(t *testing.T) {
	provider := newTestVNPayProvider(t, "")

	params := map[string]string{
		"vnp_TxnRef":       "KL-2025-000042",
		"vnp_Amount":       "14500000",
		"vnp_ResponseCode": "00",
	}
	params["vnp_SecureHash"] = signParams(params)
	params["vnp_Amount"] = "100"

	_, err := provider.VerifyNotification(context.Background(), NotificationRequest{Params: params})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestVNPayVerifyNotificationRequiresSecureHash(t *testing.T) {
	provider := newTestVNPayProvider(t, "")

	_, err := provider.VerifyNotification(context.Background(), NotificationRequest{
		Params: map[string]string{"vnp_TxnRef": "ord_1"},
	})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}
}

func TestVNPayVerifyNotificationMapsAbandonedCheckout(t *testing.T) {
	provider := newTestVNPayProvider(t, "")

	params := map[string]string{
		"vnp_TxnRef":       "KL-2025-000042",
		"vnp_Amount":       "14500000",
		"vnp_ResponseCode": "24",
	}
	params["vnp_SecureHash"] = signParams(params)

	notification, err := provider.VerifyNotification(context.Background(), NotificationRequest{Params: params})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if notification.Status != StatusCanceled {
		t.Errorf("status = %q, want canceled", notification.Status)
	}
}

func TestVNPayLookupPayment(t *testing.T) {
	var received map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"vnp_ResponseCode":      "00",
			"vnp_TransactionNo":     "14226112",
			"vnp_TransactionStatus": "00",
			"vnp_Amount":            "14500000",
			"vnp_PayDate":           "20250501094500",
		})
	}))
	defer server.Close()

	provider := newTestVNPayProvider(t, server.URL)

	details, err := provider.LookupPayment(context.Background(), LookupRequest{OrderRef: "KL-2025-000042"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if details.Status != StatusSucceeded || details.GatewayRef != "14226112" {
		t.Errorf("details = %+v", details)
	}
	if details.Amount != 145000 {
		t.Errorf("amount = %d", details.Amount)
	}
	if details.PaidAt == nil || !details.PaidAt.Equal(time.Date(2025, 5, 1, 9, 45, 0, 0, time.UTC)) {
		t.Errorf("paidAt = %v", details.PaidAt)
	}

	if received["vnp_Command"] != "querydr" || received["vnp_TxnRef"] != "KL-2025-000042" {
		t.Errorf("request payload = %v", received)
	}
	if strings.TrimSpace(received["vnp_SecureHash"]) == "" {
		t.Errorf("request payload missing signature")
	}
}

func TestVNPayProviderValidatesConfig(t *testing.T) {
	if _, err := NewVNPayProvider(VNPayProviderConfig{HashSecret: "x", PayURL: "y"}); err == nil {
		t.Error("expected error for missing tmn code")
	}
	if _, err := NewVNPayProvider(VNPayProviderConfig{TmnCode: "x", PayURL: "y"}); err == nil {
		t.Error("expected error for missing hash secret")
	}
	if _, err := NewVNPayProvider(VNPayProviderConfig{TmnCode: "x", HashSecret: "y"}); err == nil {
		t.Error("expected error for missing pay url")
	}
}
