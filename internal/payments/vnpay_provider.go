package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	vnpayVersion    = "2.1.0"
	vnpayCommandPay = "pay"
	vnpayTimeLayout = "20060102150405"

	// VNPay transmits amounts multiplied by 100 regardless of currency.
	vnpayAmountScale = 100

	vnpayCodeSuccess = "00"
)

// VNPayLogger defines the logging contract for VNPay provider operations.
type VNPayLogger func(ctx context.Context, event string, fields map[string]any)

// VNPayProviderConfig configures the VNPayProvider.
type VNPayProviderConfig struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	QueryURL   string
	HTTPClient *http.Client
	Logger     VNPayLogger
	Clock      func() time.Time
}

// VNPayProvider implements the Provider interface against VNPay's redirect gateway.
// Every notification is authenticated by recomputing the HMAC-SHA512 secure hash
// over the sorted request parameters.
type VNPayProvider struct {
	tmnCode    string
	hashSecret []byte
	payURL     string
	queryURL   string
	httpClient *http.Client
	clock      func() time.Time
	logger     VNPayLogger
}

// NewVNPayProvider constructs a VNPay Provider using the given configuration.
func NewVNPayProvider(cfg VNPayProviderConfig) (*VNPayProvider, error) {
	tmnCode := strings.TrimSpace(cfg.TmnCode)
	if tmnCode == "" {
		return nil, errors.New("vnpay: tmn code is required")
	}
	secret := strings.TrimSpace(cfg.HashSecret)
	if secret == "" {
		return nil, errors.New("vnpay: hash secret is required")
	}
	payURL := strings.TrimSpace(cfg.PayURL)
	if payURL == "" {
		return nil, errors.New("vnpay: pay url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &VNPayProvider{
		tmnCode:    tmnCode,
		hashSecret: []byte(secret),
		payURL:     payURL,
		queryURL:   strings.TrimSpace(cfg.QueryURL),
		httpClient: httpClient,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreatePaymentLink builds the signed redirect URL for the order.
func (p *VNPayProvider) CreatePaymentLink(ctx context.Context, req LinkRequest) (Link, error) {
	if p == nil {
		return Link{}, errors.New("vnpay: provider is nil")
	}
	orderRef := strings.TrimSpace(req.OrderRef)
	if orderRef == "" {
		return Link{}, errors.New("vnpay: order ref is required")
	}
	if req.Amount <= 0 {
		return Link{}, errors.New("vnpay: amount must be > 0")
	}

	now := p.clock()
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(24 * time.Hour)
	}

	info := strings.TrimSpace(req.Description)
	if info == "" {
		info = "Payment for order " + orderRef
	}

	params := map[string]string{
		"vnp_Version":    vnpayVersion,
		"vnp_Command":    vnpayCommandPay,
		"vnp_TmnCode":    p.tmnCode,
		"vnp_Amount":     strconv.FormatInt(req.Amount*vnpayAmountScale, 10),
		"vnp_CurrCode":   strings.ToUpper(strings.TrimSpace(req.Currency)),
		"vnp_TxnRef":     orderRef,
		"vnp_OrderInfo":  info,
		"vnp_OrderType":  "other",
		"vnp_Locale":     "vn",
		"vnp_ReturnUrl":  req.ReturnURL,
		"vnp_CreateDate": now.Format(vnpayTimeLayout),
		"vnp_ExpireDate": expiresAt.Format(vnpayTimeLayout),
	}

	query := canonicalQuery(params)
	signature := p.sign(query)

	p.logger(ctx, "payments.vnpay.link.created", map[string]any{
		"orderRef": orderRef,
		"amount":   req.Amount,
	})

	return Link{
		Provider:   "vnpay",
		URL:        p.payURL + "?" + query + "&vnp_SecureHash=" + signature,
		GatewayRef: orderRef,
		ExpiresAt:  expiresAt,
	}, nil
}

// VerifyNotification recomputes the secure hash over the callback parameters.
// Fields are only read from the payload after the signature matched.
func (p *VNPayProvider) VerifyNotification(ctx context.Context, req NotificationRequest) (Notification, error) {
	if p == nil {
		return Notification{}, errors.New("vnpay: provider is nil")
	}
	if len(req.Params) == 0 {
		return Notification{}, fmt.Errorf("%w: empty payload", ErrInvalidSignature)
	}

	received := strings.TrimSpace(req.Params["vnp_SecureHash"])
	if received == "" {
		received = strings.TrimSpace(req.Signature)
	}
	if received == "" {
		return Notification{}, fmt.Errorf("%w: missing secure hash", ErrInvalidSignature)
	}

	signable := make(map[string]string, len(req.Params))
	for k, v := range req.Params {
		if k == "vnp_SecureHash" || k == "vnp_SecureHashType" {
			continue
		}
		signable[k] = v
	}

	expected := p.sign(canonicalQuery(signable))
	if !hmac.Equal([]byte(strings.ToLower(received)), []byte(expected)) {
		p.logger(ctx, "payments.vnpay.notification.rejected", map[string]any{
			"orderRef": req.Params["vnp_TxnRef"],
		})
		return Notification{}, fmt.Errorf("%w: secure hash mismatch", ErrInvalidSignature)
	}

	orderRef := strings.TrimSpace(req.Params["vnp_TxnRef"])
	if orderRef == "" {
		return Notification{}, errors.New("vnpay: notification missing order reference")
	}

	amount, err := strconv.ParseInt(strings.TrimSpace(req.Params["vnp_Amount"]), 10, 64)
	if err != nil {
		return Notification{}, fmt.Errorf("vnpay: parse amount: %w", err)
	}

	responseCode := strings.TrimSpace(req.Params["vnp_ResponseCode"])
	trxStatus := strings.TrimSpace(req.Params["vnp_TransactionStatus"])
	status := StatusFailed
	if responseCode == vnpayCodeSuccess && (trxStatus == "" || trxStatus == vnpayCodeSuccess) {
		status = StatusSucceeded
	} else if responseCode == "24" {
		status = StatusCanceled
	}

	occurredAt := p.clock()
	if payDate := strings.TrimSpace(req.Params["vnp_PayDate"]); payDate != "" {
		if parsed, err := time.Parse(vnpayTimeLayout, payDate); err == nil {
			occurredAt = parsed.UTC()
		}
	}

	raw := make(map[string]any, len(req.Params))
	for k, v := range req.Params {
		raw[k] = v
	}

	return Notification{
		Provider:    "vnpay",
		OrderRef:    orderRef,
		GatewayRef:  strings.TrimSpace(req.Params["vnp_TransactionNo"]),
		Amount:      amount / vnpayAmountScale,
		Currency:    strings.ToUpper(strings.TrimSpace(req.Params["vnp_CurrCode"])),
		Status:      status,
		GatewayCode: responseCode,
		OccurredAt:  occurredAt,
		Raw:         raw,
	}, nil
}

// LookupPayment queries the gateway's transaction API for the current state.
func (p *VNPayProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("vnpay: provider is nil")
	}
	if p.queryURL == "" {
		return PaymentDetails{}, errors.New("vnpay: query url is not configured")
	}
	orderRef := strings.TrimSpace(req.OrderRef)
	if orderRef == "" {
		orderRef = strings.TrimSpace(req.GatewayRef)
	}
	if orderRef == "" {
		return PaymentDetails{}, errors.New("vnpay: order ref is required")
	}

	now := p.clock()
	payload := map[string]string{
		"vnp_RequestId":  fmt.Sprintf("%s-%d", orderRef, now.UnixNano()),
		"vnp_Version":    vnpayVersion,
		"vnp_Command":    "querydr",
		"vnp_TmnCode":    p.tmnCode,
		"vnp_TxnRef":     orderRef,
		"vnp_OrderInfo":  "Query transaction " + orderRef,
		"vnp_CreateDate": now.Format(vnpayTimeLayout),
	}
	payload["vnp_SecureHash"] = p.sign(canonicalQuery(payload))

	body, err := json.Marshal(payload)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("vnpay: encode query payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.queryURL, bytes.NewReader(body))
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("vnpay: build query request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("vnpay: query transaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PaymentDetails{}, fmt.Errorf("vnpay: query transaction: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		ResponseCode      string `json:"vnp_ResponseCode"`
		TransactionNo     string `json:"vnp_TransactionNo"`
		TransactionStatus string `json:"vnp_TransactionStatus"`
		Amount            string `json:"vnp_Amount"`
		PayDate           string `json:"vnp_PayDate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return PaymentDetails{}, fmt.Errorf("vnpay: decode query response: %w", err)
	}

	status := StatusPending
	switch result.TransactionStatus {
	case vnpayCodeSuccess:
		status = StatusSucceeded
	case "01":
		status = StatusPending
	case "02":
		status = StatusFailed
	}

	var amount int64
	if result.Amount != "" {
		if parsed, err := strconv.ParseInt(result.Amount, 10, 64); err == nil {
			amount = parsed / vnpayAmountScale
		}
	}

	var paidAt *time.Time
	if result.PayDate != "" {
		if parsed, err := time.Parse(vnpayTimeLayout, result.PayDate); err == nil {
			t := parsed.UTC()
			paidAt = &t
		}
	}

	return PaymentDetails{
		Provider:    "vnpay",
		GatewayRef:  result.TransactionNo,
		Status:      status,
		Amount:      amount,
		GatewayCode: result.ResponseCode,
		PaidAt:      paidAt,
	}, nil
}

// canonicalQuery URL-encodes the parameters in key order, the exact byte
// sequence the gateway signs on its side.
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if strings.TrimSpace(v) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for i, k := range keys {
		if i > 0 {
			builder.WriteByte('&')
		}
		builder.WriteString(url.QueryEscape(k))
		builder.WriteByte('=')
		builder.WriteString(url.QueryEscape(params[k]))
	}
	return builder.String()
}

func (p *VNPayProvider) sign(query string) string {
	mac := hmac.New(sha512.New, p.hashSecret)
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
