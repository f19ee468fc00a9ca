package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/retry"
)

// NOWPaymentsClient talks to the NOWPayments REST API for crypto invoices.
type NOWPaymentsClient struct {
	apiKey    string
	ipnSecret string
	baseURL   string
	client    *http.Client
}

// NewNOWPaymentsClient creates a crypto gateway client.
func NewNOWPaymentsClient(apiKey, ipnSecret, baseURL string) *NOWPaymentsClient {
	if baseURL == "" {
		baseURL = "https://api.nowpayments.io/v1"
	}
	return &NOWPaymentsClient{
		apiKey:    apiKey,
		ipnSecret: ipnSecret,
		baseURL:   baseURL,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// CreatePaymentRequest is the invoice we ask the gateway to open.
type CreatePaymentRequest struct {
	PriceAmount    decimal.Decimal `json:"price_amount"`
	PriceCurrency  string          `json:"price_currency"`
	PayCurrency    string          `json:"pay_currency"`
	OrderID        string          `json:"order_id"`
	OrderDesc      string          `json:"order_description"`
	IPNCallbackURL string          `json:"ipn_callback_url,omitempty"`
}

// Payment is the gateway's view of an invoice.
type Payment struct {
	PaymentID     json.Number     `json:"payment_id"`
	PaymentStatus string          `json:"payment_status"`
	PayAddress    string          `json:"pay_address"`
	PayAmount     decimal.Decimal `json:"pay_amount"`
	PayCurrency   string          `json:"pay_currency"`
	PriceAmount   decimal.Decimal `json:"price_amount"`
	PriceCurrency string          `json:"price_currency"`
	OrderID       string          `json:"order_id"`
}

// IPNPayload is the body of an IPN callback, after signature verification.
type IPNPayload struct {
	PaymentID     json.Number `json:"payment_id"`
	PaymentStatus string      `json:"payment_status"`
	OrderID       string      `json:"order_id"`
}

// CreatePayment opens a crypto invoice for the given amount.
func (n *NOWPaymentsClient) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/payment", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", n.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: create payment returned %d: %s", ErrUpstream, resp.StatusCode, msg)
	}

	var payment Payment
	if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
		return nil, fmt.Errorf("%w: decoding payment: %v", ErrUpstream, err)
	}
	return &payment, nil
}

// GetPaymentStatus fetches the current status of an invoice. Transient
// failures are retried; 4xx responses are not.
func (n *NOWPaymentsClient) GetPaymentStatus(ctx context.Context, paymentID string) (*Payment, error) {
	var payment Payment

	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/payment/"+paymentID, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		httpReq.Header.Set("x-api-key", n.apiKey)

		resp, err := n.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(fmt.Errorf("%w: payment status returned %d", ErrUpstream, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: payment status returned %d", ErrUpstream, resp.StatusCode)
		}

		return json.NewDecoder(resp.Body).Decode(&payment)
	})
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// VerifyIPN checks the x-nowpayments-sig header against an HMAC-SHA512 of
// the raw callback body and returns the parsed payload on success.
func (n *NOWPaymentsClient) VerifyIPN(body []byte, signature string) (*IPNPayload, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrBadSignature)
	}

	mac := hmac.New(sha512.New, []byte(n.ipnSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, ErrBadSignature
	}

	var payload IPNPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrInvalidInput)
	}
	return &payload, nil
}
