package payments

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeClient opens card checkout sessions and verifies webhook events.
type StripeClient struct {
	api           *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
}

// NewStripeClient creates a card gateway client.
func NewStripeClient(secretKey, webhookSecret, successURL, cancelURL string) *StripeClient {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{
		api:           api,
		webhookSecret: webhookSecret,
		successURL:    successURL,
		cancelURL:     cancelURL,
	}
}

// CheckoutResult is the subset of a Stripe checkout session we track.
type CheckoutResult struct {
	SessionID   string
	CheckoutURL string
}

// CreateCheckout opens a Stripe checkout session for the trade's total.
// The trade ID rides along in the session metadata so the webhook can
// reconcile the completed payment.
func (s *StripeClient) CreateCheckout(ctx context.Context, tradeID, item string, total decimal.Decimal) (*CheckoutResult, error) {
	cents := total.Shift(2).Round(0).IntPart()

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String("usd"),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(item),
					Description: stripe.String("Escrow " + tradeID),
				},
				UnitAmount: stripe.Int64(cents),
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(s.successURL),
		CancelURL:  stripe.String(s.cancelURL),
	}
	params.Context = ctx
	params.AddMetadata("trade_id", tradeID)

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return &CheckoutResult{SessionID: sess.ID, CheckoutURL: sess.URL}, nil
}

// CompletedCheckout is a verified checkout.session.completed event.
type CompletedCheckout struct {
	SessionID string
	TradeID   string
}

// VerifyWebhook validates the Stripe-Signature header and extracts the
// completed checkout, if any. A verified event of another type returns
// (nil, nil); callers should acknowledge it without acting.
func (s *StripeClient) VerifyWebhook(body []byte, signature string) (*CompletedCheckout, error) {
	event, err := webhook.ConstructEvent(body, signature, s.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	if event.Type != "checkout.session.completed" {
		return nil, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: malformed checkout session", ErrInvalidInput)
	}

	return &CompletedCheckout{
		SessionID: sess.ID,
		TradeID:   sess.Metadata["trade_id"],
	}, nil
}
