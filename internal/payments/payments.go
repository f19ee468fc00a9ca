// Package payments integrates external payment gateways with the escrow
// engine. It creates gateway payment sessions for funding a trade, verifies
// asynchronous gateway callbacks, and reconciles confirmed payments into
// escrow state.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel errors for payment operations.
var (
	ErrNotFound     = errors.New("payment session not found")
	ErrBadSignature = errors.New("invalid gateway signature")
	ErrUpstream     = errors.New("payment gateway error")
	ErrInvalidInput = errors.New("invalid input")
)

// Gateway identifies the payment rail a session runs on.
type Gateway string

const (
	GatewayNOWPayments Gateway = "nowpayments"
	GatewayStripe      Gateway = "stripe"
)

// SessionStatus tracks a payment session through the gateway's lifecycle.
type SessionStatus string

const (
	StatusWaiting    SessionStatus = "waiting"
	StatusConfirming SessionStatus = "confirming"
	StatusFinished   SessionStatus = "finished"
	StatusPartial    SessionStatus = "partially_paid"
	StatusExpired    SessionStatus = "expired"
	StatusFailed     SessionStatus = "failed"
)

// Terminal reports whether the session can no longer change status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Session is one attempt to fund a trade through a gateway. A trade may
// accumulate several sessions (an expired crypto invoice retried, a card
// checkout abandoned) but at most one ever reaches finished.
type Session struct {
	ID          string          `json:"id"`
	TradeID     string          `json:"tradeId"`
	Gateway     Gateway         `json:"gateway"`
	GatewayID   string          `json:"gatewayId"`             // Gateway's own payment/session ID
	PayerUserID int64           `json:"payerUserId,omitempty"` // Buyer funding the trade
	Amount      decimal.Decimal `json:"amount"`                // Escrow amount
	Fee         decimal.Decimal `json:"fee"`       // Platform fee
	Total       decimal.Decimal `json:"total"`     // Amount + Fee, what the buyer pays
	PayCurrency string          `json:"payCurrency,omitempty"`
	PayAddress  string          `json:"payAddress,omitempty"`  // Crypto deposit address
	CheckoutURL string          `json:"checkoutUrl,omitempty"` // Card checkout link
	Status      SessionStatus   `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Store persists payment sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	GetByGatewayID(ctx context.Context, gatewayID string) (*Session, error)
	ListByTrade(ctx context.Context, tradeID string) ([]*Session, error)
	Update(ctx context.Context, s *Session) error
	ListOpen(ctx context.Context, limit int) ([]*Session, error)
}
