package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
)

// Engine is the slice of the escrow service the reconciler needs.
type Engine interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	RecordPayment(ctx context.Context, id, gatewayPaymentID string) (*escrow.Escrow, error)
}

// CryptoGateway abstracts the NOWPayments client for testing.
type CryptoGateway interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (*Payment, error)
	VerifyIPN(body []byte, signature string) (*IPNPayload, error)
}

// CardGateway abstracts the Stripe client for testing.
type CardGateway interface {
	CreateCheckout(ctx context.Context, tradeID, item string, total decimal.Decimal) (*CheckoutResult, error)
	VerifyWebhook(body []byte, signature string) (*CompletedCheckout, error)
}

// Notifier receives confirmed-funding notifications after the escrow has
// been marked paid. Delivery is best-effort and must not block.
type Notifier interface {
	PaymentConfirmed(tradeID, seller, buyer, paymentID, amount string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(tradeID, seller, buyer, paymentID, amount string)

func (f NotifierFunc) PaymentConfirmed(tradeID, seller, buyer, paymentID, amount string) {
	f(tradeID, seller, buyer, paymentID, amount)
}

// Service creates payment sessions and reconciles gateway callbacks into
// escrow state. Gateway HTTP calls happen on the caller's goroutine with no
// escrow lock held; only the final RecordPayment takes the trade lock.
// Events for the same gateway payment ID serialize on a per-key lock so a
// replayed or racing event can never overwrite a terminal session.
type Service struct {
	store    Store
	engine   Engine
	crypto   CryptoGateway
	cards    CardGateway
	fees     escrow.FeeSchedule
	notifier Notifier
	logger   *slog.Logger

	locks syncutil.KeyMutex // keyed by gateway payment ID
}

// NewService creates a payment reconciliation service.
func NewService(store Store, engine Engine, fees escrow.FeeSchedule, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		engine: engine,
		fees:   fees,
		logger: logger,
	}
}

// WithCryptoGateway attaches the crypto rail.
func (s *Service) WithCryptoGateway(g CryptoGateway) *Service {
	s.crypto = g
	return s
}

// WithCardGateway attaches the card rail.
func (s *Service) WithCardGateway(g CardGateway) *Service {
	s.cards = g
	return s
}

// WithNotifier attaches a sink for confirmed-funding notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// InitiateCrypto opens a crypto invoice for funding the trade. The buyer
// pays amount plus platform fee in the chosen currency.
func (s *Service) InitiateCrypto(ctx context.Context, tradeID, payCurrency string) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "payments.InitiateCrypto",
		traces.TradeID(tradeID), traces.Gateway(string(GatewayNOWPayments)))
	defer span.End()

	if s.crypto == nil {
		return nil, fmt.Errorf("%w: crypto payments not configured", ErrUpstream)
	}
	if payCurrency == "" {
		return nil, fmt.Errorf("%w: pay currency is required", ErrInvalidInput)
	}

	e, fee, total, err := s.fundable(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	payment, err := s.crypto.CreatePayment(ctx, CreatePaymentRequest{
		PriceAmount:   total,
		PriceCurrency: "usd",
		PayCurrency:   payCurrency,
		OrderID:       tradeID,
		OrderDesc:     e.Item,
	})
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:          idgen.WithPrefix("ps_"),
		TradeID:     tradeID,
		Gateway:     GatewayNOWPayments,
		GatewayID:   payment.PaymentID.String(),
		PayerUserID: e.BuyerID,
		Amount:      e.Amount,
		Fee:         fee,
		Total:       total,
		PayCurrency: payment.PayCurrency,
		PayAddress:  payment.PayAddress,
		Status:      mapGatewayStatus(payment.PaymentStatus),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("crypto payment session created",
		"tradeId", tradeID, "sessionId", session.ID, "paymentId", session.GatewayID,
		"total", total, "currency", payCurrency)
	return session, nil
}

// InitiateCard opens a Stripe checkout for funding the trade.
func (s *Service) InitiateCard(ctx context.Context, tradeID string) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "payments.InitiateCard",
		traces.TradeID(tradeID), traces.Gateway(string(GatewayStripe)))
	defer span.End()

	if s.cards == nil {
		return nil, fmt.Errorf("%w: card payments not configured", ErrUpstream)
	}

	e, fee, total, err := s.fundable(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	checkout, err := s.cards.CreateCheckout(ctx, tradeID, e.Item, total)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:          idgen.WithPrefix("ps_"),
		TradeID:     tradeID,
		Gateway:     GatewayStripe,
		GatewayID:   checkout.SessionID,
		PayerUserID: e.BuyerID,
		Amount:      e.Amount,
		Fee:         fee,
		Total:       total,
		CheckoutURL: checkout.CheckoutURL,
		Status:      StatusWaiting,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := s.store.Create(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info("card payment session created",
		"tradeId", tradeID, "sessionId", session.ID, "checkoutId", session.GatewayID, "total", total)
	return session, nil
}

// fundable checks the trade accepts funding and quotes the fee.
func (s *Service) fundable(ctx context.Context, tradeID string) (*escrow.Escrow, decimal.Decimal, decimal.Decimal, error) {
	e, err := s.engine.Get(ctx, tradeID)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}
	if e.Status != escrow.StatusActive {
		return nil, decimal.Zero, decimal.Zero,
			fmt.Errorf("%w: trade is %s, payment requires an active trade", escrow.ErrInvalidState, e.Status)
	}
	if e.PaymentStatus == escrow.PaymentPaid {
		return nil, decimal.Zero, decimal.Zero,
			fmt.Errorf("%w: trade is already paid", escrow.ErrInvalidState)
	}
	fee, total := s.fees.Quote(e.Amount)
	return e, fee, total, nil
}

// HandleIPN processes a NOWPayments callback. The signature is verified
// before the body is trusted; a bad signature is rejected without side
// effects.
func (s *Service) HandleIPN(ctx context.Context, body []byte, signature string) error {
	ctx, span := traces.StartSpan(ctx, "payments.HandleIPN",
		traces.Gateway(string(GatewayNOWPayments)))
	defer span.End()

	if s.crypto == nil {
		return fmt.Errorf("%w: crypto payments not configured", ErrUpstream)
	}

	payload, err := s.crypto.VerifyIPN(body, signature)
	if err != nil {
		if errors.Is(err, ErrBadSignature) {
			metrics.PaymentSignatureFailures.WithLabelValues(string(GatewayNOWPayments)).Inc()
			s.logger.Warn("rejected IPN with invalid signature")
		}
		return err
	}

	return s.apply(ctx, payload.PaymentID.String(), mapGatewayStatus(payload.PaymentStatus))
}

// HandleStripeWebhook processes a Stripe webhook. Verified events other
// than a completed checkout are acknowledged and ignored.
func (s *Service) HandleStripeWebhook(ctx context.Context, body []byte, signature string) error {
	ctx, span := traces.StartSpan(ctx, "payments.HandleStripeWebhook",
		traces.Gateway(string(GatewayStripe)))
	defer span.End()

	if s.cards == nil {
		return fmt.Errorf("%w: card payments not configured", ErrUpstream)
	}

	completed, err := s.cards.VerifyWebhook(body, signature)
	if err != nil {
		if errors.Is(err, ErrBadSignature) {
			metrics.PaymentSignatureFailures.WithLabelValues(string(GatewayStripe)).Inc()
			s.logger.Warn("rejected Stripe webhook with invalid signature")
		}
		return err
	}
	if completed == nil {
		return nil
	}

	return s.apply(ctx, completed.SessionID, StatusFinished)
}

// PollPayment re-fetches a crypto session's status from the gateway. Used
// when IPN delivery is delayed or lost.
func (s *Service) PollPayment(ctx context.Context, sessionID string) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "payments.PollPayment")
	defer span.End()

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return session, nil
	}
	if session.Gateway != GatewayNOWPayments {
		return nil, fmt.Errorf("%w: only crypto sessions can be polled", ErrInvalidInput)
	}
	if s.crypto == nil {
		return nil, fmt.Errorf("%w: crypto payments not configured", ErrUpstream)
	}

	payment, err := s.crypto.GetPaymentStatus(ctx, session.GatewayID)
	if err != nil {
		return nil, err
	}

	if err := s.apply(ctx, session.GatewayID, mapGatewayStatus(payment.PaymentStatus)); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, sessionID)
}

// SweepOpen polls the gateway for every open crypto session and reconciles
// the results through the same idempotent path as IPN delivery. It is the
// fallback for lost callbacks; card sessions are skipped because Stripe
// checkouts have no poll API here.
func (s *Service) SweepOpen(ctx context.Context, limit int) {
	if s.crypto == nil {
		return
	}

	sessions, err := s.store.ListOpen(ctx, limit)
	if err != nil {
		s.logger.Error("open session sweep failed to list sessions", "error", err)
		return
	}

	for _, session := range sessions {
		if session.Gateway != GatewayNOWPayments {
			continue
		}
		if _, err := s.PollPayment(ctx, session.ID); err != nil {
			s.logger.Warn("open session poll failed",
				"sessionId", session.ID, "paymentId", session.GatewayID, "error", err)
		}
	}
}

// RunSweeper runs SweepOpen on a fixed interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOpen(ctx, 100)
		}
	}
}

// Session returns a payment session by ID.
func (s *Service) Session(ctx context.Context, id string) (*Session, error) {
	return s.store.Get(ctx, id)
}

// SessionsForTrade returns all payment sessions opened for a trade.
func (s *Service) SessionsForTrade(ctx context.Context, tradeID string) ([]*Session, error) {
	return s.store.ListByTrade(ctx, tradeID)
}

// apply records a gateway status for the session identified by the
// gateway's own payment ID. Replayed events are no-ops: a session already
// in the reported status, or in any terminal status, is left untouched.
// The per-gateway-ID lock makes the check-then-update atomic against
// concurrent events for the same payment.
func (s *Service) apply(ctx context.Context, gatewayID string, status SessionStatus) error {
	unlock := s.locks.Lock(gatewayID)
	defer unlock()

	session, err := s.store.GetByGatewayID(ctx, gatewayID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Unknown payment ID. Acknowledge so the gateway stops
			// retrying, but keep a record.
			s.logger.Warn("gateway event for unknown payment", "paymentId", gatewayID, "status", status)
			return nil
		}
		return err
	}

	if session.Status == status || session.Status.Terminal() {
		metrics.PaymentEventsTotal.WithLabelValues(string(session.Gateway), "duplicate").Inc()
		return nil
	}

	session.Status = status
	session.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, session); err != nil {
		return err
	}
	metrics.PaymentEventsTotal.WithLabelValues(string(session.Gateway), string(status)).Inc()

	switch status {
	case StatusFinished:
		e, err := s.engine.RecordPayment(ctx, session.TradeID, gatewayID)
		if err != nil {
			// The session is marked finished even if the trade moved on
			// (cancelled mid-payment); surface the mismatch in logs.
			s.logger.Error("confirmed payment could not be applied to trade",
				"tradeId", session.TradeID, "paymentId", gatewayID, "error", err)
			return err
		}
		if s.notifier != nil {
			s.notifier.PaymentConfirmed(session.TradeID, e.SellerHandle, e.BuyerHandle,
				gatewayID, e.Amount.String())
		}
		s.logger.Info("payment confirmed", "tradeId", session.TradeID, "paymentId", gatewayID)
	case StatusFailed, StatusExpired:
		s.logger.Info("payment session closed without funding",
			"tradeId", session.TradeID, "paymentId", gatewayID, "status", status)
	}
	return nil
}

// mapGatewayStatus folds NOWPayments statuses into session statuses.
func mapGatewayStatus(status string) SessionStatus {
	switch status {
	case "waiting":
		return StatusWaiting
	case "confirming", "confirmed", "sending":
		return StatusConfirming
	case "finished":
		return StatusFinished
	case "partially_paid":
		return StatusPartial
	case "expired":
		return StatusExpired
	default:
		return StatusFailed
	}
}
