// Package escrow implements the trade escrow lifecycle engine.
//
// Flow:
//  1. Seller creates an escrow for an item → pending
//  2. Buyer joins → active
//  3. Buyer pays through a gateway → payment reconciliation marks it funded
//  4. Buyer confirms delivery → completed, statistics updated for both parties
//  5. No confirmation within the auto-release window → auto_completed
//  6. Either party disputes while active → disputed → admin resolves → resolved
//  7. Seller refunds while active → refunded ; seller cancels while pending → cancelled
//
// The engine is the only component that mutates escrow state. User actions,
// gateway reconciliation, and the auto-release sweeper all funnel through it.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
)

var (
	ErrNotFound     = errors.New("escrow: trade not found")
	ErrInvalidInput = errors.New("escrow: invalid input")
	ErrInvalidState = errors.New("escrow: operation not allowed in current status")
	ErrUnauthorized = errors.New("escrow: actor not authorized for this operation")
	ErrConflict     = errors.New("escrow: lost race to a concurrent operation")
	ErrNoWallet     = errors.New("escrow: counterparty has no payout wallet on file")
)

// Status represents the lifecycle state of an escrow.
type Status string

const (
	StatusPending       Status = "pending"        // created, waiting for a buyer
	StatusActive        Status = "active"         // buyer joined
	StatusCompleted     Status = "completed"      // buyer confirmed delivery
	StatusAutoCompleted Status = "auto_completed" // force-completed after the release window
	StatusCancelled     Status = "cancelled"      // seller cancelled before a buyer joined
	StatusDisputed      Status = "disputed"       // one party opened a dispute
	StatusResolved      Status = "resolved"       // admin resolved the dispute
	StatusRefunded      Status = "refunded"       // seller refunded the buyer
)

// PaymentStatus tracks whether the escrow has been funded.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// DisputeWinner values accepted by ResolveDispute.
const (
	WinnerSeller = "seller"
	WinnerBuyer  = "buyer"
)

// Escrow represents one tracked trade agreement.
type Escrow struct {
	ID            string          `json:"id"`
	SellerID      int64           `json:"sellerId"`
	SellerHandle  string          `json:"sellerHandle"`
	BuyerID       int64           `json:"buyerId,omitempty"`
	BuyerHandle   string          `json:"buyerHandle,omitempty"`
	Amount        decimal.Decimal `json:"amount"` // principal, immutable after creation
	Item          string          `json:"item"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
	PaymentID     string          `json:"paymentId,omitempty"` // gateway payment that funded the escrow
	DisputeWinner string          `json:"disputeWinner,omitempty"`
	FundedAt      *time.Time      `json:"fundedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	RefundedAt    *time.Time      `json:"refundedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusCompleted, StatusAutoCompleted, StatusCancelled, StatusResolved, StatusRefunded:
		return true
	}
	return false
}

// WalletLookup reports whether a user has at least one payout wallet on file.
// Implemented by the wallet registry; the engine never reads addresses itself.
type WalletLookup interface {
	HasPayoutWallet(ctx context.Context, handle string) (bool, error)
}

// CreateRequest carries the parameters for creating an escrow.
type CreateRequest struct {
	SellerID     int64           `json:"sellerId" binding:"required"`
	SellerHandle string          `json:"sellerHandle" binding:"required"`
	Amount       decimal.Decimal `json:"amount" binding:"required"`
	Item         string          `json:"item" binding:"required"`
}

// Service implements the escrow lifecycle state machine.
//
// Every mutating operation takes the per-trade lock, re-reads the escrow from
// the store, validates preconditions against the fresh copy, and only then
// applies the transition. The statistics updates ride the same store commit
// (ApplyTransition) so a half-applied operation is never observable.
type Service struct {
	store    Store
	wallets  WalletLookup
	notifier Notifier
	window   time.Duration // auto-release window

	trades syncutil.KeyMutex
}

// NewService creates an escrow service with the given auto-release window.
func NewService(store Store, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultAutoReleaseWindow
	}
	return &Service{store: store, window: window}
}

// DefaultAutoReleaseWindow is how long a funded escrow waits for manual
// resolution before the sweeper force-completes it.
const DefaultAutoReleaseWindow = 72 * time.Hour

// WithWalletLookup wires the payout wallet registry used by RefundEscrow.
func (s *Service) WithWalletLookup(w WalletLookup) *Service {
	s.wallets = w
	return s
}

// WithNotifier wires an observer for successful state transitions.
// Delivery is best-effort and never affects the transition itself.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// AutoReleaseWindow returns the configured auto-release window.
func (s *Service) AutoReleaseWindow() time.Duration { return s.window }

// Create registers a new escrow for a seller.
//
// A seller may have at most one non-terminal escrow at a time. The reference
// product enforced this implicitly by keying trades on the seller handle;
// here it is an explicit rule checked by the store at create time, while the
// trade itself gets a dedicated generated ID.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Handle(req.SellerHandle))
	defer span.End()

	seller := normalizeHandle(req.SellerHandle)
	if seller == "" {
		return nil, fmt.Errorf("%w: seller handle is required", ErrInvalidInput)
	}
	if req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Item) == "" {
		return nil, fmt.Errorf("%w: item description is required", ErrInvalidInput)
	}

	now := time.Now()
	e := &Escrow{
		ID:            idgen.WithPrefix("tr_"),
		SellerID:      req.SellerID,
		SellerHandle:  seller,
		Amount:        req.Amount,
		Item:          strings.TrimSpace(req.Item),
		Status:        StatusPending,
		PaymentStatus: PaymentUnpaid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// The store rejects the insert if the seller already has an open trade.
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(StatusPending)).Inc()
	s.emit(e, "", now)
	return e, nil
}

// Join attaches a buyer to a pending escrow and activates it.
// Exactly one of two racing joiners wins; the loser gets ErrConflict.
func (s *Service) Join(ctx context.Context, id, buyerHandle string, buyerID int64) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Join", traces.TradeID(id))
	defer span.End()

	buyer := normalizeHandle(buyerHandle)
	if buyer == "" {
		return nil, fmt.Errorf("%w: buyer handle is required", ErrInvalidInput)
	}

	unlock := s.trades.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending {
		return nil, ErrInvalidState
	}
	if e.BuyerHandle != "" {
		// A concurrent join already claimed the buyer slot.
		return nil, ErrConflict
	}
	if buyer == e.SellerHandle {
		return nil, fmt.Errorf("%w: seller cannot join their own escrow", ErrInvalidInput)
	}

	old := e.Status
	now := time.Now()
	e.BuyerHandle = buyer
	e.BuyerID = buyerID
	e.Status = StatusActive
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(StatusActive)).Inc()
	s.emit(e, old, now)
	return e, nil
}

// RecordPayment marks an active escrow as funded by the given gateway payment.
// It is idempotent: re-applying the payment that already funded the escrow is
// a no-op, so at-least-once webhook delivery never duplicates side effects.
func (s *Service) RecordPayment(ctx context.Context, id, gatewayPaymentID string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RecordPayment",
		traces.TradeID(id), traces.PaymentID(gatewayPaymentID))
	defer span.End()

	unlock := s.trades.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.PaymentStatus == PaymentPaid && e.PaymentID == gatewayPaymentID {
		return e, nil // replayed event, already applied
	}
	if e.Status != StatusActive || e.PaymentStatus != PaymentUnpaid {
		return nil, ErrInvalidState
	}

	now := time.Now()
	e.PaymentStatus = PaymentPaid
	e.PaymentID = gatewayPaymentID
	e.FundedAt = &now
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowsFunded.Inc()
	return e, nil
}

// ConfirmDelivery completes the trade. Only the buyer may call it.
func (s *Service) ConfirmDelivery(ctx context.Context, id, actorHandle string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery", traces.TradeID(id))
	defer span.End()

	unlock := s.trades.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if normalizeHandle(actorHandle) != e.BuyerHandle || e.BuyerHandle == "" {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusActive {
		return nil, ErrInvalidState
	}

	return s.complete(ctx, e, StatusCompleted, time.Now())
}

// AutoRelease force-completes a funded escrow whose release window has
// elapsed. Called only by the sweeper; now is the sweep's notion of current
// time. Preconditions are re-checked here under the trade lock, so a manual
// confirm/dispute/refund that lands first always wins.
func (s *Service) AutoRelease(ctx context.Context, id string, now time.Time) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AutoRelease", traces.TradeID(id))
	defer span.End()

	unlock := s.trades.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusActive || e.PaymentStatus != PaymentPaid || e.FundedAt == nil {
		return nil, ErrInvalidState
	}
	if now.Sub(*e.FundedAt) < s.window {
		return nil, ErrInvalidState
	}

	return s.complete(ctx, e, StatusAutoCompleted, now)
}

// complete applies the shared completion transition (manual or automatic):
// status change plus trades_completed/total_volume for both parties, in one
// store commit. Caller holds the trade lock.
func (s *Service) complete(ctx context.Context, e *Escrow, to Status, now time.Time) (*Escrow, error) {
	old := e.Status
	e.Status = to
	e.CompletedAt = &now
	e.UpdatedAt = now

	deltas := []StatsDelta{
		{Handle: e.SellerHandle, TradesCompleted: 1, VolumeDelta: e.Amount},
		{Handle: e.BuyerHandle, TradesCompleted: 1, VolumeDelta: e.Amount},
	}
	if err := s.store.ApplyTransition(ctx, e, deltas); err != nil {
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(to)).Inc()
	s.emit(e, old, now)
	return e, nil
}

// Cancel aborts a pending escrow. Only the seller may call it, and only
// before a buyer joins.
func (s *Service) Cancel(ctx context.Context, id, actorHandle string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.TradeID(id))
	defer span.End()

	unlock := s.trades.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if normalizeHandle(actorHandle) != e.SellerHandle {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusPending {
		return nil, ErrInvalidState
	}

	old := e.Status
	now := time.Now()
	e.Status = StatusCancelled
	e.UpdatedAt = now

	deltas := []StatsDelta{{Handle: e.SellerHandle, TradesCancelled: 1}}
	if err := s.store.ApplyTransition(ctx, e, deltas); err != nil {
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(StatusCancelled)).Inc()
	s.emit(e, old, now)
	return e, nil
}

// OpenDispute freezes an active escrow for admin resolution.
// Either party may call it. No statistics change.
func (s *Service) OpenDispute(ctx context.Context, id, actorHandle string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute", traces.TradeID(id))
	defer span.End()

	unlock := s.trades.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	actor := normalizeHandle(actorHandle)
	if actor != e.SellerHandle && (actor != e.BuyerHandle || e.BuyerHandle == "") {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusActive {
		return nil, ErrInvalidState
	}

	old := e.Status
	now := time.Now()
	e.Status = StatusDisputed
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(StatusDisputed)).Inc()
	s.emit(e, old, now)
	return e, nil
}

// ResolveDispute records the winning party and closes a disputed escrow.
// Authorization is the caller's concern (admin endpoints guard this).
func (s *Service) ResolveDispute(ctx context.Context, id, winner string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.TradeID(id))
	defer span.End()

	if winner != WinnerSeller && winner != WinnerBuyer {
		return nil, fmt.Errorf("%w: winner must be %q or %q", ErrInvalidInput, WinnerSeller, WinnerBuyer)
	}

	unlock := s.trades.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDisputed {
		return nil, ErrInvalidState
	}

	old := e.Status
	now := time.Now()
	e.Status = StatusResolved
	e.DisputeWinner = winner
	e.UpdatedAt = now

	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(StatusResolved)).Inc()
	s.emit(e, old, now)
	return e, nil
}

// Refund returns an active trade to the buyer. Only the seller may call it,
// and only if the buyer has a payout wallet on file to receive the funds.
// Both parties take a cancelled-trade mark, mirroring a failed trade.
func (s *Service) Refund(ctx context.Context, id, actorHandle string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.TradeID(id))
	defer span.End()

	unlock := s.trades.Lock(id)
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if normalizeHandle(actorHandle) != e.SellerHandle {
		return nil, ErrUnauthorized
	}
	if e.Status != StatusActive {
		return nil, ErrInvalidState
	}

	if s.wallets != nil {
		has, err := s.wallets.HasPayoutWallet(ctx, e.BuyerHandle)
		if err != nil {
			return nil, fmt.Errorf("escrow: wallet lookup: %w", err)
		}
		if !has {
			return nil, ErrNoWallet
		}
	}

	old := e.Status
	now := time.Now()
	e.Status = StatusRefunded
	e.RefundedAt = &now
	e.UpdatedAt = now

	deltas := []StatsDelta{
		{Handle: e.SellerHandle, TradesCancelled: 1},
		{Handle: e.BuyerHandle, TradesCancelled: 1},
	}
	if err := s.store.ApplyTransition(ctx, e, deltas); err != nil {
		return nil, err
	}

	metrics.EscrowTransitions.WithLabelValues(string(StatusRefunded)).Inc()
	s.emit(e, old, now)
	return e, nil
}

// Get returns an escrow by trade ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ActiveBySeller returns the seller's open (non-terminal) escrow, if any.
// Buyers join by naming the seller, so this is the join-time lookup.
func (s *Service) ActiveBySeller(ctx context.Context, sellerHandle string) (*Escrow, error) {
	return s.store.ActiveBySeller(ctx, normalizeHandle(sellerHandle))
}

// ListByUser returns trades the user participates in as either party.
func (s *Service) ListByUser(ctx context.Context, handle string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, normalizeHandle(handle), limit)
}

// UserStats returns the user's accumulated trade statistics.
// Users that have never traded get the default record.
func (s *Service) UserStats(ctx context.Context, handle string) (*UserStats, error) {
	return s.store.UserStats(ctx, normalizeHandle(handle))
}

// PlatformStats returns platform-wide aggregates for the admin surface.
func (s *Service) PlatformStats(ctx context.Context) (*PlatformStats, error) {
	return s.store.PlatformStats(ctx)
}

func (s *Service) emit(e *Escrow, old Status, at time.Time) {
	if s.notifier != nil {
		s.notifier.Notify(Event{
			TradeID:   e.ID,
			Seller:    e.SellerHandle,
			Buyer:     e.BuyerHandle,
			OldStatus: old,
			NewStatus: e.Status,
			At:        at,
		})
	}
}

func normalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}
