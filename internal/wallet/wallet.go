// Package wallet keeps each user's payout addresses, one per currency.
// The escrow engine consults it before refunds; payouts themselves are
// settled off-platform.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("wallet: not found")
	ErrInvalidInput = errors.New("wallet: invalid input")
)

// currencyRe accepts short lowercase ticker symbols (btc, eth, usdt...).
var currencyRe = regexp.MustCompile(`^[a-z0-9]{2,10}$`)

// Wallet is one payout address for one user and currency.
type Wallet struct {
	Handle    string    `json:"handle"`
	Currency  string    `json:"currency"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists payout wallets.
type Store interface {
	Upsert(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, handle, currency string) (*Wallet, error)
	ListByUser(ctx context.Context, handle string) ([]*Wallet, error)
	Delete(ctx context.Context, handle, currency string) error
	HasAny(ctx context.Context, handle string) (bool, error)
}

// Registry is the wallet service used by handlers and the escrow engine.
type Registry struct {
	store Store
}

// NewRegistry creates a wallet registry over the given store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Set registers or replaces the user's payout address for a currency.
func (r *Registry) Set(ctx context.Context, handle, currency, address string) (*Wallet, error) {
	handle = normalizeHandle(handle)
	currency = strings.ToLower(strings.TrimSpace(currency))
	address = strings.TrimSpace(address)

	if handle == "" {
		return nil, fmt.Errorf("%w: handle is required", ErrInvalidInput)
	}
	if !currencyRe.MatchString(currency) {
		return nil, fmt.Errorf("%w: currency must be a short ticker symbol", ErrInvalidInput)
	}
	if len(address) < 10 || len(address) > 128 {
		return nil, fmt.Errorf("%w: address length out of range", ErrInvalidInput)
	}

	now := time.Now()
	w := &Wallet{
		Handle:    handle,
		Currency:  currency,
		Address:   address,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Upsert(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Get returns the user's payout address for a currency.
func (r *Registry) Get(ctx context.Context, handle, currency string) (*Wallet, error) {
	return r.store.Get(ctx, normalizeHandle(handle), strings.ToLower(strings.TrimSpace(currency)))
}

// List returns all of the user's payout wallets.
func (r *Registry) List(ctx context.Context, handle string) ([]*Wallet, error) {
	return r.store.ListByUser(ctx, normalizeHandle(handle))
}

// Remove deletes the user's payout address for a currency.
func (r *Registry) Remove(ctx context.Context, handle, currency string) error {
	return r.store.Delete(ctx, normalizeHandle(handle), strings.ToLower(strings.TrimSpace(currency)))
}

// HasPayoutWallet reports whether the user has at least one address on
// file. Satisfies the escrow engine's wallet lookup.
func (r *Registry) HasPayoutWallet(ctx context.Context, handle string) (bool, error) {
	return r.store.HasAny(ctx, normalizeHandle(handle))
}

func normalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}
