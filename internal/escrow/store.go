package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists escrows and user statistics. It is the single owner of
// both collections: the engine holds no entity references between calls,
// only lookups by key.
//
// Implementations must return deep copies from read methods, enforce the
// one-open-escrow-per-seller rule in Create (returning ErrInvalidInput on
// violation), and apply ApplyTransition atomically where the backend
// supports transactions.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error

	// ApplyTransition commits an escrow update together with the statistics
	// deltas it implies, as one logical transaction.
	ApplyTransition(ctx context.Context, e *Escrow, deltas []StatsDelta) error

	// ActiveBySeller returns the seller's open (non-terminal) escrow,
	// or ErrNotFound.
	ActiveBySeller(ctx context.Context, sellerHandle string) (*Escrow, error)

	// ListByUser returns trades where the handle is seller or buyer.
	ListByUser(ctx context.Context, handle string, limit int) ([]*Escrow, error)

	// ListAutoReleasable returns active, funded escrows with
	// funded_at <= cutoff, for the sweeper.
	ListAutoReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error)

	// UserStats returns the user's statistics, materializing the default
	// record for users never seen before.
	UserStats(ctx context.Context, handle string) (*UserStats, error)

	// PlatformStats aggregates admin dashboard numbers.
	PlatformStats(ctx context.Context) (*PlatformStats, error)
}

// PlatformStats is the admin dashboard aggregate.
type PlatformStats struct {
	EscrowsByStatus map[Status]int  `json:"escrowsByStatus"`
	TotalEscrows    int             `json:"totalEscrows"`
	TotalUsers      int             `json:"totalUsers"`
	TradesCompleted int             `json:"tradesCompleted"`
	TotalVolume     decimal.Decimal `json:"totalVolume"`
}
