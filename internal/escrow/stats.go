package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultReputation is the reputation every user starts with.
// Reputation is bounded to [0, 5] and adjusted externally, not by the engine.
const DefaultReputation = 5.0

// UserStats accumulates per-user trade statistics. Records are created
// lazily on first reference and never deleted. trades_completed,
// trades_cancelled, and total_volume only ever grow.
type UserStats struct {
	Handle          string          `json:"handle"`
	TradesCompleted int             `json:"tradesCompleted"`
	TradesCancelled int             `json:"tradesCancelled"`
	TotalVolume     decimal.Decimal `json:"totalVolume"`
	Reputation      float64         `json:"reputation"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// NewUserStats is the single factory for default-valued statistics records.
// Every store creates first-touch records through it.
func NewUserStats(handle string) *UserStats {
	return &UserStats{
		Handle:      handle,
		TotalVolume: decimal.Zero,
		Reputation:  DefaultReputation,
		UpdatedAt:   time.Now(),
	}
}

// StatsDelta describes one user's statistics change for a transition.
// Deltas are applied together with the escrow update in a single store
// commit so escrow state and statistics never diverge.
type StatsDelta struct {
	Handle          string
	TradesCompleted int
	TradesCancelled int
	VolumeDelta     decimal.Decimal
}

func (s *UserStats) apply(d StatsDelta, now time.Time) {
	s.TradesCompleted += d.TradesCompleted
	s.TradesCancelled += d.TradesCancelled
	if !d.VolumeDelta.IsZero() {
		s.TotalVolume = s.TotalVolume.Add(d.VolumeDelta)
	}
	s.UpdatedAt = now
}
