package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
)

// Timer periodically sweeps funded escrows past the auto-release window
// and completes them in the buyer's stead.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates an auto-release sweeper over the given service.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep loop to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-release sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx, time.Now())
}

// Sweep finds escrows funded at or before now minus the release window and
// auto-releases each one. Every candidate is re-validated under its trade
// lock, so a buyer confirmation or dispute that lands mid-sweep wins.
func (t *Timer) Sweep(ctx context.Context, now time.Time) {
	cutoff := now.Add(-t.service.AutoReleaseWindow())

	candidates, err := t.store.ListAutoReleasable(ctx, cutoff, t.batch)
	if err != nil {
		t.logger.Warn("failed to list auto-releasable escrows", "error", err)
		return
	}

	for _, e := range candidates {
		released, err := t.service.AutoRelease(ctx, e.ID, now)
		if err != nil {
			if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrNotFound) {
				// State moved between the listing and the lock; nothing to do.
				continue
			}
			t.logger.Warn("failed to auto-release escrow",
				"tradeId", e.ID,
				"error", err,
			)
			continue
		}
		metrics.AutoReleases.Inc()
		t.logger.Info("auto-released escrow",
			"tradeId", released.ID,
			"seller", released.SellerHandle,
			"buyer", released.BuyerHandle,
			"amount", released.Amount,
		)
	}
}
