package escrow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory store for development and tests. One store
// mutex covers escrows and statistics, which makes ApplyTransition trivially
// atomic; per-trade serialization is the service's job, not the store's.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
	stats   map[string]*UserStats
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		stats:   make(map[string]*UserStats),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, other := range m.escrows {
		if other.SellerHandle == e.SellerHandle && !other.IsTerminal() {
			return fmt.Errorf("%w: seller %s already has an open escrow", ErrInvalidInput, e.SellerHandle)
		}
	}

	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(e)
}

func (m *MemoryStore) updateLocked(e *Escrow) error {
	if _, ok := m.escrows[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, e *Escrow, deltas []StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.updateLocked(e); err != nil {
		return err
	}

	now := time.Now()
	for _, d := range deltas {
		if d.Handle == "" {
			continue
		}
		st, ok := m.stats[d.Handle]
		if !ok {
			st = NewUserStats(d.Handle)
			m.stats[d.Handle] = st
		}
		st.apply(d, now)
	}
	return nil
}

func (m *MemoryStore) ActiveBySeller(ctx context.Context, sellerHandle string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.escrows {
		if e.SellerHandle == sellerHandle && !e.IsTerminal() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByUser(ctx context.Context, handle string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.SellerHandle == handle || e.BuyerHandle == handle {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusActive && e.PaymentStatus == PaymentPaid &&
			e.FundedAt != nil && !e.FundedAt.After(cutoff) {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) UserStats(ctx context.Context, handle string) (*UserStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if st, ok := m.stats[handle]; ok {
		cp := *st
		return &cp, nil
	}
	return NewUserStats(handle), nil
}

func (m *MemoryStore) PlatformStats(ctx context.Context) (*PlatformStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ps := &PlatformStats{
		EscrowsByStatus: make(map[Status]int),
		TotalVolume:     decimal.Zero,
	}
	for _, e := range m.escrows {
		ps.EscrowsByStatus[e.Status]++
		ps.TotalEscrows++
	}
	ps.TotalUsers = len(m.stats)
	for _, st := range m.stats {
		ps.TradesCompleted += st.TradesCompleted
		ps.TotalVolume = ps.TotalVolume.Add(st.TotalVolume)
	}
	return ps, nil
}
