package wallet

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory wallet store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]map[string]*Wallet // handle -> currency -> wallet
}

// NewMemoryStore creates an in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]map[string]*Wallet)}
}

func (m *MemoryStore) Upsert(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCurrency, ok := m.wallets[w.Handle]
	if !ok {
		byCurrency = make(map[string]*Wallet)
		m.wallets[w.Handle] = byCurrency
	}
	if existing, ok := byCurrency[w.Currency]; ok {
		w.CreatedAt = existing.CreatedAt
	}
	cp := *w
	byCurrency[w.Currency] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, handle, currency string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[handle][currency]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, handle string) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Wallet
	for _, w := range m.wallets[handle] {
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Currency < result[j].Currency
	})
	return result, nil
}

func (m *MemoryStore) Delete(ctx context.Context, handle, currency string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[handle][currency]; !ok {
		return ErrNotFound
	}
	delete(m.wallets[handle], currency)
	if len(m.wallets[handle]) == 0 {
		delete(m.wallets, handle)
	}
	return nil
}

func (m *MemoryStore) HasAny(ctx context.Context, handle string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.wallets[handle]) > 0, nil
}
