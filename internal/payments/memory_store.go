package payments

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory session store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session // by session ID
	byGateway map[string]string   // gateway ID -> session ID
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*Session),
		byGateway: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.sessions[s.ID] = &cp
	if s.GatewayID != "" {
		m.byGateway[s.GatewayID] = s.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByGatewayID(ctx context.Context, gatewayID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byGateway[gatewayID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.sessions[id]
	return &cp, nil
}

func (m *MemoryStore) ListByTrade(ctx context.Context, tradeID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.TradeID == tradeID {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.sessions[s.ID] = &cp
	if s.GatewayID != "" {
		m.byGateway[s.GatewayID] = s.ID
	}
	return nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if !s.Status.Terminal() {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
