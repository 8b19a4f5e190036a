package payments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/settlegate/internal/chain"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	payments map[string]*Payment
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment)}
}

func (m *MemoryStore) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.payments[p.ID]; exists {
		return ErrStateConflict
	}
	m.payments[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, p *Payment, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if cur.Status != from {
		return ErrStateConflict
	}
	m.payments[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) ListExpiredPending(_ context.Context, before time.Time, limit int) ([]*Payment, error) {
	return m.collect(limit, func(p *Payment) bool {
		return p.Status == StatusPending && p.ExpiresAt.Before(before)
	}), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, c chain.ID, status Status, limit int) ([]*Payment, error) {
	return m.collect(limit, func(p *Payment) bool { return p.Chain == c && p.Status == status }), nil
}

func (m *MemoryStore) ListFeePending(_ context.Context, c chain.ID, limit int) ([]*Payment, error) {
	return m.collect(limit, func(p *Payment) bool { return p.Chain == c && p.FeeForwardPending }), nil
}

func (m *MemoryStore) ListForwardFailed(_ context.Context, c chain.ID, limit int) ([]*Payment, error) {
	return m.collect(limit, func(p *Payment) bool {
		return p.Chain == c && p.Status == StatusPaid && p.ForwardFailed
	}), nil
}

func (m *MemoryStore) collect(limit int, match func(p *Payment) bool) []*Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Payment
	for _, p := range m.payments {
		if match(p) {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ Store = (*MemoryStore)(nil)
