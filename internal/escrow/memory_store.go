package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/eventlog"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	events  *eventlog.MemoryStore
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		events:  eventlog.NewMemoryStore(),
	}
}

// EventLog exposes the underlying event store.
func (m *MemoryStore) EventLog() *eventlog.MemoryStore {
	return m.events
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow, ev *eventlog.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.escrows[e.ID]; exists {
		return ErrStateConflict
	}
	if ev != nil {
		if err := m.events.Append(ctx, ev); err != nil {
			return err
		}
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) Transition(ctx context.Context, e *Escrow, from Status, evs ...*eventlog.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Status != from {
		return ErrStateConflict
	}
	for _, ev := range evs {
		if ev == nil {
			continue
		}
		if err := m.events.Append(ctx, ev); err != nil {
			return err
		}
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Depositor != "" && e.DepositorAddress != f.Depositor {
			continue
		}
		if f.Beneficiary != "" && e.BeneficiaryAddress != f.Beneficiary {
			continue
		}
		if f.BusinessID != "" && e.BusinessID != f.BusinessID {
			continue
		}
		if f.Chain != "" && e.Chain != f.Chain {
			continue
		}
		if f.Cursor != nil && !olderThan(e, f.Cursor.CreatedAt, f.Cursor.ID) {
			continue
		}
		result = append(result, e.Clone())
	}
	sortNewestFirst(result)
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpiredPending(_ context.Context, before time.Time, limit int) ([]*Escrow, error) {
	return m.collect(limit, func(e *Escrow) bool {
		return e.Status == StatusPending && e.ExpiresAt.Before(before)
	}), nil
}

func (m *MemoryStore) ListAwaitingSettlement(_ context.Context, c chain.ID, limit int) ([]*Escrow, error) {
	return m.collect(limit, func(e *Escrow) bool {
		return e.Chain == c && e.Status == StatusReleased && !e.SettlementFailed
	}), nil
}

func (m *MemoryStore) ListFeePending(_ context.Context, c chain.ID, limit int) ([]*Escrow, error) {
	return m.collect(limit, func(e *Escrow) bool {
		return e.Chain == c && e.FeeForwardPending
	}), nil
}

func (m *MemoryStore) Events(ctx context.Context, id string) ([]*eventlog.Event, error) {
	return m.events.List(ctx, id)
}

func (m *MemoryStore) EventsAfter(ctx context.Context, afterID int64, limit int) ([]*eventlog.Event, error) {
	return m.events.ListAfter(ctx, afterID, limit)
}

// collect returns matches oldest first.
func (m *MemoryStore) collect(limit int, match func(e *Escrow) bool) []*Escrow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if match(e) {
			result = append(result, e.Clone())
		}
	}
	sortNewestFirst(result)
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func sortNewestFirst(items []*Escrow) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID > items[j].ID
	})
}

func olderThan(e *Escrow, createdAt time.Time, id string) bool {
	if e.CreatedAt.Equal(createdAt) {
		return e.ID < id
	}
	return e.CreatedAt.Before(createdAt)
}

var _ Store = (*MemoryStore)(nil)
