package addresses

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/idgen"
)

// MemoryStore is an in-memory Store for development and testing.
type MemoryStore struct {
	mu     sync.Mutex
	next   map[chain.ID]uint32
	byID   map[string]*PaymentAddress
	byAddr map[string]string
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory address store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		next:   make(map[chain.ID]uint32),
		byID:   make(map[string]*PaymentAddress),
		byAddr: make(map[string]string),
		now:    time.Now,
	}
}

func (m *MemoryStore) Allocate(_ context.Context, c chain.ID, owner Owner, derive DeriveFunc) (*PaymentAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	index := m.next[c]
	addr, err := derive(index)
	if err != nil {
		return nil, err
	}
	key := string(c) + ":" + addr
	if _, dup := m.byAddr[key]; dup {
		return nil, fmt.Errorf("addresses: %s already allocated", addr)
	}

	pa := &PaymentAddress{
		ID:              idgen.WithPrefix("addr_"),
		Chain:           c,
		DerivationIndex: index,
		Address:         addr,
		OwnerKind:       owner.Kind,
		OwnerID:         owner.ID,
		CreatedAt:       m.now(),
	}
	m.byID[pa.ID] = pa
	m.byAddr[key] = pa.ID
	m.next[c] = index + 1

	cp := *pa
	return &cp, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*PaymentAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pa
	return &cp, nil
}

func (m *MemoryStore) ListActive(_ context.Context, c chain.ID) ([]*PaymentAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PaymentAddress
	for _, pa := range m.byID {
		if pa.Chain == c && !pa.IsUsed && pa.RetiredAt == nil {
			cp := *pa
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DerivationIndex < out[j].DerivationIndex })
	return out, nil
}

func (m *MemoryStore) MarkUsed(_ context.Context, id, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, ok := m.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if pa.IsUsed {
		return false, nil
	}
	now := m.now()
	pa.IsUsed = true
	pa.UsedTxHash = txHash
	pa.UsedAt = &now
	return true, nil
}

func (m *MemoryStore) Retire(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pa, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	if pa.RetiredAt == nil {
		now := m.now()
		pa.RetiredAt = &now
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
