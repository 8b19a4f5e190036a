package forwarder

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/settlegate/internal/chain"
)

var (
	ErrAttemptNotFound = errors.New("forwarder: attempt not found")
	ErrAttemptExists   = errors.New("forwarder: attempt already recorded")
)

// AttemptStatus tracks whether a signed transaction has been accepted by a node.
type AttemptStatus string

const (
	AttemptPrepared  AttemptStatus = "prepared"
	AttemptBroadcast AttemptStatus = "broadcast"
)

// Attempt is a signed transaction persisted before its first broadcast.
// A retry under the same key rebroadcasts Raw instead of signing again.
type Attempt struct {
	Key        string
	OwnerID    string
	Chain      chain.ID
	Mode       Mode
	Leg        Leg
	Generation int
	TxHash     string
	Raw        []byte
	NetworkFee *big.Int
	Status     AttemptStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AttemptStore persists forward attempts keyed by idempotency key.
type AttemptStore interface {
	Get(ctx context.Context, key string) (*Attempt, error)
	// Put inserts a new attempt. It returns ErrAttemptExists on a key clash.
	Put(ctx context.Context, a *Attempt) error
	MarkBroadcast(ctx context.Context, key string) error
	ListByOwner(ctx context.Context, ownerID string) ([]*Attempt, error)
}

// MemoryAttemptStore is an in-memory AttemptStore.
type MemoryAttemptStore struct {
	mu       sync.RWMutex
	attempts map[string]*Attempt
	order    []string
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string]*Attempt)}
}

func (m *MemoryAttemptStore) Get(_ context.Context, key string) (*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[key]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return copyAttempt(a), nil
}

func (m *MemoryAttemptStore) Put(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[a.Key]; ok {
		return ErrAttemptExists
	}
	now := time.Now()
	cp := copyAttempt(a)
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.attempts[a.Key] = cp
	m.order = append(m.order, a.Key)
	return nil
}

func (m *MemoryAttemptStore) MarkBroadcast(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[key]
	if !ok {
		return ErrAttemptNotFound
	}
	a.Status = AttemptBroadcast
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryAttemptStore) ListByOwner(_ context.Context, ownerID string) ([]*Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Attempt
	for _, k := range m.order {
		if a := m.attempts[k]; a.OwnerID == ownerID {
			out = append(out, copyAttempt(a))
		}
	}
	return out, nil
}

func copyAttempt(a *Attempt) *Attempt {
	cp := *a
	cp.Raw = append([]byte(nil), a.Raw...)
	if a.NetworkFee != nil {
		cp.NetworkFee = new(big.Int).Set(a.NetworkFee)
	}
	return &cp
}

var _ AttemptStore = (*MemoryAttemptStore)(nil)
