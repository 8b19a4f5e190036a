// Package addresses allocates one-time deposit addresses.
//
// Each chain has a monotonically increasing derivation index. Allocation
// reserves the next index, derives the address through the chain adapter
// and persists it in one exclusive step, so an index is never handed out
// twice. Gaps are allowed (a failed allocation may burn nothing or, after a
// crash mid-flight, leave an unused index behind); reuse is not.
package addresses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/metrics"
)

var (
	ErrDerivation = errors.New("addresses: derivation failed")
	ErrNotFound   = errors.New("addresses: address not found")
)

// OwnerKind is the entity type an address collects funds for.
type OwnerKind string

const (
	OwnerEscrow  OwnerKind = "escrow"
	OwnerPayment OwnerKind = "payment"
)

// Owner references the entity an address belongs to.
type Owner struct {
	Kind OwnerKind
	ID   string
}

// PaymentAddress is a derived deposit address.
type PaymentAddress struct {
	ID              string     `json:"id"`
	Chain           chain.ID   `json:"chain"`
	DerivationIndex uint32     `json:"derivationIndex"`
	Address         string     `json:"address"`
	IsUsed          bool       `json:"isUsed"`
	UsedTxHash      string     `json:"usedTxHash,omitempty"`
	OwnerKind       OwnerKind  `json:"ownerKind"`
	OwnerID         string     `json:"ownerId"`
	CreatedAt       time.Time  `json:"createdAt"`
	UsedAt          *time.Time `json:"usedAt,omitempty"`
	RetiredAt       *time.Time `json:"retiredAt,omitempty"`
}

// Owner returns the owning entity reference.
func (p *PaymentAddress) Owner() Owner {
	return Owner{Kind: p.OwnerKind, ID: p.OwnerID}
}

// DeriveFunc maps an index to an address.
type DeriveFunc func(index uint32) (string, error)

// Store persists addresses and the per-chain index counter.
type Store interface {
	// Allocate reserves the next index for c, derives the address and
	// stores it. The counter only advances if the whole step succeeds.
	Allocate(ctx context.Context, c chain.ID, owner Owner, derive DeriveFunc) (*PaymentAddress, error)
	Get(ctx context.Context, id string) (*PaymentAddress, error)
	// ListActive returns addresses on c that are neither used nor retired.
	ListActive(ctx context.Context, c chain.ID) ([]*PaymentAddress, error)
	// MarkUsed flips is_used once. It reports false if already used.
	MarkUsed(ctx context.Context, id, txHash string) (bool, error)
	Retire(ctx context.Context, id string) error
}

// Allocator hands out deposit addresses.
type Allocator struct {
	store  Store
	chains *chain.Registry
	logger *slog.Logger
}

// NewAllocator creates an allocator.
func NewAllocator(store Store, chains *chain.Registry, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{store: store, chains: chains, logger: logger}
}

// Allocate returns a fresh address on c owned by owner.
func (a *Allocator) Allocate(ctx context.Context, c chain.ID, owner Owner) (*PaymentAddress, error) {
	adapter, err := a.chains.Get(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	derive := func(index uint32) (string, error) {
		addr, err := adapter.DeriveAddress(index)
		if err != nil {
			return "", fmt.Errorf("%w: %s index %d: %v", ErrDerivation, c, index, err)
		}
		return addr, nil
	}

	pa, err := a.store.Allocate(ctx, c, owner, derive)
	if err != nil {
		return nil, err
	}
	metrics.AddressesAllocated.WithLabelValues(string(c)).Inc()
	a.logger.Info("address allocated",
		"chain", c, "index", pa.DerivationIndex, "ownerKind", owner.Kind, "ownerId", owner.ID)
	return pa, nil
}

func (a *Allocator) Get(ctx context.Context, id string) (*PaymentAddress, error) {
	return a.store.Get(ctx, id)
}

func (a *Allocator) ListActive(ctx context.Context, c chain.ID) ([]*PaymentAddress, error) {
	return a.store.ListActive(ctx, c)
}

func (a *Allocator) MarkUsed(ctx context.Context, id, txHash string) (bool, error) {
	return a.store.MarkUsed(ctx, id, txHash)
}

// Retire stops monitoring an address whose owner ended before funding.
func (a *Allocator) Retire(ctx context.Context, id string) error {
	return a.store.Retire(ctx, id)
}
