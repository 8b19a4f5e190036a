package addresses

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/chain/chaintest"
)

func newAllocator(t *testing.T, adapters ...chain.Adapter) (*Allocator, *MemoryStore) {
	t.Helper()
	reg := chain.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, reg.Register(a))
	}
	store := NewMemoryStore()
	return NewAllocator(store, reg, nil), store
}

func TestAllocate_SequentialIndices(t *testing.T) {
	a, _ := newAllocator(t, chaintest.New(chain.BTC), chaintest.New(chain.ETH))
	ctx := context.Background()

	first, err := a.Allocate(ctx, chain.BTC, Owner{Kind: OwnerEscrow, ID: "esc_1"})
	require.NoError(t, err)
	second, err := a.Allocate(ctx, chain.BTC, Owner{Kind: OwnerPayment, ID: "pay_1"})
	require.NoError(t, err)
	other, err := a.Allocate(ctx, chain.ETH, Owner{Kind: OwnerEscrow, ID: "esc_2"})
	require.NoError(t, err)

	assert.Equal(t, uint32(0), first.DerivationIndex)
	assert.Equal(t, uint32(1), second.DerivationIndex)
	assert.Equal(t, uint32(0), other.DerivationIndex, "counters are per chain")
	assert.Equal(t, "btc-addr-1", second.Address)
	assert.Equal(t, Owner{Kind: OwnerPayment, ID: "pay_1"}, second.Owner())
}

func TestAllocate_ConcurrentUnique(t *testing.T) {
	a, _ := newAllocator(t, chaintest.New(chain.SOL))
	ctx := context.Background()

	const n = 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pa, err := a.Allocate(ctx, chain.SOL, Owner{Kind: OwnerEscrow, ID: "x"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[pa.Address] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestAllocate_DerivationFailureKeepsCounter(t *testing.T) {
	fake := chaintest.New(chain.BTC)
	a, _ := newAllocator(t, fake)
	ctx := context.Background()

	fake.NoKey = true
	_, err := a.Allocate(ctx, chain.BTC, Owner{Kind: OwnerEscrow, ID: "e"})
	require.ErrorIs(t, err, ErrDerivation)

	fake.NoKey = false
	pa, err := a.Allocate(ctx, chain.BTC, Owner{Kind: OwnerEscrow, ID: "e"})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), pa.DerivationIndex)
}

func TestAllocate_UnknownChain(t *testing.T) {
	a, _ := newAllocator(t)
	_, err := a.Allocate(context.Background(), chain.POL, Owner{Kind: OwnerEscrow, ID: "e"})
	assert.ErrorIs(t, err, ErrDerivation)
}

func TestMarkUsedOnce(t *testing.T) {
	a, _ := newAllocator(t, chaintest.New(chain.ETH))
	ctx := context.Background()

	pa, err := a.Allocate(ctx, chain.ETH, Owner{Kind: OwnerEscrow, ID: "e"})
	require.NoError(t, err)

	flipped, err := a.MarkUsed(ctx, pa.ID, "0xabc")
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = a.MarkUsed(ctx, pa.ID, "0xdef")
	require.NoError(t, err)
	assert.False(t, flipped)

	got, err := a.Get(ctx, pa.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", got.UsedTxHash)
	assert.NotNil(t, got.UsedAt)

	_, err = a.MarkUsed(ctx, "addr_missing", "0x1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListActive_ExcludesUsedAndRetired(t *testing.T) {
	a, _ := newAllocator(t, chaintest.New(chain.BCH))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		pa, err := a.Allocate(ctx, chain.BCH, Owner{Kind: OwnerEscrow, ID: "e"})
		require.NoError(t, err)
		ids = append(ids, pa.ID)
	}
	_, err := a.MarkUsed(ctx, ids[0], "tx")
	require.NoError(t, err)
	require.NoError(t, a.Retire(ctx, ids[1]))

	active, err := a.ListActive(ctx, chain.BCH)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ids[2], active[0].ID)

	assert.ErrorIs(t, a.Retire(ctx, "addr_missing"), ErrNotFound)
}
