package evm

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/keys"
)

type mockClient struct {
	mu       sync.Mutex
	head     uint64
	blocks   map[uint64]*types.Block
	nonce    uint64
	gasPrice *big.Int
	sent     []*types.Transaction
	sendErr  error
	receipts map[common.Hash]*types.Receipt
}

func newMockClient() *mockClient {
	return &mockClient{
		blocks:   make(map[uint64]*types.Block),
		gasPrice: big.NewInt(10_000_000_000),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (m *mockClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (m *mockClient) BlockNumber(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head, nil
}
func (m *mockClient) BlockByNumber(_ context.Context, n *big.Int) (*types.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blocks[n.Uint64()]; ok {
		return b, nil
	}
	return types.NewBlockWithHeader(&types.Header{Number: n}), nil
}
func (m *mockClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(5), nil
}
func (m *mockClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return m.nonce, nil
}
func (m *mockClient) SuggestGasPrice(context.Context) (*big.Int, error) { return m.gasPrice, nil }
func (m *mockClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	return nil
}
func (m *mockClient) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}
func (m *mockClient) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}
func (m *mockClient) Close() {}

func testKey(t *testing.T) *keys.HDKey {
	t.Helper()
	seed, _ := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	k, err := keys.NewHDKeyFromSeed(seed)
	require.NoError(t, err)
	return k
}

func newTestAdapter(t *testing.T, c *mockClient) *Adapter {
	t.Helper()
	a, err := New(Config{Chain: chain.ETH, NetworkID: 1, Key: testKey(t)}, WithClient(c))
	require.NoError(t, err)
	return a
}

func TestDeriveAddress_PublicOnly(t *testing.T) {
	k := testKey(t)
	pub, err := k.Neuter()
	require.NoError(t, err)

	full := newTestAdapter(t, newMockClient())
	watchOnly, err := New(Config{Chain: chain.ETH, NetworkID: 1, Key: pub}, WithClient(newMockClient()))
	require.NoError(t, err)

	a, err := full.DeriveAddress(3)
	require.NoError(t, err)
	b, err := watchOnly.DeriveAddress(3)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NoError(t, full.ValidateAddress(a))

	noKey, err := New(Config{Chain: chain.POL, NetworkID: 137}, WithClient(newMockClient()))
	require.NoError(t, err)
	_, err = noKey.DeriveAddress(0)
	assert.ErrorIs(t, err, chain.ErrNoKey)
	assert.Equal(t, chain.POL, noKey.Params().Chain)
}

func TestValidateAddress(t *testing.T) {
	a := newTestAdapter(t, newMockClient())
	assert.NoError(t, a.ValidateAddress("0x71C7656EC7ab88b098defB751B7401B5f6d8976F"))
	assert.ErrorIs(t, a.ValidateAddress("0x123"), chain.ErrInvalidAddress)
}

func TestDeposits_ScansBlocks(t *testing.T) {
	c := newMockClient()
	a := newTestAdapter(t, c)
	watched, _ := a.DeriveAddress(0)
	other := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	to := common.HexToAddress(watched)

	txIn := types.NewTx(&types.LegacyTx{Nonce: 1, To: &to, Value: big.NewInt(1e18), Gas: TransferGas, GasPrice: big.NewInt(1)})
	txOther := types.NewTx(&types.LegacyTx{Nonce: 2, To: &other, Value: big.NewInt(7), Gas: TransferGas, GasPrice: big.NewInt(1)})
	block := types.NewBlockWithHeader(&types.Header{Number: big.NewInt(101)}).
		WithBody(types.Body{Transactions: []*types.Transaction{txIn, txOther}})
	c.blocks[101] = block

	deps, err := a.Deposits(context.Background(), []string{watched}, 100, 102)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, txIn.Hash().Hex(), deps[0].TxHash)
	assert.Equal(t, watched, deps[0].Address)
	assert.Equal(t, uint64(101), deps[0].Height)
	assert.Equal(t, "1000000000000000000", deps[0].Amount.String())
}

func TestPrepareAndBroadcast(t *testing.T) {
	c := newMockClient()
	c.nonce = 4
	a := newTestAdapter(t, c)
	from, _ := a.DeriveAddress(2)
	dest := "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"

	stx, err := a.Prepare(context.Background(), chain.Transfer{
		FromIndex:   2,
		FromAddress: from,
		Outputs:     []chain.Output{{Address: dest, Amount: big.NewInt(1_000_000_000_000_000)}},
	})
	require.NoError(t, err)

	wantFee := new(big.Int).Mul(c.gasPrice, big.NewInt(int64(TransferGas)))
	assert.Equal(t, wantFee, stx.NetworkFee)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(stx.Raw))
	assert.Equal(t, uint64(4), tx.Nonce())
	assert.Equal(t, new(big.Int).Sub(big.NewInt(1_000_000_000_000_000), wantFee), tx.Value())
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, from, sender.Hex())

	hash, err := a.Broadcast(context.Background(), stx)
	require.NoError(t, err)
	assert.Equal(t, stx.Hash, hash)
	assert.Len(t, c.sent, 1)
}

func TestPrepare_Rejections(t *testing.T) {
	a := newTestAdapter(t, newMockClient())
	from, _ := a.DeriveAddress(0)
	dest := "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"

	_, err := a.Prepare(context.Background(), chain.Transfer{
		FromAddress: from,
		Outputs:     []chain.Output{{Address: dest, Amount: big.NewInt(1)}, {Address: dest, Amount: big.NewInt(1)}},
	})
	assert.Error(t, err, "split is not supported")

	_, err = a.Prepare(context.Background(), chain.Transfer{
		FromAddress: from,
		Outputs:     []chain.Output{{Address: dest, Amount: big.NewInt(1000)}},
	})
	assert.ErrorIs(t, err, chain.ErrAmountTooSmall)

	_, err = a.Prepare(context.Background(), chain.Transfer{
		FromIndex:   1,
		FromAddress: from,
		Outputs:     []chain.Output{{Address: dest, Amount: big.NewInt(1e18)}},
	})
	assert.Error(t, err, "index must derive the from address")
}

func TestBroadcast_ErrorClassification(t *testing.T) {
	c := newMockClient()
	a := newTestAdapter(t, c)
	from, _ := a.DeriveAddress(0)
	stx, err := a.Prepare(context.Background(), chain.Transfer{
		FromAddress: from,
		Outputs:     []chain.Output{{Address: "0x71C7656EC7ab88b098defB751B7401B5f6d8976F", Amount: big.NewInt(1e18)}},
	})
	require.NoError(t, err)

	c.sendErr = errors.New("already known")
	hash, err := a.Broadcast(context.Background(), stx)
	require.NoError(t, err)
	assert.Equal(t, stx.Hash, hash)

	c.sendErr = errors.New("connection reset by peer")
	_, err = a.Broadcast(context.Background(), stx)
	assert.True(t, chain.IsTransient(err))
}

func TestTxStatus(t *testing.T) {
	c := newMockClient()
	a := newTestAdapter(t, c)
	h := common.HexToHash("0x01")
	c.head = 110
	c.receipts[h] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}

	st, err := a.TxStatus(context.Background(), h.Hex())
	require.NoError(t, err)
	assert.True(t, st.Found)
	assert.Equal(t, uint64(11), st.Confirmations)

	st, err = a.TxStatus(context.Background(), common.HexToHash("0x02").Hex())
	require.NoError(t, err)
	assert.False(t, st.Found)
}
