package solana

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/keys"
)

type mockRPC struct {
	balance  uint64
	statuses map[sol.Signature]*rpc.SignatureStatusesResult
	sent     [][]byte
	sendErr  error
}

func (m *mockRPC) GetSlot(context.Context, rpc.CommitmentType) (uint64, error) { return 1234, nil }
func (m *mockRPC) GetBalance(context.Context, sol.PublicKey, rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	return &rpc.GetBalanceResult{Value: m.balance}, nil
}
func (m *mockRPC) GetSignaturesForAddressWithOpts(context.Context, sol.PublicKey, *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	return nil, nil
}
func (m *mockRPC) GetTransaction(context.Context, sol.Signature, *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	return nil, nil
}
func (m *mockRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: sol.Hash{1, 2, 3}}}, nil
}
func (m *mockRPC) SendRawTransactionWithOpts(_ context.Context, raw []byte, _ rpc.TransactionOpts) (sol.Signature, error) {
	if m.sendErr != nil {
		return sol.Signature{}, m.sendErr
	}
	m.sent = append(m.sent, raw)
	var sig sol.Signature
	copy(sig[:], raw[1:65])
	return sig, nil
}
func (m *mockRPC) GetSignatureStatuses(_ context.Context, _ bool, sigs ...sol.Signature) (*rpc.GetSignatureStatusesResult, error) {
	out := &rpc.GetSignatureStatusesResult{}
	for _, s := range sigs {
		out.Value = append(out.Value, m.statuses[s])
	}
	return out, nil
}
func (m *mockRPC) Close() error { return nil }

func newAdapter(t *testing.T, m *mockRPC) *Adapter {
	t.Helper()
	seed, _ := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	s, err := keys.NewEdSeed(seed)
	require.NoError(t, err)
	a, err := New(Config{Seed: s}, WithClient(m))
	require.NoError(t, err)
	return a
}

func TestDeriveAndValidate(t *testing.T) {
	a := newAdapter(t, &mockRPC{})
	addr, err := a.DeriveAddress(0)
	require.NoError(t, err)
	assert.NoError(t, a.ValidateAddress(addr))
	other, _ := a.DeriveAddress(1)
	assert.NotEqual(t, addr, other)
	assert.ErrorIs(t, a.ValidateAddress("0xdeadbeef"), chain.ErrInvalidAddress)

	noSeed, err := New(Config{}, WithClient(&mockRPC{}))
	require.NoError(t, err)
	_, err = noSeed.DeriveAddress(0)
	assert.ErrorIs(t, err, chain.ErrNoKey)
}

func TestPrepare_SplitSignsOnce(t *testing.T) {
	m := &mockRPC{}
	a := newAdapter(t, m)
	from, _ := a.DeriveAddress(4)
	dest, _ := a.DeriveAddress(10)
	fee, _ := a.DeriveAddress(11)

	stx, err := a.Prepare(context.Background(), chain.Transfer{
		FromIndex:   4,
		FromAddress: from,
		Outputs: []chain.Output{
			{Address: dest, Amount: big.NewInt(990_000_000)},
			{Address: fee, Amount: big.NewInt(10_000_000)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(LamportsPerSignature), stx.NetworkFee.Int64())

	require.Equal(t, byte(1), stx.Raw[0], "one signature")
	var sig sol.Signature
	copy(sig[:], stx.Raw[1:65])
	assert.Equal(t, stx.Hash, sig.String())

	pub := sol.MustPublicKeyFromBase58(from)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub.Bytes()), stx.Raw[65:], stx.Raw[1:65]))

	hash, err := a.Broadcast(context.Background(), stx)
	require.NoError(t, err)
	assert.Equal(t, stx.Hash, hash)
}

func TestPrepare_TooSmall(t *testing.T) {
	a := newAdapter(t, &mockRPC{})
	from, _ := a.DeriveAddress(0)
	dest, _ := a.DeriveAddress(1)
	_, err := a.Prepare(context.Background(), chain.Transfer{
		FromAddress: from,
		Outputs:     []chain.Output{{Address: dest, Amount: big.NewInt(LamportsPerSignature)}},
	})
	assert.ErrorIs(t, err, chain.ErrAmountTooSmall)
}

func TestTxStatus(t *testing.T) {
	m := &mockRPC{statuses: map[sol.Signature]*rpc.SignatureStatusesResult{}}
	a := newAdapter(t, m)

	var pending, final sol.Signature
	pending[0], final[0] = 1, 2
	n := uint64(5)
	m.statuses[pending] = &rpc.SignatureStatusesResult{Confirmations: &n, ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
	m.statuses[final] = &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized}

	st, err := a.TxStatus(context.Background(), pending.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), st.Confirmations)

	st, err = a.TxStatus(context.Background(), final.String())
	require.NoError(t, err)
	assert.Equal(t, a.Params().Confirmations, st.Confirmations)

	var unknown sol.Signature
	unknown[0] = 9
	st, err = a.TxStatus(context.Background(), unknown.String())
	require.NoError(t, err)
	assert.False(t, st.Found)
}

func TestBroadcast_TransportError(t *testing.T) {
	m := &mockRPC{sendErr: errors.New("connection refused")}
	a := newAdapter(t, m)
	from, _ := a.DeriveAddress(0)
	dest, _ := a.DeriveAddress(1)
	stx, err := a.Prepare(context.Background(), chain.Transfer{
		FromAddress: from,
		Outputs:     []chain.Output{{Address: dest, Amount: big.NewInt(1_000_000)}},
	})
	require.NoError(t, err)
	_, err = a.Broadcast(context.Background(), stx)
	assert.True(t, chain.IsTransient(err))
}

func TestBalance(t *testing.T) {
	a := newAdapter(t, &mockRPC{balance: 42})
	addr, _ := a.DeriveAddress(0)
	bal, err := a.Balance(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, int64(42), bal.Int64())
}
