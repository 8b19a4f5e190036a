package forwarder

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/chain/chaintest"
	"github.com/mbd888/settlegate/internal/idgen"
	"github.com/mbd888/settlegate/internal/rates"
	"github.com/mbd888/settlegate/internal/retry"
)

const feeWallet = "fee-wallet"

type harness struct {
	fake      *chaintest.Adapter
	fwd       *Forwarder
	attempts  *MemoryAttemptStore
	mu        sync.Mutex
	transfers []chain.Transfer
}

func newHarness(t *testing.T, id chain.ID, wallets map[chain.ID]string, oracle rates.Oracle) *harness {
	t.Helper()
	h := &harness{fake: chaintest.New(id), attempts: NewMemoryAttemptStore()}
	h.fake.PrepareErr = func(tr chain.Transfer) error {
		h.mu.Lock()
		h.transfers = append(h.transfers, tr)
		h.mu.Unlock()
		return nil
	}
	reg := chain.NewRegistry()
	require.NoError(t, reg.Register(h.fake))
	h.fwd = New(reg, h.attempts, oracle, wallets, nil).
		WithPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})
	return h
}

func (h *harness) prepared() []chain.Transfer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]chain.Transfer(nil), h.transfers...)
}

func request(id chain.ID, mode Mode) Request {
	return Request{
		OwnerID:         "esc_1",
		Chain:           id,
		Mode:            mode,
		FromIndex:       3,
		FromAddress:     fmt.Sprintf("%s-addr-3", id),
		FundingTxHashes: []string{"deposit-tx"},
		Recipient:       "beneficiary",
		Amount:          big.NewInt(9_900),
		Fee:             big.NewInt(100),
	}
}

func TestShouldSplit_TruthTable(t *testing.T) {
	for _, mode := range []Mode{ModeRelease, ModeRefund} {
		for _, fee := range []*big.Int{big.NewInt(0), big.NewInt(5)} {
			for _, split := range []bool{false, true} {
				for _, wallet := range []string{"", feeWallet} {
					want := mode == ModeRelease && fee.Sign() > 0 && split && wallet != ""
					name := fmt.Sprintf("%s/fee=%s/split=%v/wallet=%q", mode, fee, split, wallet)
					assert.Equal(t, want, ShouldSplit(mode, fee, split, wallet), name)
				}
			}
		}
	}
	assert.False(t, ShouldSplit(ModeForward, nil, true, feeWallet))
	assert.True(t, ShouldSplit(ModeForward, big.NewInt(1), true, feeWallet))
}

func TestForward_SplitOneTransaction(t *testing.T) {
	h := newHarness(t, chain.BTC, map[chain.ID]string{chain.BTC: feeWallet}, nil)

	res, err := h.fwd.Forward(context.Background(), request(chain.BTC, ModeRelease))
	require.NoError(t, err)
	assert.True(t, res.Split)
	assert.Equal(t, res.TxHash, res.FeeTxHash)
	assert.False(t, res.FeeForwardPending)

	sent := h.fake.Sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Outputs, 2)
	assert.Equal(t, "beneficiary", sent[0].Outputs[0].Address)
	assert.Equal(t, int64(9_900), sent[0].Outputs[0].Amount.Int64())
	assert.Equal(t, feeWallet, sent[0].Outputs[1].Address)
	assert.Equal(t, int64(100), sent[0].Outputs[1].Amount.Int64())
	assert.Equal(t, idgen.Key("esc_1", "release", "0", "split"), sent[0].Key)
}

func TestForward_SequentialLegs(t *testing.T) {
	h := newHarness(t, chain.ETH, map[chain.ID]string{chain.ETH: feeWallet}, nil)

	res, err := h.fwd.Forward(context.Background(), request(chain.ETH, ModeRelease))
	require.NoError(t, err)
	assert.False(t, res.Split)
	assert.NotEmpty(t, res.FeeTxHash)
	assert.NotEqual(t, res.TxHash, res.FeeTxHash)

	sent := h.fake.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "beneficiary", sent[0].Outputs[0].Address)
	assert.Equal(t, feeWallet, sent[1].Outputs[0].Address)

	tr := h.prepared()
	require.Len(t, tr, 2)
	assert.Equal(t, []string{res.TxHash}, tr[1].FundingTxHashes, "fee leg spends the primary leg's change")
}

func TestForward_RefundNeverPaysFee(t *testing.T) {
	h := newHarness(t, chain.BTC, map[chain.ID]string{chain.BTC: feeWallet}, nil)

	res, err := h.fwd.Forward(context.Background(), request(chain.BTC, ModeRefund))
	require.NoError(t, err)
	assert.False(t, res.Split)
	assert.Empty(t, res.FeeTxHash)
	assert.False(t, res.FeeForwardPending)

	sent := h.fake.Sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Outputs, 1)
	assert.Equal(t, "beneficiary", sent[0].Outputs[0].Address)
}

func TestForward_NoFeeWalletDefersFee(t *testing.T) {
	h := newHarness(t, chain.SOL, nil, nil)

	res, err := h.fwd.Forward(context.Background(), request(chain.SOL, ModeRelease))
	require.NoError(t, err)
	assert.True(t, res.FeeForwardPending)
	assert.Len(t, h.fake.Sent(), 1)
}

func TestForward_FeeLegFailureIsPending(t *testing.T) {
	h := newHarness(t, chain.POL, map[chain.ID]string{chain.POL: feeWallet}, nil)
	h.fake.PrepareErr = func(tr chain.Transfer) error {
		if tr.Outputs[0].Address == feeWallet {
			return chain.ErrAmountTooSmall
		}
		return nil
	}

	res, err := h.fwd.Forward(context.Background(), request(chain.POL, ModeRelease))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TxHash)
	assert.True(t, res.FeeForwardPending)
	assert.Empty(t, res.FeeTxHash)
	assert.Len(t, h.fake.Sent(), 1)
}

func TestForward_RetryReusesKnownTransaction(t *testing.T) {
	h := newHarness(t, chain.BTC, map[chain.ID]string{chain.BTC: feeWallet}, nil)
	ctx := context.Background()

	first, err := h.fwd.Forward(ctx, request(chain.BTC, ModeRelease))
	require.NoError(t, err)
	second, err := h.fwd.Forward(ctx, request(chain.BTC, ModeRelease))
	require.NoError(t, err)

	assert.Equal(t, first.TxHash, second.TxHash)
	assert.Len(t, h.fake.Sent(), 1)
	assert.Equal(t, 1, h.fake.PrepareCalls(), "no second signature")
}

func TestForward_RetryRebroadcastsStoredBytes(t *testing.T) {
	h := newHarness(t, chain.ETH, nil, nil)
	ctx := context.Background()

	down := true
	h.fake.BroadcastErr = func(*chain.SignedTx) error {
		if down {
			return chain.Unavailable(chain.ETH, "broadcast", errors.New("connection reset"))
		}
		return nil
	}

	req := request(chain.ETH, ModeRefund)
	_, err := h.fwd.Forward(ctx, req)
	require.Error(t, err)
	assert.True(t, chain.IsTransient(err))
	assert.Equal(t, 2, h.fake.BroadcastCalls(), "bounded by the policy")

	atts, err := h.fwd.Attempts(ctx, "esc_1")
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, AttemptPrepared, atts[0].Status)

	down = false
	res, err := h.fwd.Forward(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, atts[0].TxHash, res.TxHash)
	assert.Equal(t, 1, h.fake.PrepareCalls())

	got, err := h.attempts.Get(ctx, atts[0].Key)
	require.NoError(t, err)
	assert.Equal(t, AttemptBroadcast, got.Status)
}

func TestForward_RejectionBumpsGenerationAndFee(t *testing.T) {
	oracle := rates.New(rates.Static{}, map[chain.ID]*big.Int{chain.ETH: big.NewInt(100)})
	h := newHarness(t, chain.ETH, nil, oracle)

	calls := 0
	h.fake.BroadcastErr = func(tx *chain.SignedTx) error {
		calls++
		if calls == 1 {
			return chain.Rejected(chain.ETH, "broadcast", tx.Hash, errors.New("underpriced"))
		}
		return nil
	}

	res, err := h.fwd.Forward(context.Background(), request(chain.ETH, ModeRefund))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Generation)

	tr := h.prepared()
	require.Len(t, tr, 2)
	assert.Equal(t, int64(100), tr[0].FeeRate.Int64())
	assert.Equal(t, int64(150), tr[1].FeeRate.Int64())

	sent := h.fake.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, idgen.Key("esc_1", "refund", "1", "main"), sent[0].Key)
}

func TestForward_RepeatedRejectionFails(t *testing.T) {
	h := newHarness(t, chain.BTC, nil, nil)
	h.fake.BroadcastErr = func(tx *chain.SignedTx) error {
		return chain.Rejected(chain.BTC, "broadcast", tx.Hash, errors.New("mempool conflict"))
	}

	_, err := h.fwd.Forward(context.Background(), request(chain.BTC, ModeRefund))
	assert.ErrorIs(t, err, ErrBroadcastFailure)
	assert.Equal(t, 2, h.fake.PrepareCalls())
	assert.Empty(t, h.fake.Sent())
}

func TestForward_Validation(t *testing.T) {
	h := newHarness(t, chain.BTC, nil, nil)

	req := request(chain.BTC, ModeRelease)
	req.Amount = big.NewInt(0)
	_, err := h.fwd.Forward(context.Background(), req)
	assert.ErrorIs(t, err, ErrNothingToSend)

	req = request(chain.SOL, ModeRelease)
	_, err = h.fwd.Forward(context.Background(), req)
	assert.ErrorIs(t, err, chain.ErrUnsupportedChain)
}

func TestForwardFee_Deferred(t *testing.T) {
	h := newHarness(t, chain.ETH, map[chain.ID]string{chain.ETH: feeWallet}, nil)
	ctx := context.Background()
	req := FeeRequest{
		OwnerID: "esc_9", Chain: chain.ETH, Mode: ModeRelease, Generation: 1,
		FromAddress: "eth-addr-0", Fee: big.NewInt(42),
	}

	hash, err := h.fwd.ForwardFee(ctx, req)
	require.NoError(t, err)

	req.Generation = 2
	again, err := h.fwd.ForwardFee(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, hash, again, "a fee leg already on chain is not paid twice")
	assert.Len(t, h.fake.Sent(), 1)

	noWallet := newHarness(t, chain.ETH, nil, nil)
	_, err = noWallet.fwd.ForwardFee(ctx, req)
	assert.ErrorIs(t, err, ErrNoFeeWallet)
}

func TestBumpFeeRate(t *testing.T) {
	assert.Nil(t, BumpFeeRate(nil))
	assert.Equal(t, int64(3), BumpFeeRate(big.NewInt(2)).Int64())
	assert.Equal(t, int64(2), BumpFeeRate(big.NewInt(1)).Int64())
	assert.Equal(t, int64(150), BumpFeeRate(big.NewInt(100)).Int64())
}
