package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlegate/internal/addresses"
	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/chain/chaintest"
	"github.com/mbd888/settlegate/internal/eventlog"
	"github.com/mbd888/settlegate/internal/forwarder"
	"github.com/mbd888/settlegate/internal/pagination"
	"github.com/mbd888/settlegate/internal/retry"
	"github.com/mbd888/settlegate/internal/syncutil"
)

const (
	depositor   = "depositor-1"
	beneficiary = "beneficiary-1"
	arbiter     = "arbiter-1"
	feeWallet   = "fee-wallet"
)

type testEnv struct {
	svc   *Service
	store *MemoryStore
	fake  *chaintest.Adapter
	addrs *addresses.MemoryStore
	now   time.Time
}

func newTestEnv(t *testing.T, id chain.ID) *testEnv {
	t.Helper()
	env := &testEnv{
		store: NewMemoryStore(),
		fake:  chaintest.New(id),
		addrs: addresses.NewMemoryStore(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	reg := chain.NewRegistry()
	require.NoError(t, reg.Register(env.fake))

	fwd := forwarder.New(reg, forwarder.NewMemoryAttemptStore(), nil, map[chain.ID]string{id: feeWallet}, nil).
		WithPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond})
	locker := syncutil.NewKeyedMutex(2*time.Second, time.Minute, nil)

	env.svc = NewService(env.store, reg, addresses.NewAllocator(env.addrs, reg, nil), fwd, locker, nil)
	env.svc.now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) create(t *testing.T, amt string) *CreateResult {
	t.Helper()
	res, err := env.svc.Create(context.Background(), CreateRequest{
		Chain:              string(env.fake.Params().Chain),
		Amount:             amt,
		DepositorAddress:   depositor,
		BeneficiaryAddress: beneficiary,
		ArbiterAddress:     arbiter,
	})
	require.NoError(t, err)
	return res
}

func (env *testEnv) fund(t *testing.T, id, tx, amt string) *Escrow {
	t.Helper()
	e, err := env.svc.MarkFunded(context.Background(), id, tx, decimal.RequireFromString(amt))
	require.NoError(t, err)
	return e
}

func eventTypes(t *testing.T, env *testEnv, id string) []eventlog.Type {
	t.Helper()
	events, err := env.svc.Events(context.Background(), id)
	require.NoError(t, err)
	out := make([]eventlog.Type, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestNext_Table(t *testing.T) {
	allowed := map[Status][]Action{
		StatusPending:  {ActionFund, ActionExpire},
		StatusFunded:   {ActionRelease, ActionRefund, ActionDispute},
		StatusDisputed: {ActionRelease, ActionRefund},
		StatusReleased: {ActionSettle},
	}
	all := []Action{ActionFund, ActionExpire, ActionRelease, ActionRefund, ActionDispute, ActionSettle}
	for _, from := range []Status{StatusPending, StatusFunded, StatusReleased, StatusSettled, StatusDisputed, StatusRefunded, StatusExpired} {
		for _, a := range all {
			_, err := Next(from, a)
			ok := false
			for _, x := range allowed[from] {
				ok = ok || x == a
			}
			if ok {
				assert.NoError(t, err, "%s/%s", from, a)
			} else {
				assert.ErrorIs(t, err, ErrStateConflict, "%s/%s", from, a)
			}
		}
	}
	_, err := Next(StatusFunded, ActionExpire)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestCreate_PendingWithDefaults(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	res := env.create(t, "0.5")

	e := res.Escrow
	assert.Equal(t, StatusPending, e.Status)
	assert.True(t, strings.HasPrefix(e.ID, "esc_"))
	assert.Equal(t, "btc-addr-0", e.EscrowAddress)
	assert.Equal(t, env.now.Add(24*time.Hour), e.ExpiresAt)
	assert.True(t, strings.HasPrefix(res.ReleaseToken, "rel_"))
	assert.True(t, strings.HasPrefix(res.BeneficiaryToken, "ben_"))
	assert.NotContains(t, e.ReleaseTokenHash, res.ReleaseToken)
	assert.Equal(t, []eventlog.Type{eventlog.TypeCreated}, eventTypes(t, env, e.ID))

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), res.ReleaseToken)
	assert.NotContains(t, string(raw), e.ReleaseTokenHash)

	second := env.create(t, "0.5")
	assert.Equal(t, "btc-addr-1", second.Escrow.EscrowAddress)
}

func TestCreate_ExpiryHours(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	res, err := env.svc.Create(context.Background(), CreateRequest{
		Chain: "btc", Amount: "1", DepositorAddress: depositor, BeneficiaryAddress: beneficiary, ExpiresInHours: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, env.now.Add(2*time.Hour), res.Escrow.ExpiresAt)
}

func TestCreate_Validation(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	base := CreateRequest{Chain: "btc", Amount: "1", DepositorAddress: depositor, BeneficiaryAddress: beneficiary}

	tests := []struct {
		name  string
		mut   func(r *CreateRequest)
		field string
	}{
		{"unknown chain", func(r *CreateRequest) { r.Chain = "doge" }, "chain"},
		{"disabled chain", func(r *CreateRequest) { r.Chain = "eth" }, "chain"},
		{"zero amount", func(r *CreateRequest) { r.Amount = "0" }, "amount"},
		{"negative amount", func(r *CreateRequest) { r.Amount = "-1" }, "amount"},
		{"garbage amount", func(r *CreateRequest) { r.Amount = "abc" }, "amount"},
		{"bad depositor", func(r *CreateRequest) { r.DepositorAddress = "x" }, "depositorAddress"},
		{"bad beneficiary", func(r *CreateRequest) { r.BeneficiaryAddress = "!!" }, "beneficiaryAddress"},
		{"bad arbiter", func(r *CreateRequest) { r.ArbiterAddress = "no" }, "arbiterAddress"},
		{"negative expiry", func(r *CreateRequest) { r.ExpiresInHours = -1 }, "expiresInHours"},
		{"metadata not json", func(r *CreateRequest) { r.Metadata = json.RawMessage(`{`) }, "metadata"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mut(&req)
			_, err := env.svc.Create(context.Background(), req)
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	active, err := env.addrs.ListActive(context.Background(), chain.BTC)
	require.NoError(t, err)
	assert.Empty(t, active, "rejected requests must not allocate addresses")
}

func TestCreate_ExtraDecimalsAccepted(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	res := env.create(t, "0.011896577")
	assert.Equal(t, "0.011896577", res.Escrow.Amount.String())
}

func TestMarkFunded_Idempotent(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	id := env.create(t, "1").Escrow.ID

	first := env.fund(t, id, "tx1", "1")
	assert.Equal(t, StatusFunded, first.Status)
	require.NotNil(t, first.FundedAt)

	second := env.fund(t, id, "tx1", "1")
	assert.Equal(t, StatusFunded, second.Status)
	assert.Equal(t, *first.FundedAt, *second.FundedAt)
	assert.Equal(t, []eventlog.Type{eventlog.TypeCreated, eventlog.TypeFunded}, eventTypes(t, env, id))
}

func TestMarkFunded_DifferentTxRejected(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	id := env.create(t, "1").Escrow.ID
	env.fund(t, id, "tx1", "1")

	_, err := env.svc.MarkFunded(context.Background(), id, "tx2", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrAlreadyFunded)

	e, err := env.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "tx1", e.DepositTxHash)
}

func TestMarkFunded_InvalidInput(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	id := env.create(t, "1").Escrow.ID

	_, err := env.svc.MarkFunded(context.Background(), id, "tx1", decimal.Zero)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = env.svc.MarkFunded(context.Background(), id, "", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrValidation)
	_, err = env.svc.MarkFunded(context.Background(), "esc_missing", "tx1", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestMarkFunded_RecordsUnderpayment(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	id := env.create(t, "1").Escrow.ID
	e := env.fund(t, id, "tx1", "0.9")
	assert.Equal(t, "0.9", e.DepositedAmount.String())

	events, err := env.svc.Events(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "0.1", events[1].Details["underpaid"])
	assert.Equal(t, "1", events[1].Details["expected"])
}

func TestRelease_BTCScenario(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	env.svc.WithFeePolicy(FeeFunc(func(chain.ID, decimal.Decimal) decimal.Decimal {
		return decimal.RequireFromString("0.000118965765629796")
	}))
	res := env.create(t, "0.011896577")
	env.fund(t, res.Escrow.ID, "deposit-tx", "0.011896577")

	e, err := env.svc.Release(context.Background(), res.Escrow.ID, Caller{Token: res.ReleaseToken})
	require.NoError(t, err)

	assert.Equal(t, StatusReleased, e.Status)
	assert.Equal(t, "0.01177761", e.BeneficiaryAmount.String())
	assert.Equal(t, "0.000118965765629796", e.FeeAmount.String())
	assert.True(t, e.BeneficiaryAmount.Add(e.FeeAmount).Sub(e.DepositedAmount).Abs().LessThanOrEqual(decimal.New(1, -8)))
	assert.Equal(t, e.SettlementTxHash, e.FeeTxHash, "split forward pays fee in the same transaction")
	assert.False(t, e.FeeForwardPending)

	sent := env.fake.Sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Outputs, 2)
	assert.Equal(t, beneficiary, sent[0].Outputs[0].Address)
	assert.Equal(t, big.NewInt(1_177_761), sent[0].Outputs[0].Amount)
	assert.Equal(t, feeWallet, sent[0].Outputs[1].Address)
	assert.Equal(t, big.NewInt(11_896), sent[0].Outputs[1].Amount)

	assert.Equal(t,
		[]eventlog.Type{eventlog.TypeCreated, eventlog.TypeFunded, eventlog.TypeReleased},
		eventTypes(t, env, e.ID))
}

func TestRelease_Conservation(t *testing.T) {
	for _, dep := range []string{"1", "0.00012345", "0.3333333", "21000000", "0.00000101"} {
		t.Run(dep, func(t *testing.T) {
			env := newTestEnv(t, chain.BTC)
			res := env.create(t, dep)
			env.fund(t, res.Escrow.ID, "tx", dep)

			e, err := env.svc.Release(context.Background(), res.Escrow.ID, Caller{Token: res.ReleaseToken})
			require.NoError(t, err)
			deposited := decimal.RequireFromString(dep)
			assert.True(t, e.BeneficiaryAmount.Add(e.FeeAmount).LessThanOrEqual(deposited))
			assert.True(t, deposited.Sub(e.BeneficiaryAmount.Add(e.FeeAmount)).LessThan(decimal.New(1, -8)))
			assert.True(t, e.FeeAmount.IsPositive())
		})
	}
}

func TestRelease_Authorization(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	res := env.create(t, "1")
	id := res.Escrow.ID
	env.fund(t, id, "tx", "1")

	for _, c := range []Caller{{}, {Token: "rel_wrong"}, {Token: res.BeneficiaryToken}, {AuthAddr: "someone-else"}} {
		_, err := env.svc.Release(context.Background(), id, c)
		assert.ErrorIs(t, err, ErrUnauthorized)
	}
	assert.Empty(t, env.fake.Sent())

	e, err := env.svc.Release(context.Background(), id, Caller{AuthAddr: strings.ToUpper(arbiter)})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, e.Status)

	events, err := env.svc.Events(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, eventlog.ActorArbiter, events[len(events)-1].Actor)
}

func TestRelease_FeeClampedWhenExceedingDeposit(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	env.svc.WithFeePolicy(FeeFunc(func(_ chain.ID, d decimal.Decimal) decimal.Decimal { return d.Mul(decimal.NewFromInt(2)) }))
	res := env.create(t, "1")
	env.fund(t, res.Escrow.ID, "tx", "1")

	e, err := env.svc.Release(context.Background(), res.Escrow.ID, Caller{Token: res.ReleaseToken})
	require.NoError(t, err)
	assert.True(t, e.FeeAmount.IsZero())
	assert.Equal(t, "1", e.BeneficiaryAmount.String())
	require.Len(t, env.fake.Sent(), 1)
	assert.Len(t, env.fake.Sent()[0].Outputs, 1)
}

func TestRelease_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	env.svc.WithFeePolicy(FeeFunc(func(_ chain.ID, d decimal.Decimal) decimal.Decimal { return d }))
	res := env.create(t, "1")
	env.fund(t, res.Escrow.ID, "tx", "1")

	_, err := env.svc.Release(context.Background(), res.Escrow.ID, Caller{Token: res.ReleaseToken})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Empty(t, env.fake.Sent())

	e, err := env.svc.Get(context.Background(), res.Escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, e.Status)
}

func TestRefund_FullDepositNoFee(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	res := env.create(t, "1")
	env.fund(t, res.Escrow.ID, "tx", "1.5")

	_, err := env.svc.Refund(context.Background(), res.Escrow.ID, Caller{Token: res.ReleaseToken})
	assert.ErrorIs(t, err, ErrUnauthorized)

	e, err := env.svc.Refund(context.Background(), res.Escrow.ID, Caller{Token: res.BeneficiaryToken})
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, e.Status)
	assert.True(t, e.FeeAmount.IsZero())
	assert.Equal(t, "1.5", e.BeneficiaryAmount.String())
	require.NotNil(t, e.RefundedAt)

	sent := env.fake.Sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Outputs, 1)
	assert.Equal(t, depositor, sent[0].Outputs[0].Address)
	assert.Equal(t, big.NewInt(150_000_000), sent[0].Outputs[0].Amount)

	_, err = env.svc.Release(context.Background(), res.Escrow.ID, Caller{Token: res.ReleaseToken})
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestRefund_BeforeFunding(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	res := env.create(t, "1")

	_, err := env.svc.Refund(context.Background(), res.Escrow.ID, Caller{Token: res.BeneficiaryToken})
	assert.ErrorIs(t, err, ErrStateConflict)
	_, err = env.svc.Release(context.Background(), res.Escrow.ID, Caller{Token: res.ReleaseToken})
	assert.ErrorIs(t, err, ErrStateConflict)
	assert.Empty(t, env.fake.Sent())
}

func TestRelease_ConcurrentSingleBroadcast(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	res := env.create(t, "1")
	env.fund(t, res.Escrow.ID, "tx", "1")

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Release(context.Background(), res.Escrow.ID, Caller{Token: res.ReleaseToken})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrStateConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, n-1, conflicts)
	assert.Len(t, env.fake.Sent(), 1)
}

func TestExpireStale_OnlyPending(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	stale := env.create(t, "1").Escrow
	funded := env.create(t, "1").Escrow
	env.fund(t, funded.ID, "tx", "1")
	env.now = env.now.Add(2 * time.Hour)
	fresh := env.create(t, "1").Escrow

	n, err := env.svc.ExpireStale(context.Background(), env.now.Add(23*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.svc.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	require.NotNil(t, got.ExpiredAt)

	got, err = env.svc.Get(context.Background(), funded.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, got.Status)

	got, err = env.svc.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	addr, err := env.addrs.Get(context.Background(), stale.EscrowAddressID)
	require.NoError(t, err)
	assert.NotNil(t, addr.RetiredAt)

	_, err = env.svc.MarkFunded(context.Background(), stale.ID, "late", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrStateConflict)

	n, err = env.svc.ExpireStale(context.Background(), env.now.Add(23*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpireStale_Batches(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	for i := 0; i < sweepBatchSize+5; i++ {
		env.create(t, "1")
	}
	n, err := env.svc.ExpireStale(context.Background(), env.now.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, sweepBatchSize+5, n)
}

func TestDispute_ArbiterResolves(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	res := env.create(t, "1")
	id := res.Escrow.ID
	env.fund(t, id, "tx", "1")

	_, err := env.svc.Dispute(context.Background(), id, Caller{Token: res.BeneficiaryToken}, "  ")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = env.svc.Dispute(context.Background(), id, Caller{Token: res.BeneficiaryToken}, strings.Repeat("x", MaxReasonLength+1))
	assert.ErrorIs(t, err, ErrValidation)

	e, err := env.svc.Dispute(context.Background(), id, Caller{Token: res.BeneficiaryToken}, "goods not delivered")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, e.Status)
	assert.Equal(t, "goods not delivered", e.DisputeReason)
	require.NotNil(t, e.DisputedAt)

	_, err = env.svc.Release(context.Background(), id, Caller{Token: res.ReleaseToken})
	assert.ErrorIs(t, err, ErrUnauthorized, "tokens cannot move a disputed escrow")
	_, err = env.svc.Resolve(context.Background(), id, Caller{Token: res.ReleaseToken}, ResolveRelease, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = env.svc.Resolve(context.Background(), id, Caller{AuthAddr: arbiter}, Resolution("split"), "")
	assert.ErrorIs(t, err, ErrValidation)

	e, err = env.svc.Resolve(context.Background(), id, Caller{AuthAddr: arbiter}, ResolveRefund, "seller unresponsive")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, e.Status)
	assert.Equal(t, "refund: seller unresponsive", e.DisputeResolution)

	assert.Equal(t, []eventlog.Type{
		eventlog.TypeCreated, eventlog.TypeFunded, eventlog.TypeDisputed,
		eventlog.TypeDisputeResolved, eventlog.TypeRefunded,
	}, eventTypes(t, env, id))
}

func TestDispute_OnlyFromFunded(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	res := env.create(t, "1")
	_, err := env.svc.Dispute(context.Background(), res.Escrow.ID, Caller{Token: res.ReleaseToken}, "early")
	assert.ErrorIs(t, err, ErrStateConflict)
	_, err = env.svc.Resolve(context.Background(), res.Escrow.ID, Caller{AuthAddr: arbiter}, ResolveRelease, "")
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestResolve_FailedForwardLeavesDisputeOpen(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	res := env.create(t, "1")
	id := res.Escrow.ID
	env.fund(t, id, "tx", "1")
	_, err := env.svc.Dispute(context.Background(), id, Caller{Token: res.BeneficiaryToken}, "goods not delivered")
	require.NoError(t, err)

	env.fake.BroadcastErr = func(*chain.SignedTx) error {
		return chain.Unavailable(chain.BTC, "broadcast", errors.New("connection refused"))
	}
	_, err = env.svc.Resolve(context.Background(), id, Caller{AuthAddr: arbiter}, ResolveRelease, "buyer confirmed")
	require.Error(t, err)

	e, err := env.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, e.Status)
	assert.Empty(t, e.DisputeResolution)
	assert.NotContains(t, eventTypes(t, env, id), eventlog.TypeDisputeResolved)

	env.fake.BroadcastErr = nil
	e, err = env.svc.Resolve(context.Background(), id, Caller{AuthAddr: arbiter}, ResolveRefund, "changed mind")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, e.Status)
	assert.Equal(t, "refund: changed mind", e.DisputeResolution)
	assert.Equal(t, []eventlog.Type{
		eventlog.TypeCreated, eventlog.TypeFunded, eventlog.TypeDisputed,
		eventlog.TypeSettlementFailed, eventlog.TypeDisputeResolved, eventlog.TypeRefunded,
	}, eventTypes(t, env, id))
}

func TestMarkSettled_RequiresDepth(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	res := env.create(t, "1")
	id := res.Escrow.ID
	env.fund(t, id, "tx", "1")

	_, err := env.svc.MarkSettled(context.Background(), id, 5)
	assert.ErrorIs(t, err, ErrStateConflict)

	_, err = env.svc.Release(context.Background(), id, Caller{Token: res.ReleaseToken})
	require.NoError(t, err)

	_, err = env.svc.MarkSettled(context.Background(), id, 1)
	assert.ErrorIs(t, err, ErrInsufficientConfirmations)

	e, err := env.svc.MarkSettled(context.Background(), id, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, e.Status)
	require.NotNil(t, e.SettledAt)
}

func TestRelease_FailureFlagsAndRetrySettlement(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	res := env.create(t, "1")
	id := res.Escrow.ID
	env.fund(t, id, "tx", "1")

	env.fake.BroadcastErr = func(*chain.SignedTx) error {
		return chain.Unavailable(chain.BTC, "broadcast", errors.New("connection refused"))
	}
	_, err := env.svc.Release(context.Background(), id, Caller{Token: res.ReleaseToken})
	require.Error(t, err)
	assert.True(t, chain.IsTransient(err))

	e, err := env.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, e.Status)
	assert.True(t, e.SettlementFailed)
	assert.Equal(t, string(forwarder.ModeRelease), e.SettlementMode)
	assert.NotEmpty(t, e.LastError)
	assert.Equal(t, []eventlog.Type{
		eventlog.TypeCreated, eventlog.TypeFunded, eventlog.TypeSettlementFailed,
	}, eventTypes(t, env, id))

	env.fake.BroadcastErr = nil
	e, err = env.svc.RetrySettlement(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, e.Status)
	assert.False(t, e.SettlementFailed)
	assert.Equal(t, 1, e.ForwardGeneration)
	assert.Len(t, env.fake.Sent(), 1)

	_, err = env.svc.RetrySettlement(context.Background(), id)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestRetryFeeForward_SequentialChain(t *testing.T) {
	env := newTestEnv(t, chain.ETH)
	failFee := true
	env.fake.PrepareErr = func(tr chain.Transfer) error {
		if failFee && tr.Outputs[0].Address == feeWallet {
			return errors.New("fee wallet leg refused")
		}
		return nil
	}
	res := env.create(t, "2")
	id := res.Escrow.ID
	env.fund(t, id, "tx", "2")

	e, err := env.svc.Release(context.Background(), id, Caller{Token: res.ReleaseToken})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, e.Status)
	assert.True(t, e.FeeForwardPending)
	assert.Empty(t, e.FeeTxHash)

	pending, err := env.svc.FeePending(context.Background(), chain.ETH, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = env.svc.RetryFeeForward(context.Background(), id, eventlog.ActorSystem)
	require.Error(t, err)
	e, err = env.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, e.FeeForwardPending)

	failFee = false
	e, err = env.svc.RetryFeeForward(context.Background(), id, eventlog.ActorOperator)
	require.NoError(t, err)
	assert.False(t, e.FeeForwardPending)
	assert.NotEmpty(t, e.FeeTxHash)

	sent := env.fake.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, feeWallet, sent[1].Outputs[0].Address)
	assert.Equal(t, "20000000000000000", sent[1].Outputs[0].Amount.String())

	types := eventTypes(t, env, id)
	assert.Equal(t, eventlog.TypeFeeForwarded, types[len(types)-1])

	_, err = env.svc.RetryFeeForward(context.Background(), id, eventlog.ActorOperator)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestMarkSettlementFailed_ReforwardsRelease(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	res := env.create(t, "1")
	id := res.Escrow.ID
	env.fund(t, id, "tx", "1")

	_, err := env.svc.MarkSettlementFailed(context.Background(), id, "tx", "")
	assert.ErrorIs(t, err, ErrStateConflict)

	released, err := env.svc.Release(context.Background(), id, Caller{Token: res.ReleaseToken})
	require.NoError(t, err)
	first := released.SettlementTxHash

	e, err := env.svc.MarkSettlementFailed(context.Background(), id, "some-other-tx", "reverted")
	require.NoError(t, err)
	assert.False(t, e.SettlementFailed, "a superseded hash is ignored")

	env.fake.SetFailed(first)
	e, err = env.svc.MarkSettlementFailed(context.Background(), id, first, "")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, e.Status)
	assert.True(t, e.SettlementFailed)
	assert.Equal(t, "transaction failed on chain", e.LastError)

	awaiting, err := env.svc.AwaitingSettlement(context.Background(), chain.BTC, 10)
	require.NoError(t, err)
	assert.Empty(t, awaiting)

	// A second report for the same hash writes nothing.
	_, err = env.svc.MarkSettlementFailed(context.Background(), id, first, "")
	require.NoError(t, err)

	e, err = env.svc.RetrySettlement(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, e.Status)
	assert.False(t, e.SettlementFailed)
	assert.Equal(t, 1, e.ForwardGeneration)
	assert.NotEqual(t, first, e.SettlementTxHash)
	assert.Equal(t, released.ReleasedAt, e.ReleasedAt)
	assert.Len(t, env.fake.Sent(), 2)

	awaiting, err = env.svc.AwaitingSettlement(context.Background(), chain.BTC, 10)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, id, awaiting[0].ID)

	assert.Equal(t, []eventlog.Type{
		eventlog.TypeCreated, eventlog.TypeFunded, eventlog.TypeReleased,
		eventlog.TypeSettlementFailed, eventlog.TypeReleased,
	}, eventTypes(t, env, id))
}

func TestMarkSettlementFailed_LandedFeeLegNotResent(t *testing.T) {
	env := newTestEnv(t, chain.ETH)
	res := env.create(t, "2")
	id := res.Escrow.ID
	env.fund(t, id, "tx", "2")

	released, err := env.svc.Release(context.Background(), id, Caller{Token: res.ReleaseToken})
	require.NoError(t, err)
	require.NotEmpty(t, released.FeeTxHash)
	require.NotEqual(t, released.SettlementTxHash, released.FeeTxHash)
	require.Len(t, env.fake.Sent(), 2)

	env.fake.SetFailed(released.SettlementTxHash)
	_, err = env.svc.MarkSettlementFailed(context.Background(), id, released.SettlementTxHash, "out of gas")
	require.NoError(t, err)

	e, err := env.svc.RetrySettlement(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, released.FeeTxHash, e.FeeTxHash)
	assert.False(t, e.FeeForwardPending)

	sent := env.fake.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, beneficiary, sent[2].Outputs[0].Address)
}

func TestUpdateMetadata(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	res := env.create(t, "1")
	id := res.Escrow.ID

	_, err := env.svc.UpdateMetadata(context.Background(), id, Caller{Token: "ben_nope"}, json.RawMessage(`{"a":1}`))
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = env.svc.UpdateMetadata(context.Background(), id, Caller{Token: res.BeneficiaryToken}, json.RawMessage(`nope`))
	assert.ErrorIs(t, err, ErrValidation)

	e, err := env.svc.UpdateMetadata(context.Background(), id, Caller{Token: res.BeneficiaryToken}, json.RawMessage(`{"order":"A-17"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"order":"A-17"}`, string(e.Metadata))
	assert.Equal(t, StatusPending, e.Status)

	_, err = env.svc.ExpireStale(context.Background(), env.now.Add(48*time.Hour))
	require.NoError(t, err)
	_, err = env.svc.UpdateMetadata(context.Background(), id, Caller{Token: res.BeneficiaryToken}, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestList_ScopedAndPaginated(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, env.create(t, "1").Escrow.ID)
		env.now = env.now.Add(time.Minute)
	}

	_, err := env.svc.List(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = env.svc.List(context.Background(), Filter{Status: "bogus"})
	assert.ErrorIs(t, err, ErrValidation)

	page, err := env.svc.List(context.Background(), Filter{Depositor: depositor, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Escrows, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, ids[4], page.Escrows[0].ID)

	var seen []string
	for _, e := range page.Escrows {
		seen = append(seen, e.ID)
	}
	for page.HasMore {
		cursor, err := pagination.Decode(page.NextCursor)
		require.NoError(t, err)
		page, err = env.svc.List(context.Background(), Filter{Depositor: depositor, Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, e := range page.Escrows {
			seen = append(seen, e.ID)
		}
	}
	assert.Equal(t, []string{ids[4], ids[3], ids[2], ids[1], ids[0]}, seen)

	page, err = env.svc.List(context.Background(), Filter{Beneficiary: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, page.Escrows)
	assert.Empty(t, page.Escrows)
}

func TestEvents_UnknownEscrow(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	_, err := env.svc.Events(context.Background(), "esc_missing")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestEventFeed_ResumesAfterID(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, env.create(t, "1").Escrow.ID)
	}

	first, err := env.svc.EventFeed(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ids[0], first[0].EscrowID)

	rest, err := env.svc.EventFeed(ctx, first[1].ID, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[2], rest[0].EscrowID)

	empty, err := env.svc.EventFeed(ctx, rest[0].ID, 10)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = env.svc.EventFeed(ctx, -1, 10)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLockTimeoutSurfaces(t *testing.T) {
	env := newTestEnv(t, chain.BTC)
	env.svc.locker = syncutil.NewKeyedMutex(20*time.Millisecond, time.Minute, nil)
	res := env.create(t, "1")

	unlock, err := env.svc.locker.Acquire(context.Background(), lockKeyPrefix+res.Escrow.ID)
	require.NoError(t, err)
	defer unlock()

	_, err = env.svc.MarkFunded(context.Background(), res.Escrow.ID, "tx", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, syncutil.ErrLockTimeout)
}
