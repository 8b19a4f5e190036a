// Package forwarder moves settled funds out of deposit addresses.
//
// A forward pays the recipient and, for release and merchant forwards, the
// platform fee. Chains that can pay several outputs in one transaction get a
// single split transaction; the rest get a primary leg followed by a fee leg.
//
// Every leg is signed once. The signed bytes are stored under a
// deterministic idempotency key before the first broadcast, and a retry
// under the same key looks the hash up on chain or rebroadcasts the stored
// bytes. A new signature is only produced under a new generation, and only
// after the stored attempts for that owner are confirmed absent from the
// chain.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/idgen"
	"github.com/mbd888/settlegate/internal/metrics"
	"github.com/mbd888/settlegate/internal/rates"
	"github.com/mbd888/settlegate/internal/retry"
	"github.com/mbd888/settlegate/internal/traces"
)

var (
	ErrBroadcastFailure = errors.New("forwarder: broadcast failed")
	ErrNothingToSend    = errors.New("forwarder: nothing to send")
	ErrNoFeeWallet      = errors.New("forwarder: no fee wallet configured")
)

// Mode is the reason funds are moving.
type Mode string

const (
	ModeRelease Mode = "release"
	ModeRefund  Mode = "refund"
	ModeForward Mode = "forward"
)

// Leg names one transaction within a forward.
type Leg string

const (
	LegSplit Leg = "split"
	LegMain  Leg = "main"
	LegFee   Leg = "fee"
)

// Request describes one forward out of a deposit address.
type Request struct {
	OwnerID         string
	Chain           chain.ID
	Mode            Mode
	Generation      int
	FromIndex       uint32
	FromAddress     string
	FundingTxHashes []string
	Recipient       string
	Amount          *big.Int // paid to Recipient, smallest units
	Fee             *big.Int // platform fee, ignored for refunds
}

// Result reports what was broadcast.
type Result struct {
	TxHash            string
	FeeTxHash         string // equals TxHash for a split
	Split             bool
	FeeForwardPending bool
	Generation        int // generation of the primary leg that went out
}

// FeeRequest sends a deferred fee leg on its own.
type FeeRequest struct {
	OwnerID     string
	Chain       chain.ID
	Mode        Mode
	Generation  int
	FromIndex   uint32
	FromAddress string
	// FundingTxHashes carry the primary leg's hash on UTXO chains, whose
	// change output funds the fee.
	FundingTxHashes []string
	Fee             *big.Int
}

// ShouldSplit reports whether a forward pays recipient and fee in one
// transaction.
func ShouldSplit(mode Mode, fee *big.Int, supportsSplit bool, feeWallet string) bool {
	return mode != ModeRefund && fee != nil && fee.Sign() > 0 && supportsSplit && feeWallet != ""
}

// Forwarder builds, signs, persists and broadcasts forward legs.
type Forwarder struct {
	chains     *chain.Registry
	attempts   AttemptStore
	fees       rates.Oracle
	feeWallets map[chain.ID]string
	policy     retry.Policy
	logger     *slog.Logger
}

// New creates a forwarder. fees may be nil, leaving fee rates to the adapters.
func New(chains *chain.Registry, attempts AttemptStore, fees rates.Oracle, feeWallets map[chain.ID]string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if feeWallets == nil {
		feeWallets = make(map[chain.ID]string)
	}
	f := &Forwarder{
		chains:     chains,
		attempts:   attempts,
		fees:       fees,
		feeWallets: feeWallets,
		logger:     logger,
	}
	return f.WithPolicy(retry.DefaultPolicy())
}

// WithPolicy replaces the retry policy for chain calls. A policy without a
// Retryable filter retries transient chain errors only.
func (f *Forwarder) WithPolicy(p retry.Policy) *Forwarder {
	if p.Retryable == nil {
		p.Retryable = chain.IsTransient
	}
	f.policy = p
	return f
}

// FeeWallet returns the configured fee destination for c.
func (f *Forwarder) FeeWallet(c chain.ID) string {
	return f.feeWallets[c]
}

// Forward executes req. A failing fee leg after a successful primary leg is
// reported through Result.FeeForwardPending, not as an error.
func (f *Forwarder) Forward(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "forwarder.Forward",
		traces.Chain(string(req.Chain)), traces.Mode(string(req.Mode)))
	defer func() { traces.End(span, err) }()

	adapter, err := f.chains.Get(req.Chain)
	if err != nil {
		return nil, err
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, ErrNothingToSend
	}
	fee := new(big.Int)
	if req.Fee != nil && req.Mode != ModeRefund {
		fee.Set(req.Fee)
	}
	feeWallet := f.feeWallets[req.Chain]
	params := adapter.Params()

	base := chain.Transfer{
		FromIndex:       req.FromIndex,
		FromAddress:     req.FromAddress,
		FundingTxHashes: req.FundingTxHashes,
	}

	if ShouldSplit(req.Mode, fee, params.SupportsSplit, feeWallet) {
		if hash, ok := f.findOnChain(ctx, adapter, req.OwnerID, req.Mode, LegSplit); ok {
			return &Result{TxHash: hash, FeeTxHash: hash, Split: true, Generation: req.Generation}, nil
		}
		t := base
		t.Outputs = []chain.Output{
			{Address: req.Recipient, Amount: new(big.Int).Set(req.Amount)},
			{Address: feeWallet, Amount: fee},
		}
		hash, gen, err := f.sendLeg(ctx, adapter, req.OwnerID, req.Mode, req.Generation, LegSplit, t)
		if err != nil {
			return nil, err
		}
		f.logger.Info("split forward broadcast",
			"ownerId", req.OwnerID, "chain", req.Chain, "mode", req.Mode, "txHash", hash)
		return &Result{TxHash: hash, FeeTxHash: hash, Split: true, Generation: gen}, nil
	}

	res = &Result{Generation: req.Generation}
	if hash, ok := f.findOnChain(ctx, adapter, req.OwnerID, req.Mode, LegMain); ok {
		res.TxHash = hash
	} else {
		t := base
		t.Outputs = []chain.Output{{Address: req.Recipient, Amount: new(big.Int).Set(req.Amount)}}
		hash, gen, err := f.sendLeg(ctx, adapter, req.OwnerID, req.Mode, req.Generation, LegMain, t)
		if err != nil {
			return nil, err
		}
		res.TxHash, res.Generation = hash, gen
	}
	f.logger.Info("forward broadcast",
		"ownerId", req.OwnerID, "chain", req.Chain, "mode", req.Mode, "txHash", res.TxHash)

	if req.Mode == ModeRefund || fee.Sign() == 0 {
		return res, nil
	}
	if feeWallet == "" {
		f.logger.Warn("no fee wallet configured, fee leg deferred", "ownerId", req.OwnerID, "chain", req.Chain)
		metrics.FeeForwardPendingTotal.WithLabelValues(string(req.Chain)).Inc()
		res.FeeForwardPending = true
		return res, nil
	}

	feeHash, err := f.ForwardFee(ctx, FeeRequest{
		OwnerID:         req.OwnerID,
		Chain:           req.Chain,
		Mode:            req.Mode,
		Generation:      res.Generation,
		FromIndex:       req.FromIndex,
		FromAddress:     req.FromAddress,
		FundingTxHashes: []string{res.TxHash},
		Fee:             fee,
	})
	if err != nil {
		f.logger.Warn("fee leg failed, deferred",
			"ownerId", req.OwnerID, "chain", req.Chain, "txHash", res.TxHash, "error", err)
		metrics.FeeForwardPendingTotal.WithLabelValues(string(req.Chain)).Inc()
		res.FeeForwardPending = true
		return res, nil
	}
	res.FeeTxHash = feeHash
	return res, nil
}

// ForwardFee sends a fee leg and returns its hash. A fee leg of the same
// owner and mode already known to the chain is returned instead.
func (f *Forwarder) ForwardFee(ctx context.Context, req FeeRequest) (hash string, err error) {
	ctx, span := traces.StartSpan(ctx, "forwarder.ForwardFee",
		traces.Chain(string(req.Chain)), traces.Mode(string(req.Mode)), traces.Leg(string(LegFee)))
	defer func() { traces.End(span, err) }()

	adapter, err := f.chains.Get(req.Chain)
	if err != nil {
		return "", err
	}
	feeWallet := f.feeWallets[req.Chain]
	if feeWallet == "" {
		return "", ErrNoFeeWallet
	}
	if req.Fee == nil || req.Fee.Sign() <= 0 {
		return "", ErrNothingToSend
	}
	if hash, ok := f.findOnChain(ctx, adapter, req.OwnerID, req.Mode, LegFee); ok {
		return hash, nil
	}

	t := chain.Transfer{
		FromIndex:       req.FromIndex,
		FromAddress:     req.FromAddress,
		FundingTxHashes: req.FundingTxHashes,
		Outputs:         []chain.Output{{Address: feeWallet, Amount: new(big.Int).Set(req.Fee)}},
	}
	hash, _, err = f.sendLeg(ctx, adapter, req.OwnerID, req.Mode, req.Generation, LegFee, t)
	if err != nil {
		return "", err
	}
	f.logger.Info("fee leg broadcast", "ownerId", req.OwnerID, "chain", req.Chain, "txHash", hash)
	return hash, nil
}

// Attempts lists the signed transactions recorded for an owner.
func (f *Forwarder) Attempts(ctx context.Context, ownerID string) ([]*Attempt, error) {
	return f.attempts.ListByOwner(ctx, ownerID)
}

// sendLeg broadcasts t under generation gen. A rejection is retried once
// under gen+1 with a bumped fee rate.
func (f *Forwarder) sendLeg(ctx context.Context, adapter chain.Adapter, ownerID string, mode Mode, gen int, leg Leg, t chain.Transfer) (string, int, error) {
	c := adapter.Params().Chain
	rate := f.feeRate(ctx, c)

	hash, err := f.attempt(ctx, adapter, ownerID, mode, gen, leg, t, rate)
	if err == nil {
		return hash, gen, nil
	}
	if !errors.Is(err, chain.ErrRejected) {
		return "", gen, err
	}

	f.logger.Warn("broadcast rejected, retrying with fee bump",
		"ownerId", ownerID, "chain", c, "leg", leg, "generation", gen+1, "error", err)
	gen++
	hash, err = f.attempt(ctx, adapter, ownerID, mode, gen, leg, t, BumpFeeRate(rate))
	if err != nil {
		if errors.Is(err, chain.ErrRejected) {
			return "", gen, fmt.Errorf("%w: %v", ErrBroadcastFailure, err)
		}
		return "", gen, err
	}
	return hash, gen, nil
}

// attempt runs one idempotent leg.
func (f *Forwarder) attempt(ctx context.Context, adapter chain.Adapter, ownerID string, mode Mode, gen int, leg Leg, t chain.Transfer, rate *big.Int) (string, error) {
	c := adapter.Params().Chain
	key := idgen.Key(ownerID, string(mode), strconv.Itoa(gen), string(leg))

	att, err := f.attempts.Get(ctx, key)
	switch {
	case errors.Is(err, ErrAttemptNotFound):
		t.IdempotencyKey = key
		t.FeeRate = rate
		var stx *chain.SignedTx
		if err := f.policy.Do(ctx, func(ctx context.Context) error {
			var perr error
			stx, perr = adapter.Prepare(ctx, t)
			return perr
		}); err != nil {
			metrics.ForwardsTotal.WithLabelValues(string(c), string(leg), "prepare_failed").Inc()
			return "", err
		}
		att = &Attempt{
			Key:        key,
			OwnerID:    ownerID,
			Chain:      c,
			Mode:       mode,
			Leg:        leg,
			Generation: gen,
			TxHash:     stx.Hash,
			Raw:        stx.Raw,
			NetworkFee: stx.NetworkFee,
			Status:     AttemptPrepared,
		}
		if err := f.attempts.Put(ctx, att); err != nil {
			return "", fmt.Errorf("forwarder: persist attempt: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("forwarder: load attempt: %w", err)
	default:
		if f.knownOnChain(ctx, adapter, att.TxHash) {
			f.markBroadcast(ctx, att)
			metrics.ForwardsTotal.WithLabelValues(string(c), string(leg), "reused").Inc()
			return att.TxHash, nil
		}
		f.logger.Info("rebroadcasting stored transaction",
			"ownerId", ownerID, "chain", c, "leg", leg, "txHash", att.TxHash)
	}

	stx := &chain.SignedTx{Chain: c, Hash: att.TxHash, Raw: att.Raw, NetworkFee: att.NetworkFee}
	var hash string
	tries := 0
	err = f.policy.Do(ctx, func(ctx context.Context) error {
		if tries > 0 {
			metrics.BroadcastRetriesTotal.WithLabelValues(string(c)).Inc()
		}
		tries++
		var berr error
		hash, berr = adapter.Broadcast(ctx, stx)
		return berr
	})
	if err != nil {
		metrics.ForwardsTotal.WithLabelValues(string(c), string(leg), "failed").Inc()
		return "", err
	}
	if hash != att.TxHash {
		f.logger.Warn("node returned a different hash than signed",
			"chain", c, "signed", att.TxHash, "returned", hash)
	}
	f.markBroadcast(ctx, att)
	metrics.ForwardsTotal.WithLabelValues(string(c), string(leg), "ok").Inc()
	return att.TxHash, nil
}

// findOnChain returns the hash of any recorded attempt for the given legs
// that the chain already knows.
func (f *Forwarder) findOnChain(ctx context.Context, adapter chain.Adapter, ownerID string, mode Mode, leg Leg) (string, bool) {
	atts, err := f.attempts.ListByOwner(ctx, ownerID)
	if err != nil {
		f.logger.Warn("failed to list forward attempts", "ownerId", ownerID, "error", err)
		return "", false
	}
	for _, a := range atts {
		if a.Mode != mode || a.Leg != leg {
			continue
		}
		if f.knownOnChain(ctx, adapter, a.TxHash) {
			f.markBroadcast(ctx, a)
			return a.TxHash, true
		}
	}
	return "", false
}

func (f *Forwarder) knownOnChain(ctx context.Context, adapter chain.Adapter, hash string) bool {
	var st chain.TxStatus
	err := f.policy.Do(ctx, func(ctx context.Context) error {
		var serr error
		st, serr = adapter.TxStatus(ctx, hash)
		return serr
	})
	if err != nil {
		f.logger.Warn("tx status lookup failed", "chain", adapter.Params().Chain, "txHash", hash, "error", err)
		return false
	}
	return st.Found && !st.Failed
}

func (f *Forwarder) markBroadcast(ctx context.Context, a *Attempt) {
	if a.Status == AttemptBroadcast {
		return
	}
	if err := f.attempts.MarkBroadcast(ctx, a.Key); err != nil {
		f.logger.Error("failed to mark attempt broadcast", "key", a.Key, "txHash", a.TxHash, "error", err)
	}
}

func (f *Forwarder) feeRate(ctx context.Context, c chain.ID) *big.Int {
	if f.fees == nil {
		return nil
	}
	r, err := f.fees.EstimateFee(ctx, c)
	if err != nil {
		f.logger.Debug("fee estimate unavailable, adapter default", "chain", c, "error", err)
		return nil
	}
	return r
}

// BumpFeeRate raises a fee rate by half. A nil rate stays nil and the
// adapter prices the rebroadcast from a fresh node estimate.
func BumpFeeRate(r *big.Int) *big.Int {
	if r == nil {
		return nil
	}
	bumped := new(big.Int).Mul(r, big.NewInt(3))
	bumped.Div(bumped, big.NewInt(2))
	if bumped.Cmp(r) <= 0 {
		bumped.Add(r, big.NewInt(1))
	}
	return bumped
}
