package escrow

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlegate/internal/addresses"
	"github.com/mbd888/settlegate/internal/amount"
	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/eventlog"
	"github.com/mbd888/settlegate/internal/forwarder"
	"github.com/mbd888/settlegate/internal/idgen"
	"github.com/mbd888/settlegate/internal/metrics"
	"github.com/mbd888/settlegate/internal/pagination"
	"github.com/mbd888/settlegate/internal/rates"
	"github.com/mbd888/settlegate/internal/syncutil"
	"github.com/mbd888/settlegate/internal/traces"
)

// Store persists escrows together with their events.
type Store interface {
	// Create inserts e and its creation event atomically.
	Create(ctx context.Context, e *Escrow, ev *eventlog.Event) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// Transition writes e only if the stored status still equals from, and
	// appends the non-nil events in order in the same unit of work. A status
	// mismatch returns ErrStateConflict.
	Transition(ctx context.Context, e *Escrow, from Status, evs ...*eventlog.Event) error
	List(ctx context.Context, f Filter) ([]*Escrow, error)
	ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	// ListAwaitingSettlement returns released escrows on c, oldest first,
	// excluding those whose settlement failed.
	ListAwaitingSettlement(ctx context.Context, c chain.ID, limit int) ([]*Escrow, error)
	ListFeePending(ctx context.Context, c chain.ID, limit int) ([]*Escrow, error)
	Events(ctx context.Context, id string) ([]*eventlog.Event, error)
	// EventsAfter returns events across all escrows with ID > afterID.
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]*eventlog.Event, error)
}

// AddressAllocator is the subset of addresses.Allocator the engine needs.
type AddressAllocator interface {
	Allocate(ctx context.Context, c chain.ID, owner addresses.Owner) (*addresses.PaymentAddress, error)
	Get(ctx context.Context, id string) (*addresses.PaymentAddress, error)
	Retire(ctx context.Context, id string) error
}

// Forwarder moves funds out of escrow addresses.
type Forwarder interface {
	Forward(ctx context.Context, req forwarder.Request) (*forwarder.Result, error)
	ForwardFee(ctx context.Context, req forwarder.FeeRequest) (string, error)
}

// Service implements the escrow state machine.
type Service struct {
	store     Store
	chains    *chain.Registry
	addrs     AddressAllocator
	forwarder Forwarder
	locker    syncutil.Locker
	fees      FeePolicy
	rates     rates.Oracle
	publisher eventlog.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new escrow service with the default fee policy.
func NewService(store Store, chains *chain.Registry, addrs AddressAllocator, fwd Forwarder, locker syncutil.Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		chains:    chains,
		addrs:     addrs,
		forwarder: fwd,
		locker:    locker,
		fees:      DefaultFeePolicy(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithFeePolicy replaces the platform fee policy.
func (s *Service) WithFeePolicy(p FeePolicy) *Service {
	s.fees = p
	return s
}

// WithRates enables USD snapshots at creation.
func (s *Service) WithRates(o rates.Oracle) *Service {
	s.rates = o
	return s
}

// WithPublisher fans committed events out to live subscribers.
func (s *Service) WithPublisher(p eventlog.Publisher) *Service {
	s.publisher = p
	return s
}

// Create validates req, allocates a deposit address and stores a pending escrow.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Chain(req.Chain), traces.Amount(req.Amount))
	var err error
	defer func() { traces.End(span, err) }()

	c, err := s.validateCreate(req)
	if err != nil {
		return nil, err
	}
	amt, _ := amount.Parse(req.Amount)

	hours := req.ExpiresInHours
	expiry := DefaultExpiry
	if hours > 0 {
		expiry = time.Duration(hours) * time.Hour
	}

	id := idgen.WithPrefix(escrowIDPrefix)
	addr, err := s.addrs.Allocate(ctx, c, addresses.Owner{Kind: addresses.OwnerEscrow, ID: id})
	if err != nil {
		return nil, err
	}

	usd := decimal.Zero
	if s.rates != nil {
		if v, rerr := s.rates.USDValue(ctx, c, amt); rerr == nil {
			usd = v
		} else {
			s.logger.Debug("usd snapshot unavailable", "chain", c, "error", rerr)
		}
	}

	releaseToken := idgen.Token(tokenPrefixRel)
	beneficiaryToken := idgen.Token(tokenPrefixBen)
	now := s.now()
	e := &Escrow{
		ID:                   id,
		Chain:                c,
		DepositorAddress:     strings.TrimSpace(req.DepositorAddress),
		BeneficiaryAddress:   strings.TrimSpace(req.BeneficiaryAddress),
		ArbiterAddress:       strings.TrimSpace(req.ArbiterAddress),
		BusinessID:           strings.TrimSpace(req.BusinessID),
		Amount:               amt,
		AmountUSD:            usd,
		EscrowAddressID:      addr.ID,
		EscrowAddress:        addr.Address,
		Status:               StatusPending,
		ReleaseTokenHash:     hashToken(releaseToken),
		BeneficiaryTokenHash: hashToken(beneficiaryToken),
		Metadata:             req.Metadata,
		CreatedAt:            now,
		ExpiresAt:            now.Add(expiry),
		UpdatedAt:            now,
	}
	ev := eventlog.New(id, eventlog.TypeCreated, eventlog.ActorDepositor, map[string]any{
		"chain":         string(c),
		"amount":        amt.String(),
		"escrowAddress": addr.Address,
		"expiresAt":     e.ExpiresAt.Format(time.RFC3339),
	})
	if err = s.store.Create(ctx, e, ev); err != nil {
		if rerr := s.addrs.Retire(ctx, addr.ID); rerr != nil {
			s.logger.Warn("failed to retire address of unsaved escrow", "addressId", addr.ID, "error", rerr)
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	s.publish(ctx, ev)
	metrics.EscrowCreatedTotal.WithLabelValues(string(c)).Inc()
	s.logger.Info("escrow created",
		"escrowId", id, "chain", c, "amount", amt.String(), "escrowAddress", addr.Address,
		"depositor", e.DepositorAddress, "beneficiary", e.BeneficiaryAddress)
	return &CreateResult{Escrow: e.Clone(), ReleaseToken: releaseToken, BeneficiaryToken: beneficiaryToken}, nil
}

func (s *Service) validateCreate(req CreateRequest) (chain.ID, error) {
	c, err := chain.ParseID(req.Chain)
	if err != nil {
		return "", invalid("chain", "unsupported chain %q", req.Chain)
	}
	adapter, err := s.chains.Get(c)
	if err != nil {
		return "", invalid("chain", "chain %s is not enabled", c)
	}
	amt, err := amount.Parse(req.Amount)
	if err != nil || !amt.IsPositive() {
		return "", invalid("amount", "must be a positive decimal")
	}
	if err := adapter.ValidateAddress(strings.TrimSpace(req.DepositorAddress)); err != nil {
		return "", invalid("depositorAddress", "not a valid %s address", c)
	}
	if err := adapter.ValidateAddress(strings.TrimSpace(req.BeneficiaryAddress)); err != nil {
		return "", invalid("beneficiaryAddress", "not a valid %s address", c)
	}
	if a := strings.TrimSpace(req.ArbiterAddress); a != "" {
		if err := adapter.ValidateAddress(a); err != nil {
			return "", invalid("arbiterAddress", "not a valid %s address", c)
		}
	}
	if req.ExpiresInHours < 0 || req.ExpiresInHours > MaxExpiryHours {
		return "", invalid("expiresInHours", "must be between 0 and %d", MaxExpiryHours)
	}
	if err := validateMetadata(req.Metadata); err != nil {
		return "", err
	}
	return c, nil
}

func validateMetadata(m json.RawMessage) error {
	if len(m) == 0 {
		return nil
	}
	if len(m) > MaxMetadataBytes {
		return invalid("metadata", "exceeds %d bytes", MaxMetadataBytes)
	}
	if !json.Valid(m) {
		return invalid("metadata", "must be valid JSON")
	}
	return nil
}

// MarkFunded records the deposit for a pending escrow. Repeating the call
// with the same transaction is a no-op.
func (s *Service) MarkFunded(ctx context.Context, id, txHash string, deposited decimal.Decimal) (*Escrow, error) {
	if strings.TrimSpace(txHash) == "" {
		return nil, invalid("txHash", "is required")
	}
	if !deposited.IsPositive() {
		return nil, invalid("amount", "deposit must be positive")
	}

	var out *Escrow
	err := s.withLock(ctx, id, func(e *Escrow) error {
		if e.DepositTxHash != "" {
			if e.DepositTxHash == txHash {
				out = e
				return nil
			}
			return fmt.Errorf("%w: %s already funded by %s", ErrAlreadyFunded, e.ID, e.DepositTxHash)
		}
		to, err := Next(e.Status, ActionFund)
		if err != nil {
			return err
		}

		from := e.Status
		now := s.now()
		e.Status = to
		e.DepositTxHash = txHash
		e.DepositedAmount = deposited
		e.FundedAt = &now

		diff := deposited.Sub(e.Amount)
		details := map[string]any{
			"txHash":   txHash,
			"amount":   deposited.String(),
			"expected": e.Amount.String(),
		}
		switch {
		case diff.IsNegative():
			details["underpaid"] = diff.Neg().String()
		case diff.IsPositive():
			details["overpaid"] = diff.String()
		}
		ev := eventlog.New(e.ID, eventlog.TypeFunded, eventlog.ActorSystem, details)
		if err := s.commit(ctx, e, from, ev); err != nil {
			return err
		}
		if !diff.IsZero() {
			s.logger.Warn("escrow funded with unexpected amount",
				"escrowId", e.ID, "expected", e.Amount.String(), "deposited", deposited.String())
		}
		s.logger.Info("escrow funded", "escrowId", e.ID, "txHash", txHash, "amount", deposited.String())
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Release forwards the deposit minus the platform fee to the beneficiary.
// A funded escrow needs the release token or the arbiter; a disputed one
// needs the arbiter.
func (s *Service) Release(ctx context.Context, id string, caller Caller) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id))
	var out *Escrow
	err := s.withLock(ctx, id, func(e *Escrow) error {
		if _, err := Next(e.Status, ActionRelease); err != nil {
			return err
		}
		actor, err := s.authorize(e, caller, true, false)
		if err != nil {
			return err
		}
		out, err = s.settle(ctx, e, ActionRelease, actor, nil)
		return err
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Refund returns the full deposit to the depositor with no fee. A funded
// escrow needs the beneficiary token or the arbiter; a disputed one needs
// the arbiter.
func (s *Service) Refund(ctx context.Context, id string, caller Caller) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id))
	var out *Escrow
	err := s.withLock(ctx, id, func(e *Escrow) error {
		if _, err := Next(e.Status, ActionRefund); err != nil {
			return err
		}
		actor, err := s.authorize(e, caller, false, true)
		if err != nil {
			return err
		}
		out, err = s.settle(ctx, e, ActionRefund, actor, nil)
		return err
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Dispute freezes a funded escrow until its arbiter resolves it.
func (s *Service) Dispute(ctx context.Context, id string, caller Caller, reason string) (*Escrow, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "is required")
	}
	if len(reason) > MaxReasonLength {
		return nil, invalid("reason", "exceeds %d characters", MaxReasonLength)
	}

	var out *Escrow
	err := s.withLock(ctx, id, func(e *Escrow) error {
		to, err := Next(e.Status, ActionDispute)
		if err != nil {
			return err
		}
		actor, err := s.authorize(e, caller, true, true)
		if err != nil {
			return err
		}
		from := e.Status
		now := s.now()
		e.Status = to
		e.DisputedAt = &now
		e.DisputeReason = reason
		ev := eventlog.New(e.ID, eventlog.TypeDisputed, actor, map[string]any{"reason": reason})
		if err := s.commit(ctx, e, from, ev); err != nil {
			return err
		}
		s.logger.Info("escrow disputed", "escrowId", e.ID, "actor", actor)
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Resolve is the arbiter's decision on a disputed escrow. The resolution and
// its dispute_resolved event are written together with the release or refund
// they cause; a failed forward leaves the escrow disputed and unresolved.
func (s *Service) Resolve(ctx context.Context, id string, caller Caller, resolution Resolution, note string) (*Escrow, error) {
	var action Action
	switch resolution {
	case ResolveRelease:
		action = ActionRelease
	case ResolveRefund:
		action = ActionRefund
	default:
		return nil, invalid("resolution", "must be release or refund")
	}
	note = strings.TrimSpace(note)
	if len(note) > maxResolutionNote {
		return nil, invalid("note", "exceeds %d characters", maxResolutionNote)
	}

	var out *Escrow
	err := s.withLock(ctx, id, func(e *Escrow) error {
		if e.Status != StatusDisputed {
			return fmt.Errorf("%w: cannot resolve a %s escrow", ErrStateConflict, e.Status)
		}
		if !s.isArbiter(e, caller) {
			return ErrUnauthorized
		}
		var err error
		out, err = s.settle(ctx, e, action, eventlog.ActorArbiter, &decision{resolution: resolution, note: note})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// decision is an arbiter resolution applied by settle once funds moved.
type decision struct {
	resolution Resolution
	note       string
}

func (d *decision) String() string {
	if d.note == "" {
		return string(d.resolution)
	}
	return string(d.resolution) + ": " + d.note
}

// settle runs the forward for a release or refund and records the outcome.
// The caller holds the escrow lock. On failure the escrow keeps its status
// and is flagged for operator attention.
//
// A released escrow whose transaction failed on chain is forwarded again and
// stays released. A fee leg that already landed separately is not resent.
func (s *Service) settle(ctx context.Context, e *Escrow, action Action, actor eventlog.Actor, d *decision) (*Escrow, error) {
	to, err := Next(e.Status, action)
	reforward := false
	if err != nil {
		if e.Status != StatusReleased || !e.SettlementFailed || action != ActionRelease {
			return nil, err
		}
		to, reforward = StatusReleased, true
	}
	feeLanded := reforward && e.FeeTxHash != "" && e.FeeTxHash != e.SettlementTxHash && !e.FeeForwardPending
	previousTx := e.SettlementTxHash
	adapter, err := s.chains.Get(e.Chain)
	if err != nil {
		return nil, err
	}
	params := adapter.Params()

	mode := forwarder.ModeRelease
	recipient := e.BeneficiaryAddress
	var payout Payout
	if action == ActionRefund {
		mode = forwarder.ModeRefund
		recipient = e.DepositorAddress
		payout, err = RefundPayout(e.DepositedAmount, params.Decimals)
	} else {
		payout, err = ComputePayout(e.DepositedAmount, s.fees.Fee(e.Chain, e.DepositedAmount), params.Decimals)
		if payout.Clamped {
			s.logger.Error("fee exceeds deposit, clamped to zero",
				"escrowId", e.ID, "chain", e.Chain, "deposited", e.DepositedAmount.String())
			metrics.FeeAnomaliesTotal.WithLabelValues(string(e.Chain)).Inc()
		}
	}
	if err != nil {
		return nil, err
	}

	addr, err := s.addrs.Get(ctx, e.EscrowAddressID)
	if err != nil {
		return nil, fmt.Errorf("escrow: load deposit address: %w", err)
	}

	req := forwarder.Request{
		OwnerID:         e.ID,
		Chain:           e.Chain,
		Mode:            mode,
		Generation:      e.ForwardGeneration,
		FromIndex:       addr.DerivationIndex,
		FromAddress:     e.EscrowAddress,
		FundingTxHashes: []string{e.DepositTxHash},
		Recipient:       recipient,
		Amount:          amount.ToUnits(payout.Send, params.Decimals),
		Fee:             amount.ToUnits(payout.Fee, params.Decimals),
	}
	if feeLanded {
		req.Fee = nil
	}
	res, ferr := s.forwarder.Forward(ctx, req)
	if ferr != nil {
		s.recordSettlementFailure(ctx, e, mode, ferr)
		return nil, ferr
	}

	from := e.Status
	now := s.now()
	e.Status = to
	e.FeeAmount = payout.Fee
	e.BeneficiaryAmount = payout.Send
	e.SettlementTxHash = res.TxHash
	if !feeLanded {
		e.FeeTxHash = res.FeeTxHash
		e.FeeForwardPending = res.FeeForwardPending
	}
	e.ForwardGeneration = res.Generation
	e.SettlementMode = string(mode)
	e.SettlementFailed = false
	e.LastError = ""

	evType := eventlog.TypeReleased
	if action == ActionRefund {
		evType = eventlog.TypeRefunded
		e.RefundedAt = &now
	} else if e.ReleasedAt == nil {
		e.ReleasedAt = &now
	}
	details := map[string]any{
		"txHash":            res.TxHash,
		"feeTxHash":         e.FeeTxHash,
		"split":             res.Split,
		"recipient":         recipient,
		"amountSent":        payout.Send.String(),
		"feeAmount":         payout.Fee.String(),
		"feeForwardPending": e.FeeForwardPending,
	}
	if reforward {
		details["replaces"] = previousTx
	}

	var evs []*eventlog.Event
	if d != nil {
		e.DisputeResolution = d.String()
		evs = append(evs, eventlog.New(e.ID, eventlog.TypeDisputeResolved, eventlog.ActorArbiter, map[string]any{
			"resolution": string(d.resolution),
			"note":       d.note,
		}))
	}
	evs = append(evs, eventlog.New(e.ID, evType, actor, details))
	if err := s.commitAfterBroadcast(ctx, e, from, evs...); err != nil {
		return nil, err
	}
	s.logger.Info("escrow "+string(to),
		"escrowId", e.ID, "chain", e.Chain, "txHash", res.TxHash, "recipient", recipient,
		"amountSent", payout.Send.String(), "feeAmount", payout.Fee.String())
	return e, nil
}

func (s *Service) recordSettlementFailure(ctx context.Context, e *Escrow, mode forwarder.Mode, cause error) {
	metrics.SettlementFailuresTotal.WithLabelValues(string(e.Chain)).Inc()
	s.logger.Error("settlement failed, operator intervention required",
		"escrowId", e.ID, "chain", e.Chain, "mode", mode, "error", cause)

	e.SettlementFailed = true
	e.SettlementMode = string(mode)
	e.LastError = cause.Error()
	ev := eventlog.New(e.ID, eventlog.TypeSettlementFailed, eventlog.ActorSystem, map[string]any{
		"mode":  string(mode),
		"error": cause.Error(),
	})
	if err := s.commit(ctx, e, e.Status, ev); err != nil {
		s.logger.Error("failed to record settlement failure", "escrowId", e.ID, "error", err)
	}
}

// ExpireStale moves pending escrows past their deadline to expired and
// retires their addresses. Funded escrows are never touched.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for {
		batch, err := s.store.ListExpiredPending(ctx, now, sweepBatchSize)
		if err != nil {
			return expired, err
		}
		progressed := 0
		for _, candidate := range batch {
			ok, err := s.expire(ctx, candidate.ID, now)
			if err != nil {
				s.logger.Warn("failed to expire escrow", "escrowId", candidate.ID, "error", err)
				continue
			}
			if ok {
				expired++
				progressed++
			}
		}
		if len(batch) < sweepBatchSize || progressed == 0 || ctx.Err() != nil {
			return expired, ctx.Err()
		}
	}
}

func (s *Service) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	done := false
	err := s.withLock(ctx, id, func(e *Escrow) error {
		if e.Status != StatusPending || !e.ExpiresAt.Before(now) {
			return nil
		}
		to, err := Next(e.Status, ActionExpire)
		if err != nil {
			return err
		}
		from := e.Status
		ts := s.now()
		e.Status = to
		e.ExpiredAt = &ts
		ev := eventlog.New(e.ID, eventlog.TypeExpired, eventlog.ActorSystem, map[string]any{
			"expiresAt": e.ExpiresAt.Format(time.RFC3339),
		})
		if err := s.commit(ctx, e, from, ev); err != nil {
			return err
		}
		if err := s.addrs.Retire(ctx, e.EscrowAddressID); err != nil {
			s.logger.Warn("failed to retire expired escrow address", "escrowId", e.ID, "error", err)
		}
		s.logger.Info("escrow expired", "escrowId", e.ID, "escrowAddress", e.EscrowAddress)
		done = true
		return nil
	})
	return done, err
}

// MarkSettled finalizes a released escrow once its forward is deep enough.
func (s *Service) MarkSettled(ctx context.Context, id string, confirmations uint64) (*Escrow, error) {
	var out *Escrow
	err := s.withLock(ctx, id, func(e *Escrow) error {
		to, err := Next(e.Status, ActionSettle)
		if err != nil {
			return err
		}
		adapter, err := s.chains.Get(e.Chain)
		if err != nil {
			return err
		}
		required := adapter.Params().Confirmations
		if confirmations < required {
			return fmt.Errorf("%w: %d of %d confirmations", ErrInsufficientConfirmations, confirmations, required)
		}

		from := e.Status
		now := s.now()
		e.Status = to
		e.SettledAt = &now
		ev := eventlog.New(e.ID, eventlog.TypeSettled, eventlog.ActorSystem, map[string]any{
			"txHash":        e.SettlementTxHash,
			"confirmations": confirmations,
		})
		if err := s.commit(ctx, e, from, ev); err != nil {
			return err
		}
		metrics.EscrowDuration.Observe(now.Sub(e.CreatedAt).Seconds())
		s.logger.Info("escrow settled", "escrowId", e.ID, "txHash", e.SettlementTxHash, "confirmations", confirmations)
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// MarkSettlementFailed flags a released escrow whose settlement transaction
// txHash failed on chain. The escrow leaves the settlement watch list until
// RetrySettlement forwards it again. Reports for a superseded hash are
// ignored.
func (s *Service) MarkSettlementFailed(ctx context.Context, id, txHash, reason string) (*Escrow, error) {
	var out *Escrow
	err := s.withLock(ctx, id, func(e *Escrow) error {
		if e.Status != StatusReleased {
			return fmt.Errorf("%w: cannot fail settlement of a %s escrow", ErrStateConflict, e.Status)
		}
		out = e
		if e.SettlementFailed || e.SettlementTxHash != txHash {
			return nil
		}
		if reason == "" {
			reason = "transaction failed on chain"
		}
		metrics.SettlementFailuresTotal.WithLabelValues(string(e.Chain)).Inc()
		s.logger.Error("settlement transaction failed on chain, operator intervention required",
			"escrowId", e.ID, "chain", e.Chain, "txHash", txHash, "reason", reason)

		e.SettlementFailed = true
		e.LastError = reason
		ev := eventlog.New(e.ID, eventlog.TypeSettlementFailed, eventlog.ActorSystem, map[string]any{
			"mode":   e.SettlementMode,
			"txHash": txHash,
			"error":  reason,
		})
		return s.commit(ctx, e, StatusReleased, ev)
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// RetryFeeForward sends a deferred fee leg.
func (s *Service) RetryFeeForward(ctx context.Context, id string, actor eventlog.Actor) (*Escrow, error) {
	var out *Escrow
	err := s.withLock(ctx, id, func(e *Escrow) error {
		if !e.FeeForwardPending || (e.Status != StatusReleased && e.Status != StatusSettled) {
			return fmt.Errorf("%w: no fee leg pending on %s escrow", ErrStateConflict, e.Status)
		}
		adapter, err := s.chains.Get(e.Chain)
		if err != nil {
			return err
		}
		addr, err := s.addrs.Get(ctx, e.EscrowAddressID)
		if err != nil {
			return fmt.Errorf("escrow: load deposit address: %w", err)
		}

		e.ForwardGeneration++
		hash, ferr := s.forwarder.ForwardFee(ctx, forwarder.FeeRequest{
			OwnerID:         e.ID,
			Chain:           e.Chain,
			Mode:            forwarder.Mode(e.SettlementMode),
			Generation:      e.ForwardGeneration,
			FromIndex:       addr.DerivationIndex,
			FromAddress:     e.EscrowAddress,
			FundingTxHashes: []string{e.SettlementTxHash},
			Fee:             amount.ToUnits(e.FeeAmount, adapter.Params().Decimals),
		})
		if ferr != nil {
			e.LastError = ferr.Error()
			if err := s.commit(ctx, e, e.Status, nil); err != nil {
				s.logger.Error("failed to record fee retry", "escrowId", e.ID, "error", err)
			}
			return ferr
		}

		e.FeeTxHash = hash
		e.FeeForwardPending = false
		e.LastError = ""
		ev := eventlog.New(e.ID, eventlog.TypeFeeForwarded, actor, map[string]any{
			"feeTxHash": hash,
			"feeAmount": e.FeeAmount.String(),
		})
		if err := s.commitAfterBroadcast(ctx, e, e.Status, ev); err != nil {
			return err
		}
		s.logger.Info("fee leg forwarded", "escrowId", e.ID, "feeTxHash", hash)
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// RetrySettlement re-runs a release or refund whose forward exhausted its
// retries, or a release whose transaction failed on chain. The generation
// is bumped so a fresh transaction is signed.
func (s *Service) RetrySettlement(ctx context.Context, id string) (*Escrow, error) {
	var out *Escrow
	err := s.withLock(ctx, id, func(e *Escrow) error {
		if !e.SettlementFailed {
			return fmt.Errorf("%w: escrow has no failed settlement", ErrStateConflict)
		}
		action := ActionRelease
		if forwarder.Mode(e.SettlementMode) == forwarder.ModeRefund {
			action = ActionRefund
		}
		e.ForwardGeneration++
		var err error
		out, err = s.settle(ctx, e, action, eventlog.ActorOperator, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// UpdateMetadata replaces the opaque metadata of a non-terminal escrow.
func (s *Service) UpdateMetadata(ctx context.Context, id string, caller Caller, metadata json.RawMessage) (*Escrow, error) {
	if len(metadata) == 0 {
		return nil, invalid("metadata", "is required")
	}
	if err := validateMetadata(metadata); err != nil {
		return nil, err
	}

	var out *Escrow
	err := s.withLock(ctx, id, func(e *Escrow) error {
		if e.Status.IsTerminal() {
			return fmt.Errorf("%w: %s escrow is final", ErrStateConflict, e.Status)
		}
		actor, err := s.authorize(e, caller, true, true)
		if err != nil {
			return err
		}
		e.Metadata = metadata
		ev := eventlog.New(e.ID, eventlog.TypeMetadataUpdated, actor, map[string]any{"bytes": len(metadata)})
		if err := s.commit(ctx, e, e.Status, ev); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// List returns one page of escrows matching f.
func (s *Service) List(ctx context.Context, f Filter) (*Page, error) {
	if !f.Scoped() {
		return nil, invalid("filter", "one of status, depositor, beneficiary or business is required")
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalid("status", "unknown status %q", f.Status)
	}
	limit := pagination.ClampLimit(f.Limit, DefaultListLimit, MaxListLimit)
	f.Limit = limit + 1
	items, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	page := &Page{}
	page.Escrows, page.NextCursor, page.HasMore = pagination.ComputePage(items, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	if page.Escrows == nil {
		page.Escrows = []*Escrow{}
	}
	return page, nil
}

// Events returns the escrow's log in order.
func (s *Service) Events(ctx context.Context, id string) ([]*eventlog.Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

// EventFeed pages through every escrow's events in commit order. Consumers
// that missed live delivery resume from the last ID they saw.
func (s *Service) EventFeed(ctx context.Context, afterID int64, limit int) ([]*eventlog.Event, error) {
	if afterID < 0 {
		return nil, fmt.Errorf("%w: after must be >= 0", ErrValidation)
	}
	limit = pagination.ClampLimit(limit, DefaultListLimit, MaxListLimit)
	events, err := s.store.EventsAfter(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*eventlog.Event{}
	}
	return events, nil
}

// AwaitingSettlement lists released escrows on c whose forward is not yet final.
func (s *Service) AwaitingSettlement(ctx context.Context, c chain.ID, limit int) ([]*Escrow, error) {
	return s.store.ListAwaitingSettlement(ctx, c, limit)
}

// FeePending lists escrows on c with a deferred fee leg.
func (s *Service) FeePending(ctx context.Context, c chain.ID, limit int) ([]*Escrow, error) {
	return s.store.ListFeePending(ctx, c, limit)
}

// withLock runs fn on a fresh read of the escrow while holding its lock.
func (s *Service) withLock(ctx context.Context, id string, fn func(e *Escrow) error) error {
	unlock, err := s.locker.Acquire(ctx, lockKeyPrefix+id)
	if err != nil {
		if errors.Is(err, syncutil.ErrLockTimeout) {
			metrics.LockTimeoutsTotal.Inc()
			s.logger.Error("escrow lock wait timed out", "escrowId", id)
		}
		return err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return fn(e)
}

func (s *Service) commit(ctx context.Context, e *Escrow, from Status, evs ...*eventlog.Event) error {
	e.UpdatedAt = s.now()
	if err := s.store.Transition(ctx, e, from, evs...); err != nil {
		return err
	}
	if e.Status != from {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(e.Chain), string(e.Status)).Inc()
	}
	for _, ev := range evs {
		s.publish(ctx, ev)
	}
	return nil
}

// commitAfterBroadcast persists a transition whose funds already moved.
func (s *Service) commitAfterBroadcast(ctx context.Context, e *Escrow, from Status, evs ...*eventlog.Event) error {
	err := s.commit(ctx, e, from, evs...)
	if err == nil {
		return nil
	}
	// Retry once. The transaction is on chain and cannot be reversed.
	if retryErr := s.commit(ctx, e, from, evs...); retryErr != nil {
		s.logger.Error("CRITICAL: funds forwarded but escrow update failed",
			"escrowId", e.ID, "txHash", e.SettlementTxHash, "feeTxHash", e.FeeTxHash, "error", retryErr)
		return fmt.Errorf("failed to update escrow after forward (requires manual resolution): %w", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, ev *eventlog.Event) {
	if s.publisher == nil || ev == nil {
		return
	}
	_ = s.publisher.Publish(ctx, ev)
}

// authorize resolves caller to an actor. allowRelease admits the release
// token holder, allowBeneficiary the beneficiary token holder. Disputed
// escrows accept only the arbiter or an operator.
func (s *Service) authorize(e *Escrow, caller Caller, allowRelease, allowBeneficiary bool) (eventlog.Actor, error) {
	if caller.Operator {
		return eventlog.ActorOperator, nil
	}
	if s.isArbiter(e, caller) {
		return eventlog.ActorArbiter, nil
	}
	if e.Status == StatusDisputed {
		return "", ErrUnauthorized
	}
	if caller.Token != "" {
		if allowRelease && tokenMatches(caller.Token, e.ReleaseTokenHash) {
			return eventlog.ActorDepositor, nil
		}
		if allowBeneficiary && tokenMatches(caller.Token, e.BeneficiaryTokenHash) {
			return eventlog.ActorBeneficiary, nil
		}
	}
	return "", ErrUnauthorized
}

func (s *Service) isArbiter(e *Escrow, caller Caller) bool {
	return e.ArbiterAddress != "" && caller.AuthAddr != "" && strings.EqualFold(caller.AuthAddr, e.ArbiterAddress)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func tokenMatches(token, hash string) bool {
	if hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(hash)) == 1
}
