package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlegate/internal/addresses"
	"github.com/mbd888/settlegate/internal/amount"
	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/escrow"
	"github.com/mbd888/settlegate/internal/forwarder"
	"github.com/mbd888/settlegate/internal/idgen"
	"github.com/mbd888/settlegate/internal/metrics"
	"github.com/mbd888/settlegate/internal/rates"
	"github.com/mbd888/settlegate/internal/syncutil"
	"github.com/mbd888/settlegate/internal/traces"
)

// Store persists payments.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	// Update writes p only if the stored status still equals from.
	Update(ctx context.Context, p *Payment, from Status) error
	ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Payment, error)
	ListByStatus(ctx context.Context, c chain.ID, status Status, limit int) ([]*Payment, error)
	ListFeePending(ctx context.Context, c chain.ID, limit int) ([]*Payment, error)
	ListForwardFailed(ctx context.Context, c chain.ID, limit int) ([]*Payment, error)
}

// Service creates payments and forwards them once paid.
type Service struct {
	store     Store
	chains    *chain.Registry
	addrs     escrow.AddressAllocator
	forwarder escrow.Forwarder
	locker    syncutil.Locker
	fees      escrow.FeePolicy
	rates     rates.Oracle
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a payment service sharing the escrow fee policy.
func NewService(store Store, chains *chain.Registry, addrs escrow.AddressAllocator, fwd escrow.Forwarder, locker syncutil.Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		chains:    chains,
		addrs:     addrs,
		forwarder: fwd,
		locker:    locker,
		fees:      escrow.DefaultFeePolicy(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithFeePolicy replaces the platform fee policy.
func (s *Service) WithFeePolicy(p escrow.FeePolicy) *Service {
	s.fees = p
	return s
}

// WithRates enables USD snapshots at creation.
func (s *Service) WithRates(o rates.Oracle) *Service {
	s.rates = o
	return s
}

// Create allocates a payment address for a merchant.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Payment, error) {
	c, err := chain.ParseID(req.Chain)
	if err != nil {
		return nil, invalid("unsupported chain %q", req.Chain)
	}
	adapter, err := s.chains.Get(c)
	if err != nil {
		return nil, invalid("chain %s is not enabled", c)
	}
	amt, err := amount.Parse(req.Amount)
	if err != nil || !amt.IsPositive() {
		return nil, invalid("amount must be a positive decimal")
	}
	merchant := strings.TrimSpace(req.MerchantAddress)
	if err := adapter.ValidateAddress(merchant); err != nil {
		return nil, invalid("merchantAddress is not a valid %s address", c)
	}
	if strings.TrimSpace(req.BusinessID) == "" {
		return nil, invalid("businessId is required")
	}
	if req.ExpiresInMinutes < 0 || req.ExpiresInMinutes > MaxExpiryMinutes {
		return nil, invalid("expiresInMinutes must be between 0 and %d", MaxExpiryMinutes)
	}
	expiry := DefaultExpiry
	if req.ExpiresInMinutes > 0 {
		expiry = time.Duration(req.ExpiresInMinutes) * time.Minute
	}

	id := idgen.WithPrefix(paymentIDPrefix)
	addr, err := s.addrs.Allocate(ctx, c, addresses.Owner{Kind: addresses.OwnerPayment, ID: id})
	if err != nil {
		return nil, err
	}
	usd := decimal.Zero
	if s.rates != nil {
		if v, rerr := s.rates.USDValue(ctx, c, amt); rerr == nil {
			usd = v
		}
	}

	now := s.now()
	p := &Payment{
		ID:              id,
		BusinessID:      strings.TrimSpace(req.BusinessID),
		Chain:           c,
		Amount:          amt,
		AmountUSD:       usd,
		MerchantAddress: merchant,
		AddressID:       addr.ID,
		Address:         addr.Address,
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(expiry),
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		_ = s.addrs.Retire(ctx, addr.ID)
		return nil, fmt.Errorf("failed to create payment record: %w", err)
	}
	metrics.PaymentsTotal.WithLabelValues(string(c), string(StatusPending)).Inc()
	s.logger.Info("payment created", "paymentId", id, "chain", c, "amount", amt.String(), "address", addr.Address)
	return p.Clone(), nil
}

// HandleDeposit records the deposit and forwards it to the merchant. A
// forward failure is recorded on the payment and retried later; only a
// failure to record the deposit is returned.
func (s *Service) HandleDeposit(ctx context.Context, id, txHash string, deposited decimal.Decimal) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payments.HandleDeposit", traces.PaymentID(id), traces.TxHash(txHash))
	var err error
	defer func() { traces.End(span, err) }()

	if txHash == "" || !deposited.IsPositive() {
		err = invalid("deposit requires a tx hash and a positive amount")
		return nil, err
	}
	var out *Payment
	err = s.withLock(ctx, id, func(p *Payment) error {
		if p.DepositTxHash != "" {
			if p.DepositTxHash == txHash {
				out = p
				return nil
			}
			return fmt.Errorf("%w: %s already paid by %s", ErrAlreadyPaid, p.ID, p.DepositTxHash)
		}
		if p.Status != StatusPending {
			return fmt.Errorf("%w: cannot pay a %s payment", ErrStateConflict, p.Status)
		}
		now := s.now()
		p.Status = StatusPaid
		p.DepositTxHash = txHash
		p.DepositedAmount = deposited
		p.PaidAt = &now
		if err := s.commit(ctx, p, StatusPending); err != nil {
			return err
		}
		if !deposited.Equal(p.Amount) {
			s.logger.Warn("payment received with unexpected amount",
				"paymentId", p.ID, "expected", p.Amount.String(), "deposited", deposited.String())
		}
		s.logger.Info("payment received", "paymentId", p.ID, "txHash", txHash, "amount", deposited.String())
		out = s.forward(ctx, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// MarkForwardFailed returns a forwarded payment whose transaction txHash
// failed on chain to paid with ForwardFailed set, so RetryForward can send
// it again. Reports for a superseded hash are ignored.
func (s *Service) MarkForwardFailed(ctx context.Context, id, txHash, reason string) (*Payment, error) {
	var out *Payment
	err := s.withLock(ctx, id, func(p *Payment) error {
		if p.Status != StatusForwarded {
			return fmt.Errorf("%w: cannot fail forward of a %s payment", ErrStateConflict, p.Status)
		}
		out = p
		if p.ForwardTxHash != txHash {
			return nil
		}
		if reason == "" {
			reason = "transaction failed on chain"
		}
		metrics.SettlementFailuresTotal.WithLabelValues(string(p.Chain)).Inc()
		s.logger.Error("payment forward failed on chain, operator intervention required",
			"paymentId", p.ID, "chain", p.Chain, "txHash", txHash, "reason", reason)

		p.Status = StatusPaid
		p.ForwardFailed = true
		p.LastError = reason
		return s.commit(ctx, p, StatusForwarded)
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// RetryForward re-runs a failed forward under the next generation.
func (s *Service) RetryForward(ctx context.Context, id string) (*Payment, error) {
	var out *Payment
	err := s.withLock(ctx, id, func(p *Payment) error {
		if p.Status != StatusPaid || !p.ForwardFailed {
			return fmt.Errorf("%w: no failed forward on %s payment", ErrStateConflict, p.Status)
		}
		p.ForwardGeneration++
		out = s.forward(ctx, p)
		if out.ForwardFailed {
			return errors.New(out.LastError)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// forward sends a paid payment to the merchant. The caller holds the lock.
func (s *Service) forward(ctx context.Context, p *Payment) *Payment {
	fail := func(cause error) *Payment {
		p.ForwardFailed = true
		p.LastError = cause.Error()
		s.logger.Error("payment forward failed", "paymentId", p.ID, "chain", p.Chain, "error", cause)
		if err := s.commit(ctx, p, p.Status); err != nil {
			s.logger.Error("failed to record forward failure", "paymentId", p.ID, "error", err)
		}
		return p
	}

	adapter, err := s.chains.Get(p.Chain)
	if err != nil {
		return fail(err)
	}
	decimals := adapter.Params().Decimals
	payout, err := escrow.ComputePayout(p.DepositedAmount, s.fees.Fee(p.Chain, p.DepositedAmount), decimals)
	if err != nil {
		return fail(err)
	}
	if payout.Clamped {
		metrics.FeeAnomaliesTotal.WithLabelValues(string(p.Chain)).Inc()
		s.logger.Error("fee exceeds deposit, clamped to zero", "paymentId", p.ID)
	}
	addr, err := s.addrs.Get(ctx, p.AddressID)
	if err != nil {
		return fail(err)
	}

	// A forward that failed on chain may have had its fee leg land on its own.
	feeLanded := p.FeeTxHash != "" && p.FeeTxHash != p.ForwardTxHash && !p.FeeForwardPending
	req := forwarder.Request{
		OwnerID:         p.ID,
		Chain:           p.Chain,
		Mode:            forwarder.ModeForward,
		Generation:      p.ForwardGeneration,
		FromIndex:       addr.DerivationIndex,
		FromAddress:     p.Address,
		FundingTxHashes: []string{p.DepositTxHash},
		Recipient:       p.MerchantAddress,
		Amount:          amount.ToUnits(payout.Send, decimals),
		Fee:             amount.ToUnits(payout.Fee, decimals),
	}
	if feeLanded {
		req.Fee = nil
	}
	res, err := s.forwarder.Forward(ctx, req)
	if err != nil {
		return fail(err)
	}

	now := s.now()
	p.Status = StatusForwarded
	p.FeeAmount = payout.Fee
	p.ForwardTxHash = res.TxHash
	if !feeLanded {
		p.FeeTxHash = res.FeeTxHash
		p.FeeForwardPending = res.FeeForwardPending
	}
	p.ForwardGeneration = res.Generation
	p.ForwardFailed = false
	p.LastError = ""
	p.ForwardedAt = &now
	if err := s.commit(ctx, p, StatusPaid); err != nil {
		if retryErr := s.commit(ctx, p, StatusPaid); retryErr != nil {
			s.logger.Error("CRITICAL: payment forwarded but update failed",
				"paymentId", p.ID, "txHash", res.TxHash, "error", retryErr)
		}
	}
	s.logger.Info("payment forwarded", "paymentId", p.ID, "txHash", res.TxHash, "merchant", p.MerchantAddress)
	return p
}

// RetryFeeForward sends a deferred fee leg.
func (s *Service) RetryFeeForward(ctx context.Context, id string) (*Payment, error) {
	var out *Payment
	err := s.withLock(ctx, id, func(p *Payment) error {
		if !p.FeeForwardPending {
			return fmt.Errorf("%w: no fee leg pending", ErrStateConflict)
		}
		adapter, err := s.chains.Get(p.Chain)
		if err != nil {
			return err
		}
		addr, err := s.addrs.Get(ctx, p.AddressID)
		if err != nil {
			return err
		}
		p.ForwardGeneration++
		hash, ferr := s.forwarder.ForwardFee(ctx, forwarder.FeeRequest{
			OwnerID:         p.ID,
			Chain:           p.Chain,
			Mode:            forwarder.ModeForward,
			Generation:      p.ForwardGeneration,
			FromIndex:       addr.DerivationIndex,
			FromAddress:     p.Address,
			FundingTxHashes: []string{p.ForwardTxHash},
			Fee:             amount.ToUnits(p.FeeAmount, adapter.Params().Decimals),
		})
		if ferr != nil {
			p.LastError = ferr.Error()
			if err := s.commit(ctx, p, p.Status); err != nil {
				s.logger.Error("failed to record fee retry", "paymentId", p.ID, "error", err)
			}
			return ferr
		}
		p.FeeTxHash = hash
		p.FeeForwardPending = false
		p.LastError = ""
		if err := s.commit(ctx, p, p.Status); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// MarkConfirmed finalizes a forwarded payment once the forward is deep enough.
func (s *Service) MarkConfirmed(ctx context.Context, id string, confirmations uint64) (*Payment, error) {
	var out *Payment
	err := s.withLock(ctx, id, func(p *Payment) error {
		if p.Status != StatusForwarded {
			return fmt.Errorf("%w: cannot confirm a %s payment", ErrStateConflict, p.Status)
		}
		adapter, err := s.chains.Get(p.Chain)
		if err != nil {
			return err
		}
		if required := adapter.Params().Confirmations; confirmations < required {
			return fmt.Errorf("%w: %d of %d confirmations", ErrInsufficientConfirmations, confirmations, required)
		}
		now := s.now()
		p.Status = StatusConfirmed
		p.ConfirmedAt = &now
		if err := s.commit(ctx, p, StatusForwarded); err != nil {
			return err
		}
		s.logger.Info("payment confirmed", "paymentId", p.ID, "txHash", p.ForwardTxHash)
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// ExpireStale expires unpaid payments past their deadline.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	batch, err := s.store.ListExpiredPending(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, candidate := range batch {
		err := s.withLock(ctx, candidate.ID, func(p *Payment) error {
			if p.Status != StatusPending || !p.ExpiresAt.Before(now) {
				return nil
			}
			p.Status = StatusExpired
			if err := s.commit(ctx, p, StatusPending); err != nil {
				return err
			}
			if err := s.addrs.Retire(ctx, p.AddressID); err != nil {
				s.logger.Warn("failed to retire expired payment address", "paymentId", p.ID, "error", err)
			}
			expired++
			return nil
		})
		if err != nil {
			s.logger.Warn("failed to expire payment", "paymentId", candidate.ID, "error", err)
		}
	}
	return expired, nil
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// AwaitingConfirmation lists forwarded payments on c.
func (s *Service) AwaitingConfirmation(ctx context.Context, c chain.ID, limit int) ([]*Payment, error) {
	return s.store.ListByStatus(ctx, c, StatusForwarded, limit)
}

// FeePending lists payments on c with a deferred fee leg.
func (s *Service) FeePending(ctx context.Context, c chain.ID, limit int) ([]*Payment, error) {
	return s.store.ListFeePending(ctx, c, limit)
}

// ForwardFailed lists paid payments on c whose forward failed.
func (s *Service) ForwardFailed(ctx context.Context, c chain.ID, limit int) ([]*Payment, error) {
	return s.store.ListForwardFailed(ctx, c, limit)
}

func (s *Service) withLock(ctx context.Context, id string, fn func(p *Payment) error) error {
	unlock, err := s.locker.Acquire(ctx, lockKeyPrefix+id)
	if err != nil {
		if errors.Is(err, syncutil.ErrLockTimeout) {
			metrics.LockTimeoutsTotal.Inc()
		}
		return err
	}
	defer unlock()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return fn(p)
}

func (s *Service) commit(ctx context.Context, p *Payment, from Status) error {
	p.UpdatedAt = s.now()
	if err := s.store.Update(ctx, p, from); err != nil {
		return err
	}
	if p.Status != from {
		metrics.PaymentsTotal.WithLabelValues(string(p.Chain), string(p.Status)).Inc()
	}
	return nil
}
