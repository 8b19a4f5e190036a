// Package monitor polls each configured chain for deposits to active
// payment addresses and tracks settlement transactions to their required
// confirmation depth.
//
// Every chain gets its own ChainMonitor with its own ticker, checkpoint and
// circuit breaker, so one node outage never stalls the other chains.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/settlegate/internal/addresses"
	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/circuitbreaker"
	"github.com/mbd888/settlegate/internal/eventlog"
	"github.com/mbd888/settlegate/internal/metrics"
	"github.com/mbd888/settlegate/internal/retry"
	"github.com/mbd888/settlegate/internal/traces"
)

const (
	trackBatchSize = 100

	// unboundedLookback is the first-run window for chains without a scan cap.
	unboundedLookback = 150

	defaultFeeRetryInterval = 10 * time.Minute
)

// Config holds per-monitor tuning. Zero values take defaults.
type Config struct {
	// PollInterval overrides the chain's default tick.
	PollInterval time.Duration
	// FeeRetryInterval is the minimum gap between fee leg retry passes.
	FeeRetryInterval time.Duration
	// Policy wraps Head and Deposits calls.
	Policy *retry.Policy
}

// ChainMonitor watches one chain.
type ChainMonitor struct {
	adapter     chain.Adapter
	params      chain.Params
	addrs       AddressTracker
	handler     DepositHandler
	escrows     EscrowSettler
	payments    PaymentSettler
	checkpoints CheckpointStore
	breaker     *circuitbreaker.Breaker
	policy      retry.Policy
	interval    time.Duration
	feeEvery    time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu           sync.Mutex
	lastFeeRetry time.Time
	lastTick     time.Time
	lastErr      error
}

// New creates a monitor for adapter. handler applies deposits; escrows and
// payments receive confirmation tracking and fee retries and may be nil.
func New(
	adapter chain.Adapter,
	addrs AddressTracker,
	handler DepositHandler,
	escrows EscrowSettler,
	pays PaymentSettler,
	checkpoints CheckpointStore,
	breaker *circuitbreaker.Breaker,
	cfg Config,
	logger *slog.Logger,
) *ChainMonitor {
	params := adapter.Params()
	if logger == nil {
		logger = slog.Default()
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, time.Minute)
	}
	m := &ChainMonitor{
		adapter:     adapter,
		params:      params,
		addrs:       addrs,
		handler:     handler,
		escrows:     escrows,
		payments:    pays,
		checkpoints: checkpoints,
		breaker:     breaker,
		policy:      retry.DefaultPolicy(),
		interval:    params.PollInterval,
		feeEvery:    defaultFeeRetryInterval,
		logger:      logger.With("component", "monitor", "chain", params.Chain),
		now:         time.Now,
	}
	if cfg.PollInterval > 0 {
		m.interval = cfg.PollInterval
	}
	if m.interval <= 0 {
		m.interval = 30 * time.Second
	}
	if cfg.FeeRetryInterval > 0 {
		m.feeEvery = cfg.FeeRetryInterval
	}
	if cfg.Policy != nil {
		m.policy = *cfg.Policy
	}
	m.policy.Retryable = chain.IsTransient
	return m
}

// Chain returns the monitored chain.
func (m *ChainMonitor) Chain() chain.ID { return m.params.Chain }

// Run polls until ctx is cancelled. An in-flight tick always finishes.
func (m *ChainMonitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started", "interval", m.interval, "confirmations", m.params.Confirmations)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.safeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return nil
		case <-ticker.C:
			m.safeTick(ctx)
		}
	}
}

func (m *ChainMonitor) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MonitorErrorsTotal.WithLabelValues(string(m.params.Chain)).Inc()
			m.logger.Error("monitor tick panicked", "panic", fmt.Sprint(r))
		}
	}()
	// Shutdown stops new ticks; a tick that started runs to completion.
	tickCtx := context.WithoutCancel(ctx)
	if err := m.Tick(tickCtx); err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			m.logger.Debug("monitor skipped, circuit open")
			return
		}
		m.logger.Warn("monitor tick failed", "error", err)
	}
}

// Tick runs one scan and tracking pass.
func (m *ChainMonitor) Tick(ctx context.Context) error {
	ctx, span := traces.StartSpan(ctx, "monitor.Tick", traces.Chain(string(m.params.Chain)))
	var tickErr error
	defer func() { traces.End(span, tickErr) }()

	start := m.now()
	defer func() {
		metrics.MonitorTickDuration.WithLabelValues(string(m.params.Chain)).Observe(time.Since(start).Seconds())
	}()

	tickErr = m.breaker.Call(string(m.params.Chain), func() error {
		if err := m.scan(ctx); err != nil {
			return err
		}
		return m.track(ctx)
	})
	if tickErr != nil && !errors.Is(tickErr, circuitbreaker.ErrOpen) {
		metrics.MonitorErrorsTotal.WithLabelValues(string(m.params.Chain)).Inc()
	}

	m.mu.Lock()
	m.lastTick = start
	m.lastErr = tickErr
	m.mu.Unlock()
	return tickErr
}

// scan reads the next block window for deposits to active addresses and
// advances the checkpoint when every deposit in it was applied.
func (m *ChainMonitor) scan(ctx context.Context) error {
	var head uint64
	if err := m.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		head, err = m.adapter.Head(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("head: %w", err)
	}

	cp, ok, err := m.checkpoints.Load(ctx, m.params.Chain)
	if err != nil {
		return err
	}
	if !ok {
		cp = saturatingSub(head, m.lookback())
		m.logger.Info("no checkpoint, starting near head", "head", head, "from", cp)
	}
	if head <= cp {
		return nil
	}
	to := head
	if m.params.MaxScanBatch > 0 && to-cp > m.params.MaxScanBatch {
		to = cp + m.params.MaxScanBatch
	}
	from := cp + 1

	active, err := m.addrs.ListActive(ctx, m.params.Chain)
	if err != nil {
		return fmt.Errorf("list active addresses: %w", err)
	}
	if len(active) > 0 {
		if err := m.applyDeposits(ctx, active, from, to); err != nil {
			return err
		}
	}

	if err := m.checkpoints.Save(ctx, m.params.Chain, to); err != nil {
		return err
	}
	metrics.MonitorHeight.WithLabelValues(string(m.params.Chain)).Set(float64(to))
	return nil
}

func (m *ChainMonitor) applyDeposits(ctx context.Context, active []*addresses.PaymentAddress, from, to uint64) error {
	byAddr := make(map[string]*addresses.PaymentAddress, len(active))
	watch := make([]string, 0, len(active))
	for _, a := range active {
		byAddr[a.Address] = a
		watch = append(watch, a.Address)
	}

	var deposits []chain.Deposit
	if err := m.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		deposits, err = m.adapter.Deposits(ctx, watch, from, to)
		return err
	}); err != nil {
		return fmt.Errorf("deposits %d..%d: %w", from, to, err)
	}

	var errs []error
	seen := make(map[string]bool, len(deposits))
	for _, d := range deposits {
		addr, ok := byAddr[d.Address]
		if !ok || d.Amount == nil || d.Amount.Sign() <= 0 {
			continue
		}
		key := d.TxHash + "|" + d.Address
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := m.handler.HandleDeposit(ctx, addr, d, m.params.Decimals); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("deposits %d..%d: %w", from, to, errors.Join(errs...))
	}
	return nil
}

// track advances released escrows and forwarded payments to their final
// state and retries deferred fee legs.
func (m *ChainMonitor) track(ctx context.Context) error {
	var errs []error
	if m.escrows != nil {
		errs = append(errs, m.trackEscrows(ctx))
	}
	if m.payments != nil {
		errs = append(errs, m.trackPayments(ctx))
	}
	if m.feeRetryDue() {
		if m.escrows != nil {
			errs = append(errs, m.retryEscrowFees(ctx))
		}
		if m.payments != nil {
			errs = append(errs, m.retryPaymentFees(ctx))
		}
	}
	return errors.Join(errs...)
}

func (m *ChainMonitor) trackEscrows(ctx context.Context) error {
	list, err := m.escrows.AwaitingSettlement(ctx, m.params.Chain, trackBatchSize)
	if err != nil {
		return fmt.Errorf("list released escrows: %w", err)
	}
	var errs []error
	for _, e := range list {
		confs, failed, err := m.depth(ctx, e.SettlementTxHash)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if failed {
			if _, err := m.escrows.MarkSettlementFailed(ctx, e.ID, e.SettlementTxHash, onChainFailure); err != nil {
				m.logger.Warn("mark settlement failed", "escrow", e.ID, "error", err)
			}
			continue
		}
		if confs < m.params.Confirmations {
			continue
		}
		if _, err := m.escrows.MarkSettled(ctx, e.ID, confs); err != nil {
			m.logger.Warn("mark settled failed", "escrow", e.ID, "error", err)
		}
	}
	return errors.Join(errs...)
}

func (m *ChainMonitor) trackPayments(ctx context.Context) error {
	list, err := m.payments.AwaitingConfirmation(ctx, m.params.Chain, trackBatchSize)
	if err != nil {
		return fmt.Errorf("list forwarded payments: %w", err)
	}
	var errs []error
	for _, p := range list {
		confs, failed, err := m.depth(ctx, p.ForwardTxHash)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if failed {
			if _, err := m.payments.MarkForwardFailed(ctx, p.ID, p.ForwardTxHash, onChainFailure); err != nil {
				m.logger.Warn("mark forward failed", "payment", p.ID, "error", err)
			}
			continue
		}
		if confs < m.params.Confirmations {
			continue
		}
		if _, err := m.payments.MarkConfirmed(ctx, p.ID, confs); err != nil {
			m.logger.Warn("mark confirmed failed", "payment", p.ID, "error", err)
		}
	}
	return errors.Join(errs...)
}

const onChainFailure = "transaction failed on chain"

// depth returns the confirmation count of hash and whether the transaction
// was mined but failed. Transient node errors are returned; a missing
// transaction reports zero.
func (m *ChainMonitor) depth(ctx context.Context, hash string) (uint64, bool, error) {
	if hash == "" {
		return 0, false, nil
	}
	st, err := m.adapter.TxStatus(ctx, hash)
	if err != nil {
		if chain.IsTransient(err) {
			return 0, false, fmt.Errorf("status %s: %w", hash, err)
		}
		m.logger.Warn("tx status failed", "tx", hash, "error", err)
		return 0, false, nil
	}
	if st.Failed {
		return 0, true, nil
	}
	if !st.Found {
		return 0, false, nil
	}
	return st.Confirmations, false, nil
}

func (m *ChainMonitor) retryEscrowFees(ctx context.Context) error {
	list, err := m.escrows.FeePending(ctx, m.params.Chain, trackBatchSize)
	if err != nil {
		return fmt.Errorf("list fee pending escrows: %w", err)
	}
	for _, e := range list {
		if _, err := m.escrows.RetryFeeForward(ctx, e.ID, eventlog.ActorSystem); err != nil {
			m.logger.Warn("fee retry failed", "escrow", e.ID, "error", err)
		}
	}
	return nil
}

func (m *ChainMonitor) retryPaymentFees(ctx context.Context) error {
	list, err := m.payments.FeePending(ctx, m.params.Chain, trackBatchSize)
	if err != nil {
		return fmt.Errorf("list fee pending payments: %w", err)
	}
	for _, p := range list {
		if _, err := m.payments.RetryFeeForward(ctx, p.ID); err != nil {
			m.logger.Warn("fee retry failed", "payment", p.ID, "error", err)
		}
	}
	return nil
}

func (m *ChainMonitor) feeRetryDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !m.lastFeeRetry.IsZero() && now.Sub(m.lastFeeRetry) < m.feeEvery {
		return false
	}
	m.lastFeeRetry = now
	return true
}

// Status is a snapshot for health reporting.
type Status struct {
	Chain    chain.ID  `json:"chain"`
	LastTick time.Time `json:"lastTick"`
	Healthy  bool      `json:"healthy"`
	Error    string    `json:"error,omitempty"`
	Breaker  string    `json:"breaker"`
	// RetryAt is set while the breaker is open.
	RetryAt *time.Time `json:"retryAt,omitempty"`
}

// Status reports the outcome of the most recent tick.
func (m *ChainMonitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.breaker.Snapshot(string(m.params.Chain))
	s := Status{
		Chain:    m.params.Chain,
		LastTick: m.lastTick,
		Healthy:  m.lastErr == nil,
		Breaker:  snap.State.String(),
	}
	if !snap.RetryAt.IsZero() {
		s.RetryAt = &snap.RetryAt
	}
	if m.lastErr != nil {
		s.Error = m.lastErr.Error()
	}
	return s
}

func (m *ChainMonitor) lookback() uint64 {
	if m.params.MaxScanBatch > 0 {
		return m.params.MaxScanBatch
	}
	return unboundedLookback
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
