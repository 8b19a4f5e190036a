// Package reconciliation cross-checks escrow rows against their event log
// and against the balances actually held on chain.
//
// It never changes state. Findings are reported, logged and exported as
// metrics for an operator to act on.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/settlegate/internal/amount"
	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/escrow"
	"github.com/mbd888/settlegate/internal/eventlog"
	"github.com/mbd888/settlegate/internal/metrics"
	"github.com/mbd888/settlegate/internal/pagination"
)

// EscrowSource lists escrows and their audit trail.
type EscrowSource interface {
	List(ctx context.Context, f escrow.Filter) (*escrow.Page, error)
	Events(ctx context.Context, id string) ([]*eventlog.Event, error)
}

// Kind classifies a finding.
type Kind string

const (
	KindEventDrift   Kind = "event_drift"   // replayed events disagree with the row status
	KindBalanceShort Kind = "balance_short" // address holds less than the recorded deposit
	KindStuckPending Kind = "stuck_pending" // expiry sweep did not pick the escrow up
	KindStuckRelease Kind = "stuck_release" // settlement transaction never reached depth
	KindCheckFailed  Kind = "check_failed"  // a check could not run
)

// Mismatch is one finding.
type Mismatch struct {
	EscrowID string   `json:"escrowId"`
	Chain    chain.ID `json:"chain"`
	Kind     Kind     `json:"kind"`
	Detail   string   `json:"detail"`
}

// Report is the outcome of one run.
type Report struct {
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
	Checked    int           `json:"checked"`
	Mismatches []Mismatch    `json:"mismatches"`
}

// Match reports whether the run found nothing.
func (r *Report) Match() bool { return len(r.Mismatches) == 0 }

const (
	pageSize = 200
	maxPages = 50

	defaultPendingGrace = 10 * time.Minute
	defaultReleaseGrace = 6 * time.Hour
)

// Service runs reconciliation checks.
type Service struct {
	escrows      EscrowSource
	chains       *chain.Registry
	pendingGrace time.Duration
	releaseGrace time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a reconciliation service.
func NewService(escrows EscrowSource, chains *chain.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		escrows:      escrows,
		chains:       chains,
		pendingGrace: defaultPendingGrace,
		releaseGrace: defaultReleaseGrace,
		logger:       logger.With("component", "reconciliation"),
		now:          time.Now,
	}
}

// SetGrace overrides how late a pending escrow or a release may be before
// it is flagged.
func (s *Service) SetGrace(pending, release time.Duration) {
	if pending > 0 {
		s.pendingGrace = pending
	}
	if release > 0 {
		s.releaseGrace = release
	}
}

// Run checks every live escrow. Errors listing escrows abort the run;
// per-escrow failures become check_failed findings.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := s.now()
	rep := &Report{StartedAt: start, Mismatches: []Mismatch{}}

	for _, st := range []escrow.Status{escrow.StatusPending, escrow.StatusFunded, escrow.StatusDisputed, escrow.StatusReleased} {
		if err := s.scan(ctx, st, rep); err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("reconcile %s escrows: %w", st, err)
		}
	}

	rep.Duration = s.now().Sub(start)
	s.record(rep)
	return rep, nil
}

func (s *Service) scan(ctx context.Context, st escrow.Status, rep *Report) error {
	f := escrow.Filter{Status: st, Limit: pageSize}
	for page := 0; page < maxPages; page++ {
		res, err := s.escrows.List(ctx, f)
		if err != nil {
			return err
		}
		for _, e := range res.Escrows {
			rep.Checked++
			rep.Mismatches = append(rep.Mismatches, s.check(ctx, e)...)
		}
		if !res.HasMore {
			return nil
		}
		cur, err := pagination.Decode(res.NextCursor)
		if err != nil {
			return err
		}
		f.Cursor = cur
	}
	s.logger.Warn("reconciliation page limit reached", "status", st)
	return nil
}

func (s *Service) check(ctx context.Context, e *escrow.Escrow) []Mismatch {
	var out []Mismatch
	add := func(k Kind, format string, args ...any) {
		out = append(out, Mismatch{EscrowID: e.ID, Chain: e.Chain, Kind: k, Detail: fmt.Sprintf(format, args...)})
	}

	events, err := s.escrows.Events(ctx, e.ID)
	if err != nil {
		add(KindCheckFailed, "events: %v", err)
	} else if replayed := Replay(events); replayed != e.Status {
		add(KindEventDrift, "row is %s, events replay to %s", e.Status, replayed)
	}

	now := s.now()
	switch e.Status {
	case escrow.StatusPending:
		if now.After(e.ExpiresAt.Add(s.pendingGrace)) {
			add(KindStuckPending, "expired at %s", e.ExpiresAt.UTC().Format(time.RFC3339))
		}
	case escrow.StatusFunded, escrow.StatusDisputed:
		short, err := s.checkBalance(ctx, e)
		switch {
		case err != nil:
			add(KindCheckFailed, "balance: %v", err)
		case short != "":
			add(KindBalanceShort, "%s", short)
		}
	case escrow.StatusReleased:
		if e.ReleasedAt != nil && now.After(e.ReleasedAt.Add(s.releaseGrace)) {
			add(KindStuckRelease, "released at %s, tx %s", e.ReleasedAt.UTC().Format(time.RFC3339), e.SettlementTxHash)
		}
	}
	return out
}

// checkBalance returns a description when the escrow address holds less
// than the recorded deposit.
func (s *Service) checkBalance(ctx context.Context, e *escrow.Escrow) (string, error) {
	a, err := s.chains.Get(e.Chain)
	if err != nil {
		return "", err
	}
	want := amount.ToUnits(e.DepositedAmount, a.Params().Decimals)
	have, err := a.Balance(ctx, e.EscrowAddress)
	if err != nil {
		return "", err
	}
	if have.Cmp(want) < 0 {
		return fmt.Sprintf("address %s holds %s of %s units", e.EscrowAddress, have, want), nil
	}
	return "", nil
}

// Replay folds an event trail into the status it implies.
func Replay(events []*eventlog.Event) escrow.Status {
	var st escrow.Status
	for _, ev := range events {
		switch ev.Type {
		case eventlog.TypeCreated:
			st = escrow.StatusPending
		case eventlog.TypeFunded:
			st = escrow.StatusFunded
		case eventlog.TypeReleased:
			st = escrow.StatusReleased
		case eventlog.TypeSettled:
			st = escrow.StatusSettled
		case eventlog.TypeDisputed:
			st = escrow.StatusDisputed
		case eventlog.TypeRefunded:
			st = escrow.StatusRefunded
		case eventlog.TypeExpired:
			st = escrow.StatusExpired
		}
	}
	return st
}

func (s *Service) record(rep *Report) {
	counts := make(map[Kind]int)
	for _, m := range rep.Mismatches {
		counts[m.Kind]++
	}
	for _, k := range []Kind{KindEventDrift, KindBalanceShort, KindStuckPending, KindStuckRelease, KindCheckFailed} {
		reconcileMismatches.WithLabelValues(string(k)).Set(float64(counts[k]))
		if counts[k] > 0 {
			metrics.ReconciliationMismatches.WithLabelValues(string(k)).Add(float64(counts[k]))
		}
	}
	reconcileDuration.Observe(rep.Duration.Seconds())
	metrics.ReconciliationLastRun.SetToCurrentTime()

	if rep.Match() {
		s.logger.Info("reconciliation clean", "checked", rep.Checked, "duration", rep.Duration)
		return
	}
	for _, m := range rep.Mismatches {
		s.logger.Warn("reconciliation mismatch", "escrowId", m.EscrowID, "chain", m.Chain, "kind", m.Kind, "detail", m.Detail)
	}
}
