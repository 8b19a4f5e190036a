// Package admin provides operator endpoints for resolving stuck settlements.
// Every route is mounted behind auth.RequireAdmin; escrowctl is the client.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/escrow"
	"github.com/mbd888/settlegate/internal/eventlog"
	"github.com/mbd888/settlegate/internal/monitor"
	"github.com/mbd888/settlegate/internal/payments"
	"github.com/mbd888/settlegate/internal/reconciliation"
)

// EscrowService is the subset of the escrow engine operators drive.
type EscrowService interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
	RetryFeeForward(ctx context.Context, id string, actor eventlog.Actor) (*escrow.Escrow, error)
	RetrySettlement(ctx context.Context, id string) (*escrow.Escrow, error)
	Events(ctx context.Context, id string) ([]*eventlog.Event, error)
	EventFeed(ctx context.Context, afterID int64, limit int) ([]*eventlog.Event, error)
}

// PaymentService is the subset of the payments service operators drive.
type PaymentService interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
	RetryForward(ctx context.Context, id string) (*payments.Payment, error)
	RetryFeeForward(ctx context.Context, id string) (*payments.Payment, error)
	ForwardFailed(ctx context.Context, c chain.ID, limit int) ([]*payments.Payment, error)
}

// ReconciliationRunner runs an on-demand reconciliation pass.
type ReconciliationRunner interface {
	Run(ctx context.Context) (*reconciliation.Report, error)
}

// ReconciliationHistory exposes the latest scheduled pass.
type ReconciliationHistory interface {
	Last() (*reconciliation.Report, error)
}

// MonitorStatus reports per-chain monitor health.
type MonitorStatus interface {
	Statuses() []monitor.Status
}

var (
	_ EscrowService         = (*escrow.Service)(nil)
	_ PaymentService        = (*payments.Service)(nil)
	_ ReconciliationRunner  = (*reconciliation.Service)(nil)
	_ ReconciliationHistory = (*reconciliation.Timer)(nil)
	_ MonitorStatus         = (*monitor.Supervisor)(nil)
)
