package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlegate/internal/addresses"
	"github.com/mbd888/settlegate/internal/amount"
	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/escrow"
	"github.com/mbd888/settlegate/internal/eventlog"
	"github.com/mbd888/settlegate/internal/metrics"
	"github.com/mbd888/settlegate/internal/payments"
)

// AddressTracker is the slice of the address allocator the monitor uses.
type AddressTracker interface {
	ListActive(ctx context.Context, c chain.ID) ([]*addresses.PaymentAddress, error)
	MarkUsed(ctx context.Context, id, txHash string) (bool, error)
}

// EscrowSettler is the escrow engine surface driven by the monitor.
type EscrowSettler interface {
	MarkFunded(ctx context.Context, id, txHash string, deposited decimal.Decimal) (*escrow.Escrow, error)
	AwaitingSettlement(ctx context.Context, c chain.ID, limit int) ([]*escrow.Escrow, error)
	MarkSettled(ctx context.Context, id string, confirmations uint64) (*escrow.Escrow, error)
	MarkSettlementFailed(ctx context.Context, id, txHash, reason string) (*escrow.Escrow, error)
	FeePending(ctx context.Context, c chain.ID, limit int) ([]*escrow.Escrow, error)
	RetryFeeForward(ctx context.Context, id string, actor eventlog.Actor) (*escrow.Escrow, error)
}

// PaymentSettler is the direct payment surface driven by the monitor.
type PaymentSettler interface {
	HandleDeposit(ctx context.Context, id, txHash string, deposited decimal.Decimal) (*payments.Payment, error)
	AwaitingConfirmation(ctx context.Context, c chain.ID, limit int) ([]*payments.Payment, error)
	MarkConfirmed(ctx context.Context, id string, confirmations uint64) (*payments.Payment, error)
	MarkForwardFailed(ctx context.Context, id, txHash, reason string) (*payments.Payment, error)
	FeePending(ctx context.Context, c chain.ID, limit int) ([]*payments.Payment, error)
	RetryFeeForward(ctx context.Context, id string) (*payments.Payment, error)
}

// DepositHandler applies one detected deposit to the entity owning the
// address. A returned error means the deposit must be seen again.
type DepositHandler interface {
	HandleDeposit(ctx context.Context, addr *addresses.PaymentAddress, d chain.Deposit, decimals int32) error
}

// Router dispatches deposits by owner kind and flips the address to used.
type Router struct {
	addrs    AddressTracker
	escrows  EscrowSettler
	payments PaymentSettler
	logger   *slog.Logger
}

// NewRouter creates a router. escrows or payments may be nil when that
// product is disabled.
func NewRouter(addrs AddressTracker, escrows EscrowSettler, pays PaymentSettler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{addrs: addrs, escrows: escrows, payments: pays, logger: logger}
}

func (r *Router) HandleDeposit(ctx context.Context, addr *addresses.PaymentAddress, d chain.Deposit, decimals int32) error {
	value := amount.FromUnits(d.Amount, decimals)
	log := r.logger.With("chain", addr.Chain, "address", addr.Address, "owner", addr.OwnerID, "tx", d.TxHash)

	var err error
	switch addr.OwnerKind {
	case addresses.OwnerEscrow:
		if r.escrows == nil {
			return fmt.Errorf("monitor: escrow deposit %s with no escrow engine", d.TxHash)
		}
		_, err = r.escrows.MarkFunded(ctx, addr.OwnerID, d.TxHash, value)
	case addresses.OwnerPayment:
		if r.payments == nil {
			return fmt.Errorf("monitor: payment deposit %s with no payment service", d.TxHash)
		}
		_, err = r.payments.HandleDeposit(ctx, addr.OwnerID, d.TxHash, value)
	default:
		log.Error("deposit to address with unknown owner kind", "kind", addr.OwnerKind)
		return nil
	}

	switch {
	case err == nil:
		metrics.DepositsDetected.WithLabelValues(string(addr.Chain), string(addr.OwnerKind)).Inc()
		log.Info("deposit applied", "amount", value.String())
	case isLate(err):
		metrics.LateDepositsTotal.WithLabelValues(string(addr.Chain)).Inc()
		log.Warn("deposit cannot be applied, funds need manual handling",
			"amount", value.String(), "error", err)
	default:
		return fmt.Errorf("apply deposit %s: %w", d.TxHash, err)
	}

	if _, err := r.addrs.MarkUsed(ctx, addr.ID, d.TxHash); err != nil {
		return fmt.Errorf("mark address %s used: %w", addr.ID, err)
	}
	return nil
}

// isLate reports errors that no retry will fix: the owner already moved on
// or the record is gone.
func isLate(err error) bool {
	return errors.Is(err, escrow.ErrStateConflict) ||
		errors.Is(err, escrow.ErrAlreadyFunded) ||
		errors.Is(err, escrow.ErrEscrowNotFound) ||
		errors.Is(err, escrow.ErrValidation) ||
		errors.Is(err, payments.ErrStateConflict) ||
		errors.Is(err, payments.ErrAlreadyPaid) ||
		errors.Is(err, payments.ErrPaymentNotFound) ||
		errors.Is(err, payments.ErrValidation)
}
