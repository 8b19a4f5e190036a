package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlegate/internal/amount"
	"github.com/mbd888/settlegate/internal/chain"
)

// FeePolicy computes the platform fee for a release.
type FeePolicy interface {
	Fee(c chain.ID, deposited decimal.Decimal) decimal.Decimal
}

// BasisPoints charges a fixed fraction of the deposit, optionally per chain.
type BasisPoints struct {
	Default  int64
	PerChain map[chain.ID]int64
}

// DefaultFeePolicy charges 100 bps (1%).
func DefaultFeePolicy() BasisPoints {
	return BasisPoints{Default: defaultFeeBps}
}

func (b BasisPoints) Fee(c chain.ID, deposited decimal.Decimal) decimal.Decimal {
	bps := b.Default
	if v, ok := b.PerChain[c]; ok {
		bps = v
	}
	return amount.BasisPoints(deposited, bps)
}

// FeeFunc adapts a function to FeePolicy.
type FeeFunc func(c chain.ID, deposited decimal.Decimal) decimal.Decimal

func (f FeeFunc) Fee(c chain.ID, deposited decimal.Decimal) decimal.Decimal { return f(c, deposited) }

// Payout is the split of a deposit between recipient and fee.
type Payout struct {
	Fee     decimal.Decimal // as computed, not truncated
	Send    decimal.Decimal // truncated to chain precision
	Clamped bool            // fee exceeded the deposit and was zeroed
}

// ComputePayout splits deposited into fee and amount to send. A fee larger
// than the deposit is clamped to zero. The only permitted loss is the
// sub-unit remainder dropped by truncation.
func ComputePayout(deposited, fee decimal.Decimal, decimals int32) (Payout, error) {
	var p Payout
	if fee.IsNegative() {
		fee = decimal.Zero
	}
	if fee.GreaterThan(deposited) {
		fee = decimal.Zero
		p.Clamped = true
	}
	p.Fee = fee
	p.Send = amount.Truncate(deposited.Sub(fee), decimals)
	if !p.Send.IsPositive() {
		return p, fmt.Errorf("%w: send %s after fee %s", ErrInsufficientFunds, p.Send, fee)
	}
	if !amount.WithinUnit(p.Send.Add(p.Fee), deposited, decimals) {
		return p, fmt.Errorf("escrow: payout %s + %s does not conserve deposit %s", p.Send, p.Fee, deposited)
	}
	return p, nil
}

// RefundPayout returns the whole deposit with no fee.
func RefundPayout(deposited decimal.Decimal, decimals int32) (Payout, error) {
	send := amount.Truncate(deposited, decimals)
	if !send.IsPositive() {
		return Payout{}, fmt.Errorf("%w: nothing to refund", ErrInsufficientFunds)
	}
	return Payout{Fee: decimal.Zero, Send: send}, nil
}
