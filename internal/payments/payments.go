// Package payments handles direct merchant payments: a customer pays a
// one-time address and the funds are forwarded to the merchant wallet with
// the platform fee split off. There is no hold and no dispute.
package payments

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlegate/internal/chain"
)

var (
	ErrValidation                = errors.New("payments: validation failed")
	ErrPaymentNotFound           = errors.New("payments: not found")
	ErrStateConflict             = errors.New("payments: invalid status for this operation")
	ErrAlreadyPaid               = errors.New("payments: already paid by a different transaction")
	ErrInsufficientConfirmations = errors.New("payments: forward not yet final")
)

// Status represents the state of a payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusForwarded Status = "forwarded"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
)

// Payment is a one-shot payment to a merchant.
type Payment struct {
	ID              string          `json:"id"`
	BusinessID      string          `json:"businessId"`
	Chain           chain.ID        `json:"chain"`
	Amount          decimal.Decimal `json:"amount"`
	AmountUSD       decimal.Decimal `json:"amountUsd"`
	MerchantAddress string          `json:"merchantAddress"`
	AddressID       string          `json:"addressId"`
	Address         string          `json:"address"`
	Status          Status          `json:"status"`

	DepositTxHash   string          `json:"depositTxHash,omitempty"`
	DepositedAmount decimal.Decimal `json:"depositedAmount"`
	FeeAmount       decimal.Decimal `json:"feeAmount"`
	ForwardTxHash   string          `json:"forwardTxHash,omitempty"`
	FeeTxHash       string          `json:"feeTxHash,omitempty"`

	FeeForwardPending bool   `json:"feeForwardPending"`
	ForwardFailed     bool   `json:"forwardFailed"`
	LastError         string `json:"lastError,omitempty"`
	ForwardGeneration int    `json:"forwardGeneration"`

	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	ForwardedAt *time.Time `json:"forwardedAt,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy.
func (p *Payment) Clone() *Payment {
	cp := *p
	for _, t := range []**time.Time{&cp.PaidAt, &cp.ForwardedAt, &cp.ConfirmedAt} {
		if *t != nil {
			v := **t
			*t = &v
		}
	}
	return &cp
}

// CreateRequest contains the parameters for a new payment.
type CreateRequest struct {
	Chain            string `json:"chain" binding:"required"`
	Amount           string `json:"amount" binding:"required"`
	MerchantAddress  string `json:"merchantAddress" binding:"required"`
	BusinessID       string `json:"businessId" binding:"required"`
	ExpiresInMinutes int    `json:"expiresInMinutes"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

const (
	DefaultExpiry    = time.Hour
	MaxExpiryMinutes = 7 * 24 * 60
	paymentIDPrefix  = "pay_"
	lockKeyPrefix    = "payment:"
	sweepBatchSize   = 100
)
