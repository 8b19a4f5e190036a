// Package escrow holds crypto deposits until they are released to a
// beneficiary or refunded to the depositor.
//
// Flow:
//  1. Create allocates a one-time deposit address → pending
//  2. The monitor sees the deposit → funded
//  3. Release (release token or arbiter) forwards funds minus the fee → released
//  4. The forward reaches the chain's confirmation depth → settled
//
// A funded escrow can instead be refunded in full, or disputed and then
// resolved by its arbiter. Pending escrows past their deadline expire.
// Every transition runs under a per-escrow lock and appends exactly one
// event to the escrow's log.
package escrow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/pagination"
)

var (
	ErrValidation                = errors.New("escrow: validation failed")
	ErrEscrowNotFound            = errors.New("escrow: not found")
	ErrStateConflict             = errors.New("escrow: invalid status for this operation")
	ErrAlreadyFunded             = errors.New("escrow: already funded by a different transaction")
	ErrInsufficientFunds         = errors.New("escrow: deposit does not cover the payout")
	ErrUnauthorized              = errors.New("escrow: not authorized for this operation")
	ErrInsufficientConfirmations = errors.New("escrow: settlement not yet final")
)

// ValidationError names the offending input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("escrow: invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Status represents the state of an escrow.
type Status string

const (
	StatusPending  Status = "pending"  // address allocated, awaiting deposit
	StatusFunded   Status = "funded"   // deposit observed
	StatusReleased Status = "released" // forward broadcast, awaiting depth
	StatusSettled  Status = "settled"  // forward final
	StatusDisputed Status = "disputed" // awaiting arbiter
	StatusRefunded Status = "refunded" // deposit returned to depositor
	StatusExpired  Status = "expired"  // never funded
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSettled, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFunded, StatusReleased, StatusSettled,
		StatusDisputed, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// Action is a state machine input.
type Action string

const (
	ActionFund    Action = "fund"
	ActionExpire  Action = "expire"
	ActionRelease Action = "release"
	ActionRefund  Action = "refund"
	ActionDispute Action = "dispute"
	ActionSettle  Action = "settle"
)

// transitions is the complete state machine. Pairs not listed are rejected.
var transitions = map[Status]map[Action]Status{
	StatusPending: {
		ActionFund:   StatusFunded,
		ActionExpire: StatusExpired,
	},
	StatusFunded: {
		ActionRelease: StatusReleased,
		ActionRefund:  StatusRefunded,
		ActionDispute: StatusDisputed,
	},
	StatusDisputed: {
		ActionRelease: StatusReleased,
		ActionRefund:  StatusRefunded,
	},
	StatusReleased: {
		ActionSettle: StatusSettled,
	},
}

// Next returns the status reached by applying a to from.
func Next(from Status, a Action) (Status, error) {
	if to, ok := transitions[from][a]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: cannot %s a %s escrow", ErrStateConflict, a, from)
}

// Escrow is a conditional hold of funds at a one-time address.
type Escrow struct {
	ID                 string   `json:"id"`
	Chain              chain.ID `json:"chain"`
	DepositorAddress   string   `json:"depositorAddress"`
	BeneficiaryAddress string   `json:"beneficiaryAddress"`
	ArbiterAddress     string   `json:"arbiterAddress,omitempty"`
	BusinessID         string   `json:"businessId,omitempty"`

	Amount            decimal.Decimal `json:"amount"`
	AmountUSD         decimal.Decimal `json:"amountUsd"`
	FeeAmount         decimal.Decimal `json:"feeAmount"`
	DepositedAmount   decimal.Decimal `json:"depositedAmount"`
	BeneficiaryAmount decimal.Decimal `json:"beneficiaryAmount"`

	EscrowAddressID string `json:"escrowAddressId"`
	EscrowAddress   string `json:"escrowAddress"`

	Status           Status `json:"status"`
	DepositTxHash    string `json:"depositTxHash,omitempty"`
	SettlementTxHash string `json:"settlementTxHash,omitempty"`
	FeeTxHash        string `json:"feeTxHash,omitempty"`

	FeeForwardPending bool   `json:"feeForwardPending"`
	SettlementFailed  bool   `json:"settlementFailed"`
	SettlementMode    string `json:"settlementMode,omitempty"`
	LastError         string `json:"lastError,omitempty"`
	ForwardGeneration int    `json:"forwardGeneration"`

	ReleaseTokenHash     string `json:"-"`
	BeneficiaryTokenHash string `json:"-"`

	DisputeReason     string          `json:"disputeReason,omitempty"`
	DisputeResolution string          `json:"disputeResolution,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	FundedAt   *time.Time `json:"fundedAt,omitempty"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	SettledAt  *time.Time `json:"settledAt,omitempty"`
	DisputedAt *time.Time `json:"disputedAt,omitempty"`
	RefundedAt *time.Time `json:"refundedAt,omitempty"`
	ExpiredAt  *time.Time `json:"expiredAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	cp.Metadata = append(json.RawMessage(nil), e.Metadata...)
	for _, p := range []**time.Time{&cp.FundedAt, &cp.ReleasedAt, &cp.SettledAt, &cp.DisputedAt, &cp.RefundedAt, &cp.ExpiredAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &cp
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Chain              string          `json:"chain" binding:"required"`
	Amount             string          `json:"amount" binding:"required"`
	DepositorAddress   string          `json:"depositorAddress" binding:"required"`
	BeneficiaryAddress string          `json:"beneficiaryAddress" binding:"required"`
	ArbiterAddress     string          `json:"arbiterAddress"`
	BusinessID         string          `json:"businessId"`
	ExpiresInHours     int             `json:"expiresInHours"`
	Metadata           json.RawMessage `json:"metadata"`
}

// CreateResult is the only place capability tokens appear in plaintext.
type CreateResult struct {
	Escrow           *Escrow `json:"escrow"`
	ReleaseToken     string  `json:"releaseToken"`
	BeneficiaryToken string  `json:"beneficiaryToken"`
}

// Caller identifies who is asking for a transition.
type Caller struct {
	// Token is a release or beneficiary capability token.
	Token string
	// AuthAddr is the identity set by the authentication layer.
	AuthAddr string
	// Operator marks trusted internal callers such as the operator CLI.
	Operator bool
}

// Resolution is an arbiter's decision on a dispute.
type Resolution string

const (
	ResolveRelease Resolution = "release"
	ResolveRefund  Resolution = "refund"
)

// Filter scopes List. At least one of Status, Depositor, Beneficiary or
// BusinessID must be set.
type Filter struct {
	Status      Status
	Depositor   string
	Beneficiary string
	BusinessID  string
	Chain       chain.ID
	Limit       int
	Cursor      *pagination.Cursor
}

// Scoped reports whether f narrows the result set enough to run.
func (f Filter) Scoped() bool {
	return f.Status != "" || f.Depositor != "" || f.Beneficiary != "" || f.BusinessID != ""
}

// Page is one page of List results.
type Page struct {
	Escrows    []*Escrow `json:"escrows"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

const (
	DefaultExpiry     = 24 * time.Hour
	MaxExpiryHours    = 24 * 365
	MaxMetadataBytes  = 64 << 10
	MaxReasonLength   = 2000
	DefaultListLimit  = 50
	MaxListLimit      = 200
	sweepBatchSize    = 100
	lockKeyPrefix     = "escrow:"
	tokenPrefixRel    = "rel_"
	tokenPrefixBen    = "ben_"
	escrowIDPrefix    = "esc_"
	defaultFeeBps     = 100
	maxResolutionNote = 2000
)
