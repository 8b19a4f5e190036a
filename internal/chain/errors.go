package chain

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedChain = errors.New("chain: unsupported chain")
	ErrInvalidAddress   = errors.New("chain: invalid address")
	ErrNoKey            = errors.New("chain: no key material configured")
	ErrUnavailable      = errors.New("chain: node unavailable")
	ErrRejected         = errors.New("chain: transaction rejected")
	ErrNoInputs         = errors.New("chain: no spendable inputs")
	ErrAmountTooSmall   = errors.New("chain: amount does not cover network fee")
)

// Error carries the chain and operation of a failed adapter call.
type Error struct {
	Chain  ID
	Op     string
	TxHash string
	Err    error
}

func (e *Error) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s %s (tx %s): %v", e.Chain, e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Chain, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Unavailable wraps a transport or node failure. These are retried.
func Unavailable(id ID, op string, err error) error {
	return &Error{Chain: id, Op: op, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
}

// Rejected wraps a broadcast the network refused.
func Rejected(id ID, op, txHash string, err error) error {
	return &Error{Chain: id, Op: op, TxHash: txHash, Err: fmt.Errorf("%w: %v", ErrRejected, err)}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
