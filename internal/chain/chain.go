// Package chain defines the per-chain adapter contract used by the settlement
// engine. Every blockchain the gateway supports is reached through an Adapter;
// nothing above this package branches on the chain identifier.
//
// An adapter covers three concerns:
//
//   - inbound: head height, deposit discovery and balances
//   - outbound: building, signing and broadcasting transfers
//   - key material: deriving one-time deposit addresses by index
package chain

import (
	"context"
	"math/big"
	"strings"
	"time"
)

// ID identifies a supported chain.
type ID string

const (
	BTC ID = "btc"
	BCH ID = "bch"
	ETH ID = "eth"
	POL ID = "pol"
	SOL ID = "sol"
)

// ParseID normalizes a user supplied chain name.
func ParseID(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := defaultParams[id]; !ok {
		return "", ErrUnsupportedChain
	}
	return id, nil
}

// Params are the static properties of a chain.
type Params struct {
	Chain         ID
	Symbol        string
	Decimals      int32         // smallest unit exponent (8 for BTC, 18 for ETH)
	Confirmations uint64        // depth required before a settlement is final
	PollInterval  time.Duration // monitor tick
	SupportsSplit bool          // one transaction may pay several outputs
	MaxScanBatch  uint64        // blocks or slots scanned per tick
}

var defaultParams = map[ID]Params{
	BTC: {Chain: BTC, Symbol: "BTC", Decimals: 8, Confirmations: 2, PollInterval: 60 * time.Second, SupportsSplit: true, MaxScanBatch: 6},
	BCH: {Chain: BCH, Symbol: "BCH", Decimals: 8, Confirmations: 6, PollInterval: 60 * time.Second, SupportsSplit: true, MaxScanBatch: 6},
	ETH: {Chain: ETH, Symbol: "ETH", Decimals: 18, Confirmations: 12, PollInterval: 15 * time.Second, SupportsSplit: false, MaxScanBatch: 50},
	POL: {Chain: POL, Symbol: "POL", Decimals: 18, Confirmations: 64, PollInterval: 5 * time.Second, SupportsSplit: false, MaxScanBatch: 100},
	SOL: {Chain: SOL, Symbol: "SOL", Decimals: 9, Confirmations: 32, PollInterval: 5 * time.Second, SupportsSplit: true, MaxScanBatch: 0},
}

// DefaultParams returns the built-in parameters for id.
func DefaultParams(id ID) (Params, bool) {
	p, ok := defaultParams[id]
	return p, ok
}

// Deposit is an inbound transfer to a watched address.
type Deposit struct {
	TxHash  string
	Address string
	Amount  *big.Int // smallest units
	Height  uint64
}

// Output is one recipient of a transfer.
type Output struct {
	Address string
	Amount  *big.Int
}

// Transfer describes an outbound payment from a derived deposit address.
// The network fee is deducted from Outputs[0].
type Transfer struct {
	FromIndex   uint32
	FromAddress string
	// FundingTxHashes are transactions that paid FromAddress. UTXO adapters
	// spend their outputs; account based adapters ignore them.
	FundingTxHashes []string
	Outputs         []Output
	FeeRate         *big.Int // smallest units per adapter-defined unit; nil for node estimate
	IdempotencyKey  string
}

// Total is the sum of all output amounts.
func (t Transfer) Total() *big.Int {
	sum := new(big.Int)
	for _, o := range t.Outputs {
		sum.Add(sum, o.Amount)
	}
	return sum
}

// SignedTx is a fully signed transaction ready for broadcast. Hash is known
// before broadcast, so a retry can look the transaction up instead of
// signing a new one.
type SignedTx struct {
	Chain      ID
	Hash       string
	Raw        []byte
	NetworkFee *big.Int
}

// TxStatus is the on-chain state of a transaction.
type TxStatus struct {
	Found         bool
	Confirmations uint64
	Failed        bool
}

// Adapter is implemented once per chain family.
type Adapter interface {
	Params() Params
	ValidateAddress(addr string) error
	DeriveAddress(index uint32) (string, error)

	Head(ctx context.Context) (uint64, error)
	Deposits(ctx context.Context, watch []string, from, to uint64) ([]Deposit, error)
	Balance(ctx context.Context, addr string) (*big.Int, error)
	TxStatus(ctx context.Context, txHash string) (TxStatus, error)

	Prepare(ctx context.Context, t Transfer) (*SignedTx, error)
	Broadcast(ctx context.Context, tx *SignedTx) (string, error)

	Close() error
}

// CallTimeout bounds any single remote call made by an adapter.
const CallTimeout = 30 * time.Second
