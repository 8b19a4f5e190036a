// Package solana implements chain.Adapter for native SOL transfers.
//
// Deposit keys are SLIP-10 ed25519 children of a seed at
// m/44'/501'/index'/0'. Solana has no block-range log query for native
// transfers, so deposits are discovered per watched address from its
// signature history.
package solana

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/keys"
)

const (
	coinType = 501
	// LamportsPerSignature is the base fee of a single-signer transaction.
	LamportsPerSignature = 5000
	historyLimit         = 25
)

var maxTxVersion uint64 = 0

// Client is the subset of rpc.Client the adapter uses.
type Client interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBalance(ctx context.Context, account sol.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account sol.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, sig sol.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (sol.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...sol.Signature) (*rpc.GetSignatureStatusesResult, error)
	Close() error
}

// Config configures the adapter.
type Config struct {
	RPCURL string
	Seed   *keys.EdSeed
	Params *chain.Params
}

// Option configures the adapter.
type Option func(*Adapter)

// WithClient sets a custom RPC client (useful for testing).
func WithClient(c Client) Option {
	return func(a *Adapter) { a.client = c }
}

// Adapter talks to a Solana RPC node.
type Adapter struct {
	params chain.Params
	client Client
	seed   *keys.EdSeed
}

// New builds the adapter.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	params, _ := chain.DefaultParams(chain.SOL)
	if cfg.Params != nil {
		params = *cfg.Params
	}
	a := &Adapter{params: params, seed: cfg.Seed}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		if cfg.RPCURL == "" {
			return nil, errors.New("solana: RPC URL required")
		}
		a.client = rpc.New(cfg.RPCURL)
	}
	return a, nil
}

func (a *Adapter) Params() chain.Params { return a.params }

func (a *Adapter) ValidateAddress(addr string) error {
	if _, err := sol.PublicKeyFromBase58(addr); err != nil {
		return fmt.Errorf("%w: %q", chain.ErrInvalidAddress, addr)
	}
	return nil
}

func (a *Adapter) privateKey(index uint32) (sol.PrivateKey, error) {
	if a.seed == nil {
		return nil, chain.ErrNoKey
	}
	return sol.PrivateKey(a.seed.Account(coinType, index)), nil
}

func (a *Adapter) DeriveAddress(index uint32) (string, error) {
	pk, err := a.privateKey(index)
	if err != nil {
		return "", err
	}
	return pk.PublicKey().String(), nil
}

func (a *Adapter) Head(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, chain.CallTimeout)
	defer cancel()
	slot, err := a.client.GetSlot(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, chain.Unavailable(chain.SOL, "head", err)
	}
	return slot, nil
}

// Deposits reports successful transactions in slots [from, to] that raised
// a watched account's balance.
func (a *Adapter) Deposits(ctx context.Context, watch []string, from, to uint64) ([]chain.Deposit, error) {
	var out []chain.Deposit
	for _, addr := range watch {
		pub, err := sol.PublicKeyFromBase58(addr)
		if err != nil {
			continue
		}
		deps, err := a.accountDeposits(ctx, pub, from, to)
		if err != nil {
			return nil, err
		}
		out = append(out, deps...)
	}
	return out, nil
}

func (a *Adapter) accountDeposits(ctx context.Context, pub sol.PublicKey, from, to uint64) ([]chain.Deposit, error) {
	ctx, cancel := context.WithTimeout(ctx, chain.CallTimeout)
	defer cancel()

	limit := historyLimit
	sigs, err := a.client.GetSignaturesForAddressWithOpts(ctx, pub, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, chain.Unavailable(chain.SOL, "signatures", err)
	}

	var out []chain.Deposit
	for _, s := range sigs {
		if s.Err != nil || s.Slot < from || s.Slot > to {
			continue
		}
		res, err := a.client.GetTransaction(ctx, s.Signature, &rpc.GetTransactionOpts{
			Encoding:                       sol.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxTxVersion,
		})
		if err != nil {
			return nil, chain.Unavailable(chain.SOL, "transaction", err)
		}
		if res == nil || res.Meta == nil || res.Meta.Err != nil || res.Transaction == nil {
			continue
		}
		tx, err := res.Transaction.GetTransaction()
		if err != nil {
			continue
		}
		for i, key := range tx.Message.AccountKeys {
			if !key.Equals(pub) || i >= len(res.Meta.PreBalances) || i >= len(res.Meta.PostBalances) {
				continue
			}
			pre, post := res.Meta.PreBalances[i], res.Meta.PostBalances[i]
			if post > pre {
				out = append(out, chain.Deposit{
					TxHash:  s.Signature.String(),
					Address: pub.String(),
					Amount:  new(big.Int).SetUint64(post - pre),
					Height:  s.Slot,
				})
			}
		}
	}
	return out, nil
}

func (a *Adapter) Balance(ctx context.Context, addr string) (*big.Int, error) {
	pub, err := sol.PublicKeyFromBase58(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", chain.ErrInvalidAddress, addr)
	}
	ctx, cancel := context.WithTimeout(ctx, chain.CallTimeout)
	defer cancel()
	res, err := a.client.GetBalance(ctx, pub, rpc.CommitmentConfirmed)
	if err != nil {
		return nil, chain.Unavailable(chain.SOL, "balance", err)
	}
	return new(big.Int).SetUint64(res.Value), nil
}

func (a *Adapter) TxStatus(ctx context.Context, txHash string) (chain.TxStatus, error) {
	sig, err := sol.SignatureFromBase58(txHash)
	if err != nil {
		return chain.TxStatus{}, fmt.Errorf("solana: signature %q: %w", txHash, err)
	}
	ctx, cancel := context.WithTimeout(ctx, chain.CallTimeout)
	defer cancel()
	res, err := a.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return chain.TxStatus{}, chain.Unavailable(chain.SOL, "status", err)
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return chain.TxStatus{}, nil
	}
	st := res.Value[0]
	out := chain.TxStatus{Found: true, Failed: st.Err != nil}
	switch {
	case st.ConfirmationStatus == rpc.ConfirmationStatusFinalized || st.Confirmations == nil:
		// Finalized transactions no longer report a count.
		out.Confirmations = a.params.Confirmations
	default:
		out.Confirmations = *st.Confirmations
	}
	return out, nil
}

// Prepare signs one transaction with a system transfer per output. The
// signature fee is taken from the first output.
func (a *Adapter) Prepare(ctx context.Context, t chain.Transfer) (*chain.SignedTx, error) {
	if len(t.Outputs) == 0 {
		return nil, errors.New("solana: no outputs")
	}
	priv, err := a.privateKey(t.FromIndex)
	if err != nil {
		return nil, err
	}
	from := priv.PublicKey()
	if from.String() != t.FromAddress {
		return nil, fmt.Errorf("solana: index %d derives %s, not %s", t.FromIndex, from, t.FromAddress)
	}

	netFee := big.NewInt(LamportsPerSignature)
	instructions := make([]sol.Instruction, 0, len(t.Outputs))
	for i, o := range t.Outputs {
		to, err := sol.PublicKeyFromBase58(o.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", chain.ErrInvalidAddress, o.Address)
		}
		lamports := new(big.Int).Set(o.Amount)
		if i == 0 {
			lamports.Sub(lamports, netFee)
		}
		if lamports.Sign() <= 0 || !lamports.IsUint64() {
			return nil, chain.ErrAmountTooSmall
		}
		instructions = append(instructions, system.NewTransferInstruction(lamports.Uint64(), from, to).Build())
	}

	cctx, cancel := context.WithTimeout(ctx, chain.CallTimeout)
	defer cancel()
	bh, err := a.client.GetLatestBlockhash(cctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, chain.Unavailable(chain.SOL, "blockhash", err)
	}

	tx, err := sol.NewTransaction(instructions, bh.Value.Blockhash, sol.TransactionPayer(from))
	if err != nil {
		return nil, err
	}
	if _, err := tx.Sign(func(key sol.PublicKey) *sol.PrivateKey {
		if key.Equals(from) {
			return &priv
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("solana: sign: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &chain.SignedTx{
		Chain:      chain.SOL,
		Hash:       tx.Signatures[0].String(),
		Raw:        raw,
		NetworkFee: netFee,
	}, nil
}

func (a *Adapter) Broadcast(ctx context.Context, stx *chain.SignedTx) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, chain.CallTimeout)
	defer cancel()
	sig, err := a.client.SendRawTransactionWithOpts(ctx, stx.Raw, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err == nil {
		return sig.String(), nil
	}
	// A rebroadcast of a landed transaction fails preflight; the signature
	// is what matters.
	if st, serr := a.TxStatus(ctx, stx.Hash); serr == nil && st.Found {
		return stx.Hash, nil
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return "", chain.Rejected(chain.SOL, "broadcast", stx.Hash, err)
	}
	return "", chain.Unavailable(chain.SOL, "broadcast", err)
}

func (a *Adapter) Close() error { return a.client.Close() }

var _ chain.Adapter = (*Adapter)(nil)
