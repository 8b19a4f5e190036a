// Package evm implements chain.Adapter for Ethereum-compatible networks
// (ETH mainnet, Polygon PoS) using native-coin transfers.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/keys"
)

// TransferGas is the gas limit of a plain value transfer.
const TransferGas = uint64(21000)

// Client is the subset of ethclient.Client the adapter uses.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	Close()
}

// Config configures an EVM adapter.
type Config struct {
	Chain     chain.ID // chain.ETH or chain.POL
	RPCURL    string
	NetworkID int64 // EIP-155 chain id; 1 for mainnet, 137 for Polygon
	Key       *keys.HDKey
	Params    *chain.Params // overrides DefaultParams when set
}

// Option configures the adapter.
type Option func(*Adapter)

// WithClient sets a custom client (useful for testing).
func WithClient(c Client) Option {
	return func(a *Adapter) { a.client = c }
}

// Adapter talks to one EVM network.
type Adapter struct {
	params  chain.Params
	client  Client
	key     *keys.HDKey
	chainID *big.Int
	signer  types.Signer
}

// New creates an adapter, dialing the RPC endpoint unless WithClient is given.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	params, ok := chain.DefaultParams(cfg.Chain)
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnsupportedChain, cfg.Chain)
	}
	if cfg.Params != nil {
		params = *cfg.Params
	}
	if cfg.NetworkID == 0 {
		return nil, errors.New("evm: network id required")
	}

	a := &Adapter{
		params:  params,
		key:     cfg.Key,
		chainID: big.NewInt(cfg.NetworkID),
	}
	a.signer = types.LatestSignerForChainID(a.chainID)
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		if cfg.RPCURL == "" {
			return nil, errors.New("evm: RPC URL required")
		}
		c, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, chain.Unavailable(params.Chain, "dial", err)
		}
		a.client = c
	}
	return a, nil
}

func (a *Adapter) Params() chain.Params { return a.params }

func (a *Adapter) ValidateAddress(addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("%w: %q", chain.ErrInvalidAddress, addr)
	}
	return nil
}

func (a *Adapter) DeriveAddress(index uint32) (string, error) {
	if a.key == nil {
		return "", chain.ErrNoKey
	}
	pub, err := a.key.Public(index)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*pub.ToECDSA()).Hex(), nil
}

func (a *Adapter) Head(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, chain.CallTimeout)
	defer cancel()
	n, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, chain.Unavailable(a.params.Chain, "head", err)
	}
	return n, nil
}

// Deposits scans blocks in [from, to] for value transfers to watched
// addresses. Transfers made by contract internal calls are not visible here.
func (a *Adapter) Deposits(ctx context.Context, watch []string, from, to uint64) ([]chain.Deposit, error) {
	if len(watch) == 0 || from > to {
		return nil, nil
	}
	set := make(map[string]string, len(watch))
	for _, w := range watch {
		set[strings.ToLower(w)] = w
	}

	var out []chain.Deposit
	for n := from; n <= to; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		block, err := a.blockByNumber(ctx, n)
		if err != nil {
			return nil, chain.Unavailable(a.params.Chain, "block", err)
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil || tx.Value().Sign() <= 0 {
				continue
			}
			addr, ok := set[strings.ToLower(tx.To().Hex())]
			if !ok {
				continue
			}
			out = append(out, chain.Deposit{
				TxHash:  tx.Hash().Hex(),
				Address: addr,
				Amount:  new(big.Int).Set(tx.Value()),
				Height:  n,
			})
		}
	}
	return out, nil
}

func (a *Adapter) blockByNumber(ctx context.Context, n uint64) (*types.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, chain.CallTimeout)
	defer cancel()
	return a.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
}

func (a *Adapter) Balance(ctx context.Context, addr string) (*big.Int, error) {
	if err := a.ValidateAddress(addr); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, chain.CallTimeout)
	defer cancel()
	bal, err := a.client.BalanceAt(ctx, common.HexToAddress(addr), nil)
	if err != nil {
		return nil, chain.Unavailable(a.params.Chain, "balance", err)
	}
	return bal, nil
}

func (a *Adapter) TxStatus(ctx context.Context, txHash string) (chain.TxStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, chain.CallTimeout)
	defer cancel()
	hash := common.HexToHash(txHash)

	receipt, err := a.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		_, _, terr := a.client.TransactionByHash(ctx, hash)
		if errors.Is(terr, ethereum.NotFound) {
			return chain.TxStatus{}, nil
		}
		if terr != nil {
			return chain.TxStatus{}, chain.Unavailable(a.params.Chain, "tx", terr)
		}
		// Known to the node but not mined yet.
		return chain.TxStatus{Found: true}, nil
	}
	if err != nil {
		return chain.TxStatus{}, chain.Unavailable(a.params.Chain, "receipt", err)
	}

	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return chain.TxStatus{}, chain.Unavailable(a.params.Chain, "head", err)
	}
	var confs uint64
	if mined := receipt.BlockNumber.Uint64(); head >= mined {
		confs = head - mined + 1
	}
	return chain.TxStatus{
		Found:         true,
		Confirmations: confs,
		Failed:        receipt.Status == types.ReceiptStatusFailed,
	}, nil
}

// Prepare signs a legacy value transfer. Account based transfers have a
// single recipient; the gas cost is taken from that output.
func (a *Adapter) Prepare(ctx context.Context, t chain.Transfer) (*chain.SignedTx, error) {
	if len(t.Outputs) != 1 {
		return nil, fmt.Errorf("evm: %d outputs requested, one supported", len(t.Outputs))
	}
	if a.key == nil {
		return nil, chain.ErrNoKey
	}
	sk, err := a.key.Private(t.FromIndex)
	if err != nil {
		return nil, err
	}
	priv, err := crypto.ToECDSA(sk.Serialize())
	if err != nil {
		return nil, err
	}
	from := crypto.PubkeyToAddress(priv.PublicKey)
	if !strings.EqualFold(from.Hex(), t.FromAddress) {
		return nil, fmt.Errorf("evm: index %d derives %s, not %s", t.FromIndex, from.Hex(), t.FromAddress)
	}
	out := t.Outputs[0]
	if err := a.ValidateAddress(out.Address); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, chain.CallTimeout)
	defer cancel()

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, chain.Unavailable(a.params.Chain, "nonce", err)
	}
	gasPrice := t.FeeRate
	if gasPrice == nil || gasPrice.Sign() <= 0 {
		gasPrice, err = a.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, chain.Unavailable(a.params.Chain, "gas_price", err)
		}
	}

	netFee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(TransferGas))
	value := new(big.Int).Sub(out.Amount, netFee)
	if value.Sign() <= 0 {
		return nil, chain.ErrAmountTooSmall
	}

	to := common.HexToAddress(out.Address)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      TransferGas,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, a.signer, priv)
	if err != nil {
		return nil, fmt.Errorf("evm: sign: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &chain.SignedTx{
		Chain:      a.params.Chain,
		Hash:       signed.Hash().Hex(),
		Raw:        raw,
		NetworkFee: netFee,
	}, nil
}

func (a *Adapter) Broadcast(ctx context.Context, stx *chain.SignedTx) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(stx.Raw); err != nil {
		return "", chain.Rejected(a.params.Chain, "decode", stx.Hash, err)
	}

	ctx, cancel := context.WithTimeout(ctx, chain.CallTimeout)
	defer cancel()

	err := a.client.SendTransaction(ctx, tx)
	if err == nil {
		return tx.Hash().Hex(), nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already known") {
		return tx.Hash().Hex(), nil
	}
	if strings.Contains(msg, "nonce too low") {
		// Either this exact transaction was mined already or another one
		// used the nonce.
		if st, serr := a.TxStatus(ctx, tx.Hash().Hex()); serr == nil && st.Found {
			return tx.Hash().Hex(), nil
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return "", chain.Rejected(a.params.Chain, "broadcast", stx.Hash, err)
	}
	return "", chain.Unavailable(a.params.Chain, "broadcast", err)
}

func (a *Adapter) Close() error {
	a.client.Close()
	return nil
}

var _ chain.Adapter = (*Adapter)(nil)
