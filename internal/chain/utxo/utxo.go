// Package utxo implements chain.Adapter for Bitcoin and Bitcoin Cash nodes
// over their JSON-RPC interface.
//
// Deposit addresses are native segwit (P2WPKH) on BTC and legacy P2PKH on
// BCH. BCH inputs are signed with SIGHASH_FORKID, whose digest is the BIP143
// algorithm with the fork id folded into the hash type.
package utxo

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/mbd888/settlegate/internal/chain"
	"github.com/mbd888/settlegate/internal/keys"
)

const (
	// DustLimit is the smallest output relayed by default policy.
	DustLimit = 546

	sigHashForkID txscript.SigHashType = 0x40

	// Virtual sizes used for fee estimation.
	txOverheadVSize   = 11
	p2wpkhInputVSize  = 68
	p2pkhInputSize    = 148
	outputVSize       = 34
	defaultFeeRateSat = 2
)

// Client is the subset of rpcclient.Client the adapter uses.
type Client interface {
	GetBlockCount() (int64, error)
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetBlockVerboseTx(blockHash *chainhash.Hash) (*btcjson.GetBlockVerboseTxResult, error)
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetTxOut(txHash *chainhash.Hash, index uint32, mempool bool) (*btcjson.GetTxOutResult, error)
	SendRawTransaction(tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
	Shutdown()
}

// Config configures a UTXO adapter.
type Config struct {
	Chain   chain.ID // chain.BTC or chain.BCH
	Host    string   // host:port of the node RPC
	User    string
	Pass    string
	TLS     bool
	Network string // mainnet, testnet or regtest
	Key     *keys.HDKey
	Params  *chain.Params
}

// Option configures the adapter.
type Option func(*Adapter)

// WithClient sets a custom RPC client (useful for testing).
func WithClient(c Client) Option {
	return func(a *Adapter) { a.client = c }
}

// Adapter talks to one bitcoind-compatible node.
type Adapter struct {
	params chain.Params
	net    *chaincfg.Params
	client Client
	key    *keys.HDKey
	forkID bool
}

// New builds an adapter and connects to the node unless WithClient is given.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	params, ok := chain.DefaultParams(cfg.Chain)
	if !ok || (cfg.Chain != chain.BTC && cfg.Chain != chain.BCH) {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnsupportedChain, cfg.Chain)
	}
	if cfg.Params != nil {
		params = *cfg.Params
	}

	a := &Adapter{
		params: params,
		net:    networkParams(cfg.Network),
		key:    cfg.Key,
		forkID: cfg.Chain == chain.BCH,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		if cfg.Host == "" {
			return nil, errors.New("utxo: RPC host required")
		}
		c, err := rpcclient.New(&rpcclient.ConnConfig{
			Host:         cfg.Host,
			User:         cfg.User,
			Pass:         cfg.Pass,
			HTTPPostMode: true,
			DisableTLS:   !cfg.TLS,
		}, nil)
		if err != nil {
			return nil, chain.Unavailable(params.Chain, "dial", err)
		}
		a.client = c
	}
	return a, nil
}

func networkParams(name string) *chaincfg.Params {
	switch name {
	case "testnet":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

func (a *Adapter) Params() chain.Params { return a.params }

func (a *Adapter) ValidateAddress(addr string) error {
	_, err := a.decode(addr)
	return err
}

func (a *Adapter) decode(addr string) (btcutil.Address, error) {
	dec, err := btcutil.DecodeAddress(addr, a.net)
	if err != nil || !dec.IsForNet(a.net) {
		return nil, fmt.Errorf("%w: %q", chain.ErrInvalidAddress, addr)
	}
	if a.forkID {
		switch dec.(type) {
		case *btcutil.AddressPubKeyHash, *btcutil.AddressScriptHash:
		default:
			return nil, fmt.Errorf("%w: %q is not a legacy address", chain.ErrInvalidAddress, addr)
		}
	}
	return dec, nil
}

// depositAddress encodes the address a child public key receives on.
func (a *Adapter) depositAddress(pub *btcec.PublicKey) (btcutil.Address, error) {
	h := btcutil.Hash160(pub.SerializeCompressed())
	if a.forkID {
		return btcutil.NewAddressPubKeyHash(h, a.net)
	}
	return btcutil.NewAddressWitnessPubKeyHash(h, a.net)
}

func (a *Adapter) DeriveAddress(index uint32) (string, error) {
	if a.key == nil {
		return "", chain.ErrNoKey
	}
	pub, err := a.key.Public(index)
	if err != nil {
		return "", err
	}
	addr, err := a.depositAddress(pub)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// call runs a blocking RPC so that ctx and chain.CallTimeout still apply.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, chain.CallTimeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (a *Adapter) Head(ctx context.Context) (uint64, error) {
	n, err := call(ctx, a.client.GetBlockCount)
	if err != nil {
		return 0, chain.Unavailable(a.params.Chain, "head", err)
	}
	if n < 0 {
		return 0, nil
	}
	return uint64(n), nil
}

// Deposits walks blocks in [from, to] and sums outputs paying watched
// addresses, one deposit per (tx, address).
func (a *Adapter) Deposits(ctx context.Context, watch []string, from, to uint64) ([]chain.Deposit, error) {
	if len(watch) == 0 || from > to {
		return nil, nil
	}
	set := make(map[string]bool, len(watch))
	for _, w := range watch {
		set[w] = true
	}

	var out []chain.Deposit
	for h := from; h <= to; h++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		height := int64(h) //nolint:gosec // block heights fit in int64
		hash, err := call(ctx, func() (*chainhash.Hash, error) { return a.client.GetBlockHash(height) })
		if err != nil {
			return nil, chain.Unavailable(a.params.Chain, "block_hash", err)
		}
		blk, err := call(ctx, func() (*btcjson.GetBlockVerboseTxResult, error) { return a.client.GetBlockVerboseTx(hash) })
		if err != nil {
			return nil, chain.Unavailable(a.params.Chain, "block", err)
		}

		for _, tx := range blk.Tx {
			sums := make(map[string]*big.Int)
			var order []string
			for _, vout := range tx.Vout {
				addr := a.outputAddress(vout.ScriptPubKey.Hex)
				if addr == "" || !set[addr] {
					continue
				}
				sats, err := btcutil.NewAmount(vout.Value)
				if err != nil || sats <= 0 {
					continue
				}
				if _, seen := sums[addr]; !seen {
					sums[addr] = new(big.Int)
					order = append(order, addr)
				}
				sums[addr].Add(sums[addr], big.NewInt(int64(sats)))
			}
			for _, addr := range order {
				out = append(out, chain.Deposit{TxHash: tx.Txid, Address: addr, Amount: sums[addr], Height: h})
			}
		}
	}
	return out, nil
}

func (a *Adapter) outputAddress(scriptHex string) string {
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return ""
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, a.net)
	if err != nil || len(addrs) != 1 {
		return ""
	}
	return addrs[0].EncodeAddress()
}

// Balance sums the address's unspent outputs with scantxoutset, which does
// not require the node wallet or an address index.
func (a *Adapter) Balance(ctx context.Context, addr string) (*big.Int, error) {
	if err := a.ValidateAddress(addr); err != nil {
		return nil, err
	}
	action, _ := json.Marshal("start")
	desc, _ := json.Marshal([]map[string]string{{"desc": "addr(" + addr + ")"}})
	raw, err := call(ctx, func() (json.RawMessage, error) {
		return a.client.RawRequest("scantxoutset", []json.RawMessage{action, desc})
	})
	if err != nil {
		return nil, chain.Unavailable(a.params.Chain, "balance", err)
	}
	var res struct {
		TotalAmount float64 `json:"total_amount"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, chain.Unavailable(a.params.Chain, "balance", err)
	}
	sats, err := btcutil.NewAmount(res.TotalAmount)
	if err != nil {
		return nil, err
	}
	return big.NewInt(int64(sats)), nil
}

func (a *Adapter) TxStatus(ctx context.Context, txHash string) (chain.TxStatus, error) {
	h, err := chainhash.NewHashFromStr(txHash)
	if err != nil {
		return chain.TxStatus{}, fmt.Errorf("utxo: tx hash %q: %w", txHash, err)
	}
	res, err := call(ctx, func() (*btcjson.TxRawResult, error) { return a.client.GetRawTransactionVerbose(h) })
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo {
			return chain.TxStatus{}, nil
		}
		return chain.TxStatus{}, chain.Unavailable(a.params.Chain, "tx", err)
	}
	return chain.TxStatus{Found: true, Confirmations: res.Confirmations}, nil
}

type input struct {
	outpoint wire.OutPoint
	value    int64
}

// spendable collects unspent outputs of the funding transactions that pay
// pkScript.
func (a *Adapter) spendable(ctx context.Context, funding []string, pkScript []byte) ([]input, error) {
	want := hex.EncodeToString(pkScript)
	var ins []input
	for _, id := range funding {
		h, err := chainhash.NewHashFromStr(id)
		if err != nil {
			return nil, fmt.Errorf("utxo: funding tx %q: %w", id, err)
		}
		tx, err := call(ctx, func() (*btcjson.TxRawResult, error) { return a.client.GetRawTransactionVerbose(h) })
		if err != nil {
			return nil, chain.Unavailable(a.params.Chain, "funding_tx", err)
		}
		for _, vout := range tx.Vout {
			if !strings.EqualFold(vout.ScriptPubKey.Hex, want) {
				continue
			}
			n := vout.N
			utxo, err := call(ctx, func() (*btcjson.GetTxOutResult, error) { return a.client.GetTxOut(h, n, true) })
			if err != nil {
				return nil, chain.Unavailable(a.params.Chain, "txout", err)
			}
			if utxo == nil {
				continue // already spent
			}
			sats, err := btcutil.NewAmount(vout.Value)
			if err != nil {
				return nil, err
			}
			ins = append(ins, input{outpoint: *wire.NewOutPoint(h, n), value: int64(sats)})
		}
	}
	return ins, nil
}

// Prepare builds and signs a transaction spending every unspent output the
// funding transactions paid to FromAddress. Value left over after the
// requested outputs returns to FromAddress as change.
func (a *Adapter) Prepare(ctx context.Context, t chain.Transfer) (*chain.SignedTx, error) {
	if len(t.Outputs) == 0 {
		return nil, errors.New("utxo: no outputs")
	}
	if a.key == nil {
		return nil, chain.ErrNoKey
	}
	priv, err := a.key.Private(t.FromIndex)
	if err != nil {
		return nil, err
	}
	pub := priv.PubKey()
	fromAddr, err := a.depositAddress(pub)
	if err != nil {
		return nil, err
	}
	if fromAddr.EncodeAddress() != t.FromAddress {
		return nil, fmt.Errorf("utxo: index %d derives %s, not %s", t.FromIndex, fromAddr.EncodeAddress(), t.FromAddress)
	}
	pkScript, err := txscript.PayToAddrScript(fromAddr)
	if err != nil {
		return nil, err
	}

	ins, err := a.spendable(ctx, t.FundingTxHashes, pkScript)
	if err != nil {
		return nil, err
	}
	if len(ins) == 0 {
		return nil, chain.ErrNoInputs
	}
	var total int64
	for _, in := range ins {
		total += in.value
	}
	requested := t.Total()
	if !requested.IsInt64() || requested.Int64() > total {
		return nil, fmt.Errorf("%w: need %s, have %d", chain.ErrNoInputs, requested, total)
	}
	change := total - requested.Int64()

	feeRate := int64(defaultFeeRateSat)
	if t.FeeRate != nil && t.FeeRate.Sign() > 0 {
		feeRate = t.FeeRate.Int64()
	}
	nOut := len(t.Outputs)
	if change > DustLimit {
		nOut++
	}
	inSize := p2wpkhInputVSize
	if a.forkID {
		inSize = p2pkhInputSize
	}
	netFee := feeRate * int64(txOverheadVSize+len(ins)*inSize+nOut*outputVSize)

	tx := wire.NewMsgTx(2)
	for _, in := range ins {
		txIn := wire.NewTxIn(&in.outpoint, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 2 // opt in to replace-by-fee
		tx.AddTxIn(txIn)
	}
	for i, o := range t.Outputs {
		dest, err := a.decode(o.Address)
		if err != nil {
			return nil, err
		}
		script, err := txscript.PayToAddrScript(dest)
		if err != nil {
			return nil, err
		}
		value := o.Amount.Int64()
		if i == 0 {
			value -= netFee
		}
		if value < DustLimit {
			return nil, chain.ErrAmountTooSmall
		}
		tx.AddTxOut(wire.NewTxOut(value, script))
	}
	if change > DustLimit {
		tx.AddTxOut(wire.NewTxOut(change, pkScript))
	}

	if err := a.sign(tx, ins, pkScript, priv); err != nil {
		return nil, fmt.Errorf("utxo: sign: %w", err)
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return &chain.SignedTx{
		Chain:      a.params.Chain,
		Hash:       tx.TxHash().String(),
		Raw:        buf.Bytes(),
		NetworkFee: big.NewInt(netFee),
	}, nil
}

func (a *Adapter) sign(tx *wire.MsgTx, ins []input, pkScript []byte, priv *btcec.PrivateKey) error {
	prev := make(map[wire.OutPoint]*wire.TxOut, len(ins))
	for _, in := range ins {
		prev[in.outpoint] = wire.NewTxOut(in.value, pkScript)
	}
	sigHashes := txscript.NewTxSigHashes(tx, txscript.NewMultiPrevOutFetcher(prev))

	for i, in := range ins {
		if !a.forkID {
			wit, err := txscript.WitnessSignature(tx, sigHashes, i, in.value, pkScript, txscript.SigHashAll, priv, true)
			if err != nil {
				return err
			}
			tx.TxIn[i].Witness = wit
			continue
		}

		hashType := txscript.SigHashAll | sigHashForkID
		digest, err := txscript.CalcWitnessSigHash(pkScript, sigHashes, hashType, tx, i, in.value)
		if err != nil {
			return err
		}
		sig := ecdsa.Sign(priv, digest)
		script, err := txscript.NewScriptBuilder().
			AddData(append(sig.Serialize(), byte(hashType))).
			AddData(priv.PubKey().SerializeCompressed()).
			Script()
		if err != nil {
			return err
		}
		tx.TxIn[i].SignatureScript = script
	}
	return nil
}

func (a *Adapter) Broadcast(ctx context.Context, stx *chain.SignedTx) (string, error) {
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(stx.Raw)); err != nil {
		return "", chain.Rejected(a.params.Chain, "decode", stx.Hash, err)
	}
	h, err := call(ctx, func() (*chainhash.Hash, error) { return a.client.SendRawTransaction(tx, false) })
	if err == nil {
		return h.String(), nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already in block chain") ||
		strings.Contains(msg, "txn-already-known") ||
		strings.Contains(msg, "already have transaction") {
		return tx.TxHash().String(), nil
	}
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return "", chain.Rejected(a.params.Chain, "broadcast", stx.Hash, err)
	}
	return "", chain.Unavailable(a.params.Chain, "broadcast", err)
}

func (a *Adapter) Close() error {
	a.client.Shutdown()
	return nil
}

var _ chain.Adapter = (*Adapter)(nil)
