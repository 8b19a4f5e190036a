// Package chaintest provides an in-memory chain.Adapter for tests.
package chaintest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"sync"

	"github.com/mbd888/settlegate/internal/chain"
)

var addrPattern = regexp.MustCompile(`^[A-Za-z0-9_:\-]{4,128}$`)

// Sent is a transaction the fake accepted for broadcast.
type Sent struct {
	Hash    string
	Key     string
	Outputs []chain.Output
}

// Adapter is a scriptable chain.Adapter. The zero value is not usable; call New.
type Adapter struct {
	mu sync.Mutex

	params   chain.Params
	head     uint64
	deposits []chain.Deposit
	balances map[string]*big.Int
	confs    map[string]uint64
	prepared map[string]chain.Transfer
	sent     []Sent
	known    map[string]bool
	failed   map[string]bool

	NoKey bool

	// Failure hooks. Returning a non-nil error fails the call.
	HeadErr      func() error
	DepositsErr  func() error
	PrepareErr   func(t chain.Transfer) error
	BroadcastErr func(tx *chain.SignedTx) error
	StatusErr    func(hash string) error

	prepareCalls   int
	broadcastCalls int
}

// New returns a fake for id using its default params.
func New(id chain.ID) *Adapter {
	p, ok := chain.DefaultParams(id)
	if !ok {
		p = chain.Params{Chain: id, Symbol: string(id), Decimals: 8, Confirmations: 1, SupportsSplit: true}
	}
	return &Adapter{
		params:   p,
		balances: make(map[string]*big.Int),
		confs:    make(map[string]uint64),
		prepared: make(map[string]chain.Transfer),
		known:    make(map[string]bool),
		failed:   make(map[string]bool),
	}
}

// WithParams overrides the adapter's params.
func (a *Adapter) WithParams(fn func(p *chain.Params)) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(&a.params)
	return a
}

func (a *Adapter) Params() chain.Params {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}

func (a *Adapter) ValidateAddress(addr string) error {
	if !addrPattern.MatchString(addr) {
		return fmt.Errorf("%w: %q", chain.ErrInvalidAddress, addr)
	}
	return nil
}

func (a *Adapter) DeriveAddress(index uint32) (string, error) {
	if a.NoKey {
		return "", chain.ErrNoKey
	}
	return fmt.Sprintf("%s-addr-%d", a.params.Chain, index), nil
}

// SetHead sets the chain tip.
func (a *Adapter) SetHead(h uint64) {
	a.mu.Lock()
	a.head = h
	a.mu.Unlock()
}

func (a *Adapter) Head(_ context.Context) (uint64, error) {
	if a.HeadErr != nil {
		if err := a.HeadErr(); err != nil {
			return 0, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.head, nil
}

// AddDeposit makes a deposit visible at its height and credits the balance.
func (a *Adapter) AddDeposit(d chain.Deposit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deposits = append(a.deposits, d)
	bal, ok := a.balances[d.Address]
	if !ok {
		bal = new(big.Int)
		a.balances[d.Address] = bal
	}
	bal.Add(bal, d.Amount)
	a.known[d.TxHash] = true
}

func (a *Adapter) Deposits(_ context.Context, watch []string, from, to uint64) ([]chain.Deposit, error) {
	if a.DepositsErr != nil {
		if err := a.DepositsErr(); err != nil {
			return nil, err
		}
	}
	set := make(map[string]bool, len(watch))
	for _, w := range watch {
		set[w] = true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []chain.Deposit
	for _, d := range a.deposits {
		if set[d.Address] && d.Height >= from && d.Height <= to {
			out = append(out, d)
		}
	}
	return out, nil
}

// SetBalance overrides an address balance.
func (a *Adapter) SetBalance(addr string, v *big.Int) {
	a.mu.Lock()
	a.balances[addr] = new(big.Int).Set(v)
	a.mu.Unlock()
}

func (a *Adapter) Balance(_ context.Context, addr string) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// SetConfirmations sets the depth reported for hash.
func (a *Adapter) SetConfirmations(hash string, n uint64) {
	a.mu.Lock()
	a.confs[hash] = n
	a.known[hash] = true
	a.mu.Unlock()
}

// SetFailed marks hash as mined but reverted.
func (a *Adapter) SetFailed(hash string) {
	a.mu.Lock()
	a.failed[hash] = true
	a.known[hash] = true
	a.mu.Unlock()
}

func (a *Adapter) TxStatus(_ context.Context, hash string) (chain.TxStatus, error) {
	if a.StatusErr != nil {
		if err := a.StatusErr(hash); err != nil {
			return chain.TxStatus{}, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.known[hash] {
		return chain.TxStatus{}, nil
	}
	return chain.TxStatus{Found: true, Confirmations: a.confs[hash], Failed: a.failed[hash]}, nil
}

func (a *Adapter) Prepare(_ context.Context, t chain.Transfer) (*chain.SignedTx, error) {
	a.mu.Lock()
	a.prepareCalls++
	a.mu.Unlock()
	if a.PrepareErr != nil {
		if err := a.PrepareErr(t); err != nil {
			return nil, err
		}
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", a.params.Chain, t.IdempotencyKey, t.FromAddress)
	for _, o := range t.Outputs {
		fmt.Fprintf(h, "|%s:%s", o.Address, o.Amount)
	}
	hash := hex.EncodeToString(h.Sum(nil))

	a.mu.Lock()
	defer a.mu.Unlock()
	a.prepared[hash] = t
	return &chain.SignedTx{Chain: a.params.Chain, Hash: hash, Raw: []byte(hash), NetworkFee: new(big.Int)}, nil
}

func (a *Adapter) Broadcast(_ context.Context, tx *chain.SignedTx) (string, error) {
	a.mu.Lock()
	a.broadcastCalls++
	a.mu.Unlock()
	if a.BroadcastErr != nil {
		if err := a.BroadcastErr(tx); err != nil {
			return "", err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.known[tx.Hash] {
		return tx.Hash, nil
	}
	t, ok := a.prepared[tx.Hash]
	if !ok {
		return "", chain.Rejected(a.params.Chain, "broadcast", tx.Hash, fmt.Errorf("unknown transaction"))
	}
	a.known[tx.Hash] = true
	a.sent = append(a.sent, Sent{Hash: tx.Hash, Key: t.IdempotencyKey, Outputs: t.Outputs})
	return tx.Hash, nil
}

func (a *Adapter) Close() error { return nil }

// Sent returns every accepted broadcast in order.
func (a *Adapter) Sent() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Sent, len(a.sent))
	copy(out, a.sent)
	return out
}

// BroadcastCalls counts Broadcast invocations, including failed ones.
func (a *Adapter) BroadcastCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.broadcastCalls
}

// PrepareCalls counts Prepare invocations.
func (a *Adapter) PrepareCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prepareCalls
}

var _ chain.Adapter = (*Adapter)(nil)
