// Package rates supplies USD valuations and network fee rates. The engine
// treats it as a pure lookup; price discovery lives behind PriceSource.
package rates

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlegate/internal/chain"
)

var ErrNoPrice = errors.New("rates: no price available")

// Oracle is what the escrow engine and forwarder depend on.
type Oracle interface {
	USDValue(ctx context.Context, id chain.ID, amount decimal.Decimal) (decimal.Decimal, error)
	// EstimateFee returns the fee rate in smallest units per adapter unit
	// (sat/vB, wei/gas, lamports/signature). nil means "let the adapter decide".
	EstimateFee(ctx context.Context, id chain.ID) (*big.Int, error)
}

// PriceSource returns the USD price of one whole coin.
type PriceSource interface {
	Price(ctx context.Context, id chain.ID) (decimal.Decimal, error)
}

// Service combines a price source with configured fee rates.
type Service struct {
	prices   PriceSource
	feeRates map[chain.ID]*big.Int
}

// New creates a Service. feeRates may be nil.
func New(prices PriceSource, feeRates map[chain.ID]*big.Int) *Service {
	if feeRates == nil {
		feeRates = make(map[chain.ID]*big.Int)
	}
	return &Service{prices: prices, feeRates: feeRates}
}

func (s *Service) USDValue(ctx context.Context, id chain.ID, amount decimal.Decimal) (decimal.Decimal, error) {
	p, err := s.prices.Price(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(p).Round(2), nil
}

func (s *Service) EstimateFee(_ context.Context, id chain.ID) (*big.Int, error) {
	r, ok := s.feeRates[id]
	if !ok || r == nil {
		return nil, nil
	}
	return new(big.Int).Set(r), nil
}

// Static is a fixed price table.
type Static map[chain.ID]decimal.Decimal

func (s Static) Price(_ context.Context, id chain.ID) (decimal.Decimal, error) {
	p, ok := s[id]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, id)
	}
	return p, nil
}

var _ Oracle = (*Service)(nil)
