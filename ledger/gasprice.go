// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package ledger

import (
	"context"
	"math/big"
)

// GasPricer turns the node's gas price suggestion into the price used for
// announcements, bounded by optional limits.
type GasPricer struct {
	fixed       *big.Int
	minGasPrice *big.Int
	maxGasPrice *big.Int
}

// NewGasPricer creates a pricer. A non-nil fixed price bypasses the node;
// nil bounds are not applied.
func NewGasPricer(fixed, minGasPrice, maxGasPrice *big.Int) *GasPricer {
	return &GasPricer{fixed: fixed, minGasPrice: minGasPrice, maxGasPrice: maxGasPrice}
}

// Suggest returns the gas price to use for the next transaction.
func (g *GasPricer) Suggest(ctx context.Context, backend TxBackend) (*big.Int, error) {
	if g.fixed != nil {
		return new(big.Int).Set(g.fixed), nil
	}
	price, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return g.clamp(price), nil
}

// clamp applies min/max bounds to a gas price
func (g *GasPricer) clamp(price *big.Int) *big.Int {
	if g.minGasPrice != nil && price.Cmp(g.minGasPrice) < 0 {
		return new(big.Int).Set(g.minGasPrice)
	}
	if g.maxGasPrice != nil && price.Cmp(g.maxGasPrice) > 0 {
		return new(big.Int).Set(g.maxGasPrice)
	}
	return new(big.Int).Set(price)
}
