// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
)

// LogBackend is the read side used for announcement scanning.
type LogBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// CallBackend executes read-only contract calls.
type CallBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TxBackend is what a publisher needs to build, sign and submit transactions.
type TxBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Backend is the full client surface; *ethclient.Client satisfies it.
type Backend interface {
	LogBackend
	CallBackend
	TxBackend
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to a JSON-RPC endpoint and checks the chain id when want is
// non-zero.
func Dial(ctx context.Context, url string, want uint64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	if want != 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, err
		}
		if !id.IsUint64() || id.Uint64() != want {
			client.Close()
			return nil, &ChainMismatchError{Want: want, Have: id}
		}
	}
	log.Info("Connected to ledger", "url", url, "chainid", want)
	return client, nil
}

// ChainMismatchError is returned by Dial when the endpoint serves another
// chain.
type ChainMismatchError struct {
	Want uint64
	Have *big.Int
}

func (e *ChainMismatchError) Error() string {
	return fmt.Sprintf("chain id mismatch: want %d, have %v", e.Want, e.Have)
}
