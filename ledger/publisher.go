// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"

	"github.com/capGoblin/whisper/stealth"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
)

// gasHeadroom is the percentage added on top of the node's gas estimate.
const gasHeadroom = 20

var ErrNoSigner = errors.New("no transaction signer configured")

// PublisherConfig configures a TxPublisher.
type PublisherConfig struct {
	Announcer common.Address
	Registry  common.Address
	ChainID   *big.Int // nil asks the backend
	GasLimit  uint64   // 0 estimates per transaction
	GasPricer *GasPricer
}

// TxPublisher submits announcements and registrations as legacy transactions
// signed by a local key. It implements stealth.Publisher.
type TxPublisher struct {
	backend TxBackend
	key     *ecdsa.PrivateKey
	from    common.Address
	cfg     PublisherConfig

	mu     sync.Mutex // serializes nonce assignment
	signer types.Signer
}

var _ stealth.Publisher = (*TxPublisher)(nil)

// NewTxPublisher creates a publisher that pays for transactions from key.
func NewTxPublisher(backend TxBackend, key *ecdsa.PrivateKey, cfg PublisherConfig) (*TxPublisher, error) {
	if key == nil {
		return nil, ErrNoSigner
	}
	if cfg.Announcer == (common.Address{}) {
		cfg.Announcer = DefaultAnnouncerAddress
	}
	if cfg.Registry == (common.Address{}) {
		cfg.Registry = DefaultRegistryAddress
	}
	if cfg.GasPricer == nil {
		cfg.GasPricer = NewGasPricer(nil, nil, nil)
	}
	return &TxPublisher{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		cfg:     cfg,
	}, nil
}

// From returns the paying account.
func (p *TxPublisher) From() common.Address {
	return p.from
}

// Publish implements stealth.Publisher by calling announce().
func (p *TxPublisher) Publish(ctx context.Context, ann *stealth.Announcement) (common.Hash, error) {
	data, err := PackAnnounce(ann)
	if err != nil {
		return common.Hash{}, err
	}
	return p.transact(ctx, p.cfg.Announcer, data)
}

// RegisterKeys publishes meta in the ERC-6538 registry under the paying
// account.
func (p *TxPublisher) RegisterKeys(ctx context.Context, meta *stealth.StealthMetaAddress) (common.Hash, error) {
	data, err := PackRegisterKeys(meta)
	if err != nil {
		return common.Hash{}, err
	}
	return p.transact(ctx, p.cfg.Registry, data)
}

func (p *TxPublisher) transact(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	signer, err := p.txSigner(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := p.backend.PendingNonceAt(ctx, p.from)
	if err != nil {
		return common.Hash{}, err
	}
	gasPrice, err := p.cfg.GasPricer.Suggest(ctx, p.backend)
	if err != nil {
		return common.Hash{}, err
	}
	gasLimit := p.cfg.GasLimit
	if gasLimit == 0 {
		estimate, err := p.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:     p.from,
			To:       &to,
			GasPrice: gasPrice,
			Data:     data,
		})
		if err != nil {
			return common.Hash{}, err
		}
		gasLimit = estimate + estimate*gasHeadroom/100
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Data:     data,
	})
	signed, err := types.SignTx(tx, signer, p.key)
	if err != nil {
		return common.Hash{}, err
	}
	if err := p.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	log.Debug("Submitted transaction", "hash", signed.Hash(), "to", to, "nonce", nonce, "gas", gasLimit, "gasprice", gasPrice)
	return signed.Hash(), nil
}

func (p *TxPublisher) txSigner(ctx context.Context) (types.Signer, error) {
	if p.signer != nil {
		return p.signer, nil
	}
	chainID := p.cfg.ChainID
	if chainID == nil {
		id, err := p.backend.ChainID(ctx)
		if err != nil {
			return nil, err
		}
		chainID = id
	}
	p.signer = types.LatestSignerForChainID(chainID)
	return p.signer, nil
}
