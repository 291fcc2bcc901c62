// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

// Package rpc exposes the stealth messaging service over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/capGoblin/whisper/params"
	"github.com/capGoblin/whisper/stealth"
	"github.com/capGoblin/whisper/store"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrNoIdentity = errors.New("no identity loaded")
	ErrNoInbox    = errors.New("inbox not available")
)

// Mailbox is the local inbox the API reads. *store.Store implements it.
type Mailbox interface {
	List(owner common.Address, unreadOnly bool) ([]*store.InboxEntry, error)
	UnreadCount(owner common.Address) (int, error)
	MarkRead(id uuid.UUID, read bool) error
	Delete(id uuid.UUID) error
}

// Backend interface defines the methods needed by the RPC API
type Backend interface {
	Service() *stealth.StealthService
	// Identity returns the loaded identity, or nil if the node only sends
	Identity() *stealth.UserKeys
	// Mailbox returns the inbox, or nil when scanning results are not stored
	Mailbox() Mailbox
}

// PublicWhisperAPI provides the whisper_ namespace
type PublicWhisperAPI struct {
	b Backend
}

// NewPublicWhisperAPI creates a new whisper RPC API
func NewPublicWhisperAPI(b Backend) *PublicWhisperAPI {
	return &PublicWhisperAPI{b: b}
}

// Version returns the client version
func (api *PublicWhisperAPI) Version() string {
	return params.VersionWithMeta
}

// MetaAddress returns the meta-address of the loaded identity
func (api *PublicWhisperAPI) MetaAddress() (string, error) {
	keys := api.b.Identity()
	if keys == nil {
		return "", ErrNoIdentity
	}
	return keys.MetaAddress().String(), nil
}

// GeneratedKeys is a freshly generated identity. Nothing is stored.
type GeneratedKeys struct {
	Keys        *stealth.UserKeys `json:"keys"`
	MetaAddress string            `json:"metaAddress"`
}

// GenerateKeys generates a random identity
func (api *PublicWhisperAPI) GenerateKeys() (*GeneratedKeys, error) {
	keys, err := stealth.GenerateUserKeys()
	if err != nil {
		return nil, err
	}
	return &GeneratedKeys{Keys: keys, MetaAddress: keys.MetaAddress().String()}, nil
}

// GenerateStealthAddress derives a one-time address for a meta-address
func (api *PublicWhisperAPI) GenerateStealthAddress(metaAddress string) (*stealth.StealthAddress, error) {
	meta, err := stealth.ParseMetaAddress(metaAddress)
	if err != nil {
		return nil, err
	}
	return stealth.GenerateStealthAddress(meta)
}

// StealthArgs carries the keys needed to recompute a stealth address
type StealthArgs struct {
	ViewPrivateKey  stealth.Scalar          `json:"viewPrivateKey"`
	SpendPublicKey  stealth.CompressedPoint `json:"spendPublicKey"`
	SpendPrivateKey *stealth.Scalar         `json:"spendPrivateKey,omitempty"`
	EphemeralPubKey hexutil.Bytes           `json:"ephemeralPubKey"`
	Address         common.Address          `json:"address"`
}

func (args *StealthArgs) ephemeral() (stealth.CompressedPoint, error) {
	eph, err := stealth.ParsePublicKey(args.EphemeralPubKey)
	if err != nil {
		return stealth.CompressedPoint{}, fmt.Errorf("invalid ephemeral public key: %w", err)
	}
	return eph, nil
}

// ComputeStealthAddress recomputes the stealth address for an announcement
func (api *PublicWhisperAPI) ComputeStealthAddress(args StealthArgs) (common.Address, error) {
	eph, err := args.ephemeral()
	if err != nil {
		return common.Address{}, err
	}
	addr, secret, err := stealth.ComputeStealthAddress(args.ViewPrivateKey, args.SpendPublicKey, eph)
	secret.Zero()
	return addr, err
}

// CheckStealthAddress reports whether args.Address belongs to the keys
func (api *PublicWhisperAPI) CheckStealthAddress(args StealthArgs) (bool, error) {
	eph, err := args.ephemeral()
	if err != nil {
		return false, err
	}
	return stealth.CheckStealthAddress(args.ViewPrivateKey, args.SpendPublicKey, eph, args.Address)
}

// DerivedKey is the private key controlling a stealth address
type DerivedKey struct {
	Address    common.Address `json:"address"`
	PrivateKey stealth.Scalar `json:"privateKey"`
}

// DeriveStealthPrivateKey derives the key that spends from a stealth address
func (api *PublicWhisperAPI) DeriveStealthPrivateKey(args StealthArgs) (*DerivedKey, error) {
	if args.SpendPrivateKey == nil {
		return nil, errors.New("missing spendPrivateKey")
	}
	eph, err := args.ephemeral()
	if err != nil {
		return nil, err
	}
	priv, addr, err := stealth.DeriveStealthPrivateKey(args.ViewPrivateKey, *args.SpendPrivateKey, eph)
	if err != nil {
		return nil, err
	}
	return &DerivedKey{Address: addr, PrivateKey: priv}, nil
}

// ResolveRecipient returns the meta-address a recipient resolves to
func (api *PublicWhisperAPI) ResolveRecipient(ctx context.Context, recipient string) (string, error) {
	meta, err := api.b.Service().ResolveRecipient(ctx, recipient)
	if err != nil {
		return "", err
	}
	return meta.String(), nil
}

// Send encrypts text to recipient and publishes the announcement
func (api *PublicWhisperAPI) Send(ctx context.Context, recipient, text string) (*stealth.SendResult, error) {
	return api.b.Service().SendText(ctx, recipient, text)
}

// Scan scans a block range for the loaded identity. Without bounds the
// recent window is scanned. Results are newest first and are not stored.
func (api *PublicWhisperAPI) Scan(ctx context.Context, from, to *hexutil.Uint64) ([]*stealth.DecryptedMessage, error) {
	id, err := api.scannerID()
	if err != nil {
		return nil, err
	}
	svc := api.b.Service()
	if from == nil && to == nil {
		return svc.ScanRecent(ctx, id)
	}
	if from == nil || to == nil {
		return nil, errors.New("both fromBlock and toBlock are required")
	}
	return svc.ScanRange(ctx, id, uint64(*from), uint64(*to))
}

// Stats returns the scanner counters of the loaded identity
func (api *PublicWhisperAPI) Stats() (*stealth.ScanStats, error) {
	id, err := api.scannerID()
	if err != nil {
		return nil, err
	}
	scanner, err := api.b.Service().GetScanner(id)
	if err != nil {
		return nil, err
	}
	stats := scanner.Stats()
	return &stats, nil
}

// scannerID registers the identity with the service if needed
func (api *PublicWhisperAPI) scannerID() (common.Address, error) {
	keys := api.b.Identity()
	if keys == nil {
		return common.Address{}, ErrNoIdentity
	}
	id, err := api.b.Service().RegisterScanner(keys)
	if err != nil && !errors.Is(err, stealth.ErrScannerExists) {
		return common.Address{}, err
	}
	return id, nil
}

// InboxMessage is a stored message with its read state
type InboxMessage struct {
	ID         string                    `json:"id"`
	Read       bool                      `json:"read"`
	ReceivedAt hexutil.Uint64            `json:"receivedAt"`
	Message    *stealth.DecryptedMessage `json:"message"`
}

// Inbox lists stored messages, newest first
func (api *PublicWhisperAPI) Inbox(unreadOnly *bool) ([]*InboxMessage, error) {
	owner, mailbox, err := api.mailbox()
	if err != nil {
		return nil, err
	}
	entries, err := mailbox.List(owner, unreadOnly != nil && *unreadOnly)
	if err != nil {
		return nil, err
	}
	result := make([]*InboxMessage, 0, len(entries))
	for _, e := range entries {
		msg, err := e.Message()
		if err != nil {
			return nil, fmt.Errorf("corrupt inbox entry %s: %w", e.ID, err)
		}
		result = append(result, &InboxMessage{
			ID:         e.ID.String(),
			Read:       e.Read,
			ReceivedAt: hexutil.Uint64(e.ReceivedAt),
			Message:    msg,
		})
	}
	return result, nil
}

// UnreadCount returns the number of unread stored messages
func (api *PublicWhisperAPI) UnreadCount() (int, error) {
	owner, mailbox, err := api.mailbox()
	if err != nil {
		return 0, err
	}
	return mailbox.UnreadCount(owner)
}

// MarkRead sets the read flag of a stored message. read defaults to true.
func (api *PublicWhisperAPI) MarkRead(id string, read *bool) error {
	_, mailbox, err := api.mailbox()
	if err != nil {
		return err
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}
	return mailbox.MarkRead(uid, read == nil || *read)
}

// DeleteMessage removes a stored message
func (api *PublicWhisperAPI) DeleteMessage(id string) error {
	_, mailbox, err := api.mailbox()
	if err != nil {
		return err
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}
	return mailbox.Delete(uid)
}

func (api *PublicWhisperAPI) mailbox() (common.Address, Mailbox, error) {
	keys := api.b.Identity()
	if keys == nil {
		return common.Address{}, nil, ErrNoIdentity
	}
	mailbox := api.b.Mailbox()
	if mailbox == nil {
		return common.Address{}, nil, ErrNoInbox
	}
	owner, err := keys.Spending.PublicKey.Address()
	if err != nil {
		return common.Address{}, nil, err
	}
	return owner, mailbox, nil
}

// GetAPIs returns the APIs served by the node. The admin namespace is only
// added when ab is not nil.
func GetAPIs(b Backend, ab AdminBackend) []rpc.API {
	apis := []rpc.API{
		{
			Namespace: "whisper",
			Service:   NewPublicWhisperAPI(b),
		},
	}
	if ab != nil {
		apis = append(apis, rpc.API{
			Namespace: "admin",
			Service:   NewAdmin(ab),
		})
	}
	return apis
}
