// Copyright 2024 The Obsidian Authors
// This file is part of Obsidian.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/capGoblin/whisper/stealth"
	"github.com/capGoblin/whisper/store"
	"github.com/urfave/cli/v2"
)

var forceFlag = &cli.BoolFlag{
	Name:  "force",
	Usage: "Overwrite an existing identity",
}

// keysCommand manages the stealth identity
var keysCommand = &cli.Command{
	Name:  "keys",
	Usage: "Manage the stealth identity",
	Subcommands: []*cli.Command{
		{
			Name:  "generate",
			Usage: "Generate and store a new identity",
			Flags: []cli.Flag{
				forceFlag,
				&cli.BoolFlag{
					Name:  "mnemonic",
					Usage: "Derive the identity from a new BIP-39 phrase and print it",
				},
			},
			Action: keysGenerate,
		},
		{
			Name:  "derive",
			Usage: "Restore an identity from a seed",
			Flags: []cli.Flag{
				forceFlag,
				&cli.StringFlag{Name: "mnemonic", Usage: "BIP-39 phrase"},
				&cli.StringFlag{Name: "passphrase", Usage: "BIP-39 passphrase"},
				&cli.StringFlag{Name: "seed", Usage: "Hex encoded seed"},
			},
			Action: keysDerive,
		},
		{
			Name:  "show",
			Usage: "Print the stored identity",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "private", Usage: "Also print the private keys"},
			},
			Action: keysShow,
		},
		{
			Name:   "register",
			Usage:  "Publish the meta-address in the ERC-6538 registry",
			Action: keysRegister,
		},
	},
}

// metaAddressCommand prints the meta-address to share with senders
var metaAddressCommand = &cli.Command{
	Name:  "meta-address",
	Usage: "Print the meta-address of the stored identity",
	Action: func(ctx *cli.Context) error {
		return withKeyStore(ctx, func(ks stealth.KeyStore) error {
			keys, err := ks.Load()
			if err != nil {
				return err
			}
			if keys == nil {
				return errNoIdentity
			}
			fmt.Fprintln(ctx.App.Writer, keys.MetaAddress())
			return nil
		})
	},
}

// withKeyStore opens the identity store, and the database when the
// identity lives in it, for the duration of fn.
func withKeyStore(ctx *cli.Context, fn func(stealth.KeyStore) error) error {
	cfg := configFrom(ctx)
	var db *store.Database
	if cfg.Keys.Store == "db" {
		var err error
		if db, err = openDatabase(cfg); err != nil {
			return err
		}
		defer db.Close()
	}
	ks, err := openKeyStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	return fn(ks)
}

func saveIdentity(ctx *cli.Context, keys *stealth.UserKeys) error {
	return withKeyStore(ctx, func(ks stealth.KeyStore) error {
		if !ctx.Bool(forceFlag.Name) {
			existing, err := ks.Load()
			if err != nil {
				return fmt.Errorf("existing identity is unreadable, use --force to replace it: %w", err)
			}
			if existing != nil {
				existing.Zero()
				return errors.New("an identity already exists, use --force to replace it")
			}
		}
		return ks.Save(keys)
	})
}

func keysGenerate(ctx *cli.Context) error {
	cfg := configFrom(ctx)
	var (
		keys     *stealth.UserKeys
		mnemonic stealth.Mnemonic
		err      error
	)
	if ctx.Bool("mnemonic") {
		if mnemonic, err = stealth.NewMnemonic(); err != nil {
			return err
		}
		keys, err = stealth.DeriveFromSource(mnemonic, cfg.Keys.Context)
	} else {
		keys, err = stealth.GenerateUserKeys()
	}
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}
	defer keys.Zero()

	if err := saveIdentity(ctx, keys); err != nil {
		return err
	}
	w := ctx.App.Writer
	if mnemonic.Phrase != "" {
		fmt.Fprintln(w, "Recovery phrase (write it down, it restores this identity):")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  "+mnemonic.Phrase)
		fmt.Fprintln(w)
	}
	printIdentity(w, keys, false)
	return nil
}

func keysDerive(ctx *cli.Context) error {
	cfg := configFrom(ctx)
	var src stealth.SeedSource
	switch {
	case ctx.String("mnemonic") != "":
		src = stealth.Mnemonic{Phrase: ctx.String("mnemonic"), Passphrase: ctx.String("passphrase")}
	case ctx.String("seed") != "":
		seed, err := hex.DecodeString(strings.TrimPrefix(ctx.String("seed"), "0x"))
		if err != nil {
			return fmt.Errorf("invalid seed: %w", err)
		}
		src = stealth.Ephemeral{Random: seed}
	default:
		return errors.New("one of --mnemonic or --seed is required")
	}
	keys, err := stealth.DeriveFromSource(src, cfg.Keys.Context)
	if err != nil {
		return err
	}
	defer keys.Zero()

	if err := saveIdentity(ctx, keys); err != nil {
		return err
	}
	printIdentity(ctx.App.Writer, keys, false)
	return nil
}

func keysShow(ctx *cli.Context) error {
	return withKeyStore(ctx, func(ks stealth.KeyStore) error {
		keys, err := ks.Load()
		if err != nil {
			return err
		}
		if keys == nil {
			return errNoIdentity
		}
		defer keys.Zero()
		printIdentity(ctx.App.Writer, keys, ctx.Bool("private"))
		return nil
	})
}

func keysRegister(ctx *cli.Context) error {
	cfg := configFrom(ctx)
	var keys *stealth.UserKeys
	err := withKeyStore(ctx, func(ks stealth.KeyStore) error {
		var err error
		keys, err = ks.Load()
		return err
	})
	if err != nil {
		return err
	}
	if keys == nil {
		return errNoIdentity
	}
	defer keys.Zero()

	client, err := dialLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	pub, err := newTxPublisher(cfg, client)
	if err != nil {
		return err
	}
	hash, err := pub.RegisterKeys(ctx.Context, keys.MetaAddress())
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	fmt.Fprintf(ctx.App.Writer, "Registered %s for %s\nTransaction: %s\n", keys.MetaAddress(), pub.From().Hex(), hash.Hex())
	return nil
}

func printIdentity(w io.Writer, keys *stealth.UserKeys, private bool) {
	fmt.Fprintf(w, "Meta-Address:      %s\n", keys.MetaAddress())
	fmt.Fprintf(w, "Spending Pub Key:  %s\n", keys.Spending.PublicKey.Hex())
	fmt.Fprintf(w, "Viewing Pub Key:   %s\n", keys.Viewing.PublicKey.Hex())
	if private {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "KEEP THESE PRIVATE KEYS SECURE!")
		fmt.Fprintf(w, "Spending Priv Key: %s\n", keys.Spending.PrivateKey.Hex())
		fmt.Fprintf(w, "Viewing Priv Key:  %s\n", keys.Viewing.PrivateKey.Hex())
	}
}
