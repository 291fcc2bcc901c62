// Copyright 2024 The Obsidian Authors
// This file is part of Obsidian.

package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/capGoblin/whisper/stealth"
	"github.com/capGoblin/whisper/store"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

// sendCommand publishes a message to a recipient
var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send an encrypted message to a meta-address or registered address",
	ArgsUsage: "<recipient> <message>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "file.topic", Usage: "Send a file reference published on this topic instead of text"},
		&cli.StringFlag{Name: "file.name", Usage: "Name of the referenced file"},
		&cli.StringFlag{Name: "file.mime", Usage: "MIME type of the referenced file"},
		&cli.Int64Flag{Name: "file.size", Usage: "Size of the referenced file in bytes"},
	},
	Action: send,
}

// scanCommand scans a block range for messages
var scanCommand = &cli.Command{
	Name:  "scan",
	Usage: "Scan the ledger for messages addressed to the stored identity",
	Flags: []cli.Flag{
		&cli.Uint64Flag{Name: "from", Usage: "First block (default: start of the recent window)"},
		&cli.Uint64Flag{Name: "to", Usage: "Last block (default: head)"},
		&cli.BoolFlag{Name: "store", Usage: "Save found messages in the inbox"},
	},
	Action: scan,
}

// inboxCommand manages stored messages
var inboxCommand = &cli.Command{
	Name:  "inbox",
	Usage: "List and manage stored messages",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "unread", Usage: "Only list unread messages"},
	},
	Action: inboxList,
	Subcommands: []*cli.Command{
		{
			Name:      "read",
			Usage:     "Mark a message as read",
			ArgsUsage: "<id>",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "unread", Usage: "Mark as unread instead"},
			},
			Action: func(ctx *cli.Context) error {
				return withInbox(ctx, func(inbox *store.Store, _ *stealth.UserKeys) error {
					id, err := uuid.Parse(ctx.Args().First())
					if err != nil {
						return fmt.Errorf("invalid message id: %w", err)
					}
					return inbox.MarkRead(id, !ctx.Bool("unread"))
				})
			},
		},
		{
			Name:      "delete",
			Usage:     "Delete a message",
			ArgsUsage: "<id>",
			Action: func(ctx *cli.Context) error {
				return withInbox(ctx, func(inbox *store.Store, _ *stealth.UserKeys) error {
					id, err := uuid.Parse(ctx.Args().First())
					if err != nil {
						return fmt.Errorf("invalid message id: %w", err)
					}
					return inbox.Delete(id)
				})
			},
		},
	},
}

func send(ctx *cli.Context) error {
	cfg := configFrom(ctx)
	if ctx.NArg() < 1 {
		return errors.New("must provide a recipient")
	}
	recipient := ctx.Args().First()

	var (
		payload *stealth.Payload
		err     error
	)
	now := time.Now().Unix()
	if topic := ctx.String("file.topic"); topic != "" {
		payload, err = stealth.NewFilePayload(topic, ctx.String("file.name"), ctx.String("file.mime"), ctx.Int64("file.size"), now)
	} else {
		payload, err = stealth.NewTextPayload(strings.Join(ctx.Args().Tail(), " "), now)
	}
	if err != nil {
		return err
	}

	client, err := dialLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	svc, _, err := newService(cfg, client, true)
	if err != nil {
		return err
	}
	res, err := svc.Send(ctx.Context, recipient, payload)
	if err != nil {
		return err
	}
	w := ctx.App.Writer
	fmt.Fprintf(w, "Transaction:      %s\n", res.TxHash.Hex())
	fmt.Fprintf(w, "Stealth Address:  %s\n", res.StealthAddress.Hex())
	fmt.Fprintf(w, "Ephemeral Key:    %s\n", res.EphemeralPubKey.Hex())
	fmt.Fprintf(w, "View Tag:         0x%02x\n", uint64(res.ViewTag))
	return nil
}

func scan(ctx *cli.Context) error {
	cfg := configFrom(ctx)
	var db *store.Database
	if cfg.Keys.Store == "db" || ctx.Bool("store") {
		var err error
		if db, err = openDatabase(cfg); err != nil {
			return err
		}
		defer db.Close()
	}
	keys, err := loadIdentity(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer keys.Zero()

	client, err := dialLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	svc, source, err := newService(cfg, client, false)
	if err != nil {
		return err
	}
	id, err := svc.RegisterScanner(keys)
	if err != nil {
		return err
	}

	var msgs []*stealth.DecryptedMessage
	if !ctx.IsSet("from") && !ctx.IsSet("to") {
		msgs, err = svc.ScanRecent(ctx.Context, id)
	} else {
		to := ctx.Uint64("to")
		if !ctx.IsSet("to") {
			if to, err = source.LatestBlock(ctx.Context); err != nil {
				return err
			}
		}
		msgs, err = svc.ScanRange(ctx.Context, id, ctx.Uint64("from"), to)
	}
	if err != nil {
		return err
	}

	w := ctx.App.Writer
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages found")
		return nil
	}
	inbox := store.New(db)
	for _, msg := range msgs {
		printMessage(w, msg, "", false)
		if ctx.Bool("store") {
			if _, err := inbox.Put(id, msg); err != nil {
				return fmt.Errorf("failed to store message: %w", err)
			}
		}
	}
	return nil
}

// withInbox opens the database and identity for inbox commands
func withInbox(ctx *cli.Context, fn func(*store.Store, *stealth.UserKeys) error) error {
	cfg := configFrom(ctx)
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	keys, err := loadIdentity(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer keys.Zero()
	return fn(store.New(db), keys)
}

func inboxList(ctx *cli.Context) error {
	return withInbox(ctx, func(inbox *store.Store, keys *stealth.UserKeys) error {
		owner, err := keys.Spending.PublicKey.Address()
		if err != nil {
			return err
		}
		entries, err := inbox.List(owner, ctx.Bool("unread"))
		if err != nil {
			return err
		}
		w := ctx.App.Writer
		if len(entries) == 0 {
			fmt.Fprintln(w, "Inbox is empty")
			return nil
		}
		for _, e := range entries {
			msg, err := e.Message()
			if err != nil {
				return err
			}
			printMessage(w, msg, e.ID.String(), e.Read)
		}
		return nil
	})
}

func printMessage(w io.Writer, msg *stealth.DecryptedMessage, id string, read bool) {
	var b strings.Builder
	if id != "" {
		state := "new"
		if read {
			state = "read"
		}
		fmt.Fprintf(&b, "[%s] %s\n", state, id)
	}
	fmt.Fprintf(&b, "Block:    %d (%s, log %d)\n", msg.BlockNumber, msg.TxHash.Hex(), msg.LogIndex)
	if msg.Timestamp > 0 {
		fmt.Fprintf(&b, "Time:     %s\n", time.Unix(msg.Timestamp, 0).UTC().Format(time.RFC3339))
	}
	if msg.Payload != nil && msg.Payload.Sender != "" {
		fmt.Fprintf(&b, "From:     %s\n", msg.Payload.Sender)
	}
	fmt.Fprintf(&b, "Address:  %s (verified: %t)\n", msg.StealthAddress.Hex(), msg.AddressVerified)
	text := msg.Content
	if msg.Payload != nil {
		text = msg.Payload.DisplayText()
	}
	fmt.Fprintf(&b, "Message:  %s\n\n", text)
	io.WriteString(w, b.String())
}
