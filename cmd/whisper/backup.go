// Copyright 2024 The Obsidian Authors
// This file is part of Obsidian.

package main

import (
	"errors"
	"fmt"

	"github.com/capGoblin/whisper/backup"
	"github.com/urfave/cli/v2"
)

// backupCommand archives and restores the local state. The daemon must not
// be running.
var backupCommand = &cli.Command{
	Name:  "backup",
	Usage: "Back up or restore the database and key file",
	Subcommands: []*cli.Command{
		{
			Name:      "create",
			Usage:     "Create a backup",
			ArgsUsage: "[name]",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "keep", Usage: "Number of backups to keep, 0 keeps all", Value: maxBackups},
			},
			Action: func(ctx *cli.Context) error {
				mgr, err := backupManager(ctx, ctx.Int("keep"))
				if err != nil {
					return err
				}
				path, err := mgr.Create(ctx.Args().First())
				if err != nil {
					return err
				}
				fmt.Fprintln(ctx.App.Writer, path)
				return nil
			},
		},
		{
			Name:  "list",
			Usage: "List backups, oldest first",
			Action: func(ctx *cli.Context) error {
				mgr, err := backupManager(ctx, 0)
				if err != nil {
					return err
				}
				files, err := mgr.List()
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Fprintf(ctx.App.Writer, "%s\t%d\t%s\n", f.Name(), f.Size(), f.ModTime().Format("2006-01-02 15:04:05"))
				}
				return nil
			},
		},
		{
			Name:      "restore",
			Usage:     "Replace the database and key file with a backup",
			ArgsUsage: "<path>",
			Action: func(ctx *cli.Context) error {
				if ctx.NArg() != 1 {
					return errors.New("must provide a backup file")
				}
				mgr, err := backupManager(ctx, 0)
				if err != nil {
					return err
				}
				return mgr.Restore(ctx.Args().First())
			},
		},
	},
}

func backupManager(ctx *cli.Context, keep int) (*backup.Manager, error) {
	cfg := configFrom(ctx)
	dataDir, err := cfg.GetDataDir()
	if err != nil {
		return nil, err
	}
	keyFile := ""
	if cfg.Keys.Store == "file" {
		if keyFile, err = cfg.GetKeyFile(); err != nil {
			return nil, err
		}
	}
	return backup.New(dataDir, keyFile, keep), nil
}
