// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command btrfs-delalloc explores the space reservations that btrfs
// makes for delayed-allocation writes.
package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-delalloc/lib/config"
	"git.lukeshu.com/btrfs-delalloc/lib/profile"
	"git.lukeshu.com/btrfs-delalloc/lib/textui"
)

type subcommand struct {
	cobra.Command
	RunE func(*config.Config, *cobra.Command, []string) error
}

var subcommands []subcommand

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}
	var configFlag string

	argparser := &cobra.Command{
		Use:   "btrfs-delalloc {[flags]|SUBCOMMAND}",
		Short: "Model btrfs delayed-allocation space reservations",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.PersistentFlags().StringVar(&configFlag, "config", "", "load settings from `config.yaml` (default: the user config directory, then BTRFS_DELALLOC_* env vars)")
	if err := argparser.MarkPersistentFlagFilename("config", "yaml", "yml", "toml", "json"); err != nil {
		panic(err)
	}
	stopProfiling := profile.AddProfileFlags(argparser.PersistentFlags(), "profile.")

	for _, child := range subcommands {
		cmd := child.Command
		runE := child.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
			ctx = dlog.WithLogger(ctx, logger)
			ctx = dlog.WithField(ctx, "mem", new(textui.LiveMemUse))
			dlog.SetFallbackLogger(logger.WithField("btrfs-delalloc.THIS_IS_A_BUG", true))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				cfg, err := config.Load(configFlag)
				if err != nil {
					return err
				}
				dlog.Debugf(dlog.WithField(ctx, "btrfs-delalloc.read-config", configFlag),
					"loaded config")

				cmd.SetContext(ctx)
				return runE(cfg, cmd, args)
			})
			return grp.Wait()
		}
		argparser.AddCommand(&cmd)
	}

	err := argparser.ExecuteContext(context.Background())
	if _err := stopProfiling(); err == nil {
		err = _err
	}
	if err != nil {
		_, _ = textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
