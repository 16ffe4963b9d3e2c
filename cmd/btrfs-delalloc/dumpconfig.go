// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-delalloc/lib/config"
)

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "dump-config",
			Short: "Spew the effective configuration and the geometry derived from it",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(cfg *config.Config, _ *cobra.Command, _ []string) error {
			geom, err := cfg.ToGeometry()
			if err != nil {
				return err
			}
			spew := spew.NewDefaultConfig()
			spew.DisablePointerAddresses = true
			spew.Fdump(os.Stdout, cfg, geom)
			return nil
		},
	})
}
