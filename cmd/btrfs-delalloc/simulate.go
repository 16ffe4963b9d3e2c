// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-delalloc/lib/config"
	"git.lukeshu.com/btrfs-delalloc/lib/delallocsim"
	"git.lukeshu.com/btrfs-delalloc/lib/textui"
)

func init() {
	var jsonFlag bool
	var seedFlag int64
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "simulate",
			Short: "Run a concurrent write workload and check that no reservation leaks",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(cfg *config.Config, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if cmd.Flags().Changed("seed") {
				cfg.Workload.Seed = seedFlag
			}
			wl, err := cfg.ToWorkload()
			if err != nil {
				return err
			}

			report, runErr := delallocsim.Run(ctx, wl)

			if jsonFlag {
				if err := writeJSONFile(os.Stdout, report, lowmemjson.ReEncoderConfig{
					Indent:                "\t",
					ForceTrailingNewlines: true,
				}); err != nil {
					return err
				}
			} else {
				_, _ = textui.Fprintf(os.Stdout, "writes: %v (completed=%v aborted=%v enospc=%v edquot=%v)\n",
					report.Writes, report.Completed, report.Aborted, report.NoSpace, report.QuotaExceeded)
				_, _ = textui.Fprintf(os.Stdout, "flushes: %v\n", report.Flushes)
				_, _ = textui.Fprintf(os.Stdout, "data: %v\n", report.Data)
				_, _ = textui.Fprintf(os.Stdout, "metadata: %v\n", report.Metadata)
				_, _ = textui.Fprintf(os.Stdout, "qgroup %v: %v\n", delallocsim.Root, report.Qgroup)
			}
			if runErr != nil {
				return runErr
			}
			dlog.Info(ctx, "all reservations accounted for")
			return nil
		},
	}
	cmd.Command.Flags().BoolVar(&jsonFlag, "json", false, "write the report as JSON")
	cmd.Command.Flags().Int64Var(&seedFlag, "seed", 0, "override workload.seed")
	subcommands = append(subcommands, cmd)
}
