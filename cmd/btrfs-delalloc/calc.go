// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"io"
	"os"
	"text/tabwriter"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsgeom"
	"git.lukeshu.com/btrfs-delalloc/lib/config"
	"git.lukeshu.com/btrfs-delalloc/lib/textui"
)

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "calc SIZE...",
			Short: "Show the reservations that a write of each SIZE would make",
			Long: "" +
				"For each SIZE (such as \"4096\" or \"200MiB\"), show how many " +
				"extents and checksum leaves a dirty range of that size may " +
				"need, and the metadata and quota reservations made for it.",
			Args: cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),
		},
		RunE: func(cfg *config.Config, cmd *cobra.Command, args []string) error {
			geom, err := cfg.ToGeometry()
			if err != nil {
				return err
			}
			sizes := make([]uint64, 0, len(args))
			for _, arg := range args {
				size, err := config.ParseByteSize(arg)
				if err != nil {
					return err
				}
				sizes = append(sizes, uint64(size))
			}
			return printCalc(os.Stdout, geom, sizes)
		},
	})
}

func printCalc(out io.Writer, geom btrfsgeom.Geometry, sizes []uint64) error {
	table := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	_, _ = textui.Fprintf(table, "SIZE\tALIGNED\tEXTENTS\tCSUM LEAVES\tMETADATA\tQUOTA\tBLOCK RSV\n")
	for _, size := range sizes {
		aligned := geom.AlignLen(size)
		extents := geom.ExtentsNeeded(aligned)
		meta, qgroup := geom.CalcInodeReservations(aligned)
		rsvSize, _ := geom.BlockRsvSize(extents, aligned)
		_, _ = textui.Fprintf(table, "%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
			size,
			aligned,
			extents,
			geom.CSumLeaves(aligned),
			textui.IEC(meta, "B"),
			textui.IEC(qgroup, "B"),
			textui.IEC(rsvSize, "B"))
	}
	return table.Flush()
}
