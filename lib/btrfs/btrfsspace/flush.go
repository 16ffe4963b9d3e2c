// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsspace

import (
	"fmt"

	"git.lukeshu.com/btrfs-delalloc/lib/textui"
)

// FlushPolicy says how hard a reservation may work to reclaim space
// when the pool is full.
type FlushPolicy int

const (
	// NoFlush never reclaims; used by callers that are
	// themselves part of the reclaim machinery.
	NoFlush = FlushPolicy(iota)
	// FlushLimit does a limited amount of reclaim that cannot
	// wait on the running transaction; used when the caller holds
	// a transaction open.
	FlushLimit
	// FlushData reclaims data space by writing back dirty data.
	FlushData
	// FlushFreeSpaceInode never reclaims, but may use the pool's
	// emergency headroom.
	FlushFreeSpaceInode
	// FlushAll may do any reclaim, including committing the
	// transaction.
	FlushAll
)

var flushPolicyNames = map[FlushPolicy]string{
	NoFlush:             "no-flush",
	FlushLimit:          "flush-limit",
	FlushData:           "flush-data",
	FlushFreeSpaceInode: "flush-free-space-inode",
	FlushAll:            "flush-all",
}

func (p FlushPolicy) String() string {
	if name, ok := flushPolicyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("FlushPolicy(%d)", int(p))
}

var (
	flushLimitPasses = textui.Tunable(1)
	flushFullPasses  = textui.Tunable(3)
)

// passes returns how many times a reservation under this policy may
// invoke the Flusher before giving up.
func (p FlushPolicy) passes() int {
	switch p {
	case FlushLimit:
		return flushLimitPasses
	case FlushData, FlushAll:
		return flushFullPasses
	default:
		return 0
	}
}
