// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package delalloc

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsgeom"
	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsqgroup"
	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsspace"
	"git.lukeshu.com/btrfs-delalloc/lib/textui"
)

// FS is the filesystem-wide context that the reservation protocol
// runs against.
type FS struct {
	Geometry btrfsgeom.Geometry
	Data     btrfsspace.Pool
	Metadata btrfsspace.Pool
	Qgroups  btrfsqgroup.Ledger

	// Testing keeps the counters and reservation targets up to
	// date on release, but never hands excess back to the pool or
	// the quota ledger.
	Testing bool
}

// TxnState describes the caller's relationship to the running
// transaction.
type TxnState struct {
	// InTransaction is set if the caller holds a transaction
	// handle open, and so must not wait for a commit.
	InTransaction bool
	// CommitInProgress is set if a transaction commit is
	// underway.
	CommitInProgress bool
}

// commitYield is how long a metadata reservation backs off for when
// it races a transaction commit.
var commitYield = textui.Tunable(1 * time.Millisecond)

// DataFlushPolicy returns the flush policy for a data reservation on
// ino.
func DataFlushPolicy(ino *Inode) btrfsspace.FlushPolicy {
	if ino.FreeSpaceInode {
		return btrfsspace.FlushFreeSpaceInode
	}
	return btrfsspace.FlushData
}

// MetadataFlushPolicy returns the flush policy for a metadata
// reservation on ino.
func MetadataFlushPolicy(ino *Inode, txn TxnState) btrfsspace.FlushPolicy {
	switch {
	case ino.FreeSpaceInode:
		return btrfsspace.NoFlush
	case txn.InTransaction:
		return btrfsspace.FlushLimit
	default:
		return btrfsspace.FlushAll
	}
}

func withInode(ctx context.Context, ino *Inode, op string) context.Context {
	ctx = dlog.WithField(ctx, "delalloc.ino", ino.ID)
	ctx = dlog.WithField(ctx, "delalloc.op", op)
	return ctx
}
