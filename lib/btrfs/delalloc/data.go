// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package delalloc

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsqgroup"
)

// AllocDataChunkOndemand reserves data space for ino without taking
// any quota.  It is for callers that account for quota on their own.
func (fs *FS) AllocDataChunkOndemand(ctx context.Context, ino *Inode, numBytes uint64) error {
	ctx = withInode(ctx, ino, "alloc-data-chunk")
	numBytes = fs.Geometry.AlignLen(numBytes)
	return fs.Data.Reserve(ctx, numBytes, DataFlushPolicy(ino))
}

// ReserveData reserves data space and quota for the sector-aligned
// cover of [start, start+length).  The quota ranges that were taken
// are recorded in changeset, which must not be nil.
func (fs *FS) ReserveData(ctx context.Context, ino *Inode, changeset *btrfsqgroup.ExtentChangeset, start, length uint64) error {
	ctx = withInode(ctx, ino, "reserve-data")
	start, length = fs.Geometry.AlignRange(start, length)

	if err := fs.Data.Reserve(ctx, length, DataFlushPolicy(ino)); err != nil {
		return err
	}
	if err := fs.Qgroups.ReserveData(ctx, ino.ID, changeset, start, length); err != nil {
		fs.freeDataNoQuota(ctx, length)
		return err
	}
	dlog.Tracef(ctx, "space_reservation: delalloc data ino=%v start=%v len=%v reserve",
		ino.ID, start, length)
	return nil
}

// FreeDataNoQuota gives back data space that was reserved without
// quota, or whose quota is released elsewhere.  numBytes must already
// be sector-aligned.
func (fs *FS) FreeDataNoQuota(ctx context.Context, ino *Inode, numBytes uint64) {
	ctx = withInode(ctx, ino, "free-data-noquota")
	fs.freeDataNoQuota(ctx, numBytes)
}

func (fs *FS) freeDataNoQuota(ctx context.Context, numBytes uint64) {
	fs.Geometry.MustBeAligned("data free length", numBytes)
	fs.Data.Free(ctx, numBytes)
}

// FreeData gives back the data space for the sector-aligned cover of
// [start, start+length), and the quota that changeset recorded within
// it.
func (fs *FS) FreeData(ctx context.Context, ino *Inode, changeset *btrfsqgroup.ExtentChangeset, start, length uint64) {
	ctx = withInode(ctx, ino, "free-data")
	start, length = fs.Geometry.AlignRange(start, length)

	fs.freeDataNoQuota(ctx, length)
	freed := fs.Qgroups.FreeData(ctx, ino.ID, changeset, start, length)
	dlog.Tracef(ctx, "space_reservation: delalloc data ino=%v start=%v len=%v release (quota %v)",
		ino.ID, start, length, freed)
}
