// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package delalloc

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
)

// ReserveMetadata reserves the metadata space and quota that writing
// numBytes of delayed-allocation data to ino will need, and accounts
// one more outstanding extent per maximum-sized extent of it.
func (fs *FS) ReserveMetadata(ctx context.Context, ino *Inode, txn TxnState, numBytes uint64) error {
	ctx = withInode(ctx, ino, "reserve-metadata")
	numBytes = fs.Geometry.AlignLen(numBytes)

	flush := MetadataFlushPolicy(ino, txn)
	if !ino.FreeSpaceInode && txn.CommitInProgress {
		// Cancellation only cuts the yield short.
		dtime.SleepWithContext(ctx, commitYield)
	}

	metaReserve, qgroupReserve := fs.Geometry.CalcInodeReservations(numBytes)
	if err := fs.Qgroups.ReserveMetaPrealloc(ctx, ino.ID.Root, qgroupReserve, true); err != nil {
		return err
	}
	if err := fs.Metadata.Reserve(ctx, metaReserve, flush); err != nil {
		fs.Qgroups.FreeMetaPrealloc(ctx, ino.ID.Root, qgroupReserve)
		return err
	}

	// The counters must cover the bytes before the bytes are
	// added, or a concurrent release would trim them right back.
	func() {
		ino.mu.Lock()
		defer ino.mu.Unlock()
		ino.modOutstandingExtents(int64(fs.Geometry.ExtentsNeeded(numBytes)))
		ino.modCSumBytes(int64(numBytes))
		ino.recalculate(fs.Geometry)
	}()

	ino.rsv.AddBytes(metaReserve, qgroupReserve)
	dlog.Tracef(ctx, "space_reservation: delalloc ino=%v %v reserve (quota %v)",
		ino.ID, metaReserve, qgroupReserve)
	return nil
}

// ReleaseMetadata drops numBytes from ino's checksum accounting and
// hands whatever the reservation no longer needs back to the pool.
// The quota that comes back with it is freed if qgroupFree, and
// converted to per-transaction quota otherwise (because the metadata
// it was for has been written).
func (fs *FS) ReleaseMetadata(ctx context.Context, ino *Inode, numBytes uint64, qgroupFree bool) {
	ctx = withInode(ctx, ino, "release-metadata")
	numBytes = fs.Geometry.AlignLen(numBytes)

	func() {
		ino.mu.Lock()
		defer ino.mu.Unlock()
		ino.modCSumBytes(-int64(numBytes))
		ino.recalculate(fs.Geometry)
	}()

	if fs.Testing {
		return
	}
	fs.releaseExcess(ctx, ino, qgroupFree)
}

// ReleaseExtents drops the outstanding extents that numBytes of data
// accounted for, and hands whatever the reservation no longer needs
// back to the pool.
func (fs *FS) ReleaseExtents(ctx context.Context, ino *Inode, numBytes uint64) {
	ctx = withInode(ctx, ino, "release-extents")

	func() {
		ino.mu.Lock()
		defer ino.mu.Unlock()
		ino.modOutstandingExtents(-int64(fs.Geometry.ExtentsNeeded(numBytes)))
		ino.recalculate(fs.Geometry)
	}()

	if fs.Testing {
		return
	}
	fs.releaseExcess(ctx, ino, true)
}

func (fs *FS) releaseExcess(ctx context.Context, ino *Inode, qgroupFree bool) {
	released, qgroupToRelease := ino.rsv.ReleaseExcess(ctx, fs.Metadata)
	if released > 0 || qgroupToRelease > 0 {
		dlog.Tracef(ctx, "space_reservation: delalloc ino=%v %v release (quota %v, free=%v)",
			ino.ID, released, qgroupToRelease, qgroupFree)
	}
	if qgroupToRelease == 0 {
		return
	}
	if qgroupFree {
		fs.Qgroups.FreeMetaPrealloc(ctx, ino.ID.Root, qgroupToRelease)
	} else {
		fs.Qgroups.ConvertMetaPrealloc(ctx, ino.ID.Root, qgroupToRelease)
	}
}
