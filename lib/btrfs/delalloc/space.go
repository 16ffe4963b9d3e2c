// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package delalloc

import (
	"context"

	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsqgroup"
)

// ReserveSpace reserves everything that a buffered write of
// [start, start+length) to ino needs: data space, data quota, and
// metadata.  On error nothing is left reserved.
//
// On success the caller owes a ReleaseExtents(length) once the range
// has been marked for delayed allocation (or has failed to be), and
// either a ReleaseSpace or the normal writeback completions.
func (fs *FS) ReserveSpace(ctx context.Context, ino *Inode, txn TxnState, changeset *btrfsqgroup.ExtentChangeset, start, length uint64) error {
	if err := fs.ReserveData(ctx, ino, changeset, start, length); err != nil {
		return err
	}
	if err := fs.ReserveMetadata(ctx, ino, txn, length); err != nil {
		fs.FreeData(ctx, ino, changeset, start, length)
		return err
	}
	return nil
}

// ReleaseSpace is the error-path counterpart of ReserveSpace.  It
// does not release the outstanding extents; the caller must still
// call ReleaseExtents.
func (fs *FS) ReleaseSpace(ctx context.Context, ino *Inode, changeset *btrfsqgroup.ExtentChangeset, start, length uint64, qgroupFree bool) {
	fs.ReleaseMetadata(ctx, ino, length, qgroupFree)
	fs.FreeData(ctx, ino, changeset, start, length)
}
