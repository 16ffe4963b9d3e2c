// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package delalloc

import (
	"context"

	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsgeom"
	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsqgroup"
)

// A Reservation is the result of a successful ReserveSpace, bound to
// the byte range that it was made for, so that the extents and the
// space are released for exactly that range.
//
//	rsv, err := fs.Reserve(ctx, ino, txn, start, length)
//	if err != nil {
//		return err
//	}
//	defer rsv.Done(ctx)
//	if err := copyIn(); err != nil {
//		rsv.Abort(ctx)
//		return err
//	}
//	fs.MarkDelalloc(ctx, ino, length)
type Reservation struct {
	fs        *FS
	ino       *Inode
	start     uint64
	length    uint64
	Changeset btrfsqgroup.ExtentChangeset

	extentsReleased bool
	spaceReleased   bool
}

// Reserve is ReserveSpace, returning a Reservation.
func (fs *FS) Reserve(ctx context.Context, ino *Inode, txn TxnState, start, length uint64) (*Reservation, error) {
	r := &Reservation{
		fs:     fs,
		ino:    ino,
		start:  start,
		length: length,
	}
	if err := fs.ReserveSpace(ctx, ino, txn, &r.Changeset, start, length); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reservation) Inode() *Inode { return r.ino }

// Range returns the range the reservation was made for, as passed to
// Reserve.
func (r *Reservation) Range() (start, length uint64) { return r.start, r.length }

// ReleaseExtents drops the outstanding extents that the reservation
// accounted for.  It must be called exactly once, after the range
// has been marked for delayed allocation or has failed to be.
func (r *Reservation) ReleaseExtents(ctx context.Context) {
	if r.extentsReleased {
		btrfsgeom.Misusef("ino %v: extents for [%v, +%v) released twice",
			r.ino.ID, r.start, r.length)
	}
	r.extentsReleased = true
	r.fs.ReleaseExtents(ctx, r.ino, r.length)
}

// Abort gives back the space and quota for a write that never
// happened.  The extents must still be released separately (Done
// does that).
func (r *Reservation) Abort(ctx context.Context) {
	if r.spaceReleased {
		btrfsgeom.Misusef("ino %v: space for [%v, +%v) released twice",
			r.ino.ID, r.start, r.length)
	}
	r.spaceReleased = true
	r.fs.ReleaseSpace(ctx, r.ino, &r.Changeset, r.start, r.length, true)
}

// Done releases the extents if that has not happened yet.  It is
// meant to be deferred.
func (r *Reservation) Done(ctx context.Context) {
	if !r.extentsReleased {
		r.ReleaseExtents(ctx)
	}
}
