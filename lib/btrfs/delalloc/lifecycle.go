// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package delalloc

import (
	"context"
	"fmt"
	"strings"
)

// ClearBits selects what ClearDelalloc gives back in addition to
// dropping the range's outstanding extents.
type ClearBits uint8

const (
	// ClearMetaResv releases the range's metadata reservation.
	// It is set when delayed allocation is abandoned rather than
	// handed over to an ordered extent.
	ClearMetaResv ClearBits = 1 << iota
	// ClearDataResv frees the range's data reservation (without
	// quota).
	ClearDataResv
)

func (bits ClearBits) String() string {
	if bits == 0 {
		return "0"
	}
	var names []string
	if bits&ClearMetaResv != 0 {
		names = append(names, "meta-resv")
	}
	if bits&ClearDataResv != 0 {
		names = append(names, "data-resv")
	}
	if rest := bits &^ (ClearMetaResv | ClearDataResv); rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint8(rest)))
	}
	return strings.Join(names, "|")
}

func (fs *FS) modExtents(ino *Inode, delta int64) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	ino.modOutstandingExtents(delta)
	ino.recalculate(fs.Geometry)
}

// MarkDelalloc is called when length bytes of ino become dirty
// delayed-allocation data.
func (fs *FS) MarkDelalloc(ctx context.Context, ino *Inode, length uint64) {
	fs.modExtents(ino, int64(fs.Geometry.ExtentsNeeded(length)))
}

// ClearDelalloc is called when length bytes of ino stop being dirty
// delayed-allocation data, either because writeback picked them up
// or because they were dropped.
func (fs *FS) ClearDelalloc(ctx context.Context, ino *Inode, length uint64, bits ClearBits) {
	fs.modExtents(ino, -int64(fs.Geometry.ExtentsNeeded(length)))
	if bits&ClearMetaResv != 0 {
		fs.ReleaseMetadata(ctx, ino, length, false)
	}
	if bits&ClearDataResv != 0 {
		fs.FreeDataNoQuota(ctx, ino, fs.Geometry.AlignLen(length))
	}
}

// AddOrdered is called when an ordered extent is created for ino.
func (fs *FS) AddOrdered(ctx context.Context, ino *Inode) {
	fs.modExtents(ino, 1)
}

// FinishOrdered is called when an ordered extent of numBytes
// completes and its file extent item has been inserted; the metadata
// for it is converted from prealloc to per-transaction quota.
func (fs *FS) FinishOrdered(ctx context.Context, ino *Inode, numBytes uint64) {
	fs.modExtents(ino, -1)
	fs.ReleaseMetadata(ctx, ino, numBytes, false)
}
