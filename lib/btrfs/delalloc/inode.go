// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package delalloc

import (
	"fmt"
	"sync"

	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsgeom"
	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsqgroup"
	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsrsv"
)

// ErrMisuse is wrapped by the panics raised when a caller breaks
// the reserve/release pairing rules.
var ErrMisuse = btrfsgeom.ErrMisuse

// Inode is the per-file reservation state.
type Inode struct {
	ID btrfsqgroup.FileID
	// FreeSpaceInode marks an internal bookkeeping file that is
	// written as part of committing a transaction, and so must
	// never wait on flushing.
	FreeSpaceInode bool

	mu                 sync.Mutex
	outstandingExtents uint32
	csumBytes          uint64
	rsv                btrfsrsv.BlockRsv
}

func NewInode(id btrfsqgroup.FileID) *Inode {
	return &Inode{ID: id}
}

// InodeState is a consistent point-in-time copy of an Inode's
// counters and block reservation.
type InodeState struct {
	OutstandingExtents uint32
	CSumBytes          uint64
	Rsv                btrfsrsv.State
}

func (st InodeState) String() string {
	return fmt.Sprintf("outstanding_extents=%v csum_bytes=%v %v",
		st.OutstandingExtents, st.CSumBytes, st.Rsv)
}

// IsZero reports whether the inode has nothing outstanding and holds
// no reservation.
func (st InodeState) IsZero() bool {
	return st == InodeState{}
}

func (ino *Inode) Snapshot() InodeState {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return InodeState{
		OutstandingExtents: ino.outstandingExtents,
		CSumBytes:          ino.csumBytes,
		Rsv:                ino.rsv.State(),
	}
}

// Evict panics with ErrMisuse if ino still accounts for any
// delayed-allocation bytes or still holds any reservation.  Call it
// when the file is dropped from memory.
func (ino *Inode) Evict() {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.outstandingExtents != 0 || ino.csumBytes != 0 {
		btrfsgeom.Misusef("ino %v: evicted with outstanding_extents=%v csum_bytes=%v",
			ino.ID, ino.outstandingExtents, ino.csumBytes)
	}
	ino.rsv.MustBeEmpty()
}

// The methods below must be called with ino.mu held.

func (ino *Inode) modOutstandingExtents(delta int64) {
	n := int64(ino.outstandingExtents) + delta
	if n < 0 {
		btrfsgeom.Misusef("ino %v: outstanding_extents %v%+d underflows",
			ino.ID, ino.outstandingExtents, delta)
	}
	ino.outstandingExtents = uint32(n)
}

func (ino *Inode) modCSumBytes(delta int64) {
	if delta < 0 && uint64(-delta) > ino.csumBytes {
		btrfsgeom.Misusef("ino %v: csum_bytes %v%+d underflows",
			ino.ID, ino.csumBytes, delta)
	}
	ino.csumBytes = uint64(int64(ino.csumBytes) + delta)
}

// recalculate resizes the block reservation to match the counters.
func (ino *Inode) recalculate(geom btrfsgeom.Geometry) {
	size, qgroupSize := geom.BlockRsvSize(ino.outstandingExtents, ino.csumBytes)
	ino.rsv.SetSize(size, qgroupSize)
}
