// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsrsv implements block reservations: a running tally of
// metadata bytes that have been taken from the metadata pool on
// behalf of one owner, along with the size that the tally ought to
// be.
package btrfsrsv

import (
	"context"
	"fmt"
	"sync"

	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsgeom"
	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsspace"
)

// BlockRsv is safe for concurrent use; the zero value is an empty
// reservation.
type BlockRsv struct {
	mu sync.Mutex

	size     uint64
	reserved uint64

	qgroupRsvSize     uint64
	qgroupRsvReserved uint64
}

// State is a point-in-time copy of a BlockRsv.
type State struct {
	Size              uint64
	Reserved          uint64
	QgroupRsvSize     uint64
	QgroupRsvReserved uint64
}

// Full reports whether the reservation holds at least as much as it
// wants.
func (s State) Full() bool {
	return s.Reserved >= s.Size
}

func (s State) String() string {
	return fmt.Sprintf("size=%v reserved=%v qgroup_size=%v qgroup_reserved=%v",
		s.Size, s.Reserved, s.QgroupRsvSize, s.QgroupRsvReserved)
}

func (rsv *BlockRsv) State() State {
	rsv.mu.Lock()
	defer rsv.mu.Unlock()
	return State{
		Size:              rsv.size,
		Reserved:          rsv.reserved,
		QgroupRsvSize:     rsv.qgroupRsvSize,
		QgroupRsvReserved: rsv.qgroupRsvReserved,
	}
}

// SetSize sets both target sizes in one critical section.
func (rsv *BlockRsv) SetSize(size, qgroupSize uint64) {
	rsv.mu.Lock()
	defer rsv.mu.Unlock()
	rsv.size = size
	rsv.qgroupRsvSize = qgroupSize
}

// AddBytes records bytes (already reserved from the metadata pool)
// and qgroupBytes (already reserved from the quota ledger) as held
// by this reservation.
func (rsv *BlockRsv) AddBytes(bytes, qgroupBytes uint64) {
	rsv.mu.Lock()
	defer rsv.mu.Unlock()
	rsv.reserved += bytes
	rsv.qgroupRsvReserved += qgroupBytes
}

// ReleaseExcess trims the held amounts down to the target sizes.
// The trimmed metadata bytes are freed back to pool, and the trimmed
// quota bytes are returned for the caller to free or convert.
func (rsv *BlockRsv) ReleaseExcess(ctx context.Context, pool btrfsspace.Pool) (released, qgroupToRelease uint64) {
	rsv.mu.Lock()
	if rsv.reserved > rsv.size {
		released = rsv.reserved - rsv.size
		rsv.reserved = rsv.size
	}
	if rsv.qgroupRsvReserved > rsv.qgroupRsvSize {
		qgroupToRelease = rsv.qgroupRsvReserved - rsv.qgroupRsvSize
		rsv.qgroupRsvReserved = rsv.qgroupRsvSize
	}
	rsv.mu.Unlock()

	if released > 0 {
		pool.Free(ctx, released)
	}
	return released, qgroupToRelease
}

// MustBeEmpty panics with ErrMisuse if the reservation still holds
// or wants anything; call it when the owner is destroyed.
func (rsv *BlockRsv) MustBeEmpty() {
	if st := rsv.State(); st != (State{}) {
		btrfsgeom.Misusef("block reservation not empty at teardown: %v", st)
	}
}
