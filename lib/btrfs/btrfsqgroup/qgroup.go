// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsqgroup implements the quota-group reservation ledger:
// per-subvolume limits that data and metadata must be pre-reserved
// against before a write is allowed to proceed.
package btrfsqgroup

import (
	"context"
	"fmt"
	"syscall"

	"git.lukeshu.com/btrfs-delalloc/lib/containers"
)

// RootID identifies a subvolume, and thus the quota group that it is
// accounted to.
type RootID uint64

// FileID identifies one file within one subvolume.
type FileID struct {
	Root RootID
	Ino  uint64
}

func (id FileID) String() string {
	return fmt.Sprintf("%v/%v", id.Root, id.Ino)
}

// ErrQuotaExceeded is returned (wrapped) when a reservation would put
// a quota group over its limit.  `errors.Is(err, syscall.EDQUOT)` is
// also true for it.
var ErrQuotaExceeded error = &quotaError{}

type quotaError struct{}

func (*quotaError) Error() string { return "disk quota exceeded" }

func (*quotaError) Is(target error) bool {
	return target == syscall.EDQUOT
}

// ExtentChangeset records exactly which byte ranges of a file a data
// reservation took quota for, so that an error path can give back
// exactly those ranges and no others.  The zero value is ready to
// use.  It is owned by the caller that reserved.
type ExtentChangeset struct {
	BytesChanged uint64
	Ranges       []containers.Range[uint64]
}

func (cs *ExtentChangeset) add(ranges []containers.Range[uint64]) {
	cs.Ranges = append(cs.Ranges, ranges...)
	cs.BytesChanged += containers.SumRanges(ranges)
}

// forget drops [start, end) from the recorded ranges, so that the
// same bytes are never given back through the changeset twice.
func (cs *ExtentChangeset) forget(start, end uint64) {
	var set containers.RangeSet[uint64]
	for _, r := range cs.Ranges {
		set.Set(r.Beg, r.End)
	}
	set.Clear(start, end)
	cs.Ranges = set.Ranges()
	cs.BytesChanged = set.Size()
}

// Ledger is the quota-group reservation contract that the
// delayed-allocation code depends on.
type Ledger interface {
	// ReserveData takes quota for the part of [start, start+length)
	// of the file that is not already reserved, recording what
	// it took in changeset, which must not be nil.
	ReserveData(ctx context.Context, file FileID, changeset *ExtentChangeset, start, length uint64) error
	// FreeData gives back the quota recorded in changeset that
	// lies within [start, start+length); with a nil changeset it
	// gives back whatever is reserved in that range.  The range is
	// dropped from changeset.  It returns the number of bytes
	// freed.
	FreeData(ctx context.Context, file FileID, changeset *ExtentChangeset, start, length uint64) uint64

	// ReserveMetaPrealloc takes a reversible metadata
	// reservation; enforce=false skips the limit check.
	ReserveMetaPrealloc(ctx context.Context, root RootID, bytes uint64, enforce bool) error
	FreeMetaPrealloc(ctx context.Context, root RootID, bytes uint64)
	// ConvertMetaPrealloc turns a prealloc reservation into a
	// per-transaction one, which is dropped when the transaction
	// commits.
	ConvertMetaPrealloc(ctx context.Context, root RootID, bytes uint64)
}

// Nop is the Ledger for a filesystem with quotas disabled.
type Nop struct{}

var _ Ledger = Nop{}

func (Nop) ReserveData(context.Context, FileID, *ExtentChangeset, uint64, uint64) error { return nil }

func (Nop) FreeData(context.Context, FileID, *ExtentChangeset, uint64, uint64) uint64 { return 0 }

func (Nop) ReserveMetaPrealloc(context.Context, RootID, uint64, bool) error { return nil }

func (Nop) FreeMetaPrealloc(context.Context, RootID, uint64) {}

func (Nop) ConvertMetaPrealloc(context.Context, RootID, uint64) {}
