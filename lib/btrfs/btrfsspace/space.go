// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsspace implements the process-wide capacity pools that
// data and metadata reservations are drawn from.
//
// A pool tracks three counters.  MayUse holds speculative
// reservations for work that has not been allocated yet; Reserved
// holds extents that have been allocated but whose items are not yet
// durable; Used holds the rest.
package btrfsspace

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsgeom"
	"git.lukeshu.com/btrfs-delalloc/lib/textui"
)

type Class int

const (
	ClassData = Class(iota)
	ClassMetadata
)

func (c Class) String() string {
	switch c {
	case ClassData:
		return "data"
	case ClassMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// ErrNoSpace is returned (wrapped) when a pool cannot satisfy a
// reservation even after the reclaim that the flush policy allows.
// `errors.Is(err, syscall.ENOSPC)` is also true for it.
var ErrNoSpace error = &noSpaceError{}

type noSpaceError struct{}

func (*noSpaceError) Error() string { return "no space left" }

func (*noSpaceError) Is(target error) bool {
	return target == syscall.ENOSPC
}

// Pool is the reserve/free contract that the delayed-allocation code
// uses against a capacity pool.
type Pool interface {
	Reserve(ctx context.Context, bytes uint64, flush FlushPolicy) error
	Free(ctx context.Context, bytes uint64)
}

// A Flusher reclaims space for a pool that is under pressure, for
// example by writing back dirty data or committing the running
// transaction.  It may block.
type Flusher interface {
	Flush(ctx context.Context, class Class, need uint64, flush FlushPolicy)
}

type FlusherFunc func(ctx context.Context, class Class, need uint64, flush FlushPolicy)

func (fn FlusherFunc) Flush(ctx context.Context, class Class, need uint64, flush FlushPolicy) {
	fn(ctx, class, need, flush)
}

// Counters is a point-in-time copy of a SpaceInfo's accounting.
type Counters struct {
	Total    uint64
	MayUse   uint64
	Reserved uint64
	Used     uint64
}

// Free returns how many bytes are neither used nor spoken for.
func (c Counters) Free() uint64 {
	committed := c.MayUse + c.Reserved + c.Used
	if committed > c.Total {
		return 0
	}
	return c.Total - committed
}

func (c Counters) String() string {
	return textui.Sprintf("total=%v may_use=%v reserved=%v used=%v",
		textui.IEC(c.Total, "B"),
		textui.IEC(c.MayUse, "B"),
		textui.IEC(c.Reserved, "B"),
		textui.IEC(c.Used, "B"))
}

// SpaceInfo is the in-memory capacity pool for one resource class.
type SpaceInfo struct {
	Class Class
	Total uint64
	// Emergency is extra headroom beyond Total that only
	// FlushFreeSpaceInode reservations may dip into.
	Emergency uint64
	// Flusher, if non-nil, is called (outside of any lock) when a
	// reservation does not fit and the flush policy permits
	// reclaim.
	Flusher Flusher

	mu       sync.Mutex
	mayUse   uint64
	reserved uint64
	used     uint64
}

var _ Pool = (*SpaceInfo)(nil)

func NewSpaceInfo(class Class, total uint64) *SpaceInfo {
	return &SpaceInfo{
		Class: class,
		Total: total,
	}
}

func (si *SpaceInfo) Counters() Counters {
	si.mu.Lock()
	defer si.mu.Unlock()
	return Counters{
		Total:    si.Total,
		MayUse:   si.mayUse,
		Reserved: si.reserved,
		Used:     si.used,
	}
}

func (si *SpaceInfo) tryReserve(bytes uint64, flush FlushPolicy) bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	limit := si.Total
	if flush == FlushFreeSpaceInode {
		limit += si.Emergency
	}
	if si.mayUse+si.reserved+si.used+bytes > limit {
		return false
	}
	si.mayUse += bytes
	return true
}

// Reserve adds bytes to MayUse, asking the Flusher to reclaim space
// as many times as the flush policy allows if it does not fit.
func (si *SpaceInfo) Reserve(ctx context.Context, bytes uint64, flush FlushPolicy) error {
	if bytes == 0 {
		return nil
	}
	for pass := 0; ; pass++ {
		if si.tryReserve(bytes, flush) {
			dlog.Tracef(ctx, "space: %v reserve %v (flush=%v)", si.Class, bytes, flush)
			return nil
		}
		if si.Flusher == nil || pass >= flush.passes() {
			break
		}
		dlog.Debugf(ctx, "space: %v reserve %v does not fit, flush pass %v (flush=%v)",
			si.Class, bytes, pass+1, flush)
		si.Flusher.Flush(ctx, si.Class, bytes, flush)
	}
	return fmt.Errorf("%v: reserve %v bytes (flush=%v): %w", si.Class, bytes, flush, ErrNoSpace)
}

// Free drops bytes from MayUse.  Freeing more than is held is a
// programming error.
func (si *SpaceInfo) Free(ctx context.Context, bytes uint64) {
	if bytes == 0 {
		return
	}
	si.mu.Lock()
	if bytes > si.mayUse {
		si.mu.Unlock()
		btrfsgeom.Misusef("%v: free %v bytes but may_use is only %v", si.Class, bytes, si.mayUse)
	}
	si.mayUse -= bytes
	si.mu.Unlock()
	dlog.Tracef(ctx, "space: %v free %v", si.Class, bytes)
}

// UseReserved is called when a speculative reservation of requested
// bytes turns into a real allocation of allocated bytes.  Allocated
// may be smaller than requested (compression), never larger.
func (si *SpaceInfo) UseReserved(ctx context.Context, requested, allocated uint64) {
	si.mu.Lock()
	switch {
	case requested > si.mayUse:
		si.mu.Unlock()
		btrfsgeom.Misusef("%v: use %v bytes but may_use is only %v", si.Class, requested, si.mayUse)
	case allocated > requested:
		si.mu.Unlock()
		btrfsgeom.Misusef("%v: allocated %v bytes for a %v byte reservation", si.Class, allocated, requested)
	}
	si.mayUse -= requested
	si.reserved += allocated
	si.mu.Unlock()
	dlog.Tracef(ctx, "space: %v may_use->reserved %v->%v", si.Class, requested, allocated)
}

// Commit moves bytes from Reserved to Used once the extent that they
// describe has been durably recorded.
func (si *SpaceInfo) Commit(ctx context.Context, bytes uint64) {
	si.mu.Lock()
	if bytes > si.reserved {
		si.mu.Unlock()
		btrfsgeom.Misusef("%v: commit %v bytes but reserved is only %v", si.Class, bytes, si.reserved)
	}
	si.reserved -= bytes
	si.used += bytes
	si.mu.Unlock()
	dlog.Tracef(ctx, "space: %v reserved->used %v", si.Class, bytes)
}

// Unreserve returns an allocated-but-never-recorded extent.
func (si *SpaceInfo) Unreserve(ctx context.Context, bytes uint64) {
	si.mu.Lock()
	if bytes > si.reserved {
		si.mu.Unlock()
		btrfsgeom.Misusef("%v: unreserve %v bytes but reserved is only %v", si.Class, bytes, si.reserved)
	}
	si.reserved -= bytes
	si.mu.Unlock()
	dlog.Tracef(ctx, "space: %v unreserve %v", si.Class, bytes)
}

// FreeUsed releases bytes of durable usage, as when an extent is
// deleted.
func (si *SpaceInfo) FreeUsed(ctx context.Context, bytes uint64) {
	si.mu.Lock()
	if bytes > si.used {
		si.mu.Unlock()
		btrfsgeom.Misusef("%v: free %v used bytes but used is only %v", si.Class, bytes, si.used)
	}
	si.used -= bytes
	si.mu.Unlock()
	dlog.Tracef(ctx, "space: %v free used %v", si.Class, bytes)
}
