// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package delalloc implements space reservation for delayed
// allocation: before data is dirtied, both the data space and the
// metadata space that finishing the write will need are reserved,
// even though the final on-disk layout is not yet known.
//
// # Data
//
// ReserveData adds the (sector-aligned) range to the data pool's
// MayUse and takes quota for it.  When the range is later allocated,
// the pool moves it from MayUse to Reserved (possibly shrinking it,
// if compressed), and once the file extent item is durable from
// Reserved to Used.  A caller that gives up before allocation hands
// the reservation back with FreeData, or FreeDataNoQuota if it knows
// that no quota was taken.
//
// # Metadata
//
// Each Inode tracks two counters: the number of file extent items
// that its outstanding dirty data may still need
// (OutstandingExtents), and the number of dirty bytes that will
// need checksums (CSumBytes).  Its block reservation is always sized
// as a pure function of those two counters, and the counters are
// always updated before the reservation is topped up, so that a
// concurrent completion never sees a reservation without the
// counters that justify it.
//
// # Outstanding extents
//
// OutstandingExtents rises and falls as a range of dirty data moves
// through its life.  For a range no longer than the maximum extent
// size:
//
//	ReserveMetadata    +1  (1)
//	MarkDelalloc       +1  (2)
//	ReleaseExtents     -1  (1)  by whoever called ReserveMetadata
//	AddOrdered         +1  (2)
//	ClearDelalloc      -1  (1)
//	FinishOrdered      -1  (0)
//
// Each stage accounts for its own extent, so that every stage can
// clean up after itself on error.  A Reservation ties the first and
// third steps together.
package delalloc
