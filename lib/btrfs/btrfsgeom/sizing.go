// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsgeom

import (
	"math"
)

// ExtentsNeeded returns how many file extent items a contiguous dirty
// range of numBytes could need, given that no single extent may be
// longer than MaxExtentSize.
func (g Geometry) ExtentsNeeded(numBytes uint64) uint32 {
	n := numBytes / g.MaxExtentSize
	if numBytes%g.MaxExtentSize != 0 {
		n++
	}
	if n > math.MaxUint32 {
		Misusef("%v bytes need %v extents, more than an inode can count", numBytes, n)
	}
	return uint32(n)
}

// CSumLeaves returns how many leaves are needed to hold one checksum
// per sector of csumBytes.
func (g Geometry) CSumLeaves(csumBytes uint64) uint64 {
	numCSums := csumBytes / uint64(g.SectorSize)
	perLeaf := g.CSumsPerLeaf()
	return (numCSums + perLeaf - 1) / perLeaf
}

// InsertMetadataSize is the worst-case number of metadata bytes
// needed to insert numItems new items, assuming every insert may
// split a node at every level.
func (g Geometry) InsertMetadataSize(numItems uint64) uint64 {
	return uint64(g.NodeSize) * MaxLevel * 2 * numItems
}

// MetadataSize is the worst-case number of metadata bytes needed to
// modify numItems existing items (COW of the path, but no splits).
func (g Geometry) MetadataSize(numItems uint64) uint64 {
	return uint64(g.NodeSize) * MaxLevel * numItems
}

// CalcInodeReservations returns the metadata bytes and the quota
// bytes to reserve before dirtying numBytes of a file.
//
// Both are over-estimates; the excess is handed back once the real
// extents are known.
func (g Geometry) CalcInodeReservations(numBytes uint64) (metaReserve, qgroupReserve uint64) {
	nrExtents := uint64(g.ExtentsNeeded(numBytes))
	csumLeaves := g.CSumLeaves(numBytes)

	metaReserve = g.InsertMetadataSize(nrExtents + csumLeaves)
	// Completing the write updates the inode item.
	metaReserve += g.MetadataSize(1)

	qgroupReserve = nrExtents * uint64(g.NodeSize)
	return metaReserve, qgroupReserve
}

// BlockRsvSize computes the steady-state metadata reservation and
// quota reservation for a file with the given outstanding work.
func (g Geometry) BlockRsvSize(outstandingExtents uint32, csumBytes uint64) (size, qgroupSize uint64) {
	if outstandingExtents > 0 {
		size = g.InsertMetadataSize(uint64(outstandingExtents))
		size += g.MetadataSize(1)
	}
	size += g.InsertMetadataSize(g.CSumLeaves(csumBytes))
	// One node per outstanding extent; this overestimates in most
	// cases.
	qgroupSize = uint64(outstandingExtents) * uint64(g.NodeSize)
	return size, qgroupSize
}
