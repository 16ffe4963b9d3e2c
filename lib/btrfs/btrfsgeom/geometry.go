// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsgeom holds the filesystem-geometry constants that the
// space-reservation code sizes everything against, along with the
// alignment helpers and the pure reservation-sizing functions.
package btrfsgeom

import (
	"fmt"
	"math/bits"
)

// MaxLevel is the maximum height of a b+tree; a worst-case insert
// COWs one node per level.
const MaxLevel = 8

// On-disk structure sizes that bound how many checksums fit in one
// leaf.
const (
	nodeHeaderSize = 0x65 // struct btrfs_header
	itemHeaderSize = 0x19 // struct btrfs_item
)

const (
	DefaultSectorSize    = 4096
	DefaultNodeSize      = 16 * 1024
	DefaultMaxExtentSize = 128 * 1024 * 1024
)

type CSumType uint16

const (
	TYPE_CRC32 = CSumType(iota)
	TYPE_XXHASH
	TYPE_SHA256
	TYPE_BLAKE2
)

var csumTypeNames = map[CSumType]string{
	TYPE_CRC32:  "crc32c",
	TYPE_XXHASH: "xxhash64",
	TYPE_SHA256: "sha256",
	TYPE_BLAKE2: "blake2",
}

func (typ CSumType) String() string {
	if name, ok := csumTypeNames[typ]; ok {
		return name
	}
	return fmt.Sprintf("%d", typ)
}

// Size returns the number of bytes that one checksum of this type
// occupies in a checksum item, or 0 for an unknown type.
func (typ CSumType) Size() int {
	switch typ {
	case TYPE_CRC32:
		return 4
	case TYPE_XXHASH:
		return 8
	case TYPE_SHA256, TYPE_BLAKE2:
		return 32
	default:
		return 0
	}
}

// ParseCSumType is the inverse of CSumType.String.
func ParseCSumType(str string) (CSumType, error) {
	for typ, name := range csumTypeNames {
		if name == str {
			return typ, nil
		}
	}
	return 0, fmt.Errorf("unknown checksum type: %q", str)
}

// Geometry is the set of filesystem-wide constants (normally read
// from the superblock) that reservation sizing depends on.
type Geometry struct {
	SectorSize    uint32
	NodeSize      uint32
	MaxExtentSize uint64
	ChecksumType  CSumType
}

func DefaultGeometry() Geometry {
	return Geometry{
		SectorSize:    DefaultSectorSize,
		NodeSize:      DefaultNodeSize,
		MaxExtentSize: DefaultMaxExtentSize,
		ChecksumType:  TYPE_CRC32,
	}
}

func isPow2(x uint64) bool {
	return x != 0 && bits.OnesCount64(x) == 1
}

// Validate returns an error if the geometry is not one that a
// filesystem could have.
func (g Geometry) Validate() error {
	switch {
	case !isPow2(uint64(g.SectorSize)):
		return fmt.Errorf("sector size %v is not a power of 2", g.SectorSize)
	case !isPow2(uint64(g.NodeSize)):
		return fmt.Errorf("node size %v is not a power of 2", g.NodeSize)
	case g.NodeSize < g.SectorSize:
		return fmt.Errorf("node size %v is smaller than sector size %v", g.NodeSize, g.SectorSize)
	case g.NodeSize <= nodeHeaderSize+itemHeaderSize:
		return fmt.Errorf("node size %v is too small to hold an item", g.NodeSize)
	case g.MaxExtentSize == 0 || !IsAligned(g.MaxExtentSize, uint64(g.SectorSize)):
		return fmt.Errorf("max extent size %v is not a non-zero multiple of sector size %v", g.MaxExtentSize, g.SectorSize)
	case g.ChecksumType.Size() == 0:
		return fmt.Errorf("unknown checksum type %v", g.ChecksumType)
	}
	return nil
}

// CSumsPerLeaf returns how many per-sector checksums fit in a single
// checksum item that fills an entire leaf.
func (g Geometry) CSumsPerLeaf() uint64 {
	maxItemSize := uint64(g.NodeSize) - nodeHeaderSize - itemHeaderSize
	return maxItemSize / uint64(g.ChecksumType.Size())
}
