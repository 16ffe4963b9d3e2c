// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsgeom_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsgeom"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
)

func TestExtentsNeeded(t *testing.T) {
	t.Parallel()
	geom := btrfsgeom.DefaultGeometry()
	type TestCase struct {
		Bytes   uint64
		Extents uint32
	}
	testcases := map[string]TestCase{
		"zero":        {Bytes: 0, Extents: 0},
		"one-byte":    {Bytes: 1, Extents: 1},
		"one-sector":  {Bytes: 4 * KiB, Extents: 1},
		"max":         {Bytes: 128 * MiB, Extents: 1},
		"max-plus":    {Bytes: 128*MiB + 1, Extents: 2},
		"200MiB":      {Bytes: 200 * MiB, Extents: 2},
		"three-times": {Bytes: 3 * 128 * MiB, Extents: 3},
		"most":        {Bytes: math.MaxUint32 * 128 * MiB, Extents: math.MaxUint32},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.Extents, geom.ExtentsNeeded(tc.Bytes))
		})
	}
}

func TestExtentsNeededOverflow(t *testing.T) {
	t.Parallel()
	geom := btrfsgeom.DefaultGeometry()
	assert.Panics(t, func() { geom.ExtentsNeeded(math.MaxUint64) })
	assert.Panics(t, func() { geom.ExtentsNeeded(math.MaxUint32*128*MiB + 1) })
}

func TestCSumLeaves(t *testing.T) {
	t.Parallel()
	geom := btrfsgeom.DefaultGeometry()
	perLeaf := geom.CSumsPerLeaf()
	assert.Equal(t, uint64(0), geom.CSumLeaves(0))
	assert.Equal(t, uint64(1), geom.CSumLeaves(4*KiB))
	assert.Equal(t, uint64(1), geom.CSumLeaves(perLeaf*4*KiB))
	assert.Equal(t, uint64(2), geom.CSumLeaves((perLeaf+1)*4*KiB))
}

func TestMetadataSizes(t *testing.T) {
	t.Parallel()
	geom := btrfsgeom.DefaultGeometry()
	assert.Equal(t, uint64(16*KiB*8*2*3), geom.InsertMetadataSize(3))
	assert.Equal(t, uint64(16*KiB*8), geom.MetadataSize(1))
	assert.Equal(t, uint64(0), geom.InsertMetadataSize(0))
}

func TestCalcInodeReservations(t *testing.T) {
	t.Parallel()
	geom := btrfsgeom.DefaultGeometry()

	meta, qgroup := geom.CalcInodeReservations(4 * KiB)
	// 1 extent + 1 csum leaf inserted, plus the inode update.
	assert.Equal(t, geom.InsertMetadataSize(2)+geom.MetadataSize(1), meta)
	assert.Equal(t, uint64(16*KiB), qgroup)

	meta, qgroup = geom.CalcInodeReservations(200 * MiB)
	assert.Equal(t, geom.InsertMetadataSize(2+geom.CSumLeaves(200*MiB))+geom.MetadataSize(1), meta)
	assert.Equal(t, uint64(2*16*KiB), qgroup)
}

func TestBlockRsvSize(t *testing.T) {
	t.Parallel()
	geom := btrfsgeom.DefaultGeometry()

	size, qgroup := geom.BlockRsvSize(0, 0)
	assert.Equal(t, uint64(0), size)
	assert.Equal(t, uint64(0), qgroup)

	// Checksums alone still need leaves, but no inode update.
	size, qgroup = geom.BlockRsvSize(0, 4*KiB)
	assert.Equal(t, geom.InsertMetadataSize(1), size)
	assert.Equal(t, uint64(0), qgroup)

	// A single fresh reservation is sized exactly like
	// CalcInodeReservations.
	meta, qmeta := geom.CalcInodeReservations(4 * KiB)
	size, qgroup = geom.BlockRsvSize(1, 4*KiB)
	assert.Equal(t, meta, size)
	assert.Equal(t, qmeta, qgroup)

	// Pure function of its inputs.
	size2, qgroup2 := geom.BlockRsvSize(1, 4*KiB)
	assert.Equal(t, size, size2)
	assert.Equal(t, qgroup, qgroup2)
}
