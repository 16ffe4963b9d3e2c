// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsqgroup_test

import (
	"syscall"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsqgroup"
	"git.lukeshu.com/btrfs-delalloc/lib/containers"
)

const root = btrfsqgroup.RootID(5)

var file = btrfsqgroup.FileID{Root: root, Ino: 257}

func TestReserveDataChangeset(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	var ledger btrfsqgroup.MemLedger

	var cs1 btrfsqgroup.ExtentChangeset
	require.NoError(t, ledger.ReserveData(ctx, file, &cs1, 0, 8192))
	assert.Equal(t, uint64(8192), cs1.BytesChanged)

	// Overlapping reservation only takes the new part.
	var cs2 btrfsqgroup.ExtentChangeset
	require.NoError(t, ledger.ReserveData(ctx, file, &cs2, 4096, 8192))
	assert.Equal(t, uint64(4096), cs2.BytesChanged)
	assert.Equal(t, []containers.Range[uint64]{{Beg: 8192, End: 12288}}, cs2.Ranges)
	assert.Equal(t, uint64(12288), ledger.Counters(root).Rsv[btrfsqgroup.RsvData])

	// Freeing via cs2 only gives back what cs2 took, even though
	// the range asked about is wider.
	assert.Equal(t, uint64(4096), ledger.FreeData(ctx, file, &cs2, 0, 12288))
	assert.Equal(t, uint64(0), cs2.BytesChanged)
	assert.Equal(t, uint64(8192), ledger.Counters(root).Rsv[btrfsqgroup.RsvData])
	assert.Equal(t, uint64(8192), ledger.FileReserved(file))

	// Freeing twice is a no-op.
	assert.Equal(t, uint64(0), ledger.FreeData(ctx, file, &cs2, 0, 12288))
	assert.Empty(t, cs2.Ranges)

	// A nil changeset frees whatever is in the range.
	assert.Equal(t, uint64(8192), ledger.FreeData(ctx, file, nil, 0, 1<<20))
	assert.Equal(t, btrfsqgroup.Counters{}, ledger.Counters(root))
}

func TestFreeDataStaleChangeset(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	var ledger btrfsqgroup.MemLedger

	var csA btrfsqgroup.ExtentChangeset
	require.NoError(t, ledger.ReserveData(ctx, file, &csA, 0, 4096))
	assert.Equal(t, uint64(4096), ledger.FreeData(ctx, file, &csA, 0, 4096))
	assert.Empty(t, csA.Ranges)

	// Another writer takes the same range.
	var csB btrfsqgroup.ExtentChangeset
	require.NoError(t, ledger.ReserveData(ctx, file, &csB, 0, 4096))

	// Freeing through the spent changeset must not touch it.
	assert.Equal(t, uint64(0), ledger.FreeData(ctx, file, &csA, 0, 4096))
	assert.Equal(t, uint64(4096), ledger.FileReserved(file))
	assert.Equal(t, uint64(4096), ledger.Counters(root).Rsv[btrfsqgroup.RsvData])
	assert.Equal(t, uint64(4096), csB.BytesChanged)

	assert.Equal(t, uint64(4096), ledger.FreeData(ctx, file, &csB, 0, 4096))
	assert.Equal(t, btrfsqgroup.Counters{}, ledger.Counters(root))
}

func TestFreeDataPartial(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	var ledger btrfsqgroup.MemLedger

	var cs btrfsqgroup.ExtentChangeset
	require.NoError(t, ledger.ReserveData(ctx, file, &cs, 0, 16384))
	assert.Equal(t, uint64(8192), ledger.FreeData(ctx, file, &cs, 4096, 8192))
	assert.Equal(t, []containers.Range[uint64]{{Beg: 0, End: 4096}, {Beg: 12288, End: 16384}}, cs.Ranges)
	assert.Equal(t, uint64(8192), cs.BytesChanged)
	assert.Equal(t, uint64(8192), ledger.FreeData(ctx, file, &cs, 0, 16384))
	assert.Equal(t, uint64(0), cs.BytesChanged)
}

func TestReserveDataLimit(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	var ledger btrfsqgroup.MemLedger
	ledger.SetLimit(root, 16384)

	var cs btrfsqgroup.ExtentChangeset
	require.NoError(t, ledger.ReserveData(ctx, file, &cs, 0, 12288))

	var cs2 btrfsqgroup.ExtentChangeset
	err := ledger.ReserveData(ctx, file, &cs2, 12288, 8192)
	assert.ErrorIs(t, err, btrfsqgroup.ErrQuotaExceeded)
	assert.ErrorIs(t, err, syscall.EDQUOT)
	// The failed attempt leaves nothing behind.
	assert.Equal(t, uint64(0), cs2.BytesChanged)
	assert.Equal(t, uint64(12288), ledger.FileReserved(file))
	assert.Equal(t, uint64(12288), ledger.Counters(root).Rsv[btrfsqgroup.RsvData])

	// Other subvolumes are not affected.
	other := btrfsqgroup.FileID{Root: 256, Ino: 257}
	assert.NoError(t, ledger.ReserveData(ctx, other, &cs2, 0, 1<<20))
}

func TestCommitData(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	var ledger btrfsqgroup.MemLedger
	ledger.SetLimit(root, 16384)

	var cs btrfsqgroup.ExtentChangeset
	require.NoError(t, ledger.ReserveData(ctx, file, &cs, 0, 8192))
	assert.Equal(t, uint64(8192), ledger.CommitData(ctx, file, 0, 8192))
	cnt := ledger.Counters(root)
	assert.Equal(t, uint64(8192), cnt.Referenced)
	assert.Equal(t, uint64(0), cnt.Reserved())

	// Referenced usage counts against the limit.
	assert.ErrorIs(t, ledger.ReserveMetaPrealloc(ctx, root, 16384, true), btrfsqgroup.ErrQuotaExceeded)
	ledger.FreeReferenced(root, 8192)
	assert.NoError(t, ledger.ReserveMetaPrealloc(ctx, root, 16384, true))
}

func TestMetaPrealloc(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	var ledger btrfsqgroup.MemLedger
	ledger.SetLimit(root, 32768)

	require.NoError(t, ledger.ReserveMetaPrealloc(ctx, root, 16384, true))
	assert.ErrorIs(t, ledger.ReserveMetaPrealloc(ctx, root, 32768, true), btrfsqgroup.ErrQuotaExceeded)
	// Not enforcing skips the limit.
	require.NoError(t, ledger.ReserveMetaPrealloc(ctx, root, 32768, false))
	ledger.FreeMetaPrealloc(ctx, root, 32768)

	ledger.ConvertMetaPrealloc(ctx, root, 4096)
	cnt := ledger.Counters(root)
	assert.Equal(t, uint64(12288), cnt.Rsv[btrfsqgroup.RsvMetaPrealloc])
	assert.Equal(t, uint64(4096), cnt.Rsv[btrfsqgroup.RsvMetaPertrans])

	ledger.FreeMetaPertrans(ctx)
	cnt = ledger.Counters(root)
	assert.Equal(t, uint64(0), cnt.Rsv[btrfsqgroup.RsvMetaPertrans])

	assert.Panics(t, func() { ledger.FreeMetaPrealloc(ctx, root, 1<<20) })
}

func TestNop(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	var ledger btrfsqgroup.Ledger = btrfsqgroup.Nop{}
	var cs btrfsqgroup.ExtentChangeset
	assert.NoError(t, ledger.ReserveData(ctx, file, &cs, 0, 1<<40))
	assert.NoError(t, ledger.ReserveMetaPrealloc(ctx, root, 1<<40, true))
	assert.Equal(t, uint64(0), ledger.FreeData(ctx, file, &cs, 0, 1<<40))
	assert.Equal(t, uint64(0), cs.BytesChanged)
}
