// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsspace_test

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsgeom"
	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsspace"
)

func TestReserveFree(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	si := btrfsspace.NewSpaceInfo(btrfsspace.ClassData, 16384)

	require.NoError(t, si.Reserve(ctx, 8192, btrfsspace.FlushData))
	require.NoError(t, si.Reserve(ctx, 8192, btrfsspace.FlushData))
	assert.Equal(t, btrfsspace.Counters{Total: 16384, MayUse: 16384}, si.Counters())

	err := si.Reserve(ctx, 1, btrfsspace.FlushData)
	assert.ErrorIs(t, err, btrfsspace.ErrNoSpace)
	assert.ErrorIs(t, err, syscall.ENOSPC)
	assert.Equal(t, uint64(16384), si.Counters().MayUse)

	si.Free(ctx, 8192)
	assert.Equal(t, uint64(8192), si.Counters().MayUse)
	assert.Equal(t, uint64(8192), si.Counters().Free())
}

func TestReserveZero(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	si := btrfsspace.NewSpaceInfo(btrfsspace.ClassMetadata, 0)
	assert.NoError(t, si.Reserve(ctx, 0, btrfsspace.NoFlush))
	si.Free(ctx, 0)
}

func TestFreeTooMuch(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	si := btrfsspace.NewSpaceInfo(btrfsspace.ClassData, 16384)
	require.NoError(t, si.Reserve(ctx, 4096, btrfsspace.FlushData))
	assert.Panics(t, func() {
		defer func() {
			err, _ := recover().(error)
			assert.True(t, errors.Is(err, btrfsgeom.ErrMisuse))
			panic(err)
		}()
		si.Free(ctx, 8192)
	})
}

func TestFlushPasses(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Policy btrfsspace.FlushPolicy
		Passes int
	}
	testcases := map[string]TestCase{
		"no-flush":   {Policy: btrfsspace.NoFlush, Passes: 0},
		"limit":      {Policy: btrfsspace.FlushLimit, Passes: 1},
		"data":       {Policy: btrfsspace.FlushData, Passes: 3},
		"all":        {Policy: btrfsspace.FlushAll, Passes: 3},
		"free-space": {Policy: btrfsspace.FlushFreeSpaceInode, Passes: 0},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, false)
			var calls int
			si := btrfsspace.NewSpaceInfo(btrfsspace.ClassMetadata, 4096)
			si.Flusher = btrfsspace.FlusherFunc(func(_ context.Context, class btrfsspace.Class, need uint64, flush btrfsspace.FlushPolicy) {
				assert.Equal(t, btrfsspace.ClassMetadata, class)
				assert.Equal(t, uint64(8192), need)
				assert.Equal(t, tc.Policy, flush)
				calls++
			})
			err := si.Reserve(ctx, 8192, tc.Policy)
			assert.ErrorIs(t, err, btrfsspace.ErrNoSpace)
			assert.Equal(t, tc.Passes, calls)
		})
	}
}

func TestFlushReclaims(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	si := btrfsspace.NewSpaceInfo(btrfsspace.ClassData, 8192)
	require.NoError(t, si.Reserve(ctx, 8192, btrfsspace.FlushData))
	si.Flusher = btrfsspace.FlusherFunc(func(ctx context.Context, _ btrfsspace.Class, _ uint64, _ btrfsspace.FlushPolicy) {
		si.Free(ctx, 4096)
	})
	assert.NoError(t, si.Reserve(ctx, 4096, btrfsspace.FlushData))
	assert.Equal(t, uint64(8192), si.Counters().MayUse)
}

func TestEmergencyHeadroom(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	si := btrfsspace.NewSpaceInfo(btrfsspace.ClassData, 4096)
	si.Emergency = 4096
	require.NoError(t, si.Reserve(ctx, 4096, btrfsspace.FlushData))
	assert.ErrorIs(t, si.Reserve(ctx, 4096, btrfsspace.FlushAll), btrfsspace.ErrNoSpace)
	assert.NoError(t, si.Reserve(ctx, 4096, btrfsspace.FlushFreeSpaceInode))
	assert.ErrorIs(t, si.Reserve(ctx, 1, btrfsspace.FlushFreeSpaceInode), btrfsspace.ErrNoSpace)
}

func TestDataLifecycle(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	si := btrfsspace.NewSpaceInfo(btrfsspace.ClassData, 1<<20)

	require.NoError(t, si.Reserve(ctx, 65536, btrfsspace.FlushData))
	// compressed to a quarter
	si.UseReserved(ctx, 65536, 16384)
	assert.Equal(t, btrfsspace.Counters{Total: 1 << 20, Reserved: 16384}, si.Counters())
	si.Commit(ctx, 16384)
	assert.Equal(t, btrfsspace.Counters{Total: 1 << 20, Used: 16384}, si.Counters())
	si.FreeUsed(ctx, 16384)
	assert.Equal(t, btrfsspace.Counters{Total: 1 << 20}, si.Counters())

	require.NoError(t, si.Reserve(ctx, 4096, btrfsspace.FlushData))
	si.UseReserved(ctx, 4096, 4096)
	si.Unreserve(ctx, 4096)
	assert.Equal(t, btrfsspace.Counters{Total: 1 << 20}, si.Counters())

	assert.Panics(t, func() { si.Commit(ctx, 1) })
	assert.Panics(t, func() { si.UseReserved(ctx, 1, 0) })
}

func TestConcurrentReserve(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	const (
		workers = 16
		rounds  = 200
		chunk   = 4096
	)
	si := btrfsspace.NewSpaceInfo(btrfsspace.ClassData, workers*chunk/2)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if err := si.Reserve(ctx, chunk, btrfsspace.NoFlush); err != nil {
					mu.Lock()
					failures++
					mu.Unlock()
					continue
				}
				cnt := si.Counters()
				assert.LessOrEqual(t, cnt.MayUse, cnt.Total)
				si.Free(ctx, chunk)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(0), si.Counters().MayUse)
	t.Logf("failures=%v", failures)
}

func TestPolicyString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "flush-limit", btrfsspace.FlushLimit.String())
	assert.Equal(t, "FlushPolicy(99)", btrfsspace.FlushPolicy(99).String())
	assert.Equal(t, "metadata", btrfsspace.ClassMetadata.String())
}
