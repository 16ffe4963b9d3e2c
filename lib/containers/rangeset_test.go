// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type rng = Range[uint64]

func TestRangeSetSet(t *testing.T) {
	t.Parallel()
	var s RangeSet[uint64]
	assert.Equal(t, []rng{{0, 10}}, s.Set(0, 10))
	assert.Equal(t, []rng{{20, 30}}, s.Set(20, 30))
	assert.Equal(t, []rng{{0, 10}, {20, 30}}, s.Ranges())

	// overlapping both, with a gap in the middle
	assert.Equal(t, []rng{{10, 20}, {30, 35}}, s.Set(5, 35))
	assert.Equal(t, []rng{{0, 35}}, s.Ranges())

	// already present
	assert.Nil(t, s.Set(1, 2))
	// empty
	assert.Nil(t, s.Set(50, 50))

	// adjacent merges
	assert.Equal(t, []rng{{35, 40}}, s.Set(35, 40))
	assert.Equal(t, []rng{{0, 40}}, s.Ranges())
	assert.Equal(t, uint64(40), s.Size())
}

func TestRangeSetClear(t *testing.T) {
	t.Parallel()
	var s RangeSet[uint64]
	s.Set(0, 10)
	s.Set(20, 30)
	s.Set(40, 50)

	assert.Equal(t, []rng{{5, 10}, {20, 30}, {40, 45}}, s.Clear(5, 45))
	assert.Equal(t, []rng{{0, 5}, {45, 50}}, s.Ranges())

	// nothing there
	assert.Nil(t, s.Clear(10, 40))

	// split one range
	assert.Equal(t, []rng{{46, 47}}, s.Clear(46, 47))
	assert.Equal(t, []rng{{0, 5}, {45, 46}, {47, 50}}, s.Ranges())
	assert.Equal(t, uint64(9), s.Size())
}

func FuzzRangeSet(f *testing.F) {
	f.Add([]byte{0, 10, 1, 5, 20, 0, 3, 7})
	f.Fuzz(func(t *testing.T, ops []byte) {
		var s RangeSet[uint64]
		var ref [256]bool
		for len(ops) >= 3 {
			op, a, b := ops[0], uint64(ops[1]), uint64(ops[2])
			ops = ops[3:]
			if a > b {
				a, b = b, a
			}
			var changed []rng
			want := false
			if op%2 == 0 {
				changed = s.Set(a, b)
				want = true
			} else {
				changed = s.Clear(a, b)
			}
			var expChanged uint64
			for i := a; i < b; i++ {
				if ref[i] != want {
					expChanged++
				}
				ref[i] = want
			}
			assert.Equal(t, expChanged, SumRanges(changed))
		}
		var expSize uint64
		for _, v := range ref {
			if v {
				expSize++
			}
		}
		assert.Equal(t, expSize, s.Size())
		ranges := s.Ranges()
		for i := 1; i < len(ranges); i++ {
			assert.Less(t, ranges[i-1].End, ranges[i].Beg)
		}
	})
}
