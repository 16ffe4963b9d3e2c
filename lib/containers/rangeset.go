// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"fmt"
	"sort"

	"golang.org/x/exp/constraints"
)

// Range is the half-open interval [Beg, End).
type Range[T constraints.Integer] struct {
	Beg, End T
}

func (r Range[T]) Len() T {
	return r.End - r.Beg
}

func (r Range[T]) String() string {
	return fmt.Sprintf("[%v,%v)", r.Beg, r.End)
}

// RangeSet is a set of integers stored as sorted, non-overlapping,
// non-adjacent ranges.  The zero value is an empty set.  It is not
// safe for concurrent use.
type RangeSet[T constraints.Integer] struct {
	ranges []Range[T]
}

// Set adds [beg, end) to the set, and returns the sub-ranges that
// were not already present.
func (s *RangeSet[T]) Set(beg, end T) []Range[T] {
	if beg >= end {
		return nil
	}
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End >= beg
	})
	var added []Range[T]
	cur := beg
	merged := Range[T]{Beg: beg, End: end}
	j := i
	for ; j < len(s.ranges) && s.ranges[j].Beg <= end; j++ {
		r := s.ranges[j]
		if r.Beg > cur {
			added = append(added, Range[T]{Beg: cur, End: r.Beg})
		}
		cur = max(cur, r.End)
		merged.Beg = min(merged.Beg, r.Beg)
		merged.End = max(merged.End, r.End)
	}
	if cur < end {
		added = append(added, Range[T]{Beg: cur, End: end})
	}
	s.ranges = append(s.ranges[:i], append([]Range[T]{merged}, s.ranges[j:]...)...)
	return added
}

// Clear removes [beg, end) from the set, and returns the sub-ranges
// that were present.
func (s *RangeSet[T]) Clear(beg, end T) []Range[T] {
	if beg >= end {
		return nil
	}
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End > beg
	})
	var removed, keep []Range[T]
	j := i
	for ; j < len(s.ranges) && s.ranges[j].Beg < end; j++ {
		r := s.ranges[j]
		if r.Beg < beg {
			keep = append(keep, Range[T]{Beg: r.Beg, End: beg})
		}
		if r.End > end {
			keep = append(keep, Range[T]{Beg: end, End: r.End})
		}
		removed = append(removed, Range[T]{Beg: max(r.Beg, beg), End: min(r.End, end)})
	}
	s.ranges = append(s.ranges[:i], append(keep, s.ranges[j:]...)...)
	return removed
}

// Size returns the number of integers in the set.
func (s *RangeSet[T]) Size() T {
	var ret T
	for _, r := range s.ranges {
		ret += r.Len()
	}
	return ret
}

func (s *RangeSet[T]) Ranges() []Range[T] {
	ret := make([]Range[T], len(s.ranges))
	copy(ret, s.ranges)
	return ret
}

// SumRanges returns the total length of a list of ranges.
func SumRanges[T constraints.Integer](ranges []Range[T]) T {
	var ret T
	for _, r := range ranges {
		ret += r.Len()
	}
	return ret
}
