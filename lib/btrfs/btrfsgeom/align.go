// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsgeom

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// ErrMisuse is wrapped by the panics raised when a caller violates a
// calling convention (unaligned input, counter underflow, double
// release).  It is never returned as an ordinary error.
var ErrMisuse = misuseError{}

type misuseError struct{}

func (misuseError) Error() string { return "reservation misuse" }

// Misusef panics with an error that wraps ErrMisuse.
func Misusef(format string, args ...any) {
	panic(fmt.Errorf("%w: "+format, append([]any{ErrMisuse}, args...)...))
}

// AlignDown rounds x down to a multiple of a, which must be a power
// of 2.
func AlignDown[T constraints.Unsigned](x, a T) T {
	return x &^ (a - 1)
}

// AlignUp rounds x up to a multiple of a, which must be a power of 2.
// It panics with ErrMisuse if the result does not fit in T.
func AlignUp[T constraints.Unsigned](x, a T) T {
	if x > ^T(0)-(a-1) {
		Misusef("align %v up to %v overflows", x, a)
	}
	return AlignDown(x+(a-1), a)
}

func IsAligned[T constraints.Unsigned](x, a T) bool {
	return x&(a-1) == 0
}

// AlignLen rounds a byte count up to the sector size.
func (g Geometry) AlignLen(n uint64) uint64 {
	return AlignUp(n, uint64(g.SectorSize))
}

// AlignRange widens [start, start+length) outward to sector
// boundaries, returning the smallest sector-aligned range that
// covers it.
func (g Geometry) AlignRange(start, length uint64) (alignedStart, alignedLen uint64) {
	sectorSize := uint64(g.SectorSize)
	if length > math.MaxUint64-start {
		Misusef("range [%v, +%v) overflows", start, length)
	}
	alignedStart = AlignDown(start, sectorSize)
	alignedLen = AlignUp(start+length, sectorSize) - alignedStart
	return alignedStart, alignedLen
}

// MustBeAligned panics with ErrMisuse if n is not a multiple of the
// sector size.
func (g Geometry) MustBeAligned(what string, n uint64) {
	if !IsAligned(n, uint64(g.SectorSize)) {
		Misusef("%s=%v is not aligned to sector size %v", what, n, g.SectorSize)
	}
}
