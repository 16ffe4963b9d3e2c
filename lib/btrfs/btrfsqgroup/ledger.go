// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsqgroup

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsgeom"
	"git.lukeshu.com/btrfs-delalloc/lib/containers"
	"git.lukeshu.com/btrfs-delalloc/lib/textui"
)

type RsvType int

const (
	RsvData = RsvType(iota)
	RsvMetaPertrans
	RsvMetaPrealloc
	numRsvTypes
)

func (typ RsvType) String() string {
	switch typ {
	case RsvData:
		return "data"
	case RsvMetaPertrans:
		return "meta_pertrans"
	case RsvMetaPrealloc:
		return "meta_prealloc"
	default:
		return fmt.Sprintf("RsvType(%d)", int(typ))
	}
}

// Counters is a point-in-time copy of one quota group's accounting.
type Counters struct {
	// Limit is the maximum referenced+reserved bytes; 0 means
	// unlimited.
	Limit      uint64
	Referenced uint64
	Rsv        [numRsvTypes]uint64
}

func (c Counters) Reserved() uint64 {
	var ret uint64
	for _, v := range c.Rsv {
		ret += v
	}
	return ret
}

func (c Counters) String() string {
	return textui.Sprintf("limit=%v referenced=%v data=%v meta_prealloc=%v meta_pertrans=%v",
		textui.IEC(c.Limit, "B"),
		textui.IEC(c.Referenced, "B"),
		textui.IEC(c.Rsv[RsvData], "B"),
		textui.IEC(c.Rsv[RsvMetaPrealloc], "B"),
		textui.IEC(c.Rsv[RsvMetaPertrans], "B"))
}

type group struct {
	mu  sync.Mutex
	cnt Counters
}

func (g *group) reserve(typ RsvType, bytes uint64, enforce bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if enforce && g.cnt.Limit > 0 && g.cnt.Referenced+g.cnt.Reserved()+bytes > g.cnt.Limit {
		return false
	}
	g.cnt.Rsv[typ] += bytes
	return true
}

func (g *group) free(root RootID, typ RsvType, bytes uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if bytes > g.cnt.Rsv[typ] {
		btrfsgeom.Misusef("qgroup %v: free %v bytes of %v but only %v reserved",
			root, bytes, typ, g.cnt.Rsv[typ])
	}
	g.cnt.Rsv[typ] -= bytes
}

type fileRanges struct {
	mu       sync.Mutex
	reserved containers.RangeSet[uint64]
}

// MemLedger is an in-memory Ledger.  The zero value has no limits
// set and is ready to use.
type MemLedger struct {
	groupsMu sync.Mutex
	groups   map[RootID]*group

	files typedsync.Map[FileID, *fileRanges]
}

var _ Ledger = (*MemLedger)(nil)

func (l *MemLedger) group(root RootID) *group {
	l.groupsMu.Lock()
	defer l.groupsMu.Unlock()
	if l.groups == nil {
		l.groups = make(map[RootID]*group)
	}
	g, ok := l.groups[root]
	if !ok {
		g = new(group)
		l.groups[root] = g
	}
	return g
}

func (l *MemLedger) file(id FileID) *fileRanges {
	ret, _ := l.files.LoadOrStore(id, new(fileRanges))
	return ret
}

// SetLimit sets the limit for a quota group; 0 removes the limit.
func (l *MemLedger) SetLimit(root RootID, limit uint64) {
	g := l.group(root)
	g.mu.Lock()
	g.cnt.Limit = limit
	g.mu.Unlock()
}

func (l *MemLedger) Counters(root RootID) Counters {
	g := l.group(root)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cnt
}

// Roots returns every quota group that has been touched, in order.
func (l *MemLedger) Roots() []RootID {
	l.groupsMu.Lock()
	defer l.groupsMu.Unlock()
	return slices.Sorted(maps.Keys(l.groups))
}

// FileReserved returns how many bytes of a file currently hold a
// data reservation.
func (l *MemLedger) FileReserved(id FileID) uint64 {
	fr, ok := l.files.Load(id)
	if !ok {
		return 0
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.reserved.Size()
}

// ReserveData implements Ledger.
func (l *MemLedger) ReserveData(ctx context.Context, file FileID, changeset *ExtentChangeset, start, length uint64) error {
	fr := l.file(file)
	fr.mu.Lock()
	defer fr.mu.Unlock()

	added := fr.reserved.Set(start, start+length)
	bytes := containers.SumRanges(added)
	if !l.group(file.Root).reserve(RsvData, bytes, true) {
		for _, r := range added {
			fr.reserved.Clear(r.Beg, r.End)
		}
		return fmt.Errorf("qgroup %v: reserve %v data bytes for ino %v: %w",
			file.Root, bytes, file.Ino, ErrQuotaExceeded)
	}
	changeset.add(added)
	dlog.Tracef(ctx, "qgroup: %v reserve data [%v,%v) took=%v", file, start, start+length, bytes)
	return nil
}

// FreeData implements Ledger.
func (l *MemLedger) FreeData(ctx context.Context, file FileID, changeset *ExtentChangeset, start, length uint64) uint64 {
	freed := l.clearData(file, changeset, start, length)
	l.group(file.Root).free(file.Root, RsvData, freed)
	dlog.Tracef(ctx, "qgroup: %v free data [%v,%v) freed=%v", file, start, start+length, freed)
	return freed
}

// CommitData is called once data in [start, start+length) has been
// written and accounted to an extent: the reservation becomes
// referenced usage rather than being handed back.  It returns the
// number of bytes converted.
func (l *MemLedger) CommitData(ctx context.Context, file FileID, start, length uint64) uint64 {
	bytes := l.clearData(file, nil, start, length)
	g := l.group(file.Root)
	g.free(file.Root, RsvData, bytes)
	g.mu.Lock()
	g.cnt.Referenced += bytes
	g.mu.Unlock()
	dlog.Tracef(ctx, "qgroup: %v commit data [%v,%v) bytes=%v", file, start, start+length, bytes)
	return bytes
}

func (l *MemLedger) clearData(file FileID, changeset *ExtentChangeset, start, length uint64) uint64 {
	end := start + length
	fr, ok := l.files.Load(file)
	if !ok {
		if changeset != nil {
			changeset.forget(start, end)
		}
		return 0
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()

	var freed uint64
	if changeset == nil {
		freed = containers.SumRanges(fr.reserved.Clear(start, end))
	} else {
		for _, r := range changeset.Ranges {
			beg, rEnd := max(r.Beg, start), min(r.End, end)
			if beg >= rEnd {
				continue
			}
			freed += containers.SumRanges(fr.reserved.Clear(beg, rEnd))
		}
		changeset.forget(start, end)
	}
	return freed
}

// FreeReferenced drops referenced usage, as when data is deleted.
func (l *MemLedger) FreeReferenced(root RootID, bytes uint64) {
	g := l.group(root)
	g.mu.Lock()
	defer g.mu.Unlock()
	if bytes > g.cnt.Referenced {
		btrfsgeom.Misusef("qgroup %v: drop %v referenced bytes but only %v referenced",
			root, bytes, g.cnt.Referenced)
	}
	g.cnt.Referenced -= bytes
}

// ReserveMetaPrealloc implements Ledger.
func (l *MemLedger) ReserveMetaPrealloc(ctx context.Context, root RootID, bytes uint64, enforce bool) error {
	if bytes == 0 {
		return nil
	}
	if !l.group(root).reserve(RsvMetaPrealloc, bytes, enforce) {
		return fmt.Errorf("qgroup %v: reserve %v metadata bytes: %w", root, bytes, ErrQuotaExceeded)
	}
	dlog.Tracef(ctx, "qgroup: %v reserve meta_prealloc %v", root, bytes)
	return nil
}

// FreeMetaPrealloc implements Ledger.
func (l *MemLedger) FreeMetaPrealloc(ctx context.Context, root RootID, bytes uint64) {
	if bytes == 0 {
		return
	}
	l.group(root).free(root, RsvMetaPrealloc, bytes)
	dlog.Tracef(ctx, "qgroup: %v free meta_prealloc %v", root, bytes)
}

// ConvertMetaPrealloc implements Ledger.
func (l *MemLedger) ConvertMetaPrealloc(ctx context.Context, root RootID, bytes uint64) {
	if bytes == 0 {
		return
	}
	g := l.group(root)
	g.free(root, RsvMetaPrealloc, bytes)
	// Converting must not fail, so it does not enforce the
	// limit.
	g.reserve(RsvMetaPertrans, bytes, false)
	dlog.Tracef(ctx, "qgroup: %v convert meta_prealloc->meta_pertrans %v", root, bytes)
}

// FreeMetaPertrans drops every per-transaction reservation of every
// quota group, as happens when a transaction commits.
func (l *MemLedger) FreeMetaPertrans(ctx context.Context) {
	for _, root := range l.Roots() {
		g := l.group(root)
		g.mu.Lock()
		bytes := g.cnt.Rsv[RsvMetaPertrans]
		g.cnt.Rsv[RsvMetaPertrans] = 0
		g.mu.Unlock()
		if bytes > 0 {
			dlog.Tracef(ctx, "qgroup: %v free meta_pertrans %v", root, bytes)
		}
	}
}
