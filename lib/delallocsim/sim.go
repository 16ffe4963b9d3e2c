// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package delallocsim drives the delayed-allocation reservation
// protocol with a concurrent buffered-write workload, and checks that
// every byte reserved along the way is accounted for at the end.
package delallocsim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsgeom"
	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsqgroup"
	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/btrfsspace"
	"git.lukeshu.com/btrfs-delalloc/lib/btrfs/delalloc"
	"git.lukeshu.com/btrfs-delalloc/lib/textui"
)

// Root is the quota root that every simulated file lives in.
const Root = btrfsqgroup.RootID(5)

// Workload describes what to simulate.
type Workload struct {
	Geometry btrfsgeom.Geometry

	DataBytes      uint64
	MetadataBytes  uint64
	EmergencyBytes uint64
	// QuotaLimit of 0 means no quota limit.
	QuotaLimit uint64

	Workers         int
	Files           int
	WritesPerWorker int
	MaxWriteSize    uint64

	// AbortRate is the fraction of writes that fail after
	// reserving space, and so take the error path.
	AbortRate float64
	// DeleteRate is the fraction of completed writes whose data
	// is deleted right away, making room for more.
	DeleteRate float64
	// InTransactionRate is the fraction of writes made while
	// holding a transaction open.
	InTransactionRate float64

	Seed int64
}

// Report is the outcome of a simulation.
type Report struct {
	Writes        int64
	Completed     int64
	Aborted       int64
	NoSpace       int64
	QuotaExceeded int64
	Flushes       int64

	Data     btrfsspace.Counters
	Metadata btrfsspace.Counters
	Qgroup   btrfsqgroup.Counters
}

func (wl Workload) Validate() error {
	if err := wl.Geometry.Validate(); err != nil {
		return err
	}
	if wl.Workers < 1 || wl.Files < 1 || wl.WritesPerWorker < 0 {
		return fmt.Errorf("workload: need at least one worker and one file")
	}
	if wl.MaxWriteSize < 2*uint64(wl.Geometry.SectorSize) || !btrfsgeom.IsAligned(wl.MaxWriteSize, uint64(wl.Geometry.SectorSize)) {
		return fmt.Errorf("workload: max write size %v must be a multiple of the sector size %v, and at least two sectors",
			wl.MaxWriteSize, wl.Geometry.SectorSize)
	}
	return nil
}

type stats struct {
	writes, completed, aborted, noSpace, quotaExceeded, flushes atomic.Int64
}

type progressStats struct {
	Done, Total int64
	Failed      int64
}

func (s progressStats) String() string {
	return textui.Sprintf("simulating writes %v; %v failed to reserve",
		textui.Portion[int64]{N: s.Done, D: s.Total}, s.Failed)
}

type sim struct {
	wl     Workload
	fs     *delalloc.FS
	data   *btrfsspace.SpaceInfo
	meta   *btrfsspace.SpaceInfo
	ledger *btrfsqgroup.MemLedger
	files  []*delalloc.Inode
	stats  stats
}

var progressInterval = textui.Tunable(1 * time.Second)

// Run simulates wl, and returns an error if any worker failed or if
// anything is left reserved once all workers are done.  The Report
// is filled in either way.
func Run(ctx context.Context, wl Workload) (Report, error) {
	if err := wl.Validate(); err != nil {
		return Report{}, err
	}
	s := &sim{
		wl:     wl,
		data:   btrfsspace.NewSpaceInfo(btrfsspace.ClassData, wl.DataBytes),
		meta:   btrfsspace.NewSpaceInfo(btrfsspace.ClassMetadata, wl.MetadataBytes),
		ledger: new(btrfsqgroup.MemLedger),
	}
	s.data.Emergency = wl.EmergencyBytes
	s.meta.Emergency = wl.EmergencyBytes
	s.data.Flusher = btrfsspace.FlusherFunc(s.flush)
	s.meta.Flusher = btrfsspace.FlusherFunc(s.flush)
	if wl.QuotaLimit > 0 {
		s.ledger.SetLimit(Root, wl.QuotaLimit)
	}
	s.fs = &delalloc.FS{
		Geometry: wl.Geometry,
		Data:     s.data,
		Metadata: s.meta,
		Qgroups:  s.ledger,
	}
	for i := 0; i < wl.Files; i++ {
		ino := delalloc.NewInode(btrfsqgroup.FileID{Root: Root, Ino: 257 + uint64(i)})
		// The first file stands in for the free-space cache.
		ino.FreeSpaceInode = i == 0 && wl.Files > 1
		s.files = append(s.files, ino)
	}

	progress := textui.NewProgress[progressStats](ctx, dlog.LogLevelInfo, progressInterval)
	total := int64(wl.Workers * wl.WritesPerWorker)
	progress.Set(progressStats{Total: total})

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	for w := 0; w < wl.Workers; w++ {
		w := w
		grp.Go(fmt.Sprintf("worker-%d", w), func(ctx context.Context) error {
			ctx = dlog.WithField(ctx, "sim.worker", w)
			return s.worker(ctx, w, func() {
				progress.Set(progressStats{
					Done:   s.stats.writes.Load(),
					Total:  total,
					Failed: s.stats.noSpace.Load() + s.stats.quotaExceeded.Load(),
				})
			})
		})
	}
	var errs derror.MultiError
	if err := grp.Wait(); err != nil {
		errs = append(errs, err)
	}
	progress.Done()

	// Whatever is left over is dropped by committing the last
	// transaction.
	s.ledger.FreeMetaPertrans(ctx)

	errs = append(errs, s.check()...)
	report := s.report()
	dlog.Infof(ctx, "data: %v", report.Data)
	dlog.Infof(ctx, "metadata: %v", report.Metadata)
	dlog.Infof(ctx, "qgroup %v: %v", Root, report.Qgroup)
	if len(errs) > 0 {
		return report, errs
	}
	return report, nil
}

func (s *sim) report() Report {
	return Report{
		Writes:        s.stats.writes.Load(),
		Completed:     s.stats.completed.Load(),
		Aborted:       s.stats.aborted.Load(),
		NoSpace:       s.stats.noSpace.Load(),
		QuotaExceeded: s.stats.quotaExceeded.Load(),
		Flushes:       s.stats.flushes.Load(),

		Data:     s.data.Counters(),
		Metadata: s.meta.Counters(),
		Qgroup:   s.ledger.Counters(Root),
	}
}

// flush stands in for reclaim: it commits the running transaction,
// which drops per-transaction quota.
func (s *sim) flush(ctx context.Context, class btrfsspace.Class, need uint64, flush btrfsspace.FlushPolicy) {
	s.stats.flushes.Add(1)
	dlog.Debugf(ctx, "flush %v: need %v (%v)", class, textui.IEC(need, "B"), flush)
	s.ledger.FreeMetaPertrans(ctx)
}

// check verifies that nothing but committed data is still accounted
// for.
func (s *sim) check() derror.MultiError {
	var errs derror.MultiError
	for _, ino := range s.files {
		if err := evict(ino); err != nil {
			errs = append(errs, fmt.Errorf("ino %v: leaked %v: %w", ino.ID, ino.Snapshot(), err))
		}
	}
	if c := s.data.Counters(); c.MayUse != 0 || c.Reserved != 0 {
		errs = append(errs, fmt.Errorf("data: leaked %v", c))
	}
	if c := s.meta.Counters(); c.MayUse != 0 || c.Reserved != 0 || c.Used != 0 {
		errs = append(errs, fmt.Errorf("metadata: leaked %v", c))
	}
	if c := s.ledger.Counters(Root); c.Reserved() != 0 {
		errs = append(errs, fmt.Errorf("qgroup %v: leaked %v", Root, c))
	}
	if c := s.ledger.Counters(Root); c.Referenced != s.data.Counters().Used {
		errs = append(errs, fmt.Errorf("qgroup %v: referenced %v does not match data used %v",
			Root, c.Referenced, s.data.Counters().Used))
	}
	return errs
}

func evict(ino *delalloc.Inode) (err error) {
	defer func() {
		if _err := derror.PanicToError(recover()); _err != nil {
			err = _err
		}
	}()
	ino.Evict()
	return nil
}

func (s *sim) worker(ctx context.Context, w int, progress func()) (err error) {
	defer func() {
		if _err := derror.PanicToError(recover()); _err != nil {
			err = _err
		}
	}()
	rng := rand.New(rand.NewSource(s.wl.Seed + int64(w))) //nolint:gosec // Not used for security.
	// Each worker writes its own region of each file.
	base := uint64(w) * uint64(s.wl.WritesPerWorker) * s.wl.MaxWriteSize

	for i := 0; i < s.wl.WritesPerWorker; i++ {
		if ctx.Err() != nil {
			break
		}
		ino := s.files[rng.Intn(len(s.files))]
		wr := write{
			ino:    ino,
			start:  base + uint64(i)*s.wl.MaxWriteSize + uint64(rng.Int63n(int64(s.wl.Geometry.SectorSize))),
			length: 1 + uint64(rng.Int63n(int64(s.wl.MaxWriteSize)-int64(s.wl.Geometry.SectorSize))),
			txn: delalloc.TxnState{
				InTransaction: rng.Float64() < s.wl.InTransactionRate,
			},
			abort:  rng.Float64() < s.wl.AbortRate,
			delete: rng.Float64() < s.wl.DeleteRate,
		}
		if err := s.write(ctx, wr); err != nil {
			return err
		}
		s.stats.writes.Add(1)
		progress()
	}
	return nil
}

type write struct {
	ino           *delalloc.Inode
	start, length uint64
	txn           delalloc.TxnState
	abort, delete bool
}

// write runs one buffered write through its whole life.  Running out
// of space or quota is an expected outcome, not an error.
func (s *sim) write(ctx context.Context, w write) error {
	ctx = dlog.WithField(ctx, "delalloc.ino", w.ino.ID)
	rsv, err := s.fs.Reserve(ctx, w.ino, w.txn, w.start, w.length)
	switch {
	case err == nil:
	case errors.Is(err, btrfsspace.ErrNoSpace):
		s.stats.noSpace.Add(1)
		dlog.Debugf(ctx, "write [%v, +%v): %v", w.start, w.length, err)
		return nil
	case errors.Is(err, btrfsqgroup.ErrQuotaExceeded):
		s.stats.quotaExceeded.Add(1)
		dlog.Debugf(ctx, "write [%v, +%v): %v", w.start, w.length, err)
		return nil
	default:
		return err
	}

	// Once reserved, the write must be seen through (or backed out)
	// even if we are asked to shut down.
	ctx = dcontext.HardContext(ctx)
	defer rsv.Done(ctx)

	if w.abort {
		rsv.Abort(ctx)
		s.stats.aborted.Add(1)
		return nil
	}
	s.fs.MarkDelalloc(ctx, w.ino, w.length)
	rsv.ReleaseExtents(ctx)

	// Writeback.
	start, length := s.wl.Geometry.AlignRange(w.start, w.length)
	s.fs.AddOrdered(ctx, w.ino)
	s.data.UseReserved(ctx, length, length)
	s.fs.ClearDelalloc(ctx, w.ino, w.length, 0)

	// Ordered extent completion.
	s.data.Commit(ctx, length)
	referenced := s.ledger.CommitData(ctx, w.ino.ID, start, length)
	s.fs.FinishOrdered(ctx, w.ino, w.length)
	s.stats.completed.Add(1)

	if w.delete {
		s.data.FreeUsed(ctx, length)
		s.ledger.FreeReferenced(Root, referenced)
	}
	return nil
}
