// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package profile adds command-line flags for writing Go runtime
// profiles of a run, for example of a long simulation.
package profile

import (
	"io"
	"os"
	"runtime/pprof"
	"runtime/trace"

	"github.com/datawire/dlib/derror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type StopFunc = func() error

type startFunc = func(io.Writer) (StopFunc, error)

// CPU arranges to write a CPU profile to w.
func CPU(w io.Writer) (StopFunc, error) {
	if err := pprof.StartCPUProfile(w); err != nil {
		return nil, err
	}
	return func() error {
		pprof.StopCPUProfile()
		return nil
	}, nil
}

// Trace arranges to write an execution trace to w.
func Trace(w io.Writer) (StopFunc, error) {
	if err := trace.Start(w); err != nil {
		return nil, err
	}
	return func() error {
		trace.Stop()
		return nil
	}, nil
}

// Named arranges to write the named runtime/pprof profile (such as
// "heap" or "mutex") to w when stopped.
func Named(name string) startFunc {
	return func(w io.Writer) (StopFunc, error) {
		return func() error {
			if prof := pprof.Lookup(name); prof != nil {
				return prof.WriteTo(w, 0)
			}
			return nil
		}, nil
	}
}

type flagSet struct {
	stop []StopFunc
}

func (fs *flagSet) Stop() error {
	var errs derror.MultiError
	for _, fn := range fs.stop {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	fs.stop = nil
	if len(errs) > 0 {
		return errs
	}
	return nil
}

type flagValue struct {
	parent *flagSet
	start  startFunc
	curVal string
}

var _ pflag.Value = (*flagValue)(nil)

// String implements pflag.Value.
func (fv *flagValue) String() string { return fv.curVal }

// Type implements pflag.Value.
func (*flagValue) Type() string { return "filename" }

// Set implements pflag.Value.
func (fv *flagValue) Set(filename string) error {
	if filename == "" {
		return nil
	}
	fh, err := os.Create(filename)
	if err != nil {
		return err
	}
	stop, err := fv.start(fh)
	if err != nil {
		_ = fh.Close()
		return err
	}
	fv.curVal = filename
	fv.parent.stop = append(fv.parent.stop, func() error {
		err := stop()
		if _err := fh.Close(); err == nil {
			err = _err
		}
		return err
	})
	return nil
}

// AddProfileFlags adds a --{prefix}cpu, --{prefix}trace, and
// --{prefix}{name} flag per built-in named profile, and returns a
// function that finishes writing whichever were given.
func AddProfileFlags(flags *pflag.FlagSet, prefix string) StopFunc {
	var root flagSet
	add := func(name string, start startFunc, usage string) {
		flags.Var(&flagValue{parent: &root, start: start}, prefix+name, usage)
		_ = cobra.MarkFlagFilename(flags, prefix+name)
	}
	add("cpu", CPU, "write a CPU profile to the file `cpu.pprof`")
	add("trace", Trace, "write an execution trace to the file `trace.out`")
	for _, name := range []string{"goroutine", "heap", "allocs", "block", "mutex"} {
		add(name, Named(name), "write a "+name+" profile to the file `"+name+".pprof`")
	}
	return root.Stop
}
