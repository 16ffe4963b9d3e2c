// Copyright (C) 2019-2022  Ambassador Labs
// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: Apache-2.0
//
// Contains code based on:
// https://github.com/datawire/dlib/blob/b09ab2e017e16d261f05fff5b3b860d645e774d4/dlog/logger_logrus.go
// https://github.com/datawire/dlib/blob/b09ab2e017e16d261f05fff5b3b860d645e774d4/dlog/logger_testing.go
// https://github.com/telepresenceio/telepresence/blob/ece94a40b00a90722af36b12e40f91cbecc0550c/pkg/log/formatter.go

package textui

import (
	"bytes"
	"cmp"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/dlog"
)

const (
	thisModule  = "git.lukeshu.com/btrfs-delalloc"
	thisPackage = thisModule + "/lib/textui"

	logTimeFmt = "15:04:05.0000"
)

var logLevelTags = map[dlog.LogLevel]string{
	dlog.LogLevelError: "ERR",
	dlog.LogLevelWarn:  "WRN",
	dlog.LogLevelInfo:  "INF",
	dlog.LogLevelDebug: "DBG",
	dlog.LogLevelTrace: "TRC",
}

// leftFields are the field keys that are written before the message,
// ordered by ascending value.  Every other field is written after
// the message.
var leftFields = map[string]int{
	"THREAD": -99, // dgroup

	"sim.worker": -10,

	"delalloc.ino": -2,
	"delalloc.op":  -1,

	"btrfs-delalloc.read-config": -1,
}

// fieldPrefixes are namespaces that are dropped from field names
// when writing them.
var fieldPrefixes = []string{
	"delalloc.",
	"sim.",
	"btrfs-delalloc.",
}

type logger struct {
	parent *logger
	out    io.Writer
	lvl    dlog.LogLevel

	// only valid if parent is non-nil
	fieldKey string
	fieldVal any
}

var _ dlog.OptimizedLogger = (*logger)(nil)

// NewLogger returns a dlog.Logger that writes one human-readable
// line per entry to out, dropping entries less severe than lvl.
func NewLogger(out io.Writer, lvl dlog.LogLevel) dlog.Logger {
	return &logger{
		out: out,
		lvl: lvl,
	}
}

// Helper implements dlog.Logger.
func (l *logger) Helper() {}

// WithField implements dlog.Logger.
func (l *logger) WithField(key string, value any) dlog.Logger {
	return &logger{
		parent: l,
		out:    l.out,
		lvl:    l.lvl,

		fieldKey: key,
		fieldVal: value,
	}
}

type logWriter struct {
	log *logger
	lvl dlog.LogLevel
}

// Write implements io.Writer.
func (lw logWriter) Write(data []byte) (int, error) {
	lw.log.log(lw.lvl, func(w io.Writer) {
		_, _ = w.Write(data)
	})
	return len(data), nil
}

// StdLogger implements dlog.Logger.
func (l *logger) StdLogger(lvl dlog.LogLevel) *log.Logger {
	return log.New(logWriter{log: l, lvl: lvl}, "", 0)
}

// Log implements dlog.Logger.
func (l *logger) Log(lvl dlog.LogLevel, msg string) {
	panic("should not happen: optimized log methods should be used instead")
}

// UnformattedLog implements dlog.OptimizedLogger.
func (l *logger) UnformattedLog(lvl dlog.LogLevel, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprint(w, args...)
	})
}

// UnformattedLogln implements dlog.OptimizedLogger.
func (l *logger) UnformattedLogln(lvl dlog.LogLevel, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprintln(w, args...)
	})
}

// UnformattedLogf implements dlog.OptimizedLogger.
func (l *logger) UnformattedLogf(lvl dlog.LogLevel, format string, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprintf(w, format, args...)
	})
}

var (
	logBufPool = typedsync.Pool[*bytes.Buffer]{
		New: func() *bytes.Buffer {
			return new(bytes.Buffer)
		},
	}
	logMu      sync.Mutex
	thisModDir string
)

func init() {
	//nolint:dogsled // I can't change the signature of the stdlib.
	_, file, _, _ := runtime.Caller(0)
	thisModDir = filepath.Dir(filepath.Dir(filepath.Dir(file)))
}

func (l *logger) log(lvl dlog.LogLevel, writeMsg func(io.Writer)) {
	if lvl > l.lvl {
		return
	}
	buf, _ := logBufPool.Get()
	defer func() {
		buf.Reset()
		logBufPool.Put(buf)
	}()

	buf.Write(time.Now().AppendFormat(buf.AvailableBuffer(), logTimeFmt))
	buf.WriteByte(' ')
	buf.WriteString(logLevelTags[lvl])

	left, right := l.fields()
	for _, f := range left {
		writeField(buf, f.key, f.val)
	}

	buf.WriteString(" : ")
	writeMsg(buf)

	caller, haveCaller := callerPos()
	if len(right) > 0 || haveCaller {
		buf.WriteString(" :")
	}
	for _, f := range right {
		writeField(buf, f.key, f.val)
	}
	if haveCaller {
		fmt.Fprintf(buf, " (from %s)", caller)
	}
	buf.WriteByte('\n')

	logMu.Lock()
	_, _ = l.out.Write(buf.Bytes())
	logMu.Unlock()
}

type logField struct {
	key string
	val any
	ord int
}

// fields returns the logger's fields, innermost value winning for a
// repeated key, split into those that go before the message and
// those that go after it.
func (l *logger) fields() (left, right []logField) {
	seen := make(map[string]struct{})
	var all []logField
	for f := l; f.parent != nil; f = f.parent {
		if _, dup := seen[f.fieldKey]; dup {
			continue
		}
		seen[f.fieldKey] = struct{}{}
		ord, ok := leftFields[f.fieldKey]
		if !ok {
			ord = 1
		}
		all = append(all, logField{key: f.fieldKey, val: f.fieldVal, ord: ord})
	}
	slices.SortFunc(all, func(a, b logField) int {
		return cmp.Or(cmp.Compare(a.ord, b.ord), strings.Compare(a.key, b.key))
	})
	split := slices.IndexFunc(all, func(f logField) bool { return f.ord >= 0 })
	if split < 0 {
		split = len(all)
	}
	return all[:split], all[split:]
}

// callerPos returns "file:line" for the innermost caller inside this
// module but outside this package.
func callerPos() (string, bool) {
	const (
		maxDepth = 25
		minDepth = 3 // runtime.Callers + callerPos + .log
	)
	var pcs [maxDepth]uintptr
	frames := runtime.CallersFrames(pcs[:runtime.Callers(minDepth, pcs[:])])
	for {
		f, more := frames.Next()
		if strings.HasPrefix(f.Function, thisModule+"/") && !strings.HasPrefix(f.Function, thisPackage+".") {
			return fmt.Sprintf("%s:%d", strings.TrimPrefix(f.File, thisModDir+"/"), f.Line), true
		}
		if !more {
			return "", false
		}
	}
}

func needsQuote(s string) bool {
	return strings.HasPrefix(s, `"`) || strings.IndexFunc(s, func(r rune) bool {
		return r == ' ' || !unicode.IsPrint(r)
	}) >= 0
}

func writeField(w *bytes.Buffer, key string, val any) {
	valStr := printer.Sprint(val)
	if needsQuote(valStr) {
		valStr = strconv.Quote(valStr)
	}

	switch key {
	case "THREAD":
		if valStr == "" || valStr == "/main" {
			return
		}
		key = "thread"
		valStr = strings.TrimPrefix(strings.TrimPrefix(valStr, "/main/"), "/")
	case "delalloc.op":
		w.WriteByte(' ')
		w.WriteString(valStr)
		return
	default:
		for _, prefix := range fieldPrefixes {
			if trimmed, ok := strings.CutPrefix(key, prefix); ok {
				key = trimmed
				break
			}
		}
	}

	fmt.Fprintf(w, " %s=%s", key, valStr)
}
