// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/btrfs-delalloc/lib/textui"
)

func logLineRegexp(inner string) string {
	return `[0-9]{2}:[0-9]{2}:[0-9]{2}\.[0-9]{4} ` + inner + ` \(from lib/textui/log_test\.go:[0-9]+\)\n`
}

func TestLogFormat(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	ctx := dlog.WithLogger(context.Background(), textui.NewLogger(&out, dlog.LogLevelTrace))
	dlog.Debugf(ctx, "foo %d", 12345)
	assert.Regexp(t,
		`^`+logLineRegexp(`DBG : foo 12,345 :`)+`$`,
		out.String())
}

func TestLogLevel(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	ctx := dlog.WithLogger(context.Background(), textui.NewLogger(&out, dlog.LogLevelInfo))
	dlog.Error(ctx, "Error")
	dlog.Warn(ctx, "Warn")
	dlog.Info(ctx, "Info")
	dlog.Debug(ctx, "Debug")
	dlog.Trace(ctx, "Trace")
	assert.Regexp(t,
		`^`+
			logLineRegexp(`ERR : Error :`)+
			logLineRegexp(`WRN : Warn :`)+
			logLineRegexp(`INF : Info :`)+
			`$`,
		out.String())
}

func TestLogField(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	ctx := dlog.WithLogger(context.Background(), textui.NewLogger(&out, dlog.LogLevelInfo))
	ctx = dlog.WithField(ctx, "foo", 12345)
	dlog.Info(ctx, "msg")
	assert.Regexp(t,
		`^`+logLineRegexp(`INF : msg : foo=12,345`)+`$`,
		out.String())
}

func TestLogDelallocFields(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	ctx := dlog.WithLogger(context.Background(), textui.NewLogger(&out, dlog.LogLevelTrace))
	ctx = dlog.WithField(ctx, "delalloc.op", "reserve-metadata")
	ctx = dlog.WithField(ctx, "delalloc.ino", "5/257")
	ctx = dlog.WithField(ctx, "sim.worker", 3)
	ctx = dlog.WithField(ctx, "bytes", 4096)
	dlog.Trace(ctx, "msg")
	assert.Regexp(t,
		`^`+logLineRegexp(`TRC worker=3 ino=5/257 reserve-metadata : msg : bytes=4,096`)+`$`,
		out.String())
}

func TestLogLevelFlag(t *testing.T) {
	t.Parallel()
	var flag textui.LogLevelFlag
	assert.NoError(t, flag.Set("WARNING"))
	assert.Equal(t, dlog.LogLevelWarn, flag.Level)
	assert.Equal(t, "warn", flag.String())
	assert.NoError(t, flag.Set("trace"))
	assert.Equal(t, "trace", flag.String())
	assert.Error(t, flag.Set("loud"))
	assert.Equal(t, dlog.LogLevelTrace, flag.Level)
}

func TestLogFieldQuoting(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	ctx := dlog.WithLogger(context.Background(), textui.NewLogger(&out, dlog.LogLevelInfo))
	ctx = dlog.WithField(ctx, "why", "no space")
	dlog.Info(ctx, "msg")
	assert.Regexp(t,
		`^`+logLineRegexp(`INF : msg : why="no space"`)+`$`,
		out.String())
}

type progressStat struct {
	N int
}

func (s progressStat) String() string { return textui.Sprintf("did %d", s.N) }

func TestProgress(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	ctx := dlog.WithLogger(context.Background(), textui.NewLogger(&out, dlog.LogLevelInfo))

	// Never set.
	textui.NewProgress[progressStat](ctx, dlog.LogLevelInfo, time.Hour).Done()
	assert.Equal(t, "", out.String())

	p := textui.NewProgress[progressStat](ctx, dlog.LogLevelInfo, time.Hour)
	p.Set(progressStat{N: 1})
	p.Set(progressStat{N: 1000})
	p.Done()
	assert.Contains(t, out.String(), "did 1,000")
}
