// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"fmt"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/pflag"
)

var logLevelNames = map[dlog.LogLevel]string{
	dlog.LogLevelError: "error",
	dlog.LogLevelWarn:  "warn",
	dlog.LogLevelInfo:  "info",
	dlog.LogLevelDebug: "debug",
	dlog.LogLevelTrace: "trace",
}

// LogLevelFlag is a pflag.Value that selects a dlog.LogLevel by name.
type LogLevelFlag struct {
	Level dlog.LogLevel
}

var _ pflag.Value = (*LogLevelFlag)(nil)

// Type implements pflag.Value.
func (lvl *LogLevelFlag) Type() string { return "loglevel" }

// Set implements pflag.Value.
func (lvl *LogLevelFlag) Set(str string) error {
	str = strings.ToLower(str)
	if str == "warning" {
		str = "warn"
	}
	for level, name := range logLevelNames {
		if name == str {
			lvl.Level = level
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %q", str)
}

// String implements pflag.Value.
func (lvl *LogLevelFlag) String() string {
	name, ok := logLevelNames[lvl.Level]
	if !ok {
		panic(fmt.Errorf("invalid log level: %#v", lvl.Level))
	}
	return name
}
