// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

// LiveMemUse is a log field value that renders how much memory the Go
// runtime currently has mapped and ready, split into live heap data
// and everything else.
type LiveMemUse struct {
	mu    sync.Mutex
	stats runtime.MemStats
	last  time.Time
}

var _ fmt.Stringer = (*LiveMemUse)(nil)

// runtime.ReadMemStats stops the world.
var LiveMemUseUpdateInterval = Tunable(1 * time.Second)

func (o *LiveMemUse) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if now := time.Now(); now.Sub(o.last) > LiveMemUseUpdateInterval {
		runtime.ReadMemStats(&o.stats)
		o.last = now
	}

	ready := o.stats.Sys - o.stats.HeapReleased
	return Sprintf("%.1f (heap:%.1f other:%.1f)",
		IEC(ready, "B"),
		IEC(o.stats.HeapAlloc, "B"),
		IEC(ready-o.stats.HeapAlloc, "B"))
}
