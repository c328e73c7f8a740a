// Copyright (c) 2023 The Evnet Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package goid derives the current goroutine's id, which evnet uses the way
// a native reactor uses the thread id: to pin each event loop to the one
// goroutine allowed to touch its state.
package goid

import (
	"runtime"
	"strconv"
)

// Get returns the id of the calling goroutine, parsed from the
// "goroutine N [running]:" stack header. It costs a runtime.Stack call;
// an event loop records its owner's id once at construction and calls Get
// again on every affinity check to compare against it.
func Get() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Skip "goroutine ".
	s := buf[10:n]
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	id, _ := strconv.ParseInt(string(s[:i]), 10, 64)
	return id
}
