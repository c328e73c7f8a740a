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

//go:build linux

package evnet

import (
	"sync/atomic"
	"time"
)

// numCreatedTimers hands out globally unique timer sequence numbers.
var numCreatedTimers int64

// Timer is one scheduled callback. A repeating timer (interval > 0) is
// re-armed at now+interval after every expiry until cancelled.
type Timer struct {
	callback   TimerCallback
	expiration time.Time
	interval   time.Duration
	repeat     bool
	sequence   int64
}

func newTimer(cb TimerCallback, when time.Time, interval time.Duration) *Timer {
	return &Timer{
		callback:   cb,
		expiration: when,
		interval:   interval,
		repeat:     interval > 0,
		sequence:   atomic.AddInt64(&numCreatedTimers, 1),
	}
}

func (t *Timer) run() { t.callback() }

// Expiration returns the deadline of the next (or only) firing.
func (t *Timer) Expiration() time.Time { return t.expiration }

// Repeat reports whether the timer re-arms after firing.
func (t *Timer) Repeat() bool { return t.repeat }

// Sequence returns the globally unique id of this timer.
func (t *Timer) Sequence() int64 { return t.sequence }

// restart pushes the deadline to now+interval; a one-shot timer becomes
// inert instead.
func (t *Timer) restart(now time.Time) {
	if t.repeat {
		t.expiration = now.Add(t.interval)
	} else {
		t.expiration = time.Time{}
	}
}

// NumCreatedTimers reports how many timers have been created so far.
func NumCreatedTimers() int64 { return atomic.LoadInt64(&numCreatedTimers) }

// TimerID is the opaque cancellation handle for a scheduled timer. The
// (timer, sequence) pair distinguishes a recycled *Timer from the original,
// so a stale handle can never cancel somebody else's timer.
type TimerID struct {
	timer    *Timer
	sequence int64
}
