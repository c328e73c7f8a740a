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
	"math"
	"time"

	"golang.org/x/exp/slices"

	"github.com/evnet-io/evnet/internal/netpoll"
	"github.com/evnet-io/evnet/pkg/logging"
)

// timerQueue multiplexes all of a loop's timers onto one timerfd that is
// registered as a read channel on the loop. It keeps two views of the same
// population: `timers`, sorted by (expiration, sequence) for firing order,
// and `activeTimers`, keyed by (timer, sequence) for cancellation. Both
// hold exactly the scheduled timers at every stable point.
type timerQueue struct {
	loop           *EventLoop
	timerFD        int
	timerFDChannel *Channel

	timers       []*Timer
	activeTimers map[TimerID]struct{}

	// cancelingTimers collects cancels that arrive while expired callbacks
	// are running, so the reset pass will not re-arm them.
	callingExpiredTimers bool
	cancelingTimers      map[TimerID]struct{}
}

func newTimerQueue(loop *EventLoop) *timerQueue {
	fd, err := netpoll.OpenTimerFD()
	if err != nil {
		logging.Fatalf("timer queue: %v", err)
	}
	q := &timerQueue{
		loop:            loop,
		timerFD:         fd,
		timerFDChannel:  NewChannel(loop, fd),
		activeTimers:    make(map[TimerID]struct{}),
		cancelingTimers: make(map[TimerID]struct{}),
	}
	q.timerFDChannel.SetReadCallback(q.handleRead)
	// The timerfd stays read-enabled for the loop's lifetime; it is
	// disarmed with timerfd_settime, not by interest changes.
	q.timerFDChannel.EnableReading()
	return q
}

func (q *timerQueue) shutdown() {
	q.timerFDChannel.DisableAll()
	q.timerFDChannel.Remove()
	if _, err := netpoll.DrainTimerFD(q.timerFD); err != nil {
		// A never-fired timerfd has nothing to drain.
		logging.Debugf("timer queue drain on shutdown: %v", err)
	}
	logging.Error(closeFD(q.timerFD))
	q.timers = nil
	q.activeTimers = nil
}

// addTimer schedules cb at `when`, repeating every `interval` when
// interval > 0. Safe to call from any goroutine.
func (q *timerQueue) addTimer(cb TimerCallback, when time.Time, interval time.Duration) TimerID {
	t := newTimer(cb, when, interval)
	q.loop.RunInLoop(func() { q.addTimerInLoop(t) })
	return TimerID{timer: t, sequence: t.sequence}
}

// cancel unschedules the timer behind id. Cancellation during firing is
// best-effort: the in-flight callback still runs, but a repeating timer
// will not be re-armed.
func (q *timerQueue) cancel(id TimerID) {
	q.loop.RunInLoop(func() { q.cancelInLoop(id) })
}

func (q *timerQueue) addTimerInLoop(t *Timer) {
	q.loop.AssertInLoop()
	if q.insert(t) {
		logging.Error(netpoll.ArmTimerFD(q.timerFD, time.Until(t.expiration)))
	}
}

func (q *timerQueue) cancelInLoop(id TimerID) {
	q.loop.AssertInLoop()
	q.checkSizes()
	if _, ok := q.activeTimers[id]; ok {
		q.eraseTimer(id.timer)
		delete(q.activeTimers, id)
	} else if q.callingExpiredTimers {
		q.cancelingTimers[id] = struct{}{}
	}
	q.checkSizes()
}

// handleRead fires when the timerfd expires: collect everything due, run
// the callbacks, then re-arm repeats that were not cancelled meanwhile.
func (q *timerQueue) handleRead(time.Time) {
	q.loop.AssertInLoop()
	if _, err := netpoll.DrainTimerFD(q.timerFD); err != nil {
		logging.Errorf("timer queue: drain timerfd: %v", err)
	}
	now := time.Now()
	expired := q.getExpired(now)

	q.callingExpiredTimers = true
	q.cancelingTimers = make(map[TimerID]struct{})
	for _, t := range expired {
		t.run()
	}
	q.callingExpiredTimers = false

	q.reset(expired, now)
}

// getExpired splits off every timer with expiration <= now, removing it
// from both views.
func (q *timerQueue) getExpired(now time.Time) []*Timer {
	q.checkSizes()
	// The sentinel (now, MaxInt64) sorts after every timer due at or
	// before now.
	idx, _ := slices.BinarySearchFunc(q.timers, timerSortKey{now, math.MaxInt64}, compareTimerToKey)
	expired := make([]*Timer, idx)
	copy(expired, q.timers[:idx])
	q.timers = append(q.timers[:0], q.timers[idx:]...)
	for _, t := range expired {
		delete(q.activeTimers, TimerID{timer: t, sequence: t.sequence})
	}
	q.checkSizes()
	return expired
}

func (q *timerQueue) reset(expired []*Timer, now time.Time) {
	for _, t := range expired {
		id := TimerID{timer: t, sequence: t.sequence}
		if _, canceled := q.cancelingTimers[id]; t.repeat && !canceled {
			t.restart(now)
			q.insert(t)
		}
	}
	if len(q.timers) > 0 {
		logging.Error(netpoll.ArmTimerFD(q.timerFD, time.Until(q.timers[0].expiration)))
	}
}

// insert places t into both views and reports whether the earliest
// expiration changed.
func (q *timerQueue) insert(t *Timer) bool {
	q.checkSizes()
	earliestChanged := len(q.timers) == 0 || t.expiration.Before(q.timers[0].expiration)
	idx, _ := slices.BinarySearchFunc(q.timers, timerSortKey{t.expiration, t.sequence}, compareTimerToKey)
	q.timers = slices.Insert(q.timers, idx, t)
	q.activeTimers[TimerID{timer: t, sequence: t.sequence}] = struct{}{}
	q.checkSizes()
	return earliestChanged
}

func (q *timerQueue) eraseTimer(t *Timer) {
	idx, found := slices.BinarySearchFunc(q.timers, timerSortKey{t.expiration, t.sequence}, compareTimerToKey)
	if !found {
		logging.Fatalf("timer queue: scheduled timer seq=%d missing from sorted view", t.sequence)
	}
	q.timers = slices.Delete(q.timers, idx, idx+1)
}

func (q *timerQueue) checkSizes() {
	if len(q.timers) != len(q.activeTimers) {
		logging.Fatalf("timer queue: views diverged, %d sorted vs %d active",
			len(q.timers), len(q.activeTimers))
	}
}

type timerSortKey struct {
	when time.Time
	seq  int64
}

// compareTimerToKey orders timers by (expiration, sequence); the sequence
// tiebreak substitutes for pointer identity and is unique per timer.
func compareTimerToKey(t *Timer, key timerSortKey) int {
	if t.expiration.Before(key.when) {
		return -1
	}
	if t.expiration.After(key.when) {
		return 1
	}
	switch {
	case t.sequence < key.seq:
		return -1
	case t.sequence > key.seq:
		return 1
	}
	return 0
}
