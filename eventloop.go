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
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/evnet-io/evnet/internal/goid"
	"github.com/evnet-io/evnet/internal/netpoll"
	"github.com/evnet-io/evnet/pkg/logging"
)

// pollTimeoutMs bounds a single poller wait; a wakeup or timer cuts it
// short.
const pollTimeoutMs = 10_000

// loopRegistry substitutes for a thread-local slot: at most one EventLoop
// may exist per goroutine, and EventLoopOf finds the calling goroutine's
// loop through it.
var (
	loopRegistryMu sync.Mutex
	loopRegistry   = make(map[int64]*EventLoop)
)

// EventLoopOf returns the loop owned by the calling goroutine, or nil.
func EventLoopOf() *EventLoop {
	loopRegistryMu.Lock()
	defer loopRegistryMu.Unlock()
	return loopRegistry[goid.Get()]
}

// EventLoop is a single-goroutine reactor. One iteration polls for
// readiness, dispatches the active channels, then drains functors queued
// by other goroutines. Everything the loop owns (poller, channels, timer
// queue) is only ever touched on the goroutine that constructed it;
// cross-goroutine callers go through RunInLoop/QueueInLoop.
type EventLoop struct {
	looping                bool
	quit                   int32
	eventHandling          bool
	callingPendingFunctors int32
	iteration              int64
	goroutineID            int64

	poller     poller
	timerQueue *timerQueue

	wakeupFD      int
	wakeupChannel *Channel

	activeChannels       []*Channel
	currentActiveChannel *Channel

	pollReturnTime time.Time

	mu              sync.Mutex
	pendingFunctors *queue.Queue

	ctx interface{}
}

// NewEventLoop constructs a loop bound to the calling goroutine. A second
// loop on the same goroutine is fatal.
func NewEventLoop() *EventLoop {
	gid := goid.Get()
	loopRegistryMu.Lock()
	if other := loopRegistry[gid]; other != nil {
		loopRegistryMu.Unlock()
		logging.Fatalf("event loop %p already exists on goroutine %d", other, gid)
	}
	el := &EventLoop{
		goroutineID:     gid,
		pendingFunctors: queue.New(),
	}
	loopRegistry[gid] = el
	loopRegistryMu.Unlock()

	el.poller = newDefaultPoller(el)
	el.timerQueue = newTimerQueue(el)

	wakeupFD, err := netpoll.OpenEventFD()
	if err != nil {
		logging.Fatalf("event loop wakeup: %v", err)
	}
	el.wakeupFD = wakeupFD
	el.wakeupChannel = NewChannel(el, wakeupFD)
	el.wakeupChannel.SetReadCallback(el.handleWakeupRead)
	el.wakeupChannel.EnableReading()

	logging.Debugf("event loop %p created on goroutine %d", el, gid)
	return el
}

// Loop runs the reactor until Quit. Must be called on the constructing
// goroutine.
func (el *EventLoop) Loop() {
	el.AssertInLoop()
	if el.looping {
		logging.Fatalf("event loop %p is already looping", el)
	}
	el.looping = true
	logging.Debugf("event loop %p start looping", el)

	for atomic.LoadInt32(&el.quit) == 0 {
		el.activeChannels = el.activeChannels[:0]
		el.pollReturnTime = el.poller.poll(pollTimeoutMs, &el.activeChannels)
		el.iteration++

		el.eventHandling = true
		for _, ch := range el.activeChannels {
			el.currentActiveChannel = ch
			ch.HandleEvent(el.pollReturnTime)
		}
		el.currentActiveChannel = nil
		el.eventHandling = false

		el.doPendingFunctors()
	}

	logging.Debugf("event loop %p stop looping", el)
	el.looping = false
}

// Close releases the loop's descriptors and its goroutine slot. Call it
// after Loop has returned, on the same goroutine.
func (el *EventLoop) Close() {
	el.AssertInLoop()
	el.timerQueue.shutdown()
	el.wakeupChannel.DisableAll()
	el.wakeupChannel.Remove()
	logging.Error(closeFD(el.wakeupFD))
	logging.Error(el.poller.close())

	loopRegistryMu.Lock()
	delete(loopRegistry, el.goroutineID)
	loopRegistryMu.Unlock()
}

// Quit makes Loop return after the current iteration, or immediately when
// called before Loop; the loop does not restart. Callable from any
// goroutine; a cross-goroutine caller's loop reference keeps the loop
// alive through the wakeup.
func (el *EventLoop) Quit() {
	atomic.StoreInt32(&el.quit, 1)
	if !el.IsInLoopGoroutine() {
		el.wakeup()
	}
}

// RunInLoop invokes f immediately when called on the loop goroutine,
// otherwise queues it for the next iteration.
func (el *EventLoop) RunInLoop(f func()) {
	if el.IsInLoopGoroutine() {
		f()
	} else {
		el.QueueInLoop(f)
	}
}

// QueueInLoop schedules f on the loop goroutine. The wakeup is skipped
// only when the loop goroutine itself queues outside the drain phase, in
// which case the functor is picked up at the end of the current iteration
// anyway.
func (el *EventLoop) QueueInLoop(f func()) {
	el.mu.Lock()
	el.pendingFunctors.Add(f)
	el.mu.Unlock()

	if !el.IsInLoopGoroutine() || atomic.LoadInt32(&el.callingPendingFunctors) == 1 {
		el.wakeup()
	}
}

// QueueSize reports the number of queued functors.
func (el *EventLoop) QueueSize() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.pendingFunctors.Length()
}

// RunAt schedules cb once at t.
func (el *EventLoop) RunAt(t time.Time, cb TimerCallback) TimerID {
	return el.timerQueue.addTimer(cb, t, 0)
}

// RunAfter schedules cb once, d from now.
func (el *EventLoop) RunAfter(d time.Duration, cb TimerCallback) TimerID {
	return el.RunAt(time.Now().Add(d), cb)
}

// RunEvery schedules cb every interval, first firing one interval from
// now.
func (el *EventLoop) RunEvery(interval time.Duration, cb TimerCallback) TimerID {
	return el.timerQueue.addTimer(cb, time.Now().Add(interval), interval)
}

// Cancel unschedules the timer behind id; a timer whose callback is
// currently running still completes but will not repeat.
func (el *EventLoop) Cancel(id TimerID) {
	el.timerQueue.cancel(id)
}

// Iteration returns the number of completed poll iterations.
func (el *EventLoop) Iteration() int64 { return el.iteration }

// PollReturnTime is the timestamp the poller last returned at, which is
// also the receive time handed to read callbacks.
func (el *EventLoop) PollReturnTime() time.Time { return el.pollReturnTime }

// EventHandling reports whether the loop is inside channel dispatch.
func (el *EventLoop) EventHandling() bool { return el.eventHandling }

// SetContext attaches an opaque user value to the loop.
func (el *EventLoop) SetContext(ctx interface{}) { el.ctx = ctx }

// Context returns the attached user value.
func (el *EventLoop) Context() interface{} { return el.ctx }

// IsInLoopGoroutine reports whether the caller is the owning goroutine.
func (el *EventLoop) IsInLoopGoroutine() bool {
	return el.goroutineID == goid.Get()
}

// AssertInLoop aborts when called off the owning goroutine.
func (el *EventLoop) AssertInLoop() {
	if !el.IsInLoopGoroutine() {
		logging.Fatalf("event loop %p owned by goroutine %d used from goroutine %d",
			el, el.goroutineID, goid.Get())
	}
}

func (el *EventLoop) updateChannel(ch *Channel) {
	if ch.OwnerLoop() != el {
		logging.Fatalf("channel fd=%d belongs to another loop", ch.Fd())
	}
	el.AssertInLoop()
	el.poller.updateChannel(ch)
}

func (el *EventLoop) removeChannel(ch *Channel) {
	if ch.OwnerLoop() != el {
		logging.Fatalf("channel fd=%d belongs to another loop", ch.Fd())
	}
	el.AssertInLoop()
	if el.eventHandling && ch != el.currentActiveChannel && el.isActiveChannel(ch) {
		logging.Fatalf("channel fd=%d removed while another active channel dispatches", ch.Fd())
	}
	el.poller.removeChannel(ch)
}

// HasChannel reports whether ch is registered with this loop's poller.
func (el *EventLoop) HasChannel(ch *Channel) bool {
	if ch.OwnerLoop() != el {
		logging.Fatalf("channel fd=%d belongs to another loop", ch.Fd())
	}
	el.AssertInLoop()
	return el.poller.hasChannel(ch)
}

func (el *EventLoop) isActiveChannel(ch *Channel) bool {
	for _, active := range el.activeChannels {
		if active == ch {
			return true
		}
	}
	return false
}

// wakeup kicks the poller out of its wait by bumping the eventfd.
func (el *EventLoop) wakeup() {
	n, err := netpoll.NotifyEventFD(el.wakeupFD)
	if n != 8 {
		logging.Errorf("event loop wakeup writes %d bytes instead of 8: %v", n, err)
	}
}

func (el *EventLoop) handleWakeupRead(time.Time) {
	n, err := netpoll.DrainEventFD(el.wakeupFD)
	if n != 8 {
		logging.Errorf("event loop wakeup reads %d bytes instead of 8: %v", n, err)
	}
}

// doPendingFunctors swaps the queue out under the lock and runs the
// functors unlocked: a functor calling QueueInLoop cannot deadlock, and
// one iteration's work is bounded even while producers keep enqueueing.
func (el *EventLoop) doPendingFunctors() {
	atomic.StoreInt32(&el.callingPendingFunctors, 1)

	el.mu.Lock()
	functors := make([]func(), 0, el.pendingFunctors.Length())
	for el.pendingFunctors.Length() > 0 {
		functors = append(functors, el.pendingFunctors.Remove().(func()))
	}
	el.mu.Unlock()

	for _, f := range functors {
		f()
	}
	atomic.StoreInt32(&el.callingPendingFunctors, 0)
}

func closeFD(fd int) error {
	return unix.Close(fd)
}
