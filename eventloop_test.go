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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInLoopSameGoroutine(t *testing.T) {
	loop := NewEventLoop()
	defer func() {
		loop.Quit()
		loop.Loop()
		loop.Close()
	}()

	assert.True(t, loop.IsInLoopGoroutine())
	assert.Same(t, loop, EventLoopOf())

	// In-goroutine RunInLoop runs before returning.
	ran := false
	loop.RunInLoop(func() { ran = true })
	assert.True(t, ran)
}

func TestRunInLoopCrossGoroutine(t *testing.T) {
	thread := NewEventLoopThread(nil, "test")
	loop := thread.StartLoop()
	defer thread.Stop()

	assert.False(t, loop.IsInLoopGoroutine())

	// A cross-goroutine post runs before the next poll returns, well
	// inside the 10s poll timeout.
	done := make(chan int64, 1)
	loop.RunInLoop(func() { done <- loop.Iteration() })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued functor did not run within 1s")
	}
}

func TestQueueInLoopFromFunctor(t *testing.T) {
	thread := NewEventLoopThread(nil, "test")
	loop := thread.StartLoop()
	defer thread.Stop()

	// A functor queued from inside the drain phase runs in the next
	// iteration instead of waiting out the poll timeout.
	done := make(chan struct{})
	start := time.Now()
	loop.QueueInLoop(func() {
		loop.QueueInLoop(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested functor did not run")
	}
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestQueueSize(t *testing.T) {
	loop := NewEventLoop()
	defer func() {
		loop.Quit()
		loop.Loop()
		loop.Close()
	}()

	assert.Equal(t, 0, loop.QueueSize())
	loop.QueueInLoop(func() {})
	loop.QueueInLoop(func() {})
	assert.Equal(t, 2, loop.QueueSize())
}

func TestLoopQuitFromOtherGoroutine(t *testing.T) {
	thread := NewEventLoopThread(nil, "test")
	loop := thread.StartLoop()

	start := time.Now()
	loop.Quit()
	thread.Stop()
	// Quit must cut the 10s poll short.
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLoopContext(t *testing.T) {
	loop := NewEventLoop()
	defer func() {
		loop.Quit()
		loop.Loop()
		loop.Close()
	}()

	assert.Nil(t, loop.Context())
	loop.SetContext("opaque")
	assert.Equal(t, "opaque", loop.Context())
}

func TestLoopTimers(t *testing.T) {
	thread := NewEventLoopThread(nil, "test")
	loop := thread.StartLoop()
	defer thread.Stop()

	t.Run("run after fires once", func(t *testing.T) {
		var fired int32
		loop.RunAfter(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
		time.Sleep(200 * time.Millisecond)
		assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
	})

	t.Run("run at fires once", func(t *testing.T) {
		var fired int32
		loop.RunAt(time.Now().Add(20*time.Millisecond), func() { atomic.AddInt32(&fired, 1) })
		time.Sleep(200 * time.Millisecond)
		assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
	})

	t.Run("run every repeats", func(t *testing.T) {
		var fired int32
		id := loop.RunEvery(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
		time.Sleep(300 * time.Millisecond)
		loop.Cancel(id)
		n := atomic.LoadInt32(&fired)
		assert.GreaterOrEqual(t, n, int32(3))

		// No further firings after cancel settles.
		time.Sleep(100 * time.Millisecond)
		settled := atomic.LoadInt32(&fired)
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, settled, atomic.LoadInt32(&fired))
	})

	t.Run("cancel before firing", func(t *testing.T) {
		var fired int32
		id := loop.RunAfter(100*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
		loop.Cancel(id)
		time.Sleep(250 * time.Millisecond)
		assert.Zero(t, atomic.LoadInt32(&fired))
	})
}

func TestTimerCancelDuringFiring(t *testing.T) {
	thread := NewEventLoopThread(nil, "test")
	loop := thread.StartLoop()
	defer thread.Stop()

	var aCount, bCount, cCount int32
	idC := loop.RunEvery(10*time.Millisecond, func() { atomic.AddInt32(&cCount, 1) })
	idA := loop.RunEvery(10*time.Millisecond, func() { atomic.AddInt32(&aCount, 1) })
	idB := loop.RunEvery(10*time.Millisecond, func() {
		atomic.AddInt32(&bCount, 1)
		// Cancelling a sibling from inside a timer callback must stop its
		// future firings even when it is part of the same expired batch.
		loop.Cancel(idC)
	})

	time.Sleep(200 * time.Millisecond)
	cAfterCancel := atomic.LoadInt32(&cCount)
	aSnapshot := atomic.LoadInt32(&aCount)
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, cAfterCancel, atomic.LoadInt32(&cCount), "cancelled timer kept firing")
	assert.Greater(t, atomic.LoadInt32(&aCount), aSnapshot, "survivor timer stopped")
	assert.Greater(t, atomic.LoadInt32(&bCount), int32(0))
	assert.LessOrEqual(t, cAfterCancel, int32(2))

	loop.Cancel(idA)
	loop.Cancel(idB)
}

func TestNumCreatedTimers(t *testing.T) {
	before := NumCreatedTimers()
	thread := NewEventLoopThread(nil, "test")
	loop := thread.StartLoop()
	defer thread.Stop()

	id := loop.RunAfter(time.Hour, func() {})
	assert.Greater(t, NumCreatedTimers(), before)
	loop.Cancel(id)
}

func TestEventLoopWithPollBackend(t *testing.T) {
	t.Setenv("EVNET_USE_POLL", "1")

	thread := NewEventLoopThread(nil, "poll-backend")
	loop := thread.StartLoop()
	defer thread.Stop()

	done := make(chan struct{})
	loop.RunAfter(20*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire on the poll backend")
	}

	require.False(t, loop.IsInLoopGoroutine())
}
