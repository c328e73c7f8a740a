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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoopThreadStartStop(t *testing.T) {
	thread := NewEventLoopThread(nil, "worker")
	loop := thread.StartLoop()
	require.NotNil(t, loop)
	assert.False(t, loop.IsInLoopGoroutine())
	thread.Stop()
	thread.Stop() // idempotent
}

func TestEventLoopThreadInitCallback(t *testing.T) {
	var mu sync.Mutex
	var initLoop *EventLoop
	thread := NewEventLoopThread(func(l *EventLoop) {
		mu.Lock()
		initLoop = l
		mu.Unlock()
	}, "worker")
	loop := thread.StartLoop()
	defer thread.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Same(t, loop, initLoop)
}

func TestThreadPoolRoundRobin(t *testing.T) {
	baseLoop := NewEventLoop()
	defer func() {
		baseLoop.Quit()
		baseLoop.Loop()
		baseLoop.Close()
	}()

	pool := NewEventLoopThreadPool(baseLoop, "pool")
	pool.SetNumThreads(4)
	pool.Start(nil)
	defer pool.Stop()

	loops := pool.GetAllLoops()
	require.Len(t, loops, 4)

	// Eight serial assignments walk the workers twice in order.
	var got []*EventLoop
	for i := 0; i < 8; i++ {
		got = append(got, pool.GetNextLoop())
	}
	want := []*EventLoop{
		loops[0], loops[1], loops[2], loops[3],
		loops[0], loops[1], loops[2], loops[3],
	}
	assert.Equal(t, want, got)
}

func TestThreadPoolHash(t *testing.T) {
	baseLoop := NewEventLoop()
	defer func() {
		baseLoop.Quit()
		baseLoop.Loop()
		baseLoop.Close()
	}()

	pool := NewEventLoopThreadPool(baseLoop, "pool")
	pool.SetNumThreads(3)
	pool.Start(nil)
	defer pool.Stop()

	loops := pool.GetAllLoops()
	for h := uint64(0); h < 9; h++ {
		assert.Same(t, loops[h%3], pool.GetLoopForHash(h))
	}
	// Same hash, same loop.
	assert.Same(t, pool.GetLoopForHash(42), pool.GetLoopForHash(42))
}

func TestThreadPoolZeroThreads(t *testing.T) {
	baseLoop := NewEventLoop()
	defer func() {
		baseLoop.Quit()
		baseLoop.Loop()
		baseLoop.Close()
	}()

	pool := NewEventLoopThreadPool(baseLoop, "pool")
	initRan := false
	pool.Start(func(l *EventLoop) {
		// With no workers the init callback runs synchronously on the
		// base loop.
		initRan = true
		assert.Same(t, baseLoop, l)
	})
	assert.True(t, initRan)

	assert.Same(t, baseLoop, pool.GetNextLoop())
	assert.Same(t, baseLoop, pool.GetLoopForHash(7))
	assert.Equal(t, []*EventLoop{baseLoop}, pool.GetAllLoops())
}
