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
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// EventLoopThread owns one worker goroutine, locked to an OS thread, that
// hosts exactly one EventLoop for its whole lifetime.
type EventLoopThread struct {
	mu      sync.Mutex
	cond    *sync.Cond
	loop    *EventLoop
	exiting bool
	name    string
	init    ThreadInitCallback
	group   errgroup.Group
}

// NewEventLoopThread prepares a worker; cb (optional) runs on the worker
// goroutine before its loop starts polling.
func NewEventLoopThread(cb ThreadInitCallback, name string) *EventLoopThread {
	t := &EventLoopThread{
		name: name,
		init: cb,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// StartLoop spawns the worker and blocks until its loop is constructed,
// returning the loop for registration purposes.
func (t *EventLoopThread) StartLoop() *EventLoop {
	t.group.Go(t.run)

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop
}

// Stop quits the worker's loop and joins the goroutine. Idempotent.
func (t *EventLoopThread) Stop() {
	t.mu.Lock()
	t.exiting = true
	loop := t.loop
	t.mu.Unlock()
	if loop != nil {
		loop.Quit()
		_ = t.group.Wait()
	}
}

func (t *EventLoopThread) run() error {
	// The loop's poller, timerfd and eventfd all live on this thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	loop := NewEventLoop()
	if t.init != nil {
		t.init(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	loop.Loop()
	loop.Close()

	t.mu.Lock()
	t.loop = nil
	t.mu.Unlock()
	return nil
}
