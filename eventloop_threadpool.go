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
	"fmt"

	"github.com/evnet-io/evnet/pkg/logging"
)

// EventLoopThreadPool spawns N worker loops next to a caller-owned base
// loop and hands them out round-robin or by hash. With N == 0 every getter
// degenerates to the base loop, so single-loop deployments need no special
// casing.
type EventLoopThreadPool struct {
	baseLoop   *EventLoop
	name       string
	started    bool
	numThreads int
	next       int
	threads    []*EventLoopThread
	loops      []*EventLoop
}

// NewEventLoopThreadPool creates a pool around baseLoop. SetNumThreads
// before Start decides the worker count.
func NewEventLoopThreadPool(baseLoop *EventLoop, name string) *EventLoopThreadPool {
	return &EventLoopThreadPool{
		baseLoop: baseLoop,
		name:     name,
	}
}

// SetNumThreads fixes the number of worker loops; zero keeps everything on
// the base loop.
func (p *EventLoopThreadPool) SetNumThreads(n int) { p.numThreads = n }

// Start spawns the workers, running cb on each fresh loop. With zero
// workers cb runs synchronously on the base loop instead.
func (p *EventLoopThreadPool) Start(cb ThreadInitCallback) {
	if p.started {
		logging.Fatalf("loop pool %q started twice", p.name)
	}
	p.baseLoop.AssertInLoop()
	p.started = true

	for i := 0; i < p.numThreads; i++ {
		t := NewEventLoopThread(cb, fmt.Sprintf("%s%d", p.name, i))
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, t.StartLoop())
	}
	if p.numThreads == 0 && cb != nil {
		cb(p.baseLoop)
	}
}

// Stop quits and joins all workers. The base loop is left to its owner.
func (p *EventLoopThreadPool) Stop() {
	for _, t := range p.threads {
		t.Stop()
	}
}

// GetNextLoop hands out worker loops round-robin, falling back to the
// base loop when the pool has no workers. Must run on the base loop, which
// keeps the assignment sequence deterministic.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	p.baseLoop.AssertInLoop()
	if !p.started {
		logging.Fatalf("loop pool %q not started", p.name)
	}
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	loop := p.loops[p.next]
	p.next++
	if p.next >= len(p.loops) {
		p.next = 0
	}
	return loop
}

// GetLoopForHash pins a hash key to a fixed worker loop.
func (p *EventLoopThreadPool) GetLoopForHash(hashCode uint64) *EventLoop {
	p.baseLoop.AssertInLoop()
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	return p.loops[hashCode%uint64(len(p.loops))]
}

// GetAllLoops returns every loop in the pool, the base loop when empty.
func (p *EventLoopThreadPool) GetAllLoops() []*EventLoop {
	p.baseLoop.AssertInLoop()
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	out := make([]*EventLoop, len(p.loops))
	copy(out, p.loops)
	return out
}

// Started reports whether Start has run.
func (p *EventLoopThreadPool) Started() bool { return p.started }

// Name returns the pool's name prefix.
func (p *EventLoopThreadPool) Name() string { return p.name }
