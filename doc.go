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

/*
Package evnet is a multi-reactor TCP networking library for Linux built on
the one-loop-per-thread model: every EventLoop is bound to the goroutine
that created it (loops started by EventLoopThread also lock that goroutine
to its OS thread), where it multiplexes socket readiness (epoll by default, poll when
EVNET_USE_POLL is set), expires timers off a timerfd and drains tasks posted
from other goroutines through an eventfd wakeup.

TCPServer accepts on a base loop and hands each connection to a worker loop
from an EventLoopThreadPool; TCPClient drives a single connection with
exponential-backoff reconnect. All callbacks of a TCPConnection (connection,
message, write-complete, high-water-mark) fire serially on the loop that
owns it, so application state touched only from those callbacks needs no
locking.

Echo server:

	loop := evnet.NewEventLoop()
	srv := evnet.NewTCPServer(loop, evnet.NewEndpointPort(7, false, false), "echo",
		evnet.WithNumLoops(4))
	srv.SetMessageCallback(func(c *evnet.TCPConnection, buf *stream.Buffer, _ time.Time) {
		c.Send(buf.RetrieveAllBytes())
	})
	srv.Start()
	loop.Loop()
*/
package evnet
