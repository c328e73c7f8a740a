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
	"time"

	"github.com/evnet-io/evnet/pkg/buffer/stream"
	"github.com/evnet-io/evnet/pkg/logging"
)

type (
	// TimerCallback runs on the loop goroutine when a timer expires.
	TimerCallback func()

	// ThreadInitCallback runs on a freshly started loop goroutine before
	// the loop begins polling.
	ThreadInitCallback func(*EventLoop)

	// ConnectionCallback fires on the owning loop when a connection goes
	// up and again when it goes down; query Connected to tell the two
	// apart.
	ConnectionCallback func(*TCPConnection)

	// MessageCallback fires on the owning loop when bytes have arrived in
	// the input buffer. The callback decides how much to retrieve.
	MessageCallback func(*TCPConnection, *stream.Buffer, time.Time)

	// WriteCompleteCallback fires once the queued output has been fully
	// handed to the kernel.
	WriteCompleteCallback func(*TCPConnection)

	// HighWaterMarkCallback fires when the output buffer first crosses the
	// configured threshold, carrying the queued byte count.
	HighWaterMarkCallback func(*TCPConnection, int)

	// CloseCallback hands a closed connection back to its server or
	// client for deregistration.
	CloseCallback func(*TCPConnection)
)

// DefaultConnectionCallback logs the connection transition; servers and
// clients fall back to it when the application installs nothing.
func DefaultConnectionCallback(c *TCPConnection) {
	state := "DOWN"
	if c.Connected() {
		state = "UP"
	}
	logging.Debugf("%v -> %v is %s", c.LocalEndpoint(), c.PeerEndpoint(), state)
}

// DefaultMessageCallback drains the input buffer so an idle application
// does not accumulate unread bytes.
func DefaultMessageCallback(_ *TCPConnection, buf *stream.Buffer, _ time.Time) {
	buf.RetrieveAll()
}
