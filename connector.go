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

	"golang.org/x/sys/unix"

	"github.com/evnet-io/evnet/internal/socket"
	"github.com/evnet-io/evnet/pkg/errors"
	"github.com/evnet-io/evnet/pkg/logging"
)

const (
	connectorDisconnected int32 = iota
	connectorConnecting
	connectorConnected
)

const (
	// initRetryDelay is the first backoff step; it doubles per failed
	// attempt up to maxRetryDelay.
	initRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 30 * time.Second
)

// Connector drives one non-blocking connect attempt at a time toward a
// fixed server endpoint, retrying with exponential backoff on transient
// refusals and on self-connect. On success it hands the connected
// descriptor to the callback; descriptor ownership transfers.
type Connector struct {
	loop           *EventLoop
	serverEndpoint Endpoint
	connect        int32
	state          int32
	retryDelay     time.Duration
	channel        *Channel
	newConnection  func(fd int)
}

// NewConnector prepares a connector toward serverEndpoint on loop.
func NewConnector(loop *EventLoop, serverEndpoint Endpoint) *Connector {
	if !serverEndpoint.IsValid() {
		logging.Fatalf("connector: %v", errors.ErrEmptyEndpoint)
	}
	return &Connector{
		loop:           loop,
		serverEndpoint: serverEndpoint,
		state:          connectorDisconnected,
		retryDelay:     initRetryDelay,
	}
}

// SetNewConnectionCallback installs the sink for the connected descriptor.
func (c *Connector) SetNewConnectionCallback(cb func(fd int)) {
	c.newConnection = cb
}

// ServerEndpoint returns the target address.
func (c *Connector) ServerEndpoint() Endpoint { return c.serverEndpoint }

// Start begins connecting. Safe from any goroutine.
func (c *Connector) Start() {
	atomic.StoreInt32(&c.connect, 1)
	c.loop.RunInLoop(c.startInLoop)
}

// Stop abandons the current attempt and suppresses further retries.
func (c *Connector) Stop() {
	atomic.StoreInt32(&c.connect, 0)
	c.loop.QueueInLoop(c.stopInLoop)
}

// Restart resets the backoff and reconnects. Must run on the owning loop;
// TCPClient uses it when a connection closes with retry enabled.
func (c *Connector) Restart() {
	c.loop.AssertInLoop()
	c.state = connectorDisconnected
	c.retryDelay = initRetryDelay
	atomic.StoreInt32(&c.connect, 1)
	c.startInLoop()
}

func (c *Connector) startInLoop() {
	c.loop.AssertInLoop()
	if c.state != connectorDisconnected {
		logging.Fatalf("connector to %v started in state %d", c.serverEndpoint, c.state)
	}
	if atomic.LoadInt32(&c.connect) == 1 {
		c.connectSocket()
	} else {
		logging.Debugf("connector to %v: do not connect", c.serverEndpoint)
	}
}

func (c *Connector) stopInLoop() {
	c.loop.AssertInLoop()
	if c.state == connectorConnecting {
		c.state = connectorDisconnected
		fd := c.removeAndResetChannel()
		c.retry(fd)
	}
}

func (c *Connector) connectSocket() {
	fd, err := socket.TCPSocket(c.serverEndpoint.Family())
	if err != nil {
		logging.Fatalf("connector: %v", err)
	}
	err = socket.Connect(fd, c.serverEndpoint.Sockaddr())
	switch err {
	case nil, unix.EINPROGRESS, unix.EINTR, unix.EISCONN:
		c.connecting(fd)

	case unix.EAGAIN, unix.EADDRINUSE, unix.EADDRNOTAVAIL, unix.ECONNREFUSED, unix.ENETUNREACH:
		c.retry(fd)

	case unix.EACCES, unix.EPERM, unix.EAFNOSUPPORT, unix.EALREADY, unix.EBADF, unix.EFAULT, unix.ENOTSOCK:
		logging.Errorf("connector to %v: connect: %v", c.serverEndpoint, err)
		logging.Error(socket.Close(fd))

	default:
		logging.Errorf("connector to %v: unexpected connect error: %v", c.serverEndpoint, err)
		logging.Error(socket.Close(fd))
	}
}

func (c *Connector) connecting(fd int) {
	c.state = connectorConnecting
	if c.channel != nil {
		logging.Fatalf("connector to %v: channel already exists", c.serverEndpoint)
	}
	c.channel = NewChannel(c.loop, fd)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetErrorCallback(c.handleError)
	c.channel.EnableWriting()
}

// removeAndResetChannel detaches the channel from the poller; the channel
// reference itself is dropped in a queued functor because this path runs
// inside the channel's own event dispatch.
func (c *Connector) removeAndResetChannel() int {
	c.channel.DisableAll()
	c.channel.Remove()
	fd := c.channel.Fd()
	c.loop.QueueInLoop(func() { c.channel = nil })
	return fd
}

func (c *Connector) handleWrite() {
	logging.Debugf("connector to %v: handleWrite state=%d", c.serverEndpoint, c.state)
	if c.state != connectorConnecting {
		return
	}
	fd := c.removeAndResetChannel()
	soErr, _ := socket.SocketError(fd)
	switch {
	case soErr != 0:
		logging.Warnf("connector to %v: SO_ERROR=%d %v", c.serverEndpoint, soErr, unix.Errno(soErr))
		c.retry(fd)
	case socket.IsSelfConnect(fd):
		logging.Warnf("connector to %v: %v", c.serverEndpoint, errors.ErrSelfConnect)
		c.retry(fd)
	default:
		c.state = connectorConnected
		if atomic.LoadInt32(&c.connect) == 1 {
			if c.newConnection != nil {
				c.newConnection(fd)
			} else {
				logging.Error(socket.Close(fd))
			}
		} else {
			logging.Error(socket.Close(fd))
		}
	}
}

func (c *Connector) handleError() {
	logging.Errorf("connector to %v: error state=%d", c.serverEndpoint, c.state)
	if c.state == connectorConnecting {
		fd := c.removeAndResetChannel()
		soErr, _ := socket.SocketError(fd)
		logging.Debugf("connector to %v: SO_ERROR=%d %v", c.serverEndpoint, soErr, unix.Errno(soErr))
		c.retry(fd)
	}
}

// retry closes the failed descriptor and schedules a fresh attempt after
// the current backoff delay, doubling it up to the cap.
func (c *Connector) retry(fd int) {
	logging.Error(socket.Close(fd))
	c.state = connectorDisconnected
	if atomic.LoadInt32(&c.connect) == 1 {
		logging.Infof("connector: retry connecting to %v in %v", c.serverEndpoint, c.retryDelay)
		c.loop.RunAfter(c.retryDelay, func() {
			if c.state == connectorDisconnected {
				c.startInLoop()
			}
		})
		c.retryDelay *= 2
		if c.retryDelay > maxRetryDelay {
			c.retryDelay = maxRetryDelay
		}
	} else {
		logging.Debugf("connector to %v: do not connect", c.serverEndpoint)
	}
}
