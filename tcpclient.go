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
	"sync"
	"sync/atomic"
	"time"

	"github.com/evnet-io/evnet/internal/socket"
	"github.com/evnet-io/evnet/pkg/logging"
)

// TCPClient maintains at most one outbound connection, re-dialing through
// its connector with exponential backoff while enabled. The connection
// slot is mutex-guarded because applications read it from any goroutine;
// everything else runs on the client's loop.
type TCPClient struct {
	loop      *EventLoop
	connector *Connector
	name      string

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback

	retry   int32
	connect int32

	// Touched only on the loop.
	nextConnID int

	mu         sync.Mutex
	connection *TCPConnection
}

// NewTCPClient builds a client that dials serverEndpoint on loop.
func NewTCPClient(loop *EventLoop, serverEndpoint Endpoint, name string, options ...ClientOption) *TCPClient {
	opts := loadClientOptions(options...)
	c := &TCPClient{
		loop:               loop,
		connector:          NewConnector(loop, serverEndpoint),
		name:               name,
		connectionCallback: DefaultConnectionCallback,
		messageCallback:    DefaultMessageCallback,
		nextConnID:         1,
	}
	if opts.Retry {
		atomic.StoreInt32(&c.retry, 1)
	}
	c.connector.SetNewConnectionCallback(c.newConnection)
	logging.Debugf("client %s: connector %p created", name, c.connector)
	return c
}

// Name returns the client name.
func (c *TCPClient) Name() string { return c.name }

// EventLoop returns the owning loop.
func (c *TCPClient) EventLoop() *EventLoop { return c.loop }

// ServerEndpoint returns the dial target.
func (c *TCPClient) ServerEndpoint() Endpoint { return c.connector.ServerEndpoint() }

// Retry reports whether reconnect-on-drop is enabled.
func (c *TCPClient) Retry() bool { return atomic.LoadInt32(&c.retry) == 1 }

// EnableRetry turns on reconnect-on-drop.
func (c *TCPClient) EnableRetry() { atomic.StoreInt32(&c.retry, 1) }

// Connection returns the live connection or nil. Safe from any goroutine.
func (c *TCPClient) Connection() *TCPConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connection
}

// SetConnectionCallback installs the up/down callback.
func (c *TCPClient) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }

// SetMessageCallback installs the inbound-data callback.
func (c *TCPClient) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }

// SetWriteCompleteCallback installs the output-drained callback.
func (c *TCPClient) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

// Connect starts dialing. Safe from any goroutine.
func (c *TCPClient) Connect() {
	logging.Infof("client %s: connecting to %v", c.name, c.connector.ServerEndpoint())
	atomic.StoreInt32(&c.connect, 1)
	c.connector.Start()
}

// Disconnect shuts down the live connection's write half; the connection
// finishes draining and closes when the peer does.
func (c *TCPClient) Disconnect() {
	atomic.StoreInt32(&c.connect, 0)
	c.mu.Lock()
	conn := c.connection
	c.mu.Unlock()
	if conn != nil {
		conn.Shutdown()
	}
}

// Stop cancels an in-flight dial attempt.
func (c *TCPClient) Stop() {
	atomic.StoreInt32(&c.connect, 0)
	c.connector.Stop()
}

// Close detaches the client from its connection. A live connection gets a
// destroy-forwarding close callback and a forced close; an idle client
// just stops the connector, keeping it around briefly so an in-flight
// retry timer can unwind against a live object.
func (c *TCPClient) Close() {
	atomic.StoreInt32(&c.connect, 0)
	c.mu.Lock()
	conn := c.connection
	c.connection = nil
	c.mu.Unlock()

	if conn != nil {
		loop := c.loop
		c.loop.RunInLoop(func() {
			conn.setCloseCallback(func(tc *TCPConnection) {
				loop.QueueInLoop(tc.connectDestroyed)
			})
		})
		conn.ForceClose()
		return
	}
	c.connector.Stop()
	connector := c.connector
	c.loop.RunAfter(time.Second, func() {
		logging.Debugf("client %s: releasing connector %p", c.name, connector)
	})
}

// newConnection runs on the loop when the connector hands over a
// descriptor.
func (c *TCPClient) newConnection(fd int) {
	c.loop.AssertInLoop()
	peerEnd := NewEndpointSockaddr(socket.PeerSockaddr(fd))
	localEnd := NewEndpointSockaddr(socket.LocalSockaddr(fd))
	connName := fmt.Sprintf("%s:%v#%d", c.name, peerEnd, c.nextConnID)
	c.nextConnID++

	conn := NewTCPConnection(c.loop, connName, fd, localEnd, peerEnd)
	conn.SetConnectionCallback(c.connectionCallback)
	conn.SetMessageCallback(c.messageCallback)
	conn.SetWriteCompleteCallback(c.writeCompleteCallback)
	conn.setCloseCallback(c.removeConnection)

	c.mu.Lock()
	c.connection = conn
	c.mu.Unlock()

	conn.connectEstablished()
}

// removeConnection tears the dropped connection down and re-dials when
// retry is on.
func (c *TCPClient) removeConnection(conn *TCPConnection) {
	c.loop.AssertInLoop()
	c.mu.Lock()
	c.connection = nil
	c.mu.Unlock()
	c.loop.QueueInLoop(conn.connectDestroyed)

	if atomic.LoadInt32(&c.retry) == 1 && atomic.LoadInt32(&c.connect) == 1 {
		logging.Infof("client %s: reconnecting to %v", c.name, c.connector.ServerEndpoint())
		c.connector.Restart()
	}
}
