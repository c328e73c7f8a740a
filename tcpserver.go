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

	"github.com/evnet-io/evnet/internal/socket"
	"github.com/evnet-io/evnet/pkg/logging"
)

// TCPServer accepts on a base loop and spreads connections over a worker
// loop pool. The connection registry lives on the base loop; each
// connection's I/O and callbacks live on its assigned worker.
type TCPServer struct {
	loop       *EventLoop
	ipPort     string
	name       string
	acceptor   *Acceptor
	threadPool *EventLoopThreadPool
	opts       *ServerOptions

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback

	started int32

	// Touched only on the base loop.
	nextConnID  int
	connections map[string]*TCPConnection
}

// NewTCPServer builds a server that will listen on listenEndpoint once
// started. loop is the caller-owned base loop.
func NewTCPServer(loop *EventLoop, listenEndpoint Endpoint, name string, options ...ServerOption) *TCPServer {
	opts := loadServerOptions(options...)
	s := &TCPServer{
		loop:               loop,
		ipPort:             listenEndpoint.String(),
		name:               name,
		acceptor:           NewAcceptor(loop, listenEndpoint, opts.ReusePort),
		threadPool:         NewEventLoopThreadPool(loop, name),
		opts:               opts,
		connectionCallback: DefaultConnectionCallback,
		messageCallback:    DefaultMessageCallback,
		nextConnID:         1,
		connections:        make(map[string]*TCPConnection),
	}
	s.threadPool.SetNumThreads(opts.NumLoops)
	s.acceptor.SetNewConnectionCallback(s.newConnection)
	return s
}

// Name returns the server name used in connection names and logs.
func (s *TCPServer) Name() string { return s.name }

// IPPort returns the listen address string.
func (s *TCPServer) IPPort() string { return s.ipPort }

// EventLoop returns the base loop.
func (s *TCPServer) EventLoop() *EventLoop { return s.loop }

// ListenEndpoint returns the bound address, with the kernel-chosen port
// when the server was created on port 0.
func (s *TCPServer) ListenEndpoint() Endpoint { return s.acceptor.ListenEndpoint() }

// ThreadPool exposes the worker pool, e.g. to post loop-wide work.
func (s *TCPServer) ThreadPool() *EventLoopThreadPool { return s.threadPool }

// SetConnectionCallback installs the up/down callback for every accepted
// connection.
func (s *TCPServer) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }

// SetMessageCallback installs the inbound-data callback for every
// accepted connection.
func (s *TCPServer) SetMessageCallback(cb MessageCallback) { s.messageCallback = cb }

// SetWriteCompleteCallback installs the output-drained callback for every
// accepted connection.
func (s *TCPServer) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }

// Start spins up the worker pool and begins listening. Idempotent; safe
// from any goroutine.
func (s *TCPServer) Start() {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return
	}
	s.loop.RunInLoop(func() {
		s.threadPool.Start(s.opts.LoopInit)
		if s.acceptor.Listening() {
			logging.Fatalf("server %s started twice", s.name)
		}
		s.acceptor.Listen()
	})
}

// Stop gracefully destroys every connection and joins the worker loops.
// Must not be called from any event loop goroutine.
func (s *TCPServer) Stop() {
	var wg sync.WaitGroup
	wg.Add(1)
	s.loop.RunInLoop(func() {
		defer wg.Done()
		s.acceptor.Close()
		for name, conn := range s.connections {
			delete(s.connections, name)
			conn := conn
			wg.Add(1)
			conn.EventLoop().RunInLoop(func() {
				conn.connectDestroyed()
				wg.Done()
			})
		}
	})
	wg.Wait()
	s.threadPool.Stop()
}

// newConnection runs on the base loop for every accepted descriptor: pick
// a worker, register the connection and finish the handshake over there.
func (s *TCPServer) newConnection(fd int, peerEnd Endpoint) {
	s.loop.AssertInLoop()
	ioLoop := s.threadPool.GetNextLoop()
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.ipPort, s.nextConnID)
	s.nextConnID++
	localEnd := NewEndpointSockaddr(socket.LocalSockaddr(fd))
	logging.Infof("server %s: new connection %s from %v", s.name, connName, peerEnd)

	conn := NewTCPConnection(ioLoop, connName, fd, localEnd, peerEnd)
	s.connections[connName] = conn
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.setCloseCallback(s.removeConnection)
	if s.opts.NoDelay {
		conn.SetTCPNoDelay(true)
	}
	if !s.opts.KeepAlive {
		conn.SetKeepAlive(false)
	}
	ioLoop.RunInLoop(conn.connectEstablished)
}

// removeConnection arrives on the connection's worker loop; the registry
// update hops to the base loop, the teardown hops back.
func (s *TCPServer) removeConnection(conn *TCPConnection) {
	s.loop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *TCPServer) removeConnectionInLoop(conn *TCPConnection) {
	s.loop.AssertInLoop()
	if _, ok := s.connections[conn.Name()]; !ok {
		// Already released by Stop; do not destroy twice.
		return
	}
	logging.Infof("server %s: remove connection %s", s.name, conn.Name())
	delete(s.connections, conn.Name())
	conn.EventLoop().QueueInLoop(conn.connectDestroyed)
}
