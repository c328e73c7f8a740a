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

	"golang.org/x/sys/unix"

	"github.com/evnet-io/evnet/internal/socket"
	"github.com/evnet-io/evnet/pkg/errors"
	"github.com/evnet-io/evnet/pkg/logging"
)

// newConnectionFunc receives an accepted descriptor and the peer address;
// ownership of the descriptor transfers to the callee.
type newConnectionFunc func(fd int, peer Endpoint)

// Acceptor owns a listening socket on one loop and feeds accepted
// descriptors to its callback. Used by TCPServer; not meant for direct
// application use.
type Acceptor struct {
	loop          *EventLoop
	listenFD      int
	acceptChannel *Channel
	newConnection newConnectionFunc
	listening     bool

	// idleFD holds /dev/null open so an EMFILE burst can be shed: close
	// it, accept the surplus connection, close that, reopen. Without the
	// dance a level-triggered poller spins on the unaccepted socket.
	idleFD int
}

// NewAcceptor binds a non-blocking listening socket on listenEndpoint.
// Construction failures are fatal: a server that cannot bind has nothing
// to fall back to.
func NewAcceptor(loop *EventLoop, listenEndpoint Endpoint, reusePort bool) *Acceptor {
	if !listenEndpoint.IsValid() {
		logging.Fatalf("acceptor: %v", errors.ErrEmptyEndpoint)
	}
	fd, err := socket.TCPSocket(listenEndpoint.Family())
	if err != nil {
		logging.Fatalf("acceptor: %v", err)
	}
	logging.Error(socket.SetReuseAddr(fd, true))
	logging.Error(socket.SetReusePort(fd, reusePort))
	if err := socket.Bind(fd, listenEndpoint.Sockaddr()); err != nil {
		logging.Fatalf("acceptor: bind %v: %v", listenEndpoint, err)
	}

	idleFD, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		logging.Fatalf("acceptor: open /dev/null: %v", err)
	}

	a := &Acceptor{
		loop:          loop,
		listenFD:      fd,
		acceptChannel: NewChannel(loop, fd),
		idleFD:        idleFD,
	}
	a.acceptChannel.SetReadCallback(a.handleRead)
	return a
}

// SetNewConnectionCallback installs the sink for accepted descriptors.
func (a *Acceptor) SetNewConnectionCallback(cb newConnectionFunc) {
	a.newConnection = cb
}

// Listen starts accepting. Must run on the owning loop.
func (a *Acceptor) Listen() {
	a.loop.AssertInLoop()
	a.listening = true
	if err := socket.Listen(a.listenFD); err != nil {
		logging.Fatalf("acceptor: %v", err)
	}
	a.acceptChannel.EnableReading()
}

// Listening reports whether Listen has run.
func (a *Acceptor) Listening() bool { return a.listening }

// ListenEndpoint returns the bound local address, which carries the
// kernel-chosen port after binding port 0.
func (a *Acceptor) ListenEndpoint() Endpoint {
	return NewEndpointSockaddr(socket.LocalSockaddr(a.listenFD))
}

// Close tears the acceptor down on the owning loop.
func (a *Acceptor) Close() {
	a.loop.AssertInLoop()
	a.acceptChannel.DisableAll()
	a.acceptChannel.Remove()
	logging.Error(socket.Close(a.listenFD))
	logging.Error(closeFD(a.idleFD))
}

func (a *Acceptor) handleRead(time.Time) {
	a.loop.AssertInLoop()
	connFD, sa, err := socket.Accept(a.listenFD)
	if err == nil {
		if a.newConnection != nil {
			a.newConnection(connFD, NewEndpointSockaddr(sa))
		} else {
			logging.Error(socket.Close(connFD))
		}
		return
	}

	logging.Errorf("acceptor: accept: %v", err)
	if err == unix.EMFILE {
		logging.Error(closeFD(a.idleFD))
		if fd, _, e := socket.Accept(a.listenFD); e == nil {
			logging.Error(socket.Close(fd))
		}
		a.idleFD, err = unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			logging.Errorf("acceptor: reopen /dev/null: %v", err)
		}
	}
}
