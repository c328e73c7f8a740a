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

// Package socket provides the raw non-blocking TCP socket layer that the
// acceptor, connector and connection code sit on.
package socket

import (
	"os"

	"golang.org/x/sys/unix"
)

// TCPSocket creates a non-blocking, close-on-exec TCP socket in the given
// address family (unix.AF_INET or unix.AF_INET6).
func TCPSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

// Bind binds fd to sa.
func Bind(fd int, sa unix.Sockaddr) error {
	return os.NewSyscallError("bind", unix.Bind(fd, sa))
}

// Listen marks fd as a passive socket with the system backlog.
func Listen(fd int) error {
	return os.NewSyscallError("listen", unix.Listen(fd, listenerBacklog()))
}

// Accept accepts one connection, returning a non-blocking, close-on-exec
// descriptor and the peer address.
func Accept(fd int) (int, unix.Sockaddr, error) {
	connFD, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return connFD, sa, nil
}

// Connect issues a non-blocking connect to sa. The raw errno is returned
// so that callers can classify EINPROGRESS and friends themselves.
func Connect(fd int, sa unix.Sockaddr) error {
	return unix.Connect(fd, sa)
}

// ShutdownWrite closes the write half of the socket; the kernel delivers
// FIN once the send queue drains.
func ShutdownWrite(fd int) error {
	return os.NewSyscallError("shutdown", unix.Shutdown(fd, unix.SHUT_WR))
}

// Close closes fd.
func Close(fd int) error {
	return os.NewSyscallError("close", unix.Close(fd))
}

// SocketError fetches and clears the pending error on fd (SO_ERROR).
func SocketError(fd int) (int, error) {
	return unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
}

// LocalSockaddr returns the local address bound to fd.
func LocalSockaddr(fd int) unix.Sockaddr {
	sa, _ := unix.Getsockname(fd)
	return sa
}

// PeerSockaddr returns the peer address connected to fd.
func PeerSockaddr(fd int) unix.Sockaddr {
	sa, _ := unix.Getpeername(fd)
	return sa
}

// IsSelfConnect reports whether a loopback connect raced onto its own
// ephemeral port, which manifests as identical local and peer addresses.
func IsSelfConnect(fd int) bool {
	local := LocalSockaddr(fd)
	peer := PeerSockaddr(fd)
	switch l := local.(type) {
	case *unix.SockaddrInet4:
		p, ok := peer.(*unix.SockaddrInet4)
		return ok && l.Port == p.Port && l.Addr == p.Addr
	case *unix.SockaddrInet6:
		p, ok := peer.(*unix.SockaddrInet6)
		return ok && l.Port == p.Port && l.Addr == p.Addr
	}
	return false
}

// TCPInfo returns the kernel's TCP_INFO snapshot for fd.
func TCPInfo(fd int) (*unix.TCPInfo, error) {
	return unix.GetsockoptTCPInfo(fd, unix.IPPROTO_TCP, unix.TCP_INFO)
}
