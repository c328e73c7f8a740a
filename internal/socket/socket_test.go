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

package socket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func listenLoopback(t *testing.T) (int, *unix.SockaddrInet4) {
	t.Helper()
	fd, err := TCPSocket(unix.AF_INET)
	require.NoError(t, err)
	require.NoError(t, SetReuseAddr(fd, true))
	require.NoError(t, Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, Listen(fd))
	sa, ok := LocalSockaddr(fd).(*unix.SockaddrInet4)
	require.True(t, ok)
	require.NotZero(t, sa.Port)
	return fd, sa
}

func TestTCPSocketNonBlocking(t *testing.T) {
	fd, err := TCPSocket(unix.AF_INET)
	require.NoError(t, err)
	defer Close(fd)

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestListenAcceptConnect(t *testing.T) {
	lnFD, lnSA := listenLoopback(t)
	defer Close(lnFD)

	clientFD, err := TCPSocket(unix.AF_INET)
	require.NoError(t, err)
	defer Close(clientFD)

	err = Connect(clientFD, lnSA)
	if err != nil {
		require.Equal(t, unix.EINPROGRESS, err)
	}

	// Loopback completes promptly; poll the listener for the pending
	// connection.
	pfd := []unix.PollFd{{Fd: int32(lnFD), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	connFD, peer, err := Accept(lnFD)
	require.NoError(t, err)
	defer Close(connFD)

	peer4, ok := peer.(*unix.SockaddrInet4)
	require.True(t, ok)
	local, ok := LocalSockaddr(clientFD).(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, local.Port, peer4.Port)

	soErr, err := SocketError(clientFD)
	require.NoError(t, err)
	assert.Zero(t, soErr)
	assert.False(t, IsSelfConnect(clientFD))

	require.NoError(t, SetNoDelay(connFD, true))
	require.NoError(t, SetKeepAlive(connFD, true))

	info, err := TCPInfo(connFD)
	require.NoError(t, err)
	assert.NotNil(t, info)

	require.NoError(t, ShutdownWrite(connFD))
	buf := make([]byte, 1)
	waitFd := []unix.PollFd{{Fd: int32(clientFD), Events: unix.POLLIN}}
	_, err = unix.Poll(waitFd, 1000)
	require.NoError(t, err)
	nr, err := unix.Read(clientFD, buf)
	require.NoError(t, err)
	assert.Zero(t, nr, "expected FIN from the shut-down write half")
}

func TestSocketErrorOnRefusedConnect(t *testing.T) {
	// Reserve and free a loopback port.
	lnFD, lnSA := listenLoopback(t)
	require.NoError(t, Close(lnFD))

	clientFD, err := TCPSocket(unix.AF_INET)
	require.NoError(t, err)
	defer Close(clientFD)

	err = Connect(clientFD, lnSA)
	if err == nil || err == unix.EINPROGRESS {
		pfd := []unix.PollFd{{Fd: int32(clientFD), Events: unix.POLLOUT}}
		_, perr := unix.Poll(pfd, 1000)
		require.NoError(t, perr)
		soErr, gerr := SocketError(clientFD)
		require.NoError(t, gerr)
		assert.Equal(t, int(unix.ECONNREFUSED), soErr)
	} else {
		assert.Equal(t, unix.ECONNREFUSED, err)
	}
}
