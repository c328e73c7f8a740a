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
	"os"

	"golang.org/x/sys/unix"
)

// SetNoDelay enables or disables the Nagle algorithm on fd.
func SetNoDelay(fd int, noDelay bool) error {
	return os.NewSyscallError("setsockopt",
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(noDelay)))
}

// SetReuseAddr sets SO_REUSEADDR on fd.
func SetReuseAddr(fd int, reuseAddr bool) error {
	return os.NewSyscallError("setsockopt",
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(reuseAddr)))
}

// SetReusePort sets SO_REUSEPORT on fd.
func SetReusePort(fd int, reusePort bool) error {
	return os.NewSyscallError("setsockopt",
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(reusePort)))
}

// SetKeepAlive sets SO_KEEPALIVE on fd.
func SetKeepAlive(fd int, keepAlive bool) error {
	return os.NewSyscallError("setsockopt",
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(keepAlive)))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
