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

// Package netpoll holds the kernel notification descriptors an event loop
// owns besides its poller: the eventfd used for cross-goroutine wakeups and
// the timerfd that drives the timer queue.
package netpoll

import (
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// minTimerInterval is the floor applied when arming the timerfd, keeping a
// just-expired deadline from producing a zero (disarming) itimerspec.
const minTimerInterval = 100 * time.Microsecond

// OpenEventFD creates the 8-byte-counter wakeup descriptor.
func OpenEventFD() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, os.NewSyscallError("eventfd", err)
	}
	return fd, nil
}

// The eventfd counter is a host-order u64 per eventfd(2).
var (
	u uint64 = 1
	b        = (*(*[8]byte)(unsafe.Pointer(&u)))[:]
)

// NotifyEventFD bumps the eventfd counter, waking the poller.
func NotifyEventFD(fd int) (int, error) {
	return unix.Write(fd, b)
}

// DrainEventFD consumes the eventfd counter.
func DrainEventFD(fd int) (int, error) {
	var buf [8]byte
	return unix.Read(fd, buf[:])
}

// OpenTimerFD creates the monotonic timer descriptor backing a timer queue.
func OpenTimerFD() (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return -1, os.NewSyscallError("timerfd_create", err)
	}
	return fd, nil
}

// ArmTimerFD programs fd to fire once after d, clamped to a small positive
// interval so an already-due deadline still ticks.
func ArmTimerFD(fd int, d time.Duration) error {
	if d < minTimerInterval {
		d = minTimerInterval
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	its := unix.ItimerSpec{Value: ts}
	return os.NewSyscallError("timerfd_settime", unix.TimerfdSettime(fd, 0, &its, nil))
}

// DrainTimerFD consumes the expiration count after the timerfd fires.
func DrainTimerFD(fd int) (int, error) {
	var buf [8]byte
	return unix.Read(fd, buf[:])
}
