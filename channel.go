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
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/evnet-io/evnet/pkg/logging"
)

// Event masks. The poll(2) bit values double as the epoll values on Linux
// for IN/PRI/OUT/ERR/HUP/RDHUP, so one mask serves both backends.
const (
	noneEvent  uint32 = 0
	readEvent  uint32 = unix.POLLIN | unix.POLLPRI
	writeEvent uint32 = unix.POLLOUT
)

// Channel binds one file descriptor to its interest set and readiness
// callbacks within an event loop. It never owns the descriptor; the
// enclosing connection, acceptor, connector or timer queue does. All
// methods must run on the owning loop's goroutine.
type Channel struct {
	loop    *EventLoop
	fd      int
	events  uint32
	revents uint32
	// index is poller bookkeeping: the registration state for epoll, the
	// pollfd slot for poll.
	index int

	readCallback  func(time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()

	tie  interface{}
	tied bool

	eventHandling bool
	addedToLoop   bool
	logHup        bool
}

// NewChannel creates a channel for fd on loop with an empty interest set.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:   loop,
		fd:     fd,
		index:  channelNew,
		logHup: true,
	}
}

// SetReadCallback installs the readable handler; it receives the poll
// return timestamp.
func (c *Channel) SetReadCallback(cb func(time.Time)) { c.readCallback = cb }

// SetWriteCallback installs the writable handler.
func (c *Channel) SetWriteCallback(cb func()) { c.writeCallback = cb }

// SetCloseCallback installs the hangup handler.
func (c *Channel) SetCloseCallback(cb func()) { c.closeCallback = cb }

// SetErrorCallback installs the error handler.
func (c *Channel) SetErrorCallback(cb func()) { c.errorCallback = cb }

// Tie keeps owner reachable while HandleEvent runs, so a connection torn
// down mid-dispatch cannot vanish under its own callback; clearing the tie
// (owner == nil) turns subsequent dispatches into no-ops.
func (c *Channel) Tie(owner interface{}) {
	c.tie = owner
	c.tied = true
}

// Fd returns the bound descriptor.
func (c *Channel) Fd() int { return c.fd }

// Events returns the interest mask.
func (c *Channel) Events() uint32 { return c.events }

// SetRevents records the readiness mask delivered by the poller.
func (c *Channel) SetRevents(revents uint32) { c.revents = revents }

// IsNoneEvent reports an empty interest set.
func (c *Channel) IsNoneEvent() bool { return c.events == noneEvent }

// EnableReading adds read interest and re-registers with the poller.
func (c *Channel) EnableReading() {
	c.events |= readEvent
	c.update()
}

// DisableReading removes read interest.
func (c *Channel) DisableReading() {
	c.events &^= readEvent
	c.update()
}

// EnableWriting adds write interest.
func (c *Channel) EnableWriting() {
	c.events |= writeEvent
	c.update()
}

// DisableWriting removes write interest.
func (c *Channel) DisableWriting() {
	c.events &^= writeEvent
	c.update()
}

// DisableAll clears the interest set.
func (c *Channel) DisableAll() {
	c.events = noneEvent
	c.update()
}

// IsWriting reports write interest.
func (c *Channel) IsWriting() bool { return c.events&writeEvent != 0 }

// IsReading reports read interest.
func (c *Channel) IsReading() bool { return c.events&readEvent != 0 }

// OwnerLoop returns the loop this channel is registered with.
func (c *Channel) OwnerLoop() *EventLoop { return c.loop }

// DontLogHup suppresses the POLLHUP warning, for descriptors where hangup
// is an expected signal rather than an anomaly.
func (c *Channel) DontLogHup() { c.logHup = false }

// Remove unregisters the channel from the poller. The interest set must be
// empty first.
func (c *Channel) Remove() {
	if !c.IsNoneEvent() {
		logging.Fatalf("channel fd=%d removed with live interest set %s", c.fd, c.EventsString())
	}
	c.addedToLoop = false
	c.loop.removeChannel(c)
}

func (c *Channel) update() {
	c.addedToLoop = true
	c.loop.updateChannel(c)
}

// HandleEvent dispatches the readiness mask to the registered callbacks.
// When tied, the owner reference is upgraded first; a cleared tie skips
// dispatch entirely.
func (c *Channel) HandleEvent(receiveTime time.Time) {
	if c.tied {
		guard := c.tie
		if guard == nil {
			return
		}
		c.handleEventWithGuard(receiveTime)
		_ = guard
		return
	}
	c.handleEventWithGuard(receiveTime)
}

func (c *Channel) handleEventWithGuard(receiveTime time.Time) {
	c.eventHandling = true
	if c.revents&unix.POLLHUP != 0 && c.revents&unix.POLLIN == 0 {
		if c.logHup {
			logging.Warnf("channel fd=%d POLLHUP", c.fd)
		}
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&unix.POLLNVAL != 0 {
		logging.Warnf("channel fd=%d POLLNVAL", c.fd)
	}
	if c.revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&(unix.POLLIN|unix.POLLPRI|unix.POLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.revents&unix.POLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
	c.eventHandling = false
}

// REventsString renders the readiness mask for logging.
func (c *Channel) REventsString() string { return eventsToString(c.fd, c.revents) }

// EventsString renders the interest mask for logging.
func (c *Channel) EventsString() string { return eventsToString(c.fd, c.events) }

func eventsToString(fd int, ev uint32) string {
	names := []struct {
		bit  uint32
		name string
	}{
		{unix.POLLIN, "IN"},
		{unix.POLLPRI, "PRI"},
		{unix.POLLOUT, "OUT"},
		{unix.POLLHUP, "HUP"},
		{unix.POLLRDHUP, "RDHUP"},
		{unix.POLLERR, "ERR"},
		{unix.POLLNVAL, "NVAL"},
	}
	parts := make([]string, 0, len(names))
	for _, n := range names {
		if ev&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return fmt.Sprintf("fd=%d [%s]", fd, strings.Join(parts, "|"))
}
