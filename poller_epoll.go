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

	"github.com/evnet-io/evnet/pkg/logging"
)

// initEventListSize is the starting size of the epoll event array; it
// doubles whenever a wait fills it completely.
const initEventListSize = 16

type epollPoller struct {
	loop     *EventLoop
	epfd     int
	events   []unix.EpollEvent
	channels map[int]*Channel
}

func newEpollPoller(loop *EventLoop) *epollPoller {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		logging.Fatalf("epoll_create1: %v", err)
	}
	return &epollPoller{
		loop:     loop,
		epfd:     epfd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]*Channel),
	}
}

func (p *epollPoller) poll(timeoutMs int, activeChannels *[]*Channel) time.Time {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := time.Now()
	switch {
	case n > 0:
		p.fillActiveChannels(n, activeChannels)
		if n == len(p.events) {
			p.events = make([]unix.EpollEvent, 2*len(p.events))
		}
	case n == 0:
		logging.Debugf("epoll: nothing happened")
	default:
		if err != unix.EINTR {
			logging.Errorf("epoll_wait: %v", err)
		}
	}
	return now
}

func (p *epollPoller) fillActiveChannels(numEvents int, activeChannels *[]*Channel) {
	for i := 0; i < numEvents; i++ {
		ch, ok := p.channels[int(p.events[i].Fd)]
		if !ok {
			continue
		}
		ch.SetRevents(p.events[i].Events)
		*activeChannels = append(*activeChannels, ch)
	}
}

func (p *epollPoller) updateChannel(ch *Channel) {
	p.loop.AssertInLoop()
	switch ch.index {
	case channelNew, channelDeleted:
		if ch.index == channelNew {
			p.channels[ch.Fd()] = ch
		}
		ch.index = channelAdded
		p.ctl(unix.EPOLL_CTL_ADD, ch)
	default: // channelAdded
		if ch.IsNoneEvent() {
			p.ctl(unix.EPOLL_CTL_DEL, ch)
			ch.index = channelDeleted
		} else {
			p.ctl(unix.EPOLL_CTL_MOD, ch)
		}
	}
}

func (p *epollPoller) removeChannel(ch *Channel) {
	p.loop.AssertInLoop()
	if !ch.IsNoneEvent() {
		logging.Fatalf("epoll: removing channel %s with live interest", ch.EventsString())
	}
	delete(p.channels, ch.Fd())
	if ch.index == channelAdded {
		p.ctl(unix.EPOLL_CTL_DEL, ch)
	}
	ch.index = channelNew
}

func (p *epollPoller) hasChannel(ch *Channel) bool {
	p.loop.AssertInLoop()
	registered, ok := p.channels[ch.Fd()]
	return ok && registered == ch
}

func (p *epollPoller) ctl(op int, ch *Channel) {
	ev := unix.EpollEvent{Fd: int32(ch.Fd()), Events: ch.Events()}
	if err := unix.EpollCtl(p.epfd, op, ch.Fd(), &ev); err != nil {
		if op == unix.EPOLL_CTL_DEL {
			logging.Errorf("epoll_ctl del fd=%d: %v", ch.Fd(), err)
		} else {
			logging.Fatalf("epoll_ctl op=%d fd=%d: %v", op, ch.Fd(), err)
		}
	}
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}
