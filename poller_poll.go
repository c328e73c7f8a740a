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

// pollPoller drives poll(2) over a densely packed pollfd array; each
// registered channel stores its slot in Channel.index.
type pollPoller struct {
	loop     *EventLoop
	pollfds  []unix.PollFd
	channels map[int]*Channel
}

func newPollPoller(loop *EventLoop) *pollPoller {
	return &pollPoller{
		loop:     loop,
		channels: make(map[int]*Channel),
	}
}

func (p *pollPoller) poll(timeoutMs int, activeChannels *[]*Channel) time.Time {
	n, err := unix.Poll(p.pollfds, timeoutMs)
	now := time.Now()
	switch {
	case n > 0:
		p.fillActiveChannels(n, activeChannels)
	case n == 0:
		logging.Debugf("poll: nothing happened")
	default:
		if err != unix.EINTR {
			logging.Errorf("poll: %v", err)
		}
	}
	return now
}

func (p *pollPoller) fillActiveChannels(numEvents int, activeChannels *[]*Channel) {
	for i := range p.pollfds {
		if numEvents == 0 {
			break
		}
		pfd := &p.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}
		numEvents--
		ch, ok := p.channels[int(pfd.Fd)]
		if !ok {
			continue
		}
		ch.SetRevents(uint32(uint16(pfd.Revents)))
		*activeChannels = append(*activeChannels, ch)
	}
}

func (p *pollPoller) updateChannel(ch *Channel) {
	p.loop.AssertInLoop()
	if ch.index < 0 {
		// New channel: append a slot.
		p.pollfds = append(p.pollfds, unix.PollFd{
			Fd:     int32(ch.Fd()),
			Events: int16(ch.Events()),
		})
		ch.index = len(p.pollfds) - 1
		p.channels[ch.Fd()] = ch
		return
	}
	// Existing channel: refresh the slot in place. An empty interest set
	// parks the slot on a negative fd so poll(2) skips it without
	// repacking the array.
	pfd := &p.pollfds[ch.index]
	pfd.Events = int16(ch.Events())
	pfd.Revents = 0
	if ch.IsNoneEvent() {
		pfd.Fd = int32(-ch.Fd() - 1)
	} else {
		pfd.Fd = int32(ch.Fd())
	}
}

func (p *pollPoller) removeChannel(ch *Channel) {
	p.loop.AssertInLoop()
	if !ch.IsNoneEvent() {
		logging.Fatalf("poll: removing channel %s with live interest", ch.EventsString())
	}
	idx := ch.index
	delete(p.channels, ch.Fd())
	last := len(p.pollfds) - 1
	if idx != last {
		// Swap with the tail slot and fix the moved channel's index.
		movedFD := int(p.pollfds[last].Fd)
		p.pollfds[idx], p.pollfds[last] = p.pollfds[last], p.pollfds[idx]
		if movedFD < 0 {
			movedFD = -movedFD - 1
		}
		p.channels[movedFD].index = idx
	}
	p.pollfds = p.pollfds[:last]
	ch.index = channelNew
}

func (p *pollPoller) hasChannel(ch *Channel) bool {
	p.loop.AssertInLoop()
	registered, ok := p.channels[ch.Fd()]
	return ok && registered == ch
}

func (p *pollPoller) close() error {
	return nil
}
