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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestChannelReadDispatch(t *testing.T) {
	thread := NewEventLoopThread(nil, "test")
	loop := thread.StartLoop()
	defer thread.Stop()

	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[1])

	got := make(chan []byte, 1)
	var ch *Channel
	loop.RunInLoop(func() {
		ch = NewChannel(loop, p[0])
		ch.SetReadCallback(func(time.Time) {
			buf := make([]byte, 64)
			n, _ := unix.Read(p[0], buf)
			if n > 0 {
				got <- buf[:n]
			}
		})
		ch.EnableReading()
	})

	_, err := unix.Write(p[1], []byte("ding"))
	require.NoError(t, err)

	select {
	case data := <-got:
		assert.Equal(t, "ding", string(data))
	case <-time.After(time.Second):
		t.Fatal("read callback never fired")
	}

	done := make(chan bool, 1)
	loop.RunInLoop(func() {
		registered := loop.HasChannel(ch)
		ch.DisableAll()
		ch.Remove()
		done <- registered && !loop.HasChannel(ch)
	})
	assert.True(t, <-done)
	unix.Close(p[0])
}

func TestChannelTieSkipsDispatchWhenCleared(t *testing.T) {
	thread := NewEventLoopThread(nil, "test")
	loop := thread.StartLoop()
	defer thread.Stop()

	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	fired := make(chan struct{}, 8)
	checked := make(chan struct{})
	loop.RunInLoop(func() {
		ch := NewChannel(loop, p[0])
		ch.SetReadCallback(func(time.Time) { fired <- struct{}{} })
		ch.Tie(nil)
		ch.SetRevents(uint32(unix.POLLIN))
		ch.HandleEvent(time.Now())
		close(checked)
	})
	<-checked
	select {
	case <-fired:
		t.Fatal("dispatch ran with a cleared tie")
	default:
	}
}

func TestChannelEventMaskAccessors(t *testing.T) {
	thread := NewEventLoopThread(nil, "test")
	loop := thread.StartLoop()
	defer thread.Stop()

	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	done := make(chan struct{})
	loop.RunInLoop(func() {
		defer close(done)
		ch := NewChannel(loop, p[1])
		assert.True(t, ch.IsNoneEvent())
		assert.False(t, ch.IsReading())
		assert.False(t, ch.IsWriting())

		ch.EnableReading()
		assert.True(t, ch.IsReading())
		ch.EnableWriting()
		assert.True(t, ch.IsWriting())
		ch.DisableWriting()
		assert.False(t, ch.IsWriting())
		assert.True(t, ch.IsReading())

		ch.DisableAll()
		assert.True(t, ch.IsNoneEvent())
		ch.Remove()
	})
	<-done
}
