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
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/evnet-io/evnet/internal/socket"
	"github.com/evnet-io/evnet/pkg/buffer/stream"
	"github.com/evnet-io/evnet/pkg/errors"
	"github.com/evnet-io/evnet/pkg/logging"
	bbPool "github.com/evnet-io/evnet/pkg/pool/bytebuffer"
)

const (
	stateDisconnected int32 = iota
	stateConnecting
	stateConnected
	stateDisconnecting
)

// defaultHighWaterMark is the output-buffer threshold above which the
// high-water-mark callback fires, 64 MiB.
const defaultHighWaterMark = 64 * 1024 * 1024

// TCPConnection is one established TCP stream bound to an event loop.
// Reads land in the input buffer before the message callback sees them;
// writes go straight to the kernel when possible and queue in the output
// buffer otherwise, with the channel's write interest tracking whether a
// backlog exists. Every callback fires on the owning loop's goroutine.
//
// Lifetime: a server or client creates the connection, calls
// connectEstablished exactly once on the owning loop, and after the close
// callback has handed the connection back, connectDestroyed exactly once.
// The descriptor closes in connectDestroyed.
type TCPConnection struct {
	loop    *EventLoop
	name    string
	state   int32
	reading bool

	fd      int
	channel *Channel

	localEnd Endpoint
	peerEnd  Endpoint

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback
	highWaterMark         int

	inputBuffer  *stream.Buffer
	outputBuffer *stream.Buffer

	ctx interface{}
}

// NewTCPConnection wraps an already-connected descriptor. Used by
// TCPServer and TCPClient; applications receive connections through their
// callbacks instead of constructing them.
func NewTCPConnection(loop *EventLoop, name string, fd int, localEnd, peerEnd Endpoint) *TCPConnection {
	c := &TCPConnection{
		loop:          loop,
		name:          name,
		state:         stateConnecting,
		fd:            fd,
		channel:       NewChannel(loop, fd),
		localEnd:      localEnd,
		peerEnd:       peerEnd,
		highWaterMark: defaultHighWaterMark,
		inputBuffer:   stream.New(),
		outputBuffer:  stream.New(),
	}
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	logging.Error(socket.SetKeepAlive(fd, true))
	logging.Debugf("connection %s created, fd=%d", name, fd)
	return c
}

// Name returns the unique connection name assigned by the server/client.
func (c *TCPConnection) Name() string { return c.name }

// EventLoop returns the owning loop.
func (c *TCPConnection) EventLoop() *EventLoop { return c.loop }

// LocalEndpoint returns the local address.
func (c *TCPConnection) LocalEndpoint() Endpoint { return c.localEnd }

// PeerEndpoint returns the peer address.
func (c *TCPConnection) PeerEndpoint() Endpoint { return c.peerEnd }

// Connected reports the Connected state.
func (c *TCPConnection) Connected() bool {
	return atomic.LoadInt32(&c.state) == stateConnected
}

// Disconnected reports the Disconnected state.
func (c *TCPConnection) Disconnected() bool {
	return atomic.LoadInt32(&c.state) == stateDisconnected
}

// SetContext attaches an opaque user value.
func (c *TCPConnection) SetContext(ctx interface{}) { c.ctx = ctx }

// Context returns the attached user value.
func (c *TCPConnection) Context() interface{} { return c.ctx }

// SetConnectionCallback installs the up/down callback.
func (c *TCPConnection) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }

// SetMessageCallback installs the inbound-data callback.
func (c *TCPConnection) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }

// SetWriteCompleteCallback installs the output-drained callback.
func (c *TCPConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

// SetHighWaterMarkCallback installs the backpressure callback and its
// threshold.
func (c *TCPConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, highWaterMark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = highWaterMark
}

// setCloseCallback is reserved for the owning server/client.
func (c *TCPConnection) setCloseCallback(cb CloseCallback) { c.closeCallback = cb }

// InputBuffer exposes the inbound buffer; touch it only from loop
// callbacks.
func (c *TCPConnection) InputBuffer() *stream.Buffer { return c.inputBuffer }

// OutputBuffer exposes the outbound backlog; touch it only from loop
// callbacks.
func (c *TCPConnection) OutputBuffer() *stream.Buffer { return c.outputBuffer }

// SetTCPNoDelay toggles the Nagle algorithm.
func (c *TCPConnection) SetTCPNoDelay(on bool) {
	logging.Error(socket.SetNoDelay(c.fd, on))
}

// SetKeepAlive toggles SO_KEEPALIVE.
func (c *TCPConnection) SetKeepAlive(on bool) {
	logging.Error(socket.SetKeepAlive(c.fd, on))
}

// IsReading reports whether the read side is enabled.
func (c *TCPConnection) IsReading() bool { return c.reading }

// TCPInfoString renders the kernel's TCP_INFO for diagnostics.
func (c *TCPConnection) TCPInfoString() string {
	info, err := socket.TCPInfo(c.fd)
	if err != nil {
		return fmt.Sprintf("tcp_info unavailable: %v", err)
	}
	return fmt.Sprintf("retransmits=%d rto=%d snd_cwnd=%d snd_ssthresh=%d rtt=%d rttvar=%d total_retrans=%d",
		info.Retransmits, info.Rto, info.Snd_cwnd, info.Snd_ssthresh, info.Rtt, info.Rttvar, info.Total_retrans)
}

// Send queues p for delivery. Outside the loop goroutine the bytes are
// copied first, so the caller may reuse p immediately. Ordering holds per
// calling goroutine. A connection that is not Connected drops the payload.
func (c *TCPConnection) Send(p []byte) {
	if atomic.LoadInt32(&c.state) != stateConnected {
		return
	}
	if c.loop.IsInLoopGoroutine() {
		c.sendInLoop(p)
		return
	}
	bb := bbPool.Get()
	_, _ = bb.Write(p)
	c.loop.QueueInLoop(func() {
		c.sendInLoop(bb.B)
		bbPool.Put(bb)
	})
}

// SendString queues s for delivery; see Send.
func (c *TCPConnection) SendString(s string) {
	if atomic.LoadInt32(&c.state) != stateConnected {
		return
	}
	if c.loop.IsInLoopGoroutine() {
		c.sendInLoop([]byte(s))
		return
	}
	bb := bbPool.Get()
	_, _ = bb.WriteString(s)
	c.loop.QueueInLoop(func() {
		c.sendInLoop(bb.B)
		bbPool.Put(bb)
	})
}

// SendBuffer drains buf into the connection; ownership of the bytes
// transfers and buf is empty on return regardless of the calling
// goroutine.
func (c *TCPConnection) SendBuffer(buf *stream.Buffer) {
	if atomic.LoadInt32(&c.state) != stateConnected {
		buf.RetrieveAll()
		return
	}
	if c.loop.IsInLoopGoroutine() {
		c.sendInLoop(buf.Peek())
		buf.RetrieveAll()
		return
	}
	bb := bbPool.Get()
	_, _ = bb.Write(buf.Peek())
	buf.RetrieveAll()
	c.loop.QueueInLoop(func() {
		c.sendInLoop(bb.B)
		bbPool.Put(bb)
	})
}

// sendInLoop writes directly when nothing is queued, then parks the
// remainder in the output buffer and turns on write interest. Crossing
// the high-water mark queues the backpressure callback once per crossing.
func (c *TCPConnection) sendInLoop(data []byte) {
	c.loop.AssertInLoop()
	if atomic.LoadInt32(&c.state) == stateDisconnected {
		logging.Warnf("connection %s: %v, give up writing", c.name, errors.ErrConnectionClosed)
		return
	}

	var (
		nwrote     int
		faultError bool
	)
	remaining := len(data)

	// If nothing is queued yet, try the kernel first.
	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		if err == nil {
			nwrote = n
			remaining = len(data) - n
			if remaining == 0 && c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
			}
		} else if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			logging.Errorf("connection %s: write: %v", c.name, err)
			if err == unix.EPIPE || err == unix.ECONNRESET {
				faultError = true
			}
		}
	}

	if !faultError && remaining > 0 {
		oldLen := c.outputBuffer.ReadableBytes()
		if oldLen+remaining >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
			queued := oldLen + remaining
			c.loop.QueueInLoop(func() { c.highWaterMarkCallback(c, queued) })
		}
		c.outputBuffer.Append(data[nwrote:])
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

// Shutdown closes the write half once the queued output drains; the read
// side stays open until the peer closes.
func (c *TCPConnection) Shutdown() {
	if atomic.CompareAndSwapInt32(&c.state, stateConnected, stateDisconnecting) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TCPConnection) shutdownInLoop() {
	c.loop.AssertInLoop()
	if !c.channel.IsWriting() {
		// Nothing queued: FIN goes out now. Otherwise handleWrite sends
		// it after the backlog drains.
		logging.Error(socket.ShutdownWrite(c.fd))
	}
}

// ForceClose tears the connection down without waiting for the output
// buffer. Idempotent.
func (c *TCPConnection) ForceClose() {
	if c.transitionToDisconnecting() {
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

// ForceCloseWithDelay schedules ForceClose after d, giving a half-closed
// peer a grace period to finish.
func (c *TCPConnection) ForceCloseWithDelay(d time.Duration) {
	if c.transitionToDisconnecting() {
		c.loop.RunAfter(d, c.ForceClose)
	}
}

func (c *TCPConnection) transitionToDisconnecting() bool {
	for {
		s := atomic.LoadInt32(&c.state)
		if s != stateConnected && s != stateDisconnecting {
			return false
		}
		if atomic.CompareAndSwapInt32(&c.state, s, stateDisconnecting) {
			return true
		}
	}
}

func (c *TCPConnection) forceCloseInLoop() {
	c.loop.AssertInLoop()
	s := atomic.LoadInt32(&c.state)
	if s == stateConnected || s == stateDisconnecting {
		c.handleClose()
	}
}

// StartRead re-enables the read side after StopRead.
func (c *TCPConnection) StartRead() {
	c.loop.RunInLoop(func() {
		if !c.reading || !c.channel.IsReading() {
			c.channel.EnableReading()
			c.reading = true
		}
	})
}

// StopRead parks the read side, a flow-control valve for slow consumers.
func (c *TCPConnection) StopRead() {
	c.loop.RunInLoop(func() {
		if c.reading || c.channel.IsReading() {
			c.channel.DisableReading()
			c.reading = false
		}
	})
}

// connectEstablished completes setup on the owning loop: ties the channel
// to the connection, enables reading and announces the connection. Called
// exactly once.
func (c *TCPConnection) connectEstablished() {
	c.loop.AssertInLoop()
	if !atomic.CompareAndSwapInt32(&c.state, stateConnecting, stateConnected) {
		logging.Fatalf("connection %s: connectEstablished in state %d", c.name, c.state)
	}
	c.channel.Tie(c)
	c.channel.EnableReading()
	c.reading = true
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// connectDestroyed is the last act of the connection's lifetime: it fires
// the down transition if handleClose has not already, unregisters the
// channel and closes the descriptor. Called exactly once.
func (c *TCPConnection) connectDestroyed() {
	c.loop.AssertInLoop()
	if atomic.CompareAndSwapInt32(&c.state, stateConnected, stateDisconnected) {
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Tie(nil)
	c.channel.Remove()
	logging.Error(socket.Close(c.fd))
	logging.Debugf("connection %s destroyed", c.name)
}

func (c *TCPConnection) handleRead(receiveTime time.Time) {
	c.loop.AssertInLoop()
	n, err := c.inputBuffer.ReadFromFD(c.fd)
	switch {
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, receiveTime)
		}
	case n == 0 && err == nil:
		c.handleClose()
	default:
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		logging.Errorf("connection %s: read: %v", c.name, err)
		c.handleError()
	}
}

func (c *TCPConnection) handleWrite() {
	c.loop.AssertInLoop()
	if !c.channel.IsWriting() {
		logging.Debugf("connection %s is down, no more writing", c.name)
		return
	}
	n, err := unix.Write(c.fd, c.outputBuffer.Peek())
	if err != nil {
		logging.Errorf("connection %s: write: %v", c.name, err)
		return
	}
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
		}
		if atomic.LoadInt32(&c.state) == stateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

// handleClose runs the down transition: connection callback first, close
// callback last, because the close callback hands ownership back to the
// server/client which may drop its final reference.
func (c *TCPConnection) handleClose() {
	c.loop.AssertInLoop()
	s := atomic.LoadInt32(&c.state)
	if s != stateConnected && s != stateDisconnecting {
		logging.Fatalf("connection %s: handleClose in state %d", c.name, s)
	}
	atomic.StoreInt32(&c.state, stateDisconnected)
	c.channel.DisableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TCPConnection) handleError() {
	soErr, _ := socket.SocketError(c.fd)
	logging.Errorf("connection %s: SO_ERROR=%d %v", c.name, soErr, unix.Errno(soErr))
}
