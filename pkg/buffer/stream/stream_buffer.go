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

// Package stream implements a contiguous byte buffer with separate reader
// and writer cursors, cheap prepend head room and big-endian integer
// helpers, laid out as
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	|                   |     (CONTENT)    |                  |
//	+-------------------+------------------+------------------+
//	|                   |                  |                  |
//	0      <=      readerIndex   <=   writerIndex    <=     size
//
// It is the inbound/outbound buffer of a TCP connection and is owned by a
// single event-loop goroutine; it performs no locking of its own.
package stream

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/evnet-io/evnet/pkg/errors"
)

const (
	// CheapPrepend is the head room reserved in front of the readable
	// region so that a length prefix can be prepended without copying.
	CheapPrepend = 8
	// InitialSize is the initial capacity of the writable region.
	InitialSize = 1024
)

var crlf = []byte("\r\n")

// Buffer is a dynamically growing byte buffer with read/write cursors.
// The zero value is not usable; call New or NewSize.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// New creates a Buffer with the default initial capacity.
func New() *Buffer {
	return NewSize(InitialSize)
}

// NewSize creates a Buffer whose writable region starts at n bytes.
func NewSize(n int) *Buffer {
	if n < 0 {
		panic(errors.ErrNegativeSize)
	}
	return &Buffer{
		buf:         make([]byte, CheapPrepend+n),
		readerIndex: CheapPrepend,
		writerIndex: CheapPrepend,
	}
}

// ReadableBytes returns the number of bytes available for reading.
func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes returns the number of bytes of tail free space.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

// PrependableBytes returns the number of bytes of head room.
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns the readable region without consuming it. The slice aliases
// the internal storage and is invalidated by the next mutation.
func (b *Buffer) Peek() []byte { return b.buf[b.readerIndex:b.writerIndex] }

// Retrieve advances the reader cursor by n bytes, reclaiming the whole
// buffer when n covers everything readable.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readerIndex += n
	} else {
		b.RetrieveAll()
	}
}

// RetrieveUntil advances the reader cursor up to index end of the readable
// region, as returned by FindCRLF or FindEOL.
func (b *Buffer) RetrieveUntil(end int) {
	b.Retrieve(end)
}

// RetrieveAll resets both cursors back to the prepend reserve, reclaiming
// the head room consumed by earlier prepends.
func (b *Buffer) RetrieveAll() {
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
}

// RetrieveAllString drains the buffer and returns the content as a string.
func (b *Buffer) RetrieveAllString() string {
	return b.RetrieveString(b.ReadableBytes())
}

// RetrieveString consumes n readable bytes and returns them as a string.
func (b *Buffer) RetrieveString(n int) string {
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return s
}

// RetrieveAllBytes drains the buffer and returns the content as a fresh
// slice that does not alias the internal storage.
func (b *Buffer) RetrieveAllBytes() []byte {
	p := make([]byte, b.ReadableBytes())
	copy(p, b.Peek())
	b.RetrieveAll()
	return p
}

// Append copies p behind the current content, growing the storage if the
// writable region is too small.
func (b *Buffer) Append(p []byte) {
	b.ensureWritableBytes(len(p))
	copy(b.buf[b.writerIndex:], p)
	b.writerIndex += len(p)
}

// AppendString appends s behind the current content.
func (b *Buffer) AppendString(s string) {
	b.ensureWritableBytes(len(s))
	copy(b.buf[b.writerIndex:], s)
	b.writerIndex += len(s)
}

// Prepend copies p in front of the readable region. It returns
// ErrBufferPrependOverflow when p exceeds the available head room.
func (b *Buffer) Prepend(p []byte) error {
	if len(p) > b.PrependableBytes() {
		return errors.ErrBufferPrependOverflow
	}
	b.readerIndex -= len(p)
	copy(b.buf[b.readerIndex:], p)
	return nil
}

// AppendInt64 appends v in network byte order.
func (b *Buffer) AppendInt64(v int64) {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], uint64(v))
	b.Append(p[:])
}

// AppendInt32 appends v in network byte order.
func (b *Buffer) AppendInt32(v int32) {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], uint32(v))
	b.Append(p[:])
}

// AppendInt16 appends v in network byte order.
func (b *Buffer) AppendInt16(v int16) {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], uint16(v))
	b.Append(p[:])
}

// AppendInt8 appends v.
func (b *Buffer) AppendInt8(v int8) {
	b.Append([]byte{byte(v)})
}

// PeekInt64 reads an int64 in network byte order without consuming it.
func (b *Buffer) PeekInt64() int64 {
	return int64(binary.BigEndian.Uint64(b.buf[b.readerIndex:]))
}

// PeekInt32 reads an int32 in network byte order without consuming it.
func (b *Buffer) PeekInt32() int32 {
	return int32(binary.BigEndian.Uint32(b.buf[b.readerIndex:]))
}

// PeekInt16 reads an int16 in network byte order without consuming it.
func (b *Buffer) PeekInt16() int16 {
	return int16(binary.BigEndian.Uint16(b.buf[b.readerIndex:]))
}

// PeekInt8 reads an int8 without consuming it.
func (b *Buffer) PeekInt8() int8 {
	return int8(b.buf[b.readerIndex])
}

// ReadInt64 consumes and returns an int64 in network byte order.
func (b *Buffer) ReadInt64() int64 {
	v := b.PeekInt64()
	b.Retrieve(8)
	return v
}

// ReadInt32 consumes and returns an int32 in network byte order.
func (b *Buffer) ReadInt32() int32 {
	v := b.PeekInt32()
	b.Retrieve(4)
	return v
}

// ReadInt16 consumes and returns an int16 in network byte order.
func (b *Buffer) ReadInt16() int16 {
	v := b.PeekInt16()
	b.Retrieve(2)
	return v
}

// ReadInt8 consumes and returns an int8.
func (b *Buffer) ReadInt8() int8 {
	v := b.PeekInt8()
	b.Retrieve(1)
	return v
}

// PrependInt64 prepends v in network byte order.
func (b *Buffer) PrependInt64(v int64) error {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], uint64(v))
	return b.Prepend(p[:])
}

// PrependInt32 prepends v in network byte order.
func (b *Buffer) PrependInt32(v int32) error {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], uint32(v))
	return b.Prepend(p[:])
}

// PrependInt16 prepends v in network byte order.
func (b *Buffer) PrependInt16(v int16) error {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], uint16(v))
	return b.Prepend(p[:])
}

// PrependInt8 prepends v.
func (b *Buffer) PrependInt8(v int8) error {
	return b.Prepend([]byte{byte(v)})
}

// FindCRLF returns the index of the first "\r\n" within the readable
// region, or -1 when absent. The index is relative to the reader cursor.
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

// FindCRLFFrom behaves like FindCRLF but starts scanning at offset from.
func (b *Buffer) FindCRLFFrom(from int) int {
	i := bytes.Index(b.Peek()[from:], crlf)
	if i < 0 {
		return -1
	}
	return from + i
}

// FindEOL returns the index of the first '\n' within the readable region,
// or -1 when absent.
func (b *Buffer) FindEOL() int {
	return bytes.IndexByte(b.Peek(), '\n')
}

// FindEOLFrom behaves like FindEOL but starts scanning at offset from.
func (b *Buffer) FindEOLFrom(from int) int {
	i := bytes.IndexByte(b.Peek()[from:], '\n')
	if i < 0 {
		return -1
	}
	return from + i
}

// Shrink copies the content into fresh storage sized readable+reserve,
// releasing the slack a burst left behind.
func (b *Buffer) Shrink(reserve int) {
	readable := b.ReadableBytes()
	buf := make([]byte, CheapPrepend+readable+reserve)
	copy(buf[CheapPrepend:], b.Peek())
	b.buf = buf
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

// Capacity returns the size of the underlying storage.
func (b *Buffer) Capacity() int { return len(b.buf) }

// Swap exchanges the contents of two buffers without copying.
func (b *Buffer) Swap(other *Buffer) {
	*b, *other = *other, *b
}

// ReadFromFD reads from fd with readv, scattering into the writable tail
// and a 64 KiB stack buffer. When the read overflows the writable region
// the overflow is appended, growing the storage at most once. One call per
// readiness event keeps the loop fair to other connections; a short direct
// read stays allocation-free.
func (b *Buffer) ReadFromFD(fd int) (int, error) {
	var extra [65536]byte
	writable := b.WritableBytes()

	iovs := make([][]byte, 0, 2)
	if writable > 0 {
		iovs = append(iovs, b.buf[b.writerIndex:])
	}
	if writable < len(extra) {
		iovs = append(iovs, extra[:])
	}
	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return -1, err
	}
	if n <= writable {
		b.writerIndex += n
	} else {
		b.writerIndex = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}

// ensureWritableBytes grows or compacts the storage so that at least n
// bytes are writable.
func (b *Buffer) ensureWritableBytes(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// makeSpace either moves the readable region back against the prepend
// reserve or reallocates, whichever satisfies n without over-allocating
// when the reader keeps draining below the head-room threshold.
func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		buf := make([]byte, b.writerIndex+n)
		copy(buf, b.buf[:b.writerIndex])
		b.buf = buf
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[CheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}
