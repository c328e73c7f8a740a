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

package stream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBufferAppendRetrieve(t *testing.T) {
	buf := New()
	assert.EqualValues(t, 0, buf.ReadableBytes())
	assert.EqualValues(t, InitialSize, buf.WritableBytes())
	assert.EqualValues(t, CheapPrepend, buf.PrependableBytes())

	str := strings.Repeat("x", 200)
	buf.AppendString(str)
	assert.EqualValues(t, len(str), buf.ReadableBytes())
	assert.EqualValues(t, InitialSize-len(str), buf.WritableBytes())
	assert.EqualValues(t, CheapPrepend, buf.PrependableBytes())

	str2 := buf.RetrieveString(50)
	assert.EqualValues(t, 50, len(str2))
	assert.EqualValues(t, len(str)-50, buf.ReadableBytes())
	assert.EqualValues(t, InitialSize-len(str), buf.WritableBytes())
	assert.EqualValues(t, CheapPrepend+50, buf.PrependableBytes())
	assert.Equal(t, strings.Repeat("x", 50), str2)

	buf.AppendString(str)
	assert.EqualValues(t, 2*len(str)-50, buf.ReadableBytes())

	str3 := buf.RetrieveAllString()
	assert.EqualValues(t, 2*len(str)-50, len(str3))
	assert.EqualValues(t, 0, buf.ReadableBytes())
	assert.EqualValues(t, InitialSize, buf.WritableBytes())
	assert.EqualValues(t, CheapPrepend, buf.PrependableBytes())
}

func TestBufferGrow(t *testing.T) {
	buf := New()
	buf.AppendString(strings.Repeat("y", 400))
	assert.EqualValues(t, 400, buf.ReadableBytes())
	assert.EqualValues(t, InitialSize-400, buf.WritableBytes())

	buf.Retrieve(50)
	buf.AppendString(strings.Repeat("z", 1000))
	assert.EqualValues(t, 1350, buf.ReadableBytes())
	assert.EqualValues(t, 0, buf.WritableBytes())
	assert.EqualValues(t, CheapPrepend+50, buf.PrependableBytes())

	buf.RetrieveAll()
	assert.EqualValues(t, 0, buf.ReadableBytes())
	assert.EqualValues(t, 1400, buf.WritableBytes())
	assert.EqualValues(t, CheapPrepend, buf.PrependableBytes())
}

func TestBufferGrowthBoundary(t *testing.T) {
	// Filling the initial writable region exactly must not reallocate;
	// one byte more must.
	buf := New()
	capBefore := buf.Capacity()
	buf.Append(bytes.Repeat([]byte{'a'}, InitialSize))
	assert.Equal(t, capBefore, buf.Capacity())

	buf.Append([]byte{'b'})
	assert.Greater(t, buf.Capacity(), capBefore)
}

func TestBufferInsideGrow(t *testing.T) {
	// When enough space hides behind the reader cursor, makeSpace shifts
	// instead of reallocating.
	buf := New()
	buf.AppendString(strings.Repeat("y", 800))
	buf.Retrieve(500)
	assert.EqualValues(t, 300, buf.ReadableBytes())
	assert.EqualValues(t, InitialSize-800, buf.WritableBytes())
	assert.EqualValues(t, CheapPrepend+500, buf.PrependableBytes())
	capBefore := buf.Capacity()

	buf.AppendString(strings.Repeat("z", 300))
	assert.EqualValues(t, 600, buf.ReadableBytes())
	assert.EqualValues(t, InitialSize-600, buf.WritableBytes())
	assert.EqualValues(t, CheapPrepend, buf.PrependableBytes())
	assert.Equal(t, capBefore, buf.Capacity())
}

func TestBufferShrink(t *testing.T) {
	buf := New()
	buf.AppendString(strings.Repeat("y", 2000))
	buf.Retrieve(1500)

	buf.Shrink(0)
	assert.EqualValues(t, 500, buf.ReadableBytes())
	assert.Equal(t, strings.Repeat("y", 500), string(buf.Peek()))
	assert.Equal(t, CheapPrepend+500, buf.Capacity())
}

func TestBufferPrepend(t *testing.T) {
	buf := New()
	buf.AppendString(strings.Repeat("y", 200))
	assert.EqualValues(t, CheapPrepend, buf.PrependableBytes())

	require.NoError(t, buf.Prepend([]byte{1, 2, 3, 4}))
	assert.EqualValues(t, CheapPrepend-4, buf.PrependableBytes())
	assert.EqualValues(t, 204, buf.ReadableBytes())

	err := buf.Prepend(bytes.Repeat([]byte{0}, CheapPrepend))
	assert.Error(t, err)
}

func TestBufferInts(t *testing.T) {
	t.Run("int64", func(t *testing.T) {
		buf := New()
		for _, v := range []int64{0, 1, -1, 1<<62 + 3, -(1 << 62)} {
			buf.AppendInt64(v)
			assert.Equal(t, v, buf.PeekInt64())
			assert.Equal(t, v, buf.ReadInt64())
		}
	})
	t.Run("int32", func(t *testing.T) {
		buf := New()
		for _, v := range []int32{0, 1, -1, 1 << 30, -(1 << 30)} {
			buf.AppendInt32(v)
			assert.Equal(t, v, buf.PeekInt32())
			assert.Equal(t, v, buf.ReadInt32())
		}
	})
	t.Run("int16", func(t *testing.T) {
		buf := New()
		for _, v := range []int16{0, 1, -1, 32767, -32768} {
			buf.AppendInt16(v)
			assert.Equal(t, v, buf.PeekInt16())
			assert.Equal(t, v, buf.ReadInt16())
		}
	})
	t.Run("int8", func(t *testing.T) {
		buf := New()
		for _, v := range []int8{0, 1, -1, 127, -128} {
			buf.AppendInt8(v)
			assert.Equal(t, v, buf.PeekInt8())
			assert.Equal(t, v, buf.ReadInt8())
		}
	})
	t.Run("network byte order", func(t *testing.T) {
		buf := New()
		buf.AppendInt32(0x01020304)
		assert.Equal(t, []byte{1, 2, 3, 4}, buf.Peek())
	})
	t.Run("stacked reads", func(t *testing.T) {
		buf := New()
		buf.AppendInt64(0x0807060504030201)
		assert.EqualValues(t, 8, buf.ReadableBytes())
		assert.EqualValues(t, int16(0x0807), buf.ReadInt16())
		assert.EqualValues(t, int8(0x06), buf.ReadInt8())
		assert.EqualValues(t, int32(0x05040302), buf.ReadInt32())
		assert.EqualValues(t, int8(0x01), buf.ReadInt8())
		assert.EqualValues(t, 0, buf.ReadableBytes())
	})
	t.Run("prepend length prefix", func(t *testing.T) {
		buf := New()
		buf.AppendString("payload")
		require.NoError(t, buf.PrependInt32(int32(buf.ReadableBytes())))
		assert.EqualValues(t, 7, buf.ReadInt32())
		assert.Equal(t, "payload", buf.RetrieveAllString())
	})
}

func TestBufferFindCRLF(t *testing.T) {
	buf := New()
	assert.Equal(t, -1, buf.FindCRLF())
	assert.Equal(t, -1, buf.FindEOL())

	buf.AppendString("hello\r\nworld\n")
	assert.Equal(t, 5, buf.FindCRLF())
	assert.Equal(t, 6, buf.FindEOL())
	assert.Equal(t, 12, buf.FindEOLFrom(7))
	assert.Equal(t, -1, buf.FindCRLFFrom(7))

	buf.RetrieveUntil(7)
	assert.Equal(t, "world\n", string(buf.Peek()))
}

func TestBufferSwapAndMove(t *testing.T) {
	a := New()
	b := New()
	a.AppendString("left")
	b.AppendString("right")
	a.Swap(b)
	assert.Equal(t, "right", string(a.Peek()))
	assert.Equal(t, "left", string(b.Peek()))

	moved := a.RetrieveAllBytes()
	assert.Equal(t, "right", string(moved))
	assert.EqualValues(t, 0, a.ReadableBytes())
}

func TestBufferReadFromFD(t *testing.T) {
	t.Run("fits in writable", func(t *testing.T) {
		var p [2]int
		require.NoError(t, unix.Pipe(p[:]))
		defer unix.Close(p[0])
		defer unix.Close(p[1])

		payload := []byte("small payload")
		_, err := unix.Write(p[1], payload)
		require.NoError(t, err)

		buf := New()
		n, err := buf.ReadFromFD(p[0])
		require.NoError(t, err)
		assert.Equal(t, len(payload), n)
		assert.Equal(t, payload, buf.Peek())
	})

	t.Run("overflows into extra buffer", func(t *testing.T) {
		var p [2]int
		require.NoError(t, unix.Pipe(p[:]))
		defer unix.Close(p[0])
		defer unix.Close(p[1])

		payload := bytes.Repeat([]byte{'q'}, 5000)
		_, err := unix.Write(p[1], payload)
		require.NoError(t, err)

		buf := New()
		n, err := buf.ReadFromFD(p[0])
		require.NoError(t, err)
		assert.Equal(t, len(payload), n)
		assert.Equal(t, payload, buf.Peek())
		assert.GreaterOrEqual(t, buf.Capacity(), 5000)
	})
}
