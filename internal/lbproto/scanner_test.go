package lbproto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFirstValid(t *testing.T) {
	buf := append([]byte{0xAA, 0xAA}, sampleFrame...)
	buf = append(buf, 0xBB)

	off, s, ok := FindFirstValid(buf)
	require.True(t, ok)
	assert.Equal(t, 2, off)
	assert.Equal(t, uint16(4000), s.BankPower)
}

func TestFindFirstValidShortBuffer(t *testing.T) {
	_, _, ok := FindFirstValid(nil)
	assert.False(t, ok)
	_, _, ok = FindFirstValid(sampleFrame[:FrameLen-1])
	assert.False(t, ok)
}

func TestFindFirstValidPrefersEarliest(t *testing.T) {
	second := Encode(Status{Version: 1, BankNo: 9})
	buf := append(append([]byte{0x00}, sampleFrame...), second...)

	off, s, ok := FindFirstValid(buf)
	require.True(t, ok)
	assert.Equal(t, 1, off)
	assert.Equal(t, uint8(2), s.BankNo)
}

func TestBufferNextDrainsGarbageAndFrame(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte{0xAA, 0xAA})
	b.Append(sampleFrame)
	b.Append([]byte{0xBB})

	s, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, sampleFrame, s.Raw)
	assert.Equal(t, []byte{0xBB}, b.Bytes())

	_, ok = b.Next()
	assert.False(t, ok)
	assert.Equal(t, 1, b.Len())
}

func TestBufferFrameSplitAcrossReads(t *testing.T) {
	b := NewBuffer()
	b.Append(sampleFrame[:6])
	_, ok := b.Next()
	require.False(t, ok)

	b.Append(sampleFrame[6:])
	s, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, uint8(100), s.BankHealth)
	assert.Zero(t, b.Len())
}

func TestBufferBackToBackFrames(t *testing.T) {
	frames := [][]byte{
		Encode(Status{Version: 1, BankNo: 1}),
		Encode(Status{Version: 1, BankNo: 2}),
		Encode(Status{Version: 1, BankNo: 3}),
	}
	b := NewBuffer()
	b.Append(bytes.Join(frames, nil))

	var got []uint8
	for {
		s, ok := b.Next()
		if !ok {
			break
		}
		got = append(got, s.BankNo)
	}
	assert.Equal(t, []uint8{1, 2, 3}, got)
	assert.Zero(t, b.Len())
}

func TestBufferTrim(t *testing.T) {
	b := NewBufferSize(32, 64)

	b.Append(make([]byte, 64))
	assert.Zero(t, b.Trim(), "at ceiling is not over it")

	tail := []byte{1, 2, 3}
	b.Append(tail)
	dropped := b.Trim()
	assert.Equal(t, 67-32, dropped)
	assert.Equal(t, 32, b.Len())
	assert.True(t, bytes.HasSuffix(b.Bytes(), tail))
}

func TestBufferStaysBoundedUnderNoise(t *testing.T) {
	b := NewBuffer()
	noise := bytes.Repeat([]byte{0x00, 0xFF}, 256)
	for i := 0; i < 100; i++ {
		b.Append(noise)
		for {
			if _, ok := b.Next(); !ok {
				break
			}
		}
		b.Trim()
		require.LessOrEqual(t, b.Len(), BufCeiling)
	}
}

func TestNewBufferSizeClampsKeep(t *testing.T) {
	b := NewBufferSize(1, 0)
	assert.Equal(t, FrameLen, b.keep)
	assert.Equal(t, FrameLen, b.ceiling)
}

func TestBufferReset(t *testing.T) {
	b := NewBuffer()
	b.Append(sampleFrame)
	b.Reset()
	assert.Zero(t, b.Len())
	_, ok := b.Next()
	assert.False(t, ok)
}
