package tcpclient

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrame(t *testing.T) {
	out := EncodeFrame([]byte("abc"))
	require.Len(t, out, 7)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(out))
	assert.Equal(t, "abc", string(out[4:]))
}

func TestSplitFrames(t *testing.T) {
	t.Run("empty input yields nothing", func(t *testing.T) {
		frames, rest, err := splitFrames(nil, 16)
		require.NoError(t, err)
		assert.Empty(t, frames)
		assert.Empty(t, rest)
	})

	t.Run("partial header is kept", func(t *testing.T) {
		frames, rest, err := splitFrames([]byte{3, 0}, 16)
		require.NoError(t, err)
		assert.Empty(t, frames)
		assert.Equal(t, []byte{3, 0}, rest)
	})

	t.Run("partial body is kept", func(t *testing.T) {
		in := EncodeFrame([]byte("hello"))[:6]
		frames, rest, err := splitFrames(in, 16)
		require.NoError(t, err)
		assert.Empty(t, frames)
		assert.Equal(t, in, rest)
	})

	t.Run("several frames and a tail", func(t *testing.T) {
		in := append(EncodeFrame([]byte("one")), EncodeFrame([]byte("two"))...)
		in = append(in, 9, 0)

		frames, rest, err := splitFrames(in, 16)
		require.NoError(t, err)
		require.Len(t, frames, 2)
		assert.Equal(t, "one", string(frames[0]))
		assert.Equal(t, "two", string(frames[1]))
		assert.Equal(t, []byte{9, 0}, rest)
	})

	t.Run("frames do not alias the input", func(t *testing.T) {
		in := EncodeFrame([]byte("abc"))
		frames, _, err := splitFrames(in, 16)
		require.NoError(t, err)
		in[4] = 'x'
		assert.Equal(t, "abc", string(frames[0]))
	})

	t.Run("zero-length frames are skipped", func(t *testing.T) {
		in := append(EncodeFrame(nil), EncodeFrame([]byte("z"))...)
		frames, rest, err := splitFrames(in, 16)
		require.NoError(t, err)
		require.Len(t, frames, 1)
		assert.Equal(t, "z", string(frames[0]))
		assert.Empty(t, rest)
	})

	t.Run("oversized length fails after complete frames", func(t *testing.T) {
		in := append(EncodeFrame([]byte("ok")), EncodeFrame(make([]byte, 17))...)
		frames, _, err := splitFrames(in, 16)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		require.Len(t, frames, 1)
		assert.Equal(t, "ok", string(frames[0]))
	})
}
