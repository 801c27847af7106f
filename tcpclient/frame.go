package tcpclient

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const frameHeaderSize = 4

// DefaultMaxFrameSize is the largest frame accepted when Config.MaxFrameSize
// is not set.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a length prefix exceeds the configured
// maximum frame size.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// EncodeFrame prefixes data with its 4-byte little-endian length.
func EncodeFrame(data []byte) []byte {
	out := make([]byte, frameHeaderSize+len(data))
	binary.LittleEndian.PutUint32(out, uint32(len(data)))
	copy(out[frameHeaderSize:], data)
	return out
}

// splitFrames cuts the complete frames off the front of buf. Each returned
// frame is a copy; rest aliases the unconsumed tail of buf. Zero-length
// frames are dropped.
func splitFrames(buf []byte, maxSize int) (frames [][]byte, rest []byte, err error) {
	for len(buf) >= frameHeaderSize {
		n := binary.LittleEndian.Uint32(buf)
		if uint64(n) > uint64(maxSize) {
			return frames, buf, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
		}

		end := frameHeaderSize + int(n)
		if len(buf) < end {
			break
		}

		if n > 0 {
			frames = append(frames, append([]byte(nil), buf[frameHeaderSize:end]...))
		}
		buf = buf[end:]
	}

	return frames, buf, nil
}
