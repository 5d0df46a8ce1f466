package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the size of the big-endian uint32 body length preceding every frame body.
const HeaderLen = 4

var (
	// ErrTruncatedFrame is returned when the stream ends inside a frame.
	ErrTruncatedFrame = errors.New("proto: stream ended inside a frame")
	// ErrFrameTooLarge is returned when a frame exceeds the configured limit.
	ErrFrameTooLarge = errors.New("proto: frame too large")
)

// AppendFrame appends the length prefix and the body of f encoded with c to dst.
func AppendFrame(dst []byte, c Codec, f *Frame) ([]byte, error) {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	dst, err := c.Marshal(dst, f)
	if err != nil {
		return dst[:start], fmt.Errorf("encode %s frame: %w", c.Name(), err)
	}
	bodyLen := len(dst) - start - HeaderLen
	if uint64(bodyLen) > uint64(^uint32(0)) {
		return dst[:start], fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, bodyLen)
	}
	binary.BigEndian.PutUint32(dst[start:start+HeaderLen], uint32(bodyLen))
	return dst, nil
}

// FrameLen reports the total length, prefix included, of the frame at the head
// of buf. It returns 0 while the prefix itself is incomplete.
func FrameLen(buf []byte) int {
	if len(buf) < HeaderLen {
		return 0
	}
	return HeaderLen + int(binary.BigEndian.Uint32(buf[:HeaderLen]))
}

// DecodeFrame decodes a frame body (without its length prefix) with c.
func DecodeFrame(body []byte, c Codec) (*Frame, error) {
	f := new(Frame)
	if err := c.Unmarshal(body, f); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", c.Name(), err)
	}
	return f, nil
}
