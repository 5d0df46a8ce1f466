// Package pool provides shared buffers for frame encoding and the growth
// policy of connection read buffers.
package pool

import "github.com/valyala/bytebufferpool"

// InitialReadBuffer is the starting capacity of a connection read buffer.
const InitialReadBuffer = 4 * 1024

var frames bytebufferpool.Pool

// Get returns an empty frame encoding buffer from the pool.
func Get() *bytebufferpool.ByteBuffer {
	return frames.Get()
}

// Put returns a buffer obtained from Get.
func Put(b *bytebufferpool.ByteBuffer) {
	frames.Put(b)
}

// Grow returns a buffer holding buf[:used] with capacity for at least need
// bytes. Capacity doubles from InitialReadBuffer; buf is returned unchanged
// when it is already large enough.
func Grow(buf []byte, used, need int) []byte {
	if need <= len(buf) {
		return buf
	}
	size := max(len(buf), InitialReadBuffer)
	for size < need {
		size *= 2
	}
	grown := make([]byte, size)
	copy(grown, buf[:used])
	return grown
}
