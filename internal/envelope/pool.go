package envelope

import "sync"

// bufferPoolCapacity is the default capacity for pooled accumulator
// buffers: two default (4096-byte) sector-sized payloads. The
// exchange engine re-sizes (via append) as needed; this is a starting
// capacity, not a hard cap.
const bufferPoolCapacity = 2 * 4096

// BufferPool hands out reusable byte slices for the receive accumulator,
// mirroring the teacher's sync.Pool-of-*[]byte pattern (internal/bfd's
// PacketPool) to avoid reallocating per exchange attempt.
//
// Usage:
//
//	bufp := envelope.BufferPool.Get().(*[]byte)
//	defer envelope.BufferPool.Put(bufp)
//	*bufp = (*bufp)[:0]
var BufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, bufferPoolCapacity)
		return &buf
	},
}
