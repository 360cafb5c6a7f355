package ringbuf

import (
	"errors"
	"fmt"
	"math"
)

// MaxCapacity is the exclusive upper bound for a RingBuffer capacity.
// The values above it are kept free so they can never be mistaken for a
// byte count.
const MaxCapacity = math.MaxInt - 128

var (
	// ErrInvalidCapacity is returned by New for a capacity outside [1, MaxCapacity).
	ErrInvalidCapacity = errors.New("ringbuf: invalid capacity")
	// ErrOutOfMemory is returned by New when the backing storage cannot be allocated.
	ErrOutOfMemory = errors.New("ringbuf: failed to allocate ring buffer, out of memory")
	// ErrOutOfSpace is returned by Write when the buffer has no free byte at all.
	ErrOutOfSpace = errors.New("ringbuf: out of space")
)

// RingBuffer is a fixed-capacity circular byte buffer.
//
// It does no locking: one writer and one reader may use it only when the
// caller serializes access. Handoff is the blocking, goroutine-safe wrapper.
type RingBuffer struct {
	data []byte
	size int
	head int
	tail int
}

// New creates a ring buffer able to hold exactly capacity bytes.
func New(capacity int) (*RingBuffer, error) {
	if capacity < 1 || capacity >= MaxCapacity {
		return nil, fmt.Errorf("%w: requested %d, supported range is [1, %d)", ErrInvalidCapacity, capacity, MaxCapacity)
	}
	data, err := allocate(capacity)
	if err != nil {
		return nil, err
	}
	return &RingBuffer{data: data}, nil
}

func allocate(n int) (b []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("%w: %v", ErrOutOfMemory, r)
		}
	}()
	return make([]byte, n), nil
}

// Cap returns the fixed capacity.
func (r *RingBuffer) Cap() int {
	return len(r.data)
}

// Len returns the number of buffered bytes.
func (r *RingBuffer) Len() int {
	return r.size
}

// Avail returns the number of bytes that can be written before the buffer is full.
func (r *RingBuffer) Avail() int {
	return len(r.data) - r.size
}

// Empty reports whether there is nothing to read.
func (r *RingBuffer) Empty() bool {
	return r.size == 0
}

// Full reports whether there is no room to write.
func (r *RingBuffer) Full() bool {
	return r.size == len(r.data)
}

// Write copies as much of src as fits and returns the number of bytes written.
// A short write is not an error. ErrOutOfSpace is returned only when src is
// non-empty and not a single byte could be stored.
func (r *RingBuffer) Write(src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	avail := r.Avail()
	if avail == 0 {
		return 0, ErrOutOfSpace
	}

	n := min(len(src), avail)
	bufLen := len(r.data)

	if n <= bufLen-r.tail {
		copy(r.data[r.tail:r.tail+n], src[:n])
		r.tail += n
		if r.tail == bufLen {
			r.tail = 0
		}
	} else {
		firstChunk := bufLen - r.tail
		secondChunk := n - firstChunk

		copy(r.data[r.tail:], src[:firstChunk])
		copy(r.data[:secondChunk], src[firstChunk:n])

		r.tail = secondChunk
	}

	r.size += n
	return n, nil
}

// Read copies up to len(dst) buffered bytes into dst and returns how many
// were copied. It returns 0 when the buffer is empty.
func (r *RingBuffer) Read(dst []byte) int {
	n := min(len(dst), r.size)
	if n == 0 {
		return 0
	}

	bufLen := len(r.data)

	if n <= bufLen-r.head {
		copy(dst[:n], r.data[r.head:r.head+n])
		r.head += n
		if r.head == bufLen {
			r.head = 0
		}
	} else {
		firstChunk := bufLen - r.head
		secondChunk := n - firstChunk

		copy(dst[:firstChunk], r.data[r.head:])
		copy(dst[firstChunk:n], r.data[:secondChunk])

		r.head = secondChunk
	}

	r.size -= n
	return n
}

// Reset discards all buffered bytes.
func (r *RingBuffer) Reset() {
	r.size = 0
	r.head = 0
	r.tail = 0
}
