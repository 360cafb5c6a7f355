// Package ringbuf provides a fixed-capacity circular byte buffer and a
// blocking hand-off built on top of it.
//
// RingBuffer is the bare data structure: non-blocking, truncating writes and
// reads with no locking. Handoff layers a mutex and condition variables over
// one RingBuffer so that a producer goroutine receiving data from the network
// and a consumer goroutine pulling it in arbitrary sizes can share it with
// backpressure, a clean end-of-data signal and an explicit drain
// acknowledgement.
package ringbuf
