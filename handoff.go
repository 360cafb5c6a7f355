package ringbuf

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

var (
	_ io.Reader     = (*Handoff)(nil)
	_ io.WriterTo   = (*Handoff)(nil)
	_ io.Writer     = (*Handoff)(nil)
	_ io.ReaderFrom = (*Handoff)(nil)
)

var (
	// ErrProducerDone is returned by Produce once CloseProducer has been called.
	ErrProducerDone = errors.New("ringbuf: producer already closed")
	// ErrAborted is the abort cause recorded when Abort is called with a nil error.
	ErrAborted = errors.New("ringbuf: handoff aborted")
)

// State is the lifecycle stage of a Handoff.
type State int

const (
	// StateRunning means both sides may still transfer data.
	StateRunning State = iota
	// StateProducerDone means no more data is coming; buffered bytes can still be consumed.
	StateProducerDone
	// StateTerminated means the consumer observed end-of-data or the session was aborted.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateProducerDone:
		return "producer_done"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Stats holds transfer counters of a Handoff.
type Stats struct {
	Produced      int64
	Consumed      int64
	ProducerWaits int64
	ConsumerWaits int64
}

// Option configures a Handoff.
type Option func(*Handoff)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handoff) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Handoff turns a RingBuffer into a blocking bounded buffer shared by one
// producer goroutine and one consumer goroutine.
type Handoff struct {
	abortErr error
	logger   *zap.Logger

	writerWait sync.Cond
	readerWait sync.Cond

	buf     *RingBuffer
	drained chan struct{}
	stats   Stats
	mu      sync.Mutex
	state   State

	producerDone bool
	aborted      bool
}

// NewHandoff creates a Handoff backed by a ring buffer of the given capacity.
func NewHandoff(capacity int, opts ...Option) (*Handoff, error) {
	buf, err := New(capacity)
	if err != nil {
		return nil, err
	}
	h := &Handoff{
		buf:     buf,
		drained: make(chan struct{}),
		logger:  zap.NewNop(),
	}
	h.writerWait.L = &h.mu
	h.readerWait.L = &h.mu
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Produce blocks until the whole chunk has been stored.
//
// A chunk that fits the capacity is stored in a single write once enough
// room is free; a larger chunk is stored in capacity-sized steps. If the
// handoff is aborted or the producer is closed while waiting, the bytes not
// yet stored are dropped and the cause is returned.
func (h *Handoff) Produce(chunk []byte) error {
	_, err := h.produce(chunk)
	return err
}

func (h *Handoff) produce(chunk []byte) (n int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(chunk) > 0 {
		step := min(len(chunk), h.buf.Cap())
		if err := h.waitForWritableLocked(step); err != nil {
			h.logger.Debug("dropping pending chunk",
				zap.Int("dropped", len(chunk)),
				zap.Int("delivered", n),
				zap.Error(err),
			)
			return n, err
		}
		wrote, err := h.buf.Write(chunk[:step])
		if err != nil {
			return n, err
		}
		chunk = chunk[wrote:]
		n += wrote
		h.stats.Produced += int64(wrote)
		h.readerWait.Signal()
	}
	return n, nil
}

// Consume blocks until data is available and copies up to len(p) bytes into p.
// Once the producer is closed and every buffered byte has been consumed it
// returns io.EOF and fires the drain acknowledgement.
func (h *Handoff) Consume(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.waitForReadableLocked(); err != nil {
		return 0, err
	}

	n := h.buf.Read(p)
	h.stats.Consumed += int64(n)
	h.writerWait.Signal()
	return n, nil
}

// CloseProducer announces that no more data will be produced.
// Waiting consumers drain the remaining bytes and then observe io.EOF.
func (h *Handoff) CloseProducer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.producerDone {
		return
	}
	h.producerDone = true
	if h.state == StateRunning {
		h.state = StateProducerDone
	}
	h.logger.Debug("producer closed", zap.Int("buffered", h.buf.Len()))
	h.readerWait.Broadcast()
	h.writerWait.Broadcast()
}

// Abort stops the handoff from either side. Buffered bytes are discarded,
// blocked calls return err, and so does every later call. The first cause
// wins; a nil err is recorded as ErrAborted. Abort has no effect once the
// consumer has drained the buffer.
func (h *Handoff) Abort(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted || h.state == StateTerminated {
		return
	}
	if err == nil {
		err = ErrAborted
	}
	h.aborted = true
	h.abortErr = err
	dropped := h.buf.Len()
	h.buf.Reset()
	h.logger.Warn("handoff aborted", zap.Int("dropped", dropped), zap.Error(err))
	h.terminateLocked()
	h.readerWait.Broadcast()
	h.writerWait.Broadcast()
}

// Drained returns a channel closed when the handoff terminates: either the
// consumer observed end-of-data on an empty buffer, or the handoff was aborted.
func (h *Handoff) Drained() <-chan struct{} {
	return h.drained
}

// Wait blocks until the handoff terminates or ctx is done. It returns nil
// after a clean drain and the abort cause after an abort.
func (h *Handoff) Wait(ctx context.Context) error {
	select {
	case <-h.drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted {
		return h.abortErr
	}
	return nil
}

// State returns the current lifecycle stage.
func (h *Handoff) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Stats returns a snapshot of the transfer counters.
func (h *Handoff) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// Cap returns the capacity of the underlying ring buffer.
func (h *Handoff) Cap() int {
	return h.buf.Cap()
}

// Buffered returns the number of bytes waiting to be consumed.
func (h *Handoff) Buffered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.Len()
}

// Write implements io.Writer on top of Produce.
func (h *Handoff) Write(p []byte) (int, error) {
	return h.produce(p)
}

// Read implements io.Reader on top of Consume.
func (h *Handoff) Read(p []byte) (int, error) {
	return h.Consume(p)
}

// ReadFrom implements io.ReaderFrom by producing everything read from r
// until EOF or an error occurs. It does not close the producer.
func (h *Handoff) ReadFrom(r io.Reader) (n int64, err error) {
	return copyBuffered(r.Read, h.Write)
}

// WriteTo implements io.WriterTo by consuming until end-of-data and
// writing everything to w.
func (h *Handoff) WriteTo(w io.Writer) (n int64, err error) {
	return copyBuffered(h.Read, w.Write)
}

func (h *Handoff) waitForWritableLocked(need int) error {
	for {
		if h.aborted {
			return h.abortErr
		}
		if h.producerDone {
			return ErrProducerDone
		}
		if h.buf.Avail() >= need {
			return nil
		}
		h.stats.ProducerWaits++
		h.writerWait.Wait()
	}
}

func (h *Handoff) waitForReadableLocked() error {
	for {
		if h.aborted {
			return h.abortErr
		}
		if !h.buf.Empty() {
			return nil
		}
		if h.producerDone {
			h.terminateLocked()
			return io.EOF
		}
		h.stats.ConsumerWaits++
		h.readerWait.Wait()
	}
}

func (h *Handoff) terminateLocked() {
	if h.state == StateTerminated {
		return
	}
	h.state = StateTerminated
	close(h.drained)
	h.logger.Debug("handoff terminated",
		zap.Int64("produced", h.stats.Produced),
		zap.Int64("consumed", h.stats.Consumed),
		zap.Bool("aborted", h.aborted),
	)
}

func copyBuffered(read func([]byte) (int, error), write func([]byte) (int, error)) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rErr := read(buf)
		if n > 0 {
			wn, wErr := write(buf[:n])
			if wn < 0 || wn > n {
				wn = 0
				if wErr == nil {
					wErr = io.ErrShortWrite
				}
			}
			total += int64(wn)
			if wErr != nil {
				return total, wErr
			}
			if wn != n {
				return total, io.ErrShortWrite
			}
		}
		if rErr != nil {
			if rErr != io.EOF {
				return total, rErr
			}
			return total, nil
		}
	}
}
