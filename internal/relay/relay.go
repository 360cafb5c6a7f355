// Package relay moves a byte stream from a receiving source to a pulling
// sink through a ringbuf.Handoff, with the source and the sink each served
// by their own goroutine.
package relay

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacoelho/ringbuf"
	"github.com/jacoelho/ringbuf/internal/config"
)

// ErrDrainTimeout is returned by Run when the sink does not take the
// remaining bytes within the drain timeout.
var ErrDrainTimeout = errors.New("relay: drain timeout")

// Stats summarises a finished relay session.
type Stats struct {
	// Received is the number of bytes read from the source.
	Received int64
	// Relayed is the number of bytes written to the sink.
	Relayed int64
	// Chunks is the number of source reads that returned data.
	Chunks        int
	ProducerWaits int64
	ConsumerWaits int64
	Duration      time.Duration
}

// Session relays one stream. A Session runs once.
type Session struct {
	handoff *ringbuf.Handoff
	source  io.Reader
	sink    io.Writer
	logger  *zap.Logger

	chunkSize    int
	readSize     int
	maxChunks    int
	drainTimeout time.Duration

	received int64
	relayed  atomic.Int64
	chunks   int
}

// New creates a session reading cfg.ChunkSize bytes at a time from source
// and writing up to cfg.ReadSize bytes at a time to sink.
func New(cfg config.Config, source io.Reader, sink io.Writer, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkSize < 1 || cfg.ReadSize < 1 {
		return nil, errors.Errorf("chunk size %d and read size %d must be positive", cfg.ChunkSize, cfg.ReadSize)
	}
	h, err := ringbuf.NewHandoff(int(cfg.Capacity), ringbuf.WithLogger(logger.Named("handoff")))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create handoff")
	}
	return &Session{
		handoff:      h,
		source:       source,
		sink:         sink,
		logger:       logger,
		chunkSize:    int(cfg.ChunkSize),
		readSize:     int(cfg.ReadSize),
		maxChunks:    cfg.MaxChunks,
		drainTimeout: cfg.DrainTimeout,
	}, nil
}

// Handoff returns the handoff shared by the two goroutines.
func (s *Session) Handoff() *ringbuf.Handoff {
	return s.handoff
}

// Run relays until the source is exhausted and the sink has received every
// buffered byte, or until either side fails or ctx is done. A blocked source
// Read is not interrupted by ctx; callers close the source for that.
//
// Once the source is exhausted the sink has the drain timeout to take the
// rest. When it expires the handoff is aborted and Run returns
// ErrDrainTimeout without waiting for a sink Write that never returns.
func (s *Session) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	s.logger.Info("relay started",
		zap.String("capacity", humanize.IBytes(uint64(s.handoff.Cap()))),
		zap.Int("chunk_size", s.chunkSize),
		zap.Int("read_size", s.readSize),
	)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		s.handoff.Abort(context.Cause(gctx))
	})
	defer stop()

	g.Go(func() error {
		if err := s.produce(gctx); err != nil {
			return err
		}
		return s.waitDrained(gctx)
	})

	consumed := make(chan error, 1)
	go func() {
		consumed <- s.consume()
	}()
	g.Go(func() error {
		select {
		case err := <-consumed:
			return err
		case <-s.handoff.Drained():
		}
		if err := s.handoff.Wait(context.Background()); err != nil {
			// aborted: the consumer may be stuck in a sink Write
			return err
		}
		return <-consumed
	})

	err := g.Wait()

	hs := s.handoff.Stats()
	stats := Stats{
		Received:      s.received,
		Relayed:       s.relayed.Load(),
		Chunks:        s.chunks,
		ProducerWaits: hs.ProducerWaits,
		ConsumerWaits: hs.ConsumerWaits,
		Duration:      time.Since(start),
	}

	fields := []zap.Field{
		zap.String("received", humanize.IBytes(uint64(stats.Received))),
		zap.String("relayed", humanize.IBytes(uint64(stats.Relayed))),
		zap.Int("chunks", stats.Chunks),
		zap.Int64("producer_waits", stats.ProducerWaits),
		zap.Int64("consumer_waits", stats.ConsumerWaits),
		zap.Duration("duration", stats.Duration),
	}
	if err != nil {
		s.logger.Error("relay failed", append(fields, zap.Error(err))...)
		return stats, err
	}
	s.logger.Info("relay finished", fields...)
	return stats, nil
}

// produce is the receive loop: one source read per chunk, each chunk
// handed off whole.
func (s *Session) produce(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			s.handoff.Abort(err)
			return
		}
		s.handoff.CloseProducer()
	}()

	chunk := make([]byte, s.chunkSize)
	for s.maxChunks == 0 || s.chunks < s.maxChunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rErr := s.source.Read(chunk)
		if n > 0 {
			s.chunks++
			s.received += int64(n)
			if err := s.handoff.Produce(chunk[:n]); err != nil {
				return errors.Wrap(err, "failed to hand off chunk")
			}
		}
		if rErr == io.EOF {
			s.logger.Debug("source exhausted", zap.Int("chunks", s.chunks))
			return nil
		}
		if rErr != nil {
			return errors.Wrap(rErr, "failed to receive from source")
		}
	}
	s.logger.Debug("chunk limit reached", zap.Int("chunks", s.chunks))
	return nil
}

// consume pulls from the handoff in read-size pieces, independent of the
// producer's chunk boundaries, until end-of-data.
func (s *Session) consume() (err error) {
	defer func() {
		if err != nil {
			s.handoff.Abort(err)
		}
	}()

	buf := make([]byte, s.readSize)
	for {
		n, rErr := s.handoff.Consume(buf)
		if n > 0 {
			wn, wErr := s.sink.Write(buf[:n])
			s.relayed.Add(int64(wn))
			if wErr == nil && wn != n {
				wErr = io.ErrShortWrite
			}
			if wErr != nil {
				return errors.Wrap(wErr, "failed to write to sink")
			}
		}
		if rErr == io.EOF {
			return nil
		}
		if rErr != nil {
			return rErr
		}
	}
}

func (s *Session) waitDrained(ctx context.Context) error {
	if s.drainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, s.drainTimeout, ErrDrainTimeout)
		defer cancel()
	}
	err := s.handoff.Wait(ctx)
	if err != nil && errors.Is(context.Cause(ctx), ErrDrainTimeout) {
		err = errors.Wrapf(ErrDrainTimeout, "%d bytes still buffered after %s", s.handoff.Buffered(), s.drainTimeout)
		s.handoff.Abort(err)
	}
	return err
}
