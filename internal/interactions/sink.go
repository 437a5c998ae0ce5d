// Package interactions delivers processed-message records to the interaction log.
package interactions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/chatdesk/internal/domain"
)

// DefaultQueueSize is the number of records buffered before Append drops.
const DefaultQueueSize = 256

const (
	writeTimeout = 5 * time.Second
	closeTimeout = 5 * time.Second
	slowWrite    = 100 * time.Millisecond
)

// ErrCloseTimeout is returned by Close when queued records were still being
// written after the shutdown timeout. The writer is left open in that case.
var ErrCloseTimeout = errors.New("interaction sink close timed out")

// Sink accepts interaction records. Append never blocks on the backend
// and never fails the caller.
type Sink interface {
	Append(ctx context.Context, in *domain.Interaction)
}

// Writer persists a single record synchronously.
type Writer interface {
	Write(ctx context.Context, in *domain.Interaction) error
	Close() error
}

// NoopSink discards every record.
type NoopSink struct{}

// Append does nothing.
func (NoopSink) Append(context.Context, *domain.Interaction) {}

// AsyncSink queues records and writes them from a background worker.
// When the queue is full new records are dropped with a warning.
type AsyncSink struct {
	writer       Writer
	queue        chan *domain.Interaction
	logger       *slog.Logger
	closeTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64
}

var _ Sink = (*AsyncSink)(nil)

// NewAsyncSink starts a worker that drains records into w.
func NewAsyncSink(w Writer, queueSize int, logger *slog.Logger) *AsyncSink {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	s := &AsyncSink{
		writer:       w,
		queue:        make(chan *domain.Interaction, queueSize),
		logger:       logger,
		closeTimeout: closeTimeout,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Append queues a copy of in.
func (s *AsyncSink) Append(_ context.Context, in *domain.Interaction) {
	if in == nil {
		return
	}
	record := *in

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}

	select {
	case s.queue <- &record:
	default:
		s.dropped.Add(1)
		s.logger.Warn("Interaction queue full, dropping record",
			"session_id", record.SessionID,
			"interaction_id", record.ID,
			"queue_len", len(s.queue),
		)
	}
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for record := range s.queue {
		s.write(record)
	}
}

func (s *AsyncSink) write(record *domain.Interaction) {
	// Records outlive the request that produced them.
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	start := time.Now()
	if err := s.writer.Write(ctx, record); err != nil {
		s.failed.Add(1)
		s.logger.Warn("Failed to write interaction",
			"session_id", record.SessionID,
			"interaction_id", record.ID,
			"error", err,
		)
		return
	}
	s.written.Add(1)

	if d := time.Since(start); d > slowWrite {
		s.logger.Warn("Slow interaction write", "session_id", record.SessionID, "duration_ms", d.Milliseconds())
	}
}

// Close stops accepting records, writes out what is queued and closes the
// writer. The writer is only closed once the worker has stopped using it.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.closeTimeout):
		s.logger.Warn("Interaction sink shutdown timeout", "queue_remaining", len(s.queue))
		return ErrCloseTimeout
	}

	return s.writer.Close()
}

// Stats returns sink counters.
func (s *AsyncSink) Stats() map[string]int64 {
	return map[string]int64{
		"queue_len":      int64(len(s.queue)),
		"queue_capacity": int64(cap(s.queue)),
		"written":        s.written.Load(),
		"dropped":        s.dropped.Load(),
		"failed":         s.failed.Load(),
	}
}

// MultiWriter writes every record to all of its writers.
type MultiWriter []Writer

// Write writes to each writer and joins their errors.
func (m MultiWriter) Write(ctx context.Context, in *domain.Interaction) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes each writer.
func (m MultiWriter) Close() error {
	var errs []error
	for _, w := range m {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
