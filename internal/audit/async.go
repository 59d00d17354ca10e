package audit

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/edubuddy/internal/metrics"
	"github.com/normanking/edubuddy/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultQueueSize is the AsyncSink queue capacity when none is set.
const DefaultQueueSize = 1024

const asyncWriteTimeout = 5 * time.Second

type job struct {
	violation   *types.SafetyViolation
	interaction *types.Turn
}

// AsyncSink queues records for a background writer. When the queue is full
// the record is dropped and counted.
type AsyncSink struct {
	next Sink
	log  zerolog.Logger

	mu     sync.RWMutex
	queue  chan job
	closed bool
	done   chan struct{}
}

// NewAsyncSink starts the background writer for next.
func NewAsyncSink(next Sink, size int, log zerolog.Logger) *AsyncSink {
	if size <= 0 {
		size = DefaultQueueSize
	}
	s := &AsyncSink{
		next:  next,
		log:   log,
		queue: make(chan job, size),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for j := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
		var err error
		if j.violation != nil {
			err = s.next.RecordViolation(ctx, *j.violation)
		} else {
			err = s.next.RecordInteraction(ctx, *j.interaction)
		}
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Msg("audit write failed")
		}
	}
}

func (s *AsyncSink) enqueue(j job) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		metrics.AuditDropped.Inc()
		return
	}
	select {
	case s.queue <- j:
	default:
		metrics.AuditDropped.Inc()
		s.log.Warn().Msg("audit queue full, record dropped")
	}
}

// RecordViolation enqueues v. It never blocks and never fails.
func (s *AsyncSink) RecordViolation(_ context.Context, v types.SafetyViolation) error {
	s.enqueue(job{violation: &v})
	return nil
}

// RecordInteraction enqueues t. It never blocks and never fails.
func (s *AsyncSink) RecordInteraction(_ context.Context, t types.Turn) error {
	s.enqueue(job{interaction: &t})
	return nil
}

// Close stops accepting records and waits for the queue to drain.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return nil
}
