package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 3 * time.Second
	drainGrace          = 2 * time.Second
)

// Queue decouples callers from a slow Recorder.
//
// Record never blocks: events go to a bounded buffer drained by Run. When the buffer is
// full the event is dropped and counted.
type Queue struct {
	log  *slog.Logger
	next Recorder
	ch   chan Event

	dropped atomic.Uint64
}

// NewQueue constructs a Queue in front of next.
func NewQueue(log *slog.Logger, next Recorder, size int) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	if next == nil {
		next = Nop{}
	}
	return &Queue{
		log:  log,
		next: next,
		ch:   make(chan Event, size),
	}
}

// Record implements Recorder without blocking.
func (q *Queue) Record(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case q.ch <- e:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Run drains the queue until ctx is done, then flushes what is buffered within a short grace period.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.flush()
			return nil
		case e := <-q.ch:
			q.write(context.Background(), e)
		}
	}
}

func (q *Queue) flush() {
	deadline := time.Now().Add(drainGrace)
	for time.Now().Before(deadline) {
		select {
		case e := <-q.ch:
			q.write(context.Background(), e)
		default:
			return
		}
	}
}

func (q *Queue) write(parent context.Context, e Event) {
	ctx, cancel := context.WithTimeout(parent, defaultWriteTimeout)
	defer cancel()

	if err := q.next.Record(ctx, e); err != nil && q.log != nil {
		q.log.Error("audit.record.fail", "err", err, "action", e.Action, "session_id", e.SessionID)
	}
}
