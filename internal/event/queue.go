package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Queue outcomes passed to a Recorder.
const (
	OutcomePublished = "published"
	OutcomeDropped   = "dropped"
	OutcomeFailed    = "failed"
)

const (
	defaultQueueCapacity  = 1024
	defaultPublishTimeout = 5 * time.Second
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Recorder counts what happened to each event handed to a Queue.
type Recorder interface {
	Event(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) Event(string) {}

// Queue is a Publisher that buffers events and hands them to a sink from
// a single worker goroutine. Publish never blocks; events that do not fit
// are dropped.
type Queue struct {
	sink     Publisher
	events   chan Event
	capacity int
	timeout  time.Duration
	recorder Recorder
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ Publisher = (*Queue)(nil)

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithCapacity sets how many events may wait for the sink.
func WithCapacity(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithPublishTimeout bounds each sink call.
func WithPublishTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithRecorder sets the outcome recorder.
func WithRecorder(r Recorder) QueueOption {
	return func(q *Queue) { q.recorder = r }
}

// WithLogger sets the logger used for sink failures.
func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// NewQueue starts a Queue draining into sink.
func NewQueue(sink Publisher, opts ...QueueOption) *Queue {
	q := &Queue{
		sink:     sink,
		capacity: defaultQueueCapacity,
		timeout:  defaultPublishTimeout,
		recorder: nopRecorder{},
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.events = make(chan Event, q.capacity)

	go q.run()
	return q
}

// Publish enqueues events without waiting for the sink. Events beyond the
// free capacity are dropped and reported through ErrQueueFull.
func (q *Queue) Publish(_ context.Context, events ...Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	dropped := 0
	for _, e := range events {
		select {
		case q.events <- e:
		default:
			dropped++
			q.recorder.Event(OutcomeDropped)
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: dropped %d of %d events", ErrQueueFull, dropped, len(events))
	}
	return nil
}

// Len returns the number of events waiting for the sink.
func (q *Queue) Len() int {
	return len(q.events)
}

func (q *Queue) run() {
	defer close(q.done)

	for e := range q.events {
		// Events outlive the request that produced them.
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.sink.Publish(ctx, e)
		cancel()

		if err != nil {
			q.recorder.Event(OutcomeFailed)
			q.logger.Warn("delivering domain event failed",
				slog.String("event_id", e.ID),
				slog.String("type", string(e.Type)),
				slog.Int64("auction_id", e.AuctionID),
				slog.Any("error", err),
			)
			continue
		}
		q.recorder.Event(OutcomePublished)
	}
}

// Close stops accepting events and waits until the queued ones have been
// handed to the sink or ctx is done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining event queue (%d left): %w", len(q.events), ctx.Err())
	}
}
