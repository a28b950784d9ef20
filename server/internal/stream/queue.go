package stream

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rural-triage/server/internal/model"
)

// EventHandler processes one event. It is only ever called from the queue's loop.
type EventHandler func(evt model.StreamEvent)

// EventQueue serializes event handling for one case.
//
// The transport delivers frames on its own goroutine; the queue hands them to a
// single processing loop in arrival order, and each event is handled completely
// before the next one is taken. Enqueue blocks when the queue is full instead of
// dropping, so no event is lost to backpressure.
type EventQueue struct {
	caseID  string
	handler EventHandler
	events  chan queuedEvent
	done    chan struct{}
	logger  *logrus.Entry

	closeOnce sync.Once

	mu        sync.Mutex
	total     int64
	processed int64
}

type queuedEvent struct {
	evt       model.StreamEvent
	timestamp time.Time
}

const defaultQueueCapacity = 64

// slowEventThreshold is the handling time above which a warning is logged.
const slowEventThreshold = 2 * time.Second

// QueueStats are the queue counters.
type QueueStats struct {
	Total     int64 `json:"total"`
	Processed int64 `json:"processed"`
	Pending   int   `json:"pending"`
}

// NewEventQueue starts the processing loop.
func NewEventQueue(caseID string, capacity int, handler EventHandler, logger *logrus.Logger) *EventQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if logger == nil {
		logger = logrus.New()
	}
	q := &EventQueue{
		caseID:  caseID,
		handler: handler,
		events:  make(chan queuedEvent, capacity),
		done:    make(chan struct{}),
		logger:  logger.WithFields(logrus.Fields{"component": "event_queue", "case_id": caseID}),
	}
	go q.processLoop()
	return q
}

// Enqueue hands an event to the loop, waiting for room if the queue is full.
// It must be called from a single producer goroutine, never after Close.
func (q *EventQueue) Enqueue(ctx context.Context, evt model.StreamEvent) error {
	select {
	case q.events <- queuedEvent{evt: evt, timestamp: time.Now()}:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tells the loop no more events are coming. Events already queued are still handled.
func (q *EventQueue) Close() {
	q.closeOnce.Do(func() { close(q.events) })
}

// Done is closed once the loop has handled every queued event after Close.
func (q *EventQueue) Done() <-chan struct{} {
	return q.done
}

func (q *EventQueue) processLoop() {
	defer close(q.done)

	for e := range q.events {
		started := time.Now()
		q.handler(e.evt)
		elapsed := time.Since(started)

		q.mu.Lock()
		q.processed++
		q.mu.Unlock()

		if elapsed > slowEventThreshold {
			q.logger.WithFields(logrus.Fields{
				"type":          e.evt.Type,
				"queue_latency": started.Sub(e.timestamp).String(),
				"processing":    elapsed.String(),
			}).Warn("slow event processing")
		}
	}

	stats := q.Stats()
	q.logger.WithFields(logrus.Fields{"total": stats.Total, "processed": stats.Processed}).Debug("event queue drained")
}

// Stats returns the current counters.
func (q *EventQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Total: q.total, Processed: q.processed, Pending: len(q.events)}
}
