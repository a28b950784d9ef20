package stream

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rural-triage/server/internal/metrics"
	"rural-triage/server/internal/model"
)

// Request is the single message sent when the channel opens.
type Request struct {
	CaseID  string        `json:"case_id"`
	Answers model.Answers `json:"answers"`
}

// Handler receives the effects of one channel. Every call comes from the queue loop,
// one at a time, in arrival order.
type Handler interface {
	// Apply folds a progress or symptoms event into the agent board.
	Apply(evt model.StreamEvent)
	// Finalize hands the final result to the branch router. Called at most once.
	Finalize(result *model.FinalResult)
	// Discarded reports a frame that arrived after the channel reached a terminal event.
	Discarded(evt model.StreamEvent)
}

// Options configures the consumer.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	// IdleTimeout aborts the channel when no frame arrives for this long.
	IdleTimeout time.Duration
	// MaxDuration bounds the whole channel.
	MaxDuration   time.Duration
	QueueCapacity int
}

// Consumer owns the processing channel for finalized cases.
type Consumer struct {
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewConsumer(opts Options, logger *logrus.Logger, m *metrics.Metrics) *Consumer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Consumer{
		opts:    opts,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("rural-triage/stream"),
	}
}

// Process opens the channel, sends req and applies events until a final event,
// an error event, a close, a timeout or ctx cancellation. It returns the applied
// final result, or an *AbortError when none was applied.
func (c *Consumer) Process(ctx context.Context, req Request, h Handler) (result *model.FinalResult, err error) {
	ctx, span := c.tracer.Start(ctx, "stream.process_case",
		trace.WithAttributes(attribute.String("case.id", req.CaseID)))
	started := time.Now()
	defer func() {
		c.observe(started, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("case.route", result.Route))
		}
		span.End()
	}()

	if c.opts.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.MaxDuration)
		defer cancel()
	}

	log := c.logger.WithFields(logrus.Fields{"component": "stream", "case_id": req.CaseID})

	conn, err := Dial(ctx, c.opts.URL, c.opts.HandshakeTimeout, nil)
	if err != nil {
		log.WithError(err).Warn("processing channel dial failed")
		return nil, abortFor(ctx, ReasonDial, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.Send(req); err != nil {
		return nil, abortFor(ctx, ReasonWrite, err)
	}
	log.WithField("answers", req.Answers.Len()).Info("processing channel open")

	r := &run{
		handler:   h,
		log:       log,
		metrics:   c.metrics,
		closeConn: func() { _ = conn.Close() },
	}
	queue := NewEventQueue(req.CaseID, c.opts.QueueCapacity, r.handle, c.logger)

	var readErr error
	go func() {
		defer queue.Close()
		for {
			data, err := conn.Read(c.opts.IdleTimeout)
			if err != nil {
				readErr = err
				return
			}
			if err := queue.Enqueue(ctx, model.DecodeStreamEvent(data)); err != nil {
				readErr = err
				return
			}
		}
	}()
	<-queue.Done()

	switch {
	case r.final != nil:
		log.WithFields(logrus.Fields{"route": r.final.Route, "discarded": r.discarded}).Info("processing channel finalized")
		return r.final, nil
	case r.abort != nil:
		log.WithField("message", r.abort.Message).Warn("pipeline reported an error")
		return nil, r.abort
	}

	abort := classifyReadError(ctx, readErr)
	log.WithError(readErr).WithField("reason", abort.Reason).Warn("processing channel ended without a final event")
	return nil, abort
}

func (c *Consumer) observe(started time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.StreamDuration.Observe(time.Since(started).Seconds())
	var abort *AbortError
	if errors.As(err, &abort) {
		c.metrics.StreamAborts.WithLabelValues(string(abort.Reason)).Inc()
	}
}

// run is the per-channel state touched only by the queue loop.
type run struct {
	handler   Handler
	log       *logrus.Entry
	metrics   *metrics.Metrics
	closeConn func()

	final     *model.FinalResult
	abort     *AbortError
	discarded int
}

func (r *run) terminal() bool {
	return r.final != nil || r.abort != nil
}

func (r *run) handle(evt model.StreamEvent) {
	if r.terminal() {
		r.discarded++
		if r.metrics != nil {
			r.metrics.StreamEventsDropped.Inc()
		}
		r.log.WithField("type", evt.Type).Warn("event after terminal event discarded")
		r.handler.Discarded(evt)
		return
	}

	switch evt.Type {
	case model.EventProgress, model.EventSymptoms:
		r.count(evt.Type)
		r.handler.Apply(evt)
	case model.EventFinal:
		r.count(evt.Type)
		r.final = evt.Result
		r.handler.Finalize(evt.Result)
		r.closeConn()
	case model.EventError:
		r.count(evt.Type)
		r.abort = &AbortError{Reason: ReasonErrorEvent, Message: evt.Message}
		r.closeConn()
	default:
		r.log.WithField("type", evt.Type).Warn("unknown event type ignored")
	}
}

func (r *run) count(t model.StreamEventType) {
	if r.metrics != nil {
		r.metrics.StreamEvents.WithLabelValues(string(t)).Inc()
	}
}

// abortFor prefers the context's verdict over the transport error it caused.
func abortFor(ctx context.Context, fallback AbortReason, err error) *AbortError {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &AbortError{Reason: ReasonMaxDuration, Err: err}
	case errors.Is(ctx.Err(), context.Canceled):
		return &AbortError{Reason: ReasonCancelled, Err: err}
	}
	return &AbortError{Reason: fallback, Err: err}
}

func classifyReadError(ctx context.Context, err error) *AbortError {
	if ctx.Err() != nil {
		return abortFor(ctx, ReasonClosed, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &AbortError{Reason: ReasonIdle, Err: err}
	}
	return &AbortError{Reason: ReasonClosed, Err: err}
}
