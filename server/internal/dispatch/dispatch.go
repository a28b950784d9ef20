// Package dispatch persists finalized cases off the event loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rural-triage/server/internal/ledger"
	"rural-triage/server/internal/metrics"
	"rural-triage/server/internal/model"
	"rural-triage/server/internal/outbox"
	"rural-triage/server/internal/records"
)

// Saver writes one case to the record service.
type Saver interface {
	SaveCase(ctx context.Context, payload model.PersistencePayload) error
}

// PersistenceError is a save that did not go through. The clinical result shown
// to the nurse is unaffected.
type PersistenceError struct {
	CaseID   string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist case %s failed after %d attempt(s): %v", e.CaseID, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Status is the outcome of one dispatch.
type Status string

const (
	StatusSaved     Status = "saved"
	StatusDuplicate Status = "duplicate"
	StatusFailed    Status = "failed"
)

// Result is reported to the notify callback once a dispatch settles.
type Result struct {
	CaseID         string
	Classification model.RiskLevel
	Status         Status
	// Err is a *PersistenceError when Status is StatusFailed.
	Err error
}

// Message is the nurse-facing toast for the result.
func (r Result) Message() string {
	switch r.Status {
	case StatusSaved:
		if r.Classification == model.RiskHigh {
			return "🚨 High-Risk Case Saved to Patient Record"
		}
		return "✅ Case Saved to Patient Record"
	case StatusFailed:
		return "❌ Saving failed"
	}
	return ""
}

// Options bounds the save attempts.
type Options struct {
	// MaxAttempts of 1 means a single attempt with no retry.
	MaxAttempts int
	Backoff     time.Duration
	// AttemptTimeout bounds each SaveCase call.
	AttemptTimeout time.Duration
}

// Dispatcher runs each save on its own goroutine so it never blocks the stream.
type Dispatcher struct {
	saver   Saver
	ledger  ledger.Ledger
	outbox  outbox.Outbox
	opts    Options
	logger  *logrus.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

func New(saver Saver, l ledger.Ledger, ob outbox.Outbox, opts Options, logger *logrus.Logger, m *metrics.Metrics) *Dispatcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 15 * time.Second
	}
	if l == nil {
		l = ledger.NewMemory(0, nil)
	}
	if ob == nil {
		ob = outbox.Nop{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{saver: saver, ledger: l, outbox: ob, opts: opts, logger: logger, metrics: m}
}

// Dispatch starts persisting payload and returns immediately. notify, when not nil,
// is called from the dispatch goroutine with the outcome.
func (d *Dispatcher) Dispatch(payload model.PersistencePayload, notify func(Result)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res := d.persist(context.Background(), payload)
		d.record(res.Status)
		if notify != nil {
			notify(res)
		}
	}()
}

// Wait blocks until every started dispatch has settled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) persist(ctx context.Context, payload model.PersistencePayload) Result {
	res := Result{CaseID: payload.CaseID, Classification: payload.Classification}
	log := d.logger.WithFields(logrus.Fields{
		"component":      "dispatch",
		"case_id":        payload.CaseID,
		"classification": payload.Classification,
	})

	claimed, err := d.ledger.Claim(ctx, payload.CaseID)
	if err != nil {
		// Without a ledger answer the save is parked instead of risking a second write.
		log.WithError(err).Error("persistence ledger unavailable")
		res.Status = StatusFailed
		res.Err = &PersistenceError{CaseID: payload.CaseID, Err: err}
		d.park(ctx, payload, err, log)
		return res
	}
	if !claimed {
		log.Warn("case already persisted, skipping")
		res.Status = StatusDuplicate
		return res
	}

	var lastErr error
	attempts := 0
	for attempts < d.opts.MaxAttempts {
		if attempts > 0 {
			time.Sleep(d.opts.Backoff * time.Duration(attempts))
		}
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
		lastErr = d.saver.SaveCase(attemptCtx, payload)
		cancel()
		if lastErr == nil {
			log.WithField("attempts", attempts).Info("case saved to patient record")
			res.Status = StatusSaved
			return res
		}
		log.WithError(lastErr).WithField("attempt", attempts).Warn("case save failed")
		if permanent(lastErr) {
			break
		}
	}

	res.Status = StatusFailed
	res.Err = &PersistenceError{CaseID: payload.CaseID, Attempts: attempts, Err: lastErr}
	d.park(ctx, payload, lastErr, log)
	return res
}

// permanent reports whether retrying the save cannot help.
func permanent(err error) bool {
	if errors.Is(err, records.ErrPatientNotFound) {
		return true
	}
	var statusErr *records.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 400 && statusErr.Status < 500 &&
			statusErr.Status != http.StatusRequestTimeout && statusErr.Status != http.StatusTooManyRequests
	}
	return false
}

func (d *Dispatcher) park(ctx context.Context, payload model.PersistencePayload, cause error, log *logrus.Entry) {
	if err := d.outbox.Put(ctx, payload, cause); err != nil {
		log.WithError(err).Error("failed to park case in outbox")
		return
	}
	d.refreshPending(ctx)
}

func (d *Dispatcher) record(status Status) {
	if d.metrics != nil {
		d.metrics.PersistenceResults.WithLabelValues(string(status)).Inc()
	}
}

func (d *Dispatcher) refreshPending(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	if entries, err := d.outbox.List(ctx); err == nil {
		d.metrics.OutboxPending.Set(float64(len(entries)))
	}
}
