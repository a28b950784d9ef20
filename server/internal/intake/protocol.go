package intake

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rural-triage/server/internal/metrics"
	"rural-triage/server/internal/model"
	"rural-triage/server/internal/session"
)

// OutcomeKind is the branch a protocol step ended in.
type OutcomeKind string

const (
	// OutcomeQuestion: a new question is outstanding.
	OutcomeQuestion OutcomeKind = "question"
	// OutcomeGuardrail: the answer was rejected; the same slot must be answered again.
	OutcomeGuardrail OutcomeKind = "guardrail"
	// OutcomeReady: no more questions, the case can be finalized.
	OutcomeReady OutcomeKind = "ready"
)

// Outcome describes the result of Start or Submit.
type Outcome struct {
	Kind OutcomeKind
	// Slot is the outstanding question for OutcomeQuestion and OutcomeGuardrail.
	Slot session.Slot
	// Prompt is the text to show. For a guardrail rejection the service may rephrase the question.
	Prompt string
	// Reason is the guardrail's explanation.
	Reason string
}

// Protocol drives the turn-based intake exchange.
//
// It never mutates the state it is given. Start and Submit return an updated copy on
// success and the caller saves it; on failure the caller keeps its original, so a failed
// call leaves history untouched. Only one call may be in flight at a time.
type Protocol struct {
	svc     Service
	now     func() time.Time
	logger  *logrus.Logger
	metrics *metrics.Metrics

	inFlight sync.Mutex
}

func NewProtocol(svc Service, logger *logrus.Logger, m *metrics.Metrics, now func() time.Time) *Protocol {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Protocol{svc: svc, now: now, logger: logger, metrics: m}
}

// Start opens a case for the state's complaint and vitals.
func (p *Protocol) Start(ctx context.Context, st *session.State) (*session.State, Outcome, error) {
	if !p.inFlight.TryLock() {
		return nil, Outcome{}, ErrCallInFlight
	}
	defer p.inFlight.Unlock()

	if st.Frozen {
		return nil, Outcome{}, ErrCaseClosed
	}
	if st.CaseID != "" {
		return nil, Outcome{}, ErrAlreadyStarted
	}

	req := StartCaseRequest{PatientInput: strings.TrimSpace(st.Complaint)}
	if st.Vitals != nil {
		req.Vitals = *st.Vitals.Clone()
	}

	started := p.now()
	resp, err := p.svc.StartCase(ctx, req)
	p.observe(opStartCase, started, err)
	if err != nil {
		p.logger.WithError(err).WithField("session_id", st.SessionID).Warn("start_case failed")
		return nil, Outcome{}, err
	}

	next := st.Clone()
	now := p.now()
	if err := next.AssignCaseID(resp.CaseID, now); err != nil {
		return nil, Outcome{}, err
	}

	log := p.logger.WithFields(logrus.Fields{"session_id": st.SessionID, "case_id": resp.CaseID})
	if resp.FirstQuestion == nil || strings.TrimSpace(*resp.FirstQuestion) == "" {
		log.Info("case started, no follow-up questions")
		return next, Outcome{Kind: OutcomeReady}, nil
	}

	slot, err := next.Offer(*resp.FirstQuestion, now)
	if err != nil {
		return nil, Outcome{}, err
	}
	log.WithField("slot", slot.Index).Info("case started")
	return next, Outcome{Kind: OutcomeQuestion, Slot: slot, Prompt: slot.Question}, nil
}

// Submit answers the outstanding question. The slot is taken from the state,
// so an answer can only ever target the current question.
func (p *Protocol) Submit(ctx context.Context, st *session.State, answer string) (*session.State, Outcome, error) {
	if !p.inFlight.TryLock() {
		return nil, Outcome{}, ErrCallInFlight
	}
	defer p.inFlight.Unlock()

	if st.Frozen {
		return nil, Outcome{}, ErrCaseClosed
	}
	if st.CaseID == "" {
		return nil, Outcome{}, ErrNotStarted
	}
	if st.Outstanding == nil {
		return nil, Outcome{}, ErrNoOutstandingQuestion
	}
	slot := *st.Outstanding

	var pair model.Answers
	pair.Set(slot.Question, answer)

	started := p.now()
	resp, err := p.svc.NextQuestion(ctx, NextQuestionRequest{CaseID: st.CaseID, Answers: pair})
	p.observe(opNextQuestion, started, err)

	log := p.logger.WithFields(logrus.Fields{"session_id": st.SessionID, "case_id": st.CaseID, "slot": slot.Index})
	if err != nil {
		log.WithError(err).Warn("next_question failed")
		return nil, Outcome{}, err
	}

	if resp.Warning != "" {
		if p.metrics != nil {
			p.metrics.GuardrailRejections.Inc()
		}
		prompt := slot.Question
		if resp.NextQuestion != nil && strings.TrimSpace(*resp.NextQuestion) != "" {
			prompt = *resp.NextQuestion
		}
		log.WithField("reason", resp.Warning).Info("answer rejected by guardrail")
		return st.Clone(), Outcome{Kind: OutcomeGuardrail, Slot: slot, Prompt: prompt, Reason: resp.Warning}, nil
	}

	next := st.Clone()
	now := p.now()

	if resp.Done {
		if err := next.Answer(slot, answer, now); err != nil {
			return nil, Outcome{}, err
		}
		log.Info("intake complete")
		return next, Outcome{Kind: OutcomeReady}, nil
	}

	if resp.NextQuestion == nil || strings.TrimSpace(*resp.NextQuestion) == "" {
		return nil, Outcome{}, &ServiceError{
			Op:      opNextQuestion,
			Status:  http.StatusOK,
			Message: "case service returned neither a question nor completion",
		}
	}

	if err := next.Answer(slot, answer, now); err != nil {
		return nil, Outcome{}, err
	}
	newSlot, err := next.Offer(*resp.NextQuestion, now)
	if err != nil {
		return nil, Outcome{}, err
	}
	log.WithField("next_slot", newSlot.Index).Info("answer accepted")
	return next, Outcome{Kind: OutcomeQuestion, Slot: newSlot, Prompt: newSlot.Question}, nil
}

func (p *Protocol) observe(op string, started time.Time, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.IntakeCallDuration.WithLabelValues(op).Observe(p.now().Sub(started).Seconds())
	outcome := "ok"
	var netErr *NetworkError
	var svcErr *ServiceError
	switch {
	case errors.As(err, &netErr):
		outcome = "network_error"
	case errors.As(err, &svcErr):
		outcome = "service_error"
	case err != nil:
		outcome = "error"
	}
	p.metrics.IntakeCalls.WithLabelValues(op, outcome).Inc()
}
