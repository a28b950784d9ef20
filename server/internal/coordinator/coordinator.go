// Package coordinator runs one nurse session end to end: the intake dialogue,
// the processing channel, branching on the final result and the persistence side effect.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rural-triage/server/internal/agents"
	"rural-triage/server/internal/branch"
	"rural-triage/server/internal/dispatch"
	"rural-triage/server/internal/intake"
	"rural-triage/server/internal/metrics"
	"rural-triage/server/internal/model"
	"rural-triage/server/internal/session"
	"rural-triage/server/internal/stream"
	"rural-triage/server/internal/timeline"
)

var (
	// ErrBusy is returned when input arrives while a call or the processing channel is outstanding.
	ErrBusy = errors.New("coordinator: busy")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator: closed")
	// ErrEmptyInput is returned for blank messages.
	ErrEmptyInput = errors.New("coordinator: empty input")
)

// StreamProcessor runs the processing channel for one case.
type StreamProcessor interface {
	Process(ctx context.Context, req stream.Request, h stream.Handler) (*model.FinalResult, error)
}

// VitalsSource looks up a patient's last recorded vitals.
type VitalsSource interface {
	GetPatientVitals(ctx context.Context, patientRef string) (*model.Vitals, error)
}

// Dispatcher persists a finalized case without blocking.
type Dispatcher interface {
	Dispatch(payload model.PersistencePayload, notify func(dispatch.Result))
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Protocol   *intake.Protocol
	Stream     StreamProcessor
	Vitals     VitalsSource
	Dispatcher Dispatcher
	Sessions   session.Store
	Timeline   timeline.Store
	Logger     *logrus.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Coordinator owns one session. Only one case is in flight at a time.
type Coordinator struct {
	id         string
	patientRef string
	deps       Deps
	board      *agents.Board
	log        *logrus.Entry

	baseCtx    context.Context
	baseCancel context.CancelFunc
	streamWG   sync.WaitGroup

	mu           sync.Mutex
	phase        Phase
	busy         bool
	closed       bool
	caseID       string
	prompt       string
	vitals       *model.Vitals
	decision     *branch.Decision
	lastNotice   *model.Notice
	cancelStream context.CancelFunc
	subs         map[int]chan Update
	nextSub      int
}

// New creates a session. An empty sessionID gets a generated one.
func New(sessionID, patientRef string, deps Deps) *Coordinator {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Sessions == nil {
		deps.Sessions = session.NewInMemoryStore()
	}
	if deps.Timeline == nil {
		deps.Timeline = timeline.NewInMemoryStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		id:         sessionID,
		patientRef: strings.TrimSpace(patientRef),
		deps:       deps,
		board:      agents.NewBoard(),
		log:        deps.Logger.WithFields(logrus.Fields{"component": "coordinator", "session_id": sessionID}),
		baseCtx:    ctx,
		baseCancel: cancel,
		phase:      PhaseIdle,
		subs:       make(map[int]chan Update),
	}
}

func (c *Coordinator) ID() string { return c.id }

func (c *Coordinator) PatientRef() string { return c.patientRef }

// LoadVitals fetches the patient's last vitals so they accompany the next case.
// Failure is reported as a notice and the session carries on without vitals.
func (c *Coordinator) LoadVitals(ctx context.Context) (*model.Vitals, error) {
	if c.patientRef == "" || c.deps.Vitals == nil {
		return nil, nil
	}
	v, err := c.deps.Vitals.GetPatientVitals(ctx, c.patientRef)
	if err != nil {
		c.log.WithError(err).WithField("patient_ref", c.patientRef).Warn("vitals lookup failed")
		c.publish(vitalsNotice(err, c.deps.Now()))
		return nil, err
	}

	c.mu.Lock()
	c.vitals = v.Clone()
	c.mu.Unlock()
	c.publish(nil)
	return v, nil
}

// Submit sends the nurse's text. With no case in progress the text is the chief
// complaint and starts a new case; otherwise it answers the outstanding question.
func (c *Coordinator) Submit(ctx context.Context, text string) (Update, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return c.Snapshot(), ErrEmptyInput
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Update{}, ErrClosed
	}
	if c.busy {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrBusy
	}
	c.busy = true
	starting := c.phase == PhaseIdle || c.phase.Terminal()
	restore := c.phase
	if starting {
		restore = PhaseIdle
		c.caseID = ""
		c.decision = nil
		c.board.Reset()
	}
	c.phase = PhaseSubmitting
	c.lastNotice = nil
	vitals := c.vitals.Clone()
	c.mu.Unlock()
	c.publish(nil)

	var (
		next *session.State
		out  intake.Outcome
		err  error
	)
	if starting {
		st := session.NewState(c.id, c.patientRef, text, vitals, c.deps.Now())
		next, out, err = c.deps.Protocol.Start(ctx, st)
	} else {
		var st *session.State
		st, err = c.deps.Sessions.Get(ctx, c.id)
		if err == nil {
			next, out, err = c.deps.Protocol.Submit(ctx, st, text)
		}
	}
	if err == nil {
		err = c.saveState(ctx, next)
	}
	if errors.Is(err, ErrClosed) {
		return Update{}, ErrClosed
	}
	if err != nil {
		caseID := c.currentCaseID()
		notice := intakeNotice(err, starting, caseID, c.deps.Now())
		c.record(caseID, timeline.KindIntakeFailed, notice.Message, map[string]interface{}{"starting": starting})
		c.log.WithError(err).Warn("intake call failed")
		c.settle(restore, "", notice)
		return c.Snapshot(), err
	}

	if starting {
		c.mu.Lock()
		c.caseID = next.CaseID
		c.mu.Unlock()
		c.record(next.CaseID, timeline.KindCaseStarted, next.Complaint, map[string]interface{}{"vitals": next.Vitals != nil})
	} else if out.Kind != intake.OutcomeGuardrail {
		c.record(next.CaseID, timeline.KindAnswerAccepted, text, nil)
	}

	switch out.Kind {
	case intake.OutcomeQuestion:
		c.record(next.CaseID, timeline.KindQuestionOffered, out.Prompt, map[string]interface{}{"slot": out.Slot.Index})
		c.settle(PhaseAwaitingAnswer, out.Prompt, nil)
	case intake.OutcomeGuardrail:
		c.record(next.CaseID, timeline.KindGuardrailRejected, out.Reason, map[string]interface{}{"slot": out.Slot.Index, "answer": text})
		c.settle(PhaseGuardrailRetry, out.Prompt, guardrailNotice(out.Reason, next.CaseID, c.deps.Now()))
	case intake.OutcomeReady:
		c.startStream(next)
	}
	return c.Snapshot(), nil
}

// saveState writes the state unless the session was closed while the call was in flight.
func (c *Coordinator) saveState(ctx context.Context, st *session.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.deps.Sessions.Save(ctx, st)
}

// settle ends a call: the session takes phase and accepts input again.
func (c *Coordinator) settle(phase Phase, prompt string, notice *model.Notice) {
	c.mu.Lock()
	c.phase = phase
	c.prompt = prompt
	c.busy = false
	c.mu.Unlock()
	c.publish(notice)
}

// Snapshot returns the current view of the session.
func (c *Coordinator) Snapshot() Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Update {
	u := Update{
		SessionID: c.id,
		CaseID:    c.caseID,
		Phase:     c.phase,
		Busy:      c.busy,
		Prompt:    c.prompt,
		Board:     c.board.Snapshot(),
		Vitals:    c.vitals.Clone(),
		At:        c.deps.Now(),
	}
	if c.decision != nil {
		d := *c.decision
		u.Decision = &d
	}
	if c.lastNotice != nil {
		n := *c.lastNotice
		u.Notice = &n
	}
	return u
}

// Subscribe returns a channel of updates and a function that cancels the subscription.
// A subscriber that falls behind misses updates rather than stalling the session.
func (c *Coordinator) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 32)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

func (c *Coordinator) publish(notice *model.Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if notice != nil {
		c.lastNotice = notice
	}
	if len(c.subs) == 0 {
		return
	}
	u := c.snapshotLocked()
	u.Notice = notice
	for _, ch := range c.subs {
		select {
		case ch <- u:
		default:
			c.log.Debug("subscriber behind, update dropped")
		}
	}
}

// Close ends the session as if the nurse navigated away: any open channel is
// cancelled and the session's store and timeline entries are dropped.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancelStream
	caseID := c.caseID
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.baseCancel()
	c.streamWG.Wait()

	if err := c.deps.Sessions.Delete(context.Background(), c.id); err != nil && !errors.Is(err, session.ErrNotFound) {
		c.log.WithError(err).Warn("session reset failed")
	}
	if err := c.deps.Timeline.Delete(context.Background(), c.id); err != nil {
		c.log.WithError(err).Warn("timeline cleanup failed")
	}
	c.log.WithField("case_id", caseID).Debug("session closed")

	c.mu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()
}

// Wait blocks until the processing channel, if any, has reached a terminal state.
func (c *Coordinator) Wait() {
	c.streamWG.Wait()
}

// Timeline returns the session's audit log.
func (c *Coordinator) Timeline(ctx context.Context) ([]timeline.Event, error) {
	return c.deps.Timeline.List(ctx, c.id)
}

func (c *Coordinator) currentCaseID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caseID
}

// record appends an audit entry. Nothing is recorded once the session is closed.
func (c *Coordinator) record(caseID string, kind timeline.Kind, text string, data map[string]interface{}) {
	evt := &timeline.Event{
		EventID:   uuid.NewString(),
		SessionID: c.id,
		CaseID:    caseID,
		Kind:      kind,
		Text:      text,
		Data:      data,
		At:        c.deps.Now(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if _, err := c.deps.Timeline.Append(context.Background(), c.id, evt); err != nil {
		c.log.WithError(err).WithField("kind", kind).Warn("timeline append failed")
	}
}
