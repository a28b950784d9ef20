package coordinator

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"rural-triage/server/internal/branch"
	"rural-triage/server/internal/dispatch"
	"rural-triage/server/internal/model"
	"rural-triage/server/internal/session"
	"rural-triage/server/internal/stream"
	"rural-triage/server/internal/timeline"
)

// startStream opens the processing channel for a case whose intake is complete.
// The session stays busy until the channel reaches a terminal state.
func (c *Coordinator) startStream(st *session.State) {
	c.mu.Lock()
	if c.closed {
		c.busy = false
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.cancelStream = cancel
	c.phase = PhaseStreamingOpen
	c.prompt = ""
	c.streamWG.Add(1)
	c.mu.Unlock()

	c.board.Begin()
	c.record(st.CaseID, timeline.KindStreamOpened, "", map[string]interface{}{"answers": st.Answers.Len()})
	c.publish(nil)

	go func() {
		defer c.streamWG.Done()
		defer cancel()
		c.runStream(ctx, st)
	}()
}

func (c *Coordinator) runStream(ctx context.Context, st *session.State) {
	log := c.log.WithField("case_id", st.CaseID)
	h := &streamHandler{c: c, st: st, log: log}

	_, err := c.deps.Stream.Process(ctx, stream.Request{CaseID: st.CaseID, Answers: st.Answers.Clone()}, h)

	now := c.deps.Now()
	phase := PhaseFinalized
	var notice *model.Notice
	if err != nil {
		phase = PhaseFailed
		failed := c.board.FailPending()
		notice = abortNotice(err, st.CaseID, now)

		data := map[string]interface{}{"failed_agents": len(failed)}
		var abort *stream.AbortError
		if errors.As(err, &abort) {
			data["reason"] = string(abort.Reason)
		}
		c.record(st.CaseID, timeline.KindStreamAborted, notice.Message, data)
		log.WithError(err).Warn("case failed")
	}

	// The case is over either way; the next message starts a fresh one.
	if err := c.deps.Sessions.Delete(context.Background(), c.id); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.WithError(err).Warn("session reset failed")
	}

	c.mu.Lock()
	c.phase = phase
	c.busy = false
	c.cancelStream = nil
	c.mu.Unlock()
	c.publish(notice)
}

// streamHandler applies channel events for one case. Its methods run on the
// stream's queue loop, one event at a time.
type streamHandler struct {
	c   *Coordinator
	st  *session.State
	log *logrus.Entry
}

func (h *streamHandler) Apply(evt model.StreamEvent) {
	c := h.c
	c.mu.Lock()
	if c.phase == PhaseStreamingOpen {
		c.phase = PhaseAwaitingFinal
	}
	c.mu.Unlock()

	id, applied := c.board.Apply(evt)
	c.record(h.st.CaseID, timeline.KindStreamEvent, evt.Message, map[string]interface{}{
		"type":    string(evt.Type),
		"agent":   string(id),
		"applied": applied,
	})
	c.publish(nil)
}

func (h *streamHandler) Finalize(final *model.FinalResult) {
	c := h.c
	now := c.deps.Now()
	d := branch.Route(final, h.st.CaseID, h.st.PatientRef, now)

	c.board.Finalize(d.Mode, final)
	if c.deps.Metrics != nil {
		c.deps.Metrics.FinalRoutes.WithLabelValues(string(d.Classification)).Inc()
	}
	c.record(h.st.CaseID, timeline.KindFinalApplied, final.SummaryText(), map[string]interface{}{
		"mode":           string(d.Mode),
		"classification": string(d.Classification),
		"route_label":    d.RouteLabel,
		"recognized":     d.Recognized,
	})

	var notice *model.Notice
	if !d.Recognized {
		notice = unknownRouteNotice(d.RouteLabel, h.st.CaseID, now)
	}

	c.mu.Lock()
	c.decision = &d
	c.phase = PhaseFinalized
	c.mu.Unlock()
	c.publish(notice)

	h.log.WithFields(logrus.Fields{"mode": d.Mode, "classification": d.Classification}).Info("final result applied")

	if c.deps.Dispatcher != nil {
		caseID := h.st.CaseID
		c.deps.Dispatcher.Dispatch(d.Payload, func(r dispatch.Result) {
			kind := timeline.KindPersisted
			text := string(r.Status)
			if r.Err != nil {
				kind = timeline.KindPersistFailed
				text = r.Err.Error()
			}
			c.record(caseID, kind, text, map[string]interface{}{"status": string(r.Status)})
			if n := persistenceNotice(r, c.deps.Now()); n != nil {
				c.publish(n)
			}
		})
	}
}

func (h *streamHandler) Discarded(evt model.StreamEvent) {
	h.c.record(h.st.CaseID, timeline.KindEventDiscarded, evt.Message, map[string]interface{}{"type": string(evt.Type)})
}
