package stream

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rural-triage/server/internal/intake"
	"rural-triage/server/internal/logging"
	"rural-triage/server/internal/metrics"
	"rural-triage/server/internal/model"
	"rural-triage/server/internal/pipelinestub"
)

type recordingHandler struct {
	mu        sync.Mutex
	applied   []model.StreamEvent
	finals    []*model.FinalResult
	discarded []model.StreamEvent
}

func (h *recordingHandler) Apply(evt model.StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied = append(h.applied, evt)
}

func (h *recordingHandler) Finalize(result *model.FinalResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finals = append(h.finals, result)
}

func (h *recordingHandler) Discarded(evt model.StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discarded = append(h.discarded, evt)
}

type fixture struct {
	stub *pipelinestub.Server
	url  string
	ws   string
}

func newFixture(t *testing.T, script pipelinestub.Script) *fixture {
	t.Helper()
	stub := pipelinestub.New(script, logging.Discard())
	srv := httptest.NewServer(stub.Routes())
	t.Cleanup(srv.Close)
	return &fixture{stub: stub, url: srv.URL, ws: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/process_case"}
}

func (f *fixture) startCase(t *testing.T, complaint string) string {
	t.Helper()
	resp, err := intake.NewClient(f.url, time.Second).StartCase(context.Background(), intake.StartCaseRequest{PatientInput: complaint})
	require.NoError(t, err)
	return resp.CaseID
}

func (f *fixture) consumer(opts Options, m *metrics.Metrics) *Consumer {
	opts.URL = f.ws
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 5 * time.Second
	}
	return NewConsumer(opts, logging.Discard(), m)
}

func TestProcessLowRoute(t *testing.T) {
	f := newFixture(t, pipelinestub.Script{})
	caseID := f.startCase(t, "mild headache")
	m := metrics.NewMetrics(prometheus.NewRegistry())

	var answers model.Answers
	answers.Set("How long?", "2 days")

	h := &recordingHandler{}
	result, err := f.consumer(Options{}, m).Process(context.Background(), Request{CaseID: caseID, Answers: answers}, h)
	require.NoError(t, err)

	assert.Equal(t, "low", result.Route)
	assert.Equal(t, caseID, result.CaseID)
	require.Len(t, h.finals, 1)
	assert.Same(t, result, h.finals[0])

	require.NotEmpty(t, h.applied)
	assert.Equal(t, model.EventProgress, h.applied[0].Type)
	assert.Equal(t, "🧠 Shortlisting symptoms...", h.applied[0].Message)
	assert.Equal(t, model.EventSymptoms, h.applied[1].Type)
	assert.Equal(t, []string{"headache"}, h.applied[1].Symptoms)

	streams := f.stub.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, caseID, streams[0].CaseID)
	got, _ := streams[0].Answers.Get("How long?")
	assert.Equal(t, "2 days", got)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.StreamEvents.WithLabelValues("final")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StreamEvents.WithLabelValues("symptoms")))
}

func TestProcessEmergencyRoute(t *testing.T) {
	f := newFixture(t, pipelinestub.Script{})
	caseID := f.startCase(t, "crushing chest pain")

	h := &recordingHandler{}
	result, err := f.consumer(Options{}, nil).Process(context.Background(), Request{CaseID: caseID}, h)
	require.NoError(t, err)
	assert.Equal(t, "high", result.Route)
	assert.Empty(t, result.CaseID, "emergency results carry no case id")
}

func TestProcessAborts(t *testing.T) {
	cases := []struct {
		name   string
		script pipelinestub.Script
		opts   Options
		caseID string
		reason AbortReason
		msg    string
	}{
		{name: "error event", script: pipelinestub.Script{ErrorMessage: "pipeline crashed"}, reason: ReasonErrorEvent, msg: "pipeline crashed"},
		{name: "unknown case", caseID: "NOPE", reason: ReasonErrorEvent, msg: "Invalid case_id"},
		{name: "close before final", script: pipelinestub.Script{DropFinal: true}, reason: ReasonClosed},
		{name: "idle", script: pipelinestub.Script{HoldOpen: true}, opts: Options{IdleTimeout: 100 * time.Millisecond}, reason: ReasonIdle},
		{name: "max duration", script: pipelinestub.Script{HoldOpen: true}, opts: Options{MaxDuration: 150 * time.Millisecond}, reason: ReasonMaxDuration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.script)
			caseID := tc.caseID
			if caseID == "" {
				caseID = f.startCase(t, "fever")
			}
			m := metrics.NewMetrics(prometheus.NewRegistry())
			h := &recordingHandler{}

			result, err := f.consumer(tc.opts, m).Process(context.Background(), Request{CaseID: caseID}, h)
			assert.Nil(t, result)

			var abort *AbortError
			require.True(t, errors.As(err, &abort), "got %v", err)
			assert.Equal(t, tc.reason, abort.Reason)
			if tc.msg != "" {
				assert.Equal(t, tc.msg, abort.Message)
			}
			assert.Empty(t, h.finals)
			assert.Equal(t, float64(1), testutil.ToFloat64(m.StreamAborts.WithLabelValues(string(tc.reason))))
		})
	}
}

func TestProcessCancelled(t *testing.T) {
	f := newFixture(t, pipelinestub.Script{HoldOpen: true})
	caseID := f.startCase(t, "fever")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := f.consumer(Options{}, nil).Process(ctx, Request{CaseID: caseID}, &recordingHandler{})
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, ReasonCancelled, abort.Reason)
}

func TestProcessDialFailure(t *testing.T) {
	c := NewConsumer(Options{URL: "ws://127.0.0.1:1/ws/process_case", HandshakeTimeout: time.Second}, logging.Discard(), nil)

	_, err := c.Process(context.Background(), Request{CaseID: "X"}, &recordingHandler{})
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, ReasonDial, abort.Reason)
	assert.Equal(t, "❌ Could not reach the classification pipeline.", abort.UserMessage())
}

func TestRunDiscardsAfterFinal(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	h := &recordingHandler{}
	closes := 0
	r := &run{handler: h, log: logging.Discard().WithField("case_id", "C1"), metrics: m, closeConn: func() { closes++ }}

	r.handle(model.StreamEvent{Type: model.EventProgress, Message: "🧠 Shortlisting symptoms..."})
	r.handle(model.StreamEvent{Type: model.EventFinal, Result: &model.FinalResult{Route: "low"}})
	r.handle(model.StreamEvent{Type: model.EventProgress, Message: "late"})
	r.handle(model.StreamEvent{Type: model.EventFinal, Result: &model.FinalResult{Route: "high"}})
	r.handle(model.StreamEvent{Type: model.EventError, Message: "late error"})

	assert.Len(t, h.applied, 1)
	require.Len(t, h.finals, 1)
	assert.Equal(t, "low", h.finals[0].Route)
	assert.Len(t, h.discarded, 3)
	assert.Equal(t, 3, r.discarded)
	assert.Equal(t, 1, closes)
	assert.Nil(t, r.abort)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.StreamEventsDropped))
}

func TestRunIgnoresUnknownTypes(t *testing.T) {
	h := &recordingHandler{}
	r := &run{handler: h, log: logging.Discard().WithField("case_id", "C1"), closeConn: func() {}}

	r.handle(model.StreamEvent{Type: "heartbeat"})
	r.handle(model.StreamEvent{Type: model.EventError, Message: "boom"})
	r.handle(model.StreamEvent{Type: model.EventFinal, Result: &model.FinalResult{}})

	assert.Empty(t, h.applied)
	assert.Empty(t, h.finals, "a final after an error event is not applied")
	require.NotNil(t, r.abort)
	assert.Equal(t, "❌ boom", r.abort.UserMessage())
}
