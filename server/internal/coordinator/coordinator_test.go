package coordinator

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rural-triage/server/internal/agents"
	"rural-triage/server/internal/branch"
	"rural-triage/server/internal/dispatch"
	"rural-triage/server/internal/intake"
	"rural-triage/server/internal/ledger"
	"rural-triage/server/internal/logging"
	"rural-triage/server/internal/metrics"
	"rural-triage/server/internal/model"
	"rural-triage/server/internal/pipelinestub"
	"rural-triage/server/internal/records"
	"rural-triage/server/internal/session"
	"rural-triage/server/internal/stream"
	"rural-triage/server/internal/timeline"
)

type env struct {
	stub     *pipelinestub.Server
	coord    *Coordinator
	disp     *dispatch.Dispatcher
	sessions *session.InMemoryStore
	timeline *timeline.InMemoryStore
}

func newEnv(t *testing.T, script pipelinestub.Script) *env {
	t.Helper()
	stub := pipelinestub.New(script, logging.Discard())
	spo2 := 97.0
	stub.Records.AddPatient("P-1", &model.Vitals{SpO2: &spo2})
	srv := httptest.NewServer(stub.Routes())
	t.Cleanup(srv.Close)

	logger := logging.Discard()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	rec := records.NewClient(srv.URL, "", time.Second)
	disp := dispatch.New(rec, ledger.NewMemory(0, nil), nil, dispatch.Options{}, logger, m)
	consumer := stream.NewConsumer(stream.Options{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/process_case",
		IdleTimeout: 2 * time.Second,
		MaxDuration: 5 * time.Second,
	}, logger, m)
	sessions := session.NewInMemoryStore()
	audit := timeline.NewInMemoryStore()

	coord := New("", "P-1", Deps{
		Protocol:   intake.NewProtocol(intake.NewClient(srv.URL, time.Second), logger, m, nil),
		Stream:     consumer,
		Vitals:     rec,
		Dispatcher: disp,
		Sessions:   sessions,
		Timeline:   audit,
		Logger:     logger,
		Metrics:    m,
	})
	t.Cleanup(coord.Close)
	return &env{stub: stub, coord: coord, disp: disp, sessions: sessions, timeline: audit}
}

// settle waits for the processing channel and any persistence it triggered.
func (e *env) settle() Update {
	e.coord.Wait()
	e.disp.Wait()
	return e.coord.Snapshot()
}

func (e *env) kinds(t *testing.T) []timeline.Kind {
	t.Helper()
	events, err := e.coord.Timeline(context.Background())
	require.NoError(t, err)
	var out []timeline.Kind
	for _, evt := range events {
		out = append(out, evt.Kind)
	}
	return out
}

func TestScenarioLowRoute(t *testing.T) {
	e := newEnv(t, pipelinestub.Script{FollowUps: 1, Questions: []string{"Any cough?"}, StepDelay: 20 * time.Millisecond})
	ctx := context.Background()

	u, err := e.coord.Submit(ctx, "fever 3 days")
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingAnswer, u.Phase)
	assert.Equal(t, "Any cough?", u.Prompt)
	assert.False(t, u.Busy)
	assert.NotEmpty(t, u.CaseID)

	u, err = e.coord.Submit(ctx, "no cough")
	require.NoError(t, err)
	assert.True(t, u.Busy, "input is refused while the channel is open")

	final := e.settle()
	assert.Equal(t, PhaseFinalized, final.Phase)
	assert.False(t, final.Busy)
	require.NotNil(t, final.Decision)
	assert.Equal(t, model.ModeMinimalBanner, final.Decision.Mode)
	assert.Equal(t, "Case "+u.CaseID+" · Low Risk", final.Decision.Banner)
	assert.Equal(t, u.CaseID, final.Decision.CaseID)

	pcp, _ := final.Board.Get(agents.PrimaryCare)
	assert.Equal(t, agents.StatusDone, pcp.Status)

	saves := e.stub.Records.Saves()
	require.Len(t, saves, 1)
	assert.Equal(t, model.RiskLow, saves[0].Classification)
	assert.Equal(t, u.CaseID, saves[0].CaseID)
	assert.Equal(t, "P-1", saves[0].PatientRef)

	require.NotNil(t, final.Notice)
	assert.Equal(t, "✅ Case Saved to Patient Record", final.Notice.Message)

	kinds := e.kinds(t)
	assert.Contains(t, kinds, timeline.KindCaseStarted)
	assert.Contains(t, kinds, timeline.KindFinalApplied)
	assert.Contains(t, kinds, timeline.KindPersisted)

	_, err = e.sessions.Get(ctx, e.coord.ID())
	assert.ErrorIs(t, err, session.ErrNotFound, "terminal state resets the session store")
}

func TestScenarioMediumRoute(t *testing.T) {
	e := newEnv(t, pipelinestub.Script{
		FollowUps:   1,
		Specialists: []string{"cardiology", "infectious_disease"},
	})
	ctx := context.Background()

	_, err := e.coord.Submit(ctx, "palpitations and fever")
	require.NoError(t, err)
	_, err = e.coord.Submit(ctx, "two days")
	require.NoError(t, err)

	final := e.settle()
	require.NotNil(t, final.Decision)
	assert.Equal(t, model.ModeSpecialistPanel, final.Decision.Mode)

	mdt, _ := final.Board.Get(agents.SpecialistPanel)
	assert.Equal(t, agents.StatusDone, mdt.Status)
	assert.True(t, mdt.Visible)

	saves := e.stub.Records.Saves()
	require.Len(t, saves, 1)
	assert.Equal(t, []string{"cardiology", "infectious_disease"}, saves[0].Specialists)
	assert.Equal(t, model.RiskMedium, saves[0].Classification)
}

func TestScenarioEmergency(t *testing.T) {
	e := newEnv(t, pipelinestub.Script{FollowUps: 0})

	u, err := e.coord.Submit(context.Background(), "chest pain since morning")
	require.NoError(t, err)
	caseID := u.CaseID

	final := e.settle()
	require.NotNil(t, final.Decision)
	assert.Equal(t, model.ModeEmergency, final.Decision.Mode)
	assert.False(t, final.Decision.ShowAgentDetail)
	assert.True(t, final.Board.Suppressed)
	for _, a := range final.Board.Agents {
		assert.False(t, a.Visible, a.ID)
	}

	saves := e.stub.Records.Saves()
	require.Len(t, saves, 1)
	assert.Equal(t, branch.EscalationReason, saves[0].EscalationReason)
	assert.Equal(t, model.RiskHigh, saves[0].Classification)
	assert.Equal(t, caseID, saves[0].CaseID, "the session's case id is used when the result carries none")
	assert.Equal(t, "🚨 High-Risk Case Saved to Patient Record", final.Notice.Message)
}

func TestScenarioGuardrail(t *testing.T) {
	e := newEnv(t, pipelinestub.Script{FollowUps: 2, Questions: []string{"How many days?", "Any rash?"}})
	ctx := context.Background()

	_, err := e.coord.Submit(ctx, "fever")
	require.NoError(t, err)

	u, err := e.coord.Submit(ctx, "?")
	require.NoError(t, err)
	assert.Equal(t, PhaseGuardrailRetry, u.Phase)
	assert.Equal(t, "How many days?", u.Prompt)
	require.NotNil(t, u.Notice)
	assert.Equal(t, model.NoticeGuardrail, u.Notice.Kind)
	assert.Equal(t, "⚠️ Guardrail: ⚠️ Please answer the question", u.Notice.Message)

	st, err := e.sessions.Get(ctx, e.coord.ID())
	require.NoError(t, err)
	assert.Equal(t, 0, st.Answers.Len())
	require.NotNil(t, st.Outstanding)
	assert.Equal(t, 0, st.Outstanding.Index)

	u, err = e.coord.Submit(ctx, "three")
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingAnswer, u.Phase)
	assert.Equal(t, "Any rash?", u.Prompt)
	assert.Nil(t, u.Notice)
}

func TestScenarioCloseWithoutFinal(t *testing.T) {
	e := newEnv(t, pipelinestub.Script{FollowUps: 0, DropFinal: true})

	_, err := e.coord.Submit(context.Background(), "fever")
	require.NoError(t, err)

	final := e.settle()
	assert.Equal(t, PhaseFailed, final.Phase)
	assert.False(t, final.Busy)
	assert.Nil(t, final.Decision)
	require.NotNil(t, final.Notice)
	assert.Equal(t, model.NoticeStreamAbort, final.Notice.Kind)

	for _, a := range final.Board.Agents {
		assert.NotEqual(t, agents.StatusRunning, a.Status, a.ID)
	}
	assert.Empty(t, e.stub.Records.Saves())
	assert.Contains(t, e.kinds(t), timeline.KindStreamAborted)
}

func TestBusyWhileStreamingAndCloseCancels(t *testing.T) {
	e := newEnv(t, pipelinestub.Script{FollowUps: 0, HoldOpen: true})
	ctx := context.Background()

	_, err := e.coord.Submit(ctx, "fever")
	require.NoError(t, err)

	_, err = e.coord.Submit(ctx, "another complaint")
	assert.ErrorIs(t, err, ErrBusy)

	e.coord.Close()
	assert.Equal(t, PhaseFailed, e.coord.Snapshot().Phase)

	_, err = e.coord.Submit(ctx, "fever")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEmptyInputIsRejected(t *testing.T) {
	e := newEnv(t, pipelinestub.Script{FollowUps: 1})

	u, err := e.coord.Submit(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, PhaseIdle, u.Phase)
	start, _ := e.stub.Calls()
	assert.Zero(t, start)
}

func TestUnknownCaseKeepsOutstandingQuestion(t *testing.T) {
	e := newEnv(t, pipelinestub.Script{FollowUps: 2, Questions: []string{"q1", "q2"}})
	ctx := context.Background()

	_, err := e.coord.Submit(ctx, "fever")
	require.NoError(t, err)

	// The service answers an unknown case id with a warning.
	st, err := e.sessions.Get(ctx, e.coord.ID())
	require.NoError(t, err)
	st.CaseID = "UNKNOWN1"
	require.NoError(t, e.sessions.Save(ctx, st))

	u, err := e.coord.Submit(ctx, "two days")
	require.NoError(t, err)
	assert.Equal(t, PhaseGuardrailRetry, u.Phase)
	assert.Equal(t, "⚠️ Guardrail: ⚠️ Invalid case.", u.Notice.Message)
	assert.Equal(t, "q1", u.Prompt)
}

func TestNetworkErrorNotice(t *testing.T) {
	logger := logging.Discard()
	coord := New("s1", "", Deps{
		Protocol: intake.NewProtocol(intake.NewClient("http://127.0.0.1:1", time.Second), logger, nil, nil),
		Logger:   logger,
	})
	defer coord.Close()

	u, err := coord.Submit(context.Background(), "fever")
	var netErr *intake.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, PhaseIdle, u.Phase)
	assert.False(t, u.Busy)
	require.NotNil(t, u.Notice)
	assert.Equal(t, model.NoticeNetwork, u.Notice.Kind)
	assert.True(t, strings.HasPrefix(u.Notice.Message, "⚠️ Network error: "))
}

func TestLoadVitals(t *testing.T) {
	e := newEnv(t, pipelinestub.Script{FollowUps: 0})

	v, err := e.coord.LoadVitals(context.Background())
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 97.0, *v.SpO2)
	assert.Equal(t, 97.0, *e.coord.Snapshot().Vitals.SpO2)
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	e := newEnv(t, pipelinestub.Script{FollowUps: 0})
	updates, cancel := e.coord.Subscribe()
	defer cancel()

	_, err := e.coord.Submit(context.Background(), "mild headache")
	require.NoError(t, err)
	e.settle()

	var phases []Phase
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u := <-updates:
			phases = append(phases, u.Phase)
			if u.Phase == PhaseFinalized && !u.Busy {
				assert.Contains(t, phases, PhaseSubmitting)
				assert.Contains(t, phases, PhaseStreamingOpen)
				assert.Contains(t, phases, PhaseAwaitingFinal)
				return
			}
		case <-timeout:
			t.Fatalf("no terminal update, saw %v", phases)
		}
	}
}

func TestCloseDropsStateAndTimeline(t *testing.T) {
	e := newEnv(t, pipelinestub.Script{FollowUps: 1, Questions: []string{"Any cough?"}})
	ctx := context.Background()

	_, err := e.coord.Submit(ctx, "fever")
	require.NoError(t, err)
	require.Equal(t, 1, e.timeline.Sessions())

	e.coord.Close()

	_, err = e.sessions.Get(ctx, e.coord.ID())
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Zero(t, e.timeline.Sessions())
	events, err := e.coord.Timeline(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// slowStart holds StartCase until released.
type slowStart struct {
	entered chan struct{}
	release chan struct{}
}

func (s *slowStart) StartCase(ctx context.Context, _ intake.StartCaseRequest) (intake.StartCaseResponse, error) {
	close(s.entered)
	<-s.release
	q := "Any cough?"
	return intake.StartCaseResponse{CaseID: "LATE0001", FirstQuestion: &q}, nil
}

func (s *slowStart) NextQuestion(context.Context, intake.NextQuestionRequest) (intake.NextQuestionResponse, error) {
	return intake.NextQuestionResponse{Done: true}, nil
}

func TestCloseDuringIntakeCallDiscardsLateState(t *testing.T) {
	svc := &slowStart{entered: make(chan struct{}), release: make(chan struct{})}
	logger := logging.Discard()
	sessions := session.NewInMemoryStore()
	audit := timeline.NewInMemoryStore()
	coord := New("s-late", "", Deps{
		Protocol: intake.NewProtocol(svc, logger, nil, nil),
		Sessions: sessions,
		Timeline: audit,
		Logger:   logger,
	})

	done := make(chan error, 1)
	go func() {
		_, err := coord.Submit(context.Background(), "fever")
		done <- err
	}()

	<-svc.entered
	coord.Close()
	close(svc.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not return")
	}

	_, err := sessions.Get(context.Background(), "s-late")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Zero(t, audit.Sessions())
}
