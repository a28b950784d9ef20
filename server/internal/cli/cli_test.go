package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rural-triage/server/internal/agents"
	"rural-triage/server/internal/branch"
	"rural-triage/server/internal/config"
	"rural-triage/server/internal/logging"
	"rural-triage/server/internal/model"
	"rural-triage/server/internal/outbox"
	"rural-triage/server/internal/pipelinestub"
)

var testTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "stub", "intake", "outbox", "version"} {
		assert.True(t, names[want], "expected %q to be registered", want)
	}

	sub := map[string]bool{}
	for _, cmd := range outboxCmd.Commands() {
		sub[cmd.Name()] = true
	}
	assert.True(t, sub["list"])
	assert.True(t, sub["replay"])
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2026-01-01")
	defer SetVersionInfo("dev", "none", "unknown")

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	defer versionCmd.SetOut(nil)
	versionCmd.Run(versionCmd, nil)

	assert.Contains(t, out.String(), "triage 1.2.3")
	assert.Contains(t, out.String(), "commit: abc123")
}

func TestLoadConfigReadsEnvFile(t *testing.T) {
	origEnv, origConfig := envFile, configPath
	defer func() { envFile, configPath = origEnv, origConfig }()
	t.Cleanup(func() { os.Unsetenv("TRIAGE_RECORDS_TOKEN") })

	dir := t.TempDir()
	envFile = filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TRIAGE_RECORDS_TOKEN=from-dotenv\n"), 0o600))
	configPath = ""

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Records.Token)
}

func TestLoadConfigMissingEnvFile(t *testing.T) {
	origEnv, origConfig := envFile, configPath
	defer func() { envFile, configPath = origEnv, origConfig }()

	envFile = filepath.Join(t.TempDir(), "absent.env")
	configPath = ""

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.Default().Pipeline.BaseURL, cfg.Pipeline.BaseURL)
}

func stubApp(t *testing.T, script pipelinestub.Script, outboxDSN string) (*app, *pipelinestub.Server) {
	t.Helper()
	stub := pipelinestub.New(script, logging.Discard())
	stub.Records.AddPatient("P-1", &model.Vitals{SpO2: model.Float(96), Pulse: model.Float(88)})
	srv := httptest.NewServer(stub.Routes())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Pipeline.BaseURL = srv.URL
	cfg.Records.BaseURL = srv.URL
	if outboxDSN != "" {
		cfg.Persistence.Outbox = config.OutboxConfig{Driver: "sqlite", DSN: outboxDSN}
	}
	a, err := newApp(cfg)
	require.NoError(t, err)
	a.quiet(io.Discard)
	t.Cleanup(a.close)
	return a, stub
}

func dialogueOutput(t *testing.T, a *app, patientRef, input string) string {
	t.Helper()
	coord := a.session(patientRef)
	defer coord.Close()
	_, _ = coord.LoadVitals(context.Background())

	var out bytes.Buffer
	require.NoError(t, runDialogue(context.Background(), coord, strings.NewReader(input), &out, a.dispatcher.Wait))
	return out.String()
}

func TestDialogueLowRoute(t *testing.T) {
	a, stub := stubApp(t, pipelinestub.Script{FollowUps: 1, Questions: []string{"Any cough?"}}, "")

	out := dialogueOutput(t, a, "P-1", "fever since yesterday\nno cough\n/quit\n")

	assert.Contains(t, out, "Vitals on record: SpO2 96%, pulse 88")
	assert.Contains(t, out, "Any cough?")
	assert.Regexp(t, `Case \S+ · Low Risk`, out)
	assert.Contains(t, out, completeMessage)
	assert.Contains(t, out, "✅ Case Saved to Patient Record")
	require.Len(t, stub.Records.Saves(), 1)
}

func TestDialogueEmergency(t *testing.T) {
	a, _ := stubApp(t, pipelinestub.Script{FollowUps: 0}, "")

	out := dialogueOutput(t, a, "P-1", "severe chest pain and sweating\n")

	assert.Contains(t, out, emergencyMessage)
	assert.Contains(t, out, "🚨 High-Risk Case Saved to Patient Record")
	assert.NotContains(t, out, completeMessage)
}

func TestDialogueGuardrailRepeatsQuestion(t *testing.T) {
	a, _ := stubApp(t, pipelinestub.Script{FollowUps: 1, Questions: []string{"How many days?"}}, "")

	out := dialogueOutput(t, a, "P-1", "headache\n?\n/quit\n")

	assert.Contains(t, out, "⚠️ Guardrail: ⚠️ Please answer the question")
	assert.Equal(t, 2, strings.Count(out, "How many days?"))
}

func TestDialogueUnknownPatient(t *testing.T) {
	a, _ := stubApp(t, pipelinestub.Script{}, "")

	out := dialogueOutput(t, a, "NOBODY", "/quit\n")
	assert.Contains(t, out, "⚠️ Patient not found; continuing without vitals.")
}

func TestRenderDecision(t *testing.T) {
	final := &model.FinalResult{
		Route:       "high",
		Symptoms:    []string{"chest pain"},
		Specialists: []string{"cardiology"},
		Summary:     model.Summary{Condition: model.TextList{"Possible cardiac event"}},
	}
	board := agents.NewBoard()
	board.Begin()

	emergency := branch.Route(final, "C1", "P-1", testTime)
	board.Finalize(emergency.Mode, final)
	out := renderDecision(&emergency, board.Snapshot())
	assert.Contains(t, out, emergencyMessage)
	assert.Contains(t, out, "Possible cardiac event")
	assert.NotContains(t, out, "Symptom Collector")

	final.Route = "medium"
	board.Begin()
	medium := branch.Route(final, "C1", "P-1", testTime)
	board.Finalize(medium.Mode, final)
	out = renderDecision(&medium, board.Snapshot())
	assert.Contains(t, out, "Medium Risk")
	assert.Contains(t, out, "• cardiology")
	assert.Contains(t, out, completeMessage)

	assert.Empty(t, renderDecision(nil, agents.Snapshot{}))
}

func TestReplayCommand(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "outbox.db")
	a, stub := stubApp(t, pipelinestub.Script{}, dsn)

	ob, err := outbox.Open(config.OutboxConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	payload := model.PersistencePayload{PatientRef: "P-1", CaseID: "C9", Classification: model.RiskLow, Timestamp: testTime}
	require.NoError(t, ob.Put(context.Background(), payload, errors.New("database unavailable")))

	var listed bytes.Buffer
	entries, err := ob.List(context.Background())
	require.NoError(t, err)
	printEntries(&listed, entries)
	assert.Contains(t, listed.String(), "C9")
	assert.Contains(t, listed.String(), "database unavailable")
	require.NoError(t, ob.Close())

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetContext(context.Background())
	require.NoError(t, replay(cmd, a.dispatcher, nil))

	assert.Contains(t, out.String(), "C9 saved")
	assert.Contains(t, out.String(), "1 saved, 0 still parked")
	require.Len(t, stub.Records.Saves(), 1)
}

func TestPrintEntriesEmpty(t *testing.T) {
	var out bytes.Buffer
	printEntries(&out, nil)
	assert.Equal(t, "outbox is empty\n", out.String())
}
