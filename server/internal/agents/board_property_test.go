package agents

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"rural-triage/server/internal/model"
)

var sampleMessages = []string{
	"🧠 Shortlisting symptoms...",
	"✅ Shortlisting done",
	"✅ Complexity: low",
	"Routing to PCP…",
	"Routing to MDT team…",
	"MDT discussion completed.",
	"Simplifying output",
	"something unexpected",
}

func genEvent(t *rapid.T, label string) model.StreamEvent {
	if rapid.Bool().Draw(t, label+"_kind") {
		return model.StreamEvent{
			Type:    model.EventProgress,
			Message: rapid.SampledFrom(sampleMessages).Draw(t, label+"_msg"),
			Agent:   rapid.SampledFrom([]string{"", "", "pcp", "mdt", "bogus"}).Draw(t, label+"_agent"),
		}
	}
	n := rapid.IntRange(0, 3).Draw(t, label+"_n")
	symptoms := make([]string, n)
	for i := range symptoms {
		symptoms[i] = rapid.SampledFrom([]string{"fever", "cough", "rash"}).Draw(t, fmt.Sprintf("%s_s%d", label, i))
	}
	return model.StreamEvent{Type: model.EventSymptoms, Symptoms: symptoms}
}

// TestPropertyEventsAfterFinalDoNotMutate: once Finalize ran, no event changes the board.
func TestPropertyEventsAfterFinalDoNotMutate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewBoard()
		b.Begin()
		before := rapid.IntRange(0, 6).Draw(t, "before")
		for i := 0; i < before; i++ {
			b.Apply(genEvent(t, fmt.Sprintf("pre%d", i)))
		}
		mode := rapid.SampledFrom([]model.PresentationMode{model.ModeEmergency, model.ModeSpecialistPanel, model.ModeMinimalBanner}).Draw(t, "mode")
		b.Finalize(mode, &model.FinalResult{Route: string(mode)})
		frozen := b.Snapshot()

		after := rapid.IntRange(1, 6).Draw(t, "after")
		for i := 0; i < after; i++ {
			b.Apply(genEvent(t, fmt.Sprintf("post%d", i)))
		}
		b.FailPending()

		got := b.Snapshot()
		if len(got.Agents) != len(frozen.Agents) {
			t.Fatalf("agent count changed")
		}
		for i := range got.Agents {
			if got.Agents[i] != frozen.Agents[i] {
				t.Fatalf("agent %s changed after final: %+v -> %+v", got.Agents[i].ID, frozen.Agents[i], got.Agents[i])
			}
		}
	})
}

// TestPropertyNoAgentLeftRunning: after either terminal transition nothing is running.
func TestPropertyNoAgentLeftRunning(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := NewBoard()
		b.Begin()
		n := rapid.IntRange(0, 8).Draw(t, "n")
		for i := 0; i < n; i++ {
			b.Apply(genEvent(t, fmt.Sprintf("e%d", i)))
		}
		if rapid.Bool().Draw(t, "abort") {
			b.FailPending()
		} else {
			b.Finalize(model.ModeMinimalBanner, &model.FinalResult{Route: "low"})
		}
		if running := b.Running(); len(running) != 0 {
			t.Fatalf("agents still running: %v", running)
		}
	})
}
