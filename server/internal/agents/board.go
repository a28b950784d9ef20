package agents

import (
	"strings"
	"sync"

	"rural-triage/server/internal/model"
)

const outputSeparator = "\n\n"

// Board is the agent state model for one case.
//
// Mutations come from a single writer: the stream consumer's apply loop.
// The lock only makes Snapshot safe for concurrent readers.
// Once a final event or an abort has been applied the board is sealed and
// every later mutation is a no-op.
type Board struct {
	mu         sync.RWMutex
	agents     []Agent
	symptoms   []string
	sealed     bool
	suppressed bool
}

// Snapshot is a copy of the board for rendering.
type Snapshot struct {
	Agents []Agent `json:"agents"`
	// Suppressed is set for emergency cases: no per-agent detail may be shown.
	Suppressed bool `json:"suppressed"`
	Sealed     bool `json:"sealed"`
}

func NewBoard() *Board {
	b := &Board{}
	b.resetLocked()
	return b
}

// Reset returns every agent to idle and hidden and unseals the board.
func (b *Board) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// Begin prepares the board for a new channel: everything reset,
// the Symptom Collector shown as running.
func (b *Board) Begin() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
	i := indexOf(Symptom)
	b.agents[i].Status = StatusRunning
	b.agents[i].Visible = true
}

func (b *Board) resetLocked() {
	b.agents = make([]Agent, len(registry))
	for i, d := range registry {
		b.agents[i] = Agent{ID: d.id, Title: d.title, Subtitle: d.subtitle, Status: StatusIdle}
	}
	b.symptoms = nil
	b.sealed = false
	b.suppressed = false
}

// Apply folds a progress or symptoms event into the board and returns the agent it touched.
// Final and error events are not handled here. It returns false when the board is sealed
// or the event does not target an agent.
func (b *Board) Apply(evt model.StreamEvent) (ID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return "", false
	}

	switch evt.Type {
	case model.EventProgress:
		target := ID(evt.Agent)
		if !Valid(target) {
			target = Classify(evt.Message)
		}
		switch {
		case target == Symptom && isShortlistingDone(evt.Message) && b.symptoms != nil:
			b.updateLocked(Symptom, StatusRunning, evt.Message)
			b.doneLocked(Symptom, formatSymptoms(b.symptoms, "None"), true)
		case target == Complexity && carriesLevel(evt.Message):
			b.updateLocked(Complexity, StatusDone, evt.Message)
		default:
			b.updateLocked(target, StatusRunning, evt.Message)
		}
		return target, true

	case model.EventSymptoms:
		b.symptoms = append([]string{}, evt.Symptoms...)
		b.doneLocked(Symptom, formatSymptoms(b.symptoms, "None"), true)
		return Symptom, true
	}

	return "", false
}

// Finalize applies the final classification and seals the board.
// Emergency mode hides every agent; the other modes complete the relevant stages.
func (b *Board) Finalize(mode model.PresentationMode, final *model.FinalResult) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return false
	}
	b.sealed = true

	if final == nil {
		final = &model.FinalResult{}
	}

	if mode == model.ModeEmergency {
		for i, d := range registry {
			b.agents[i] = Agent{ID: d.id, Title: d.title, Subtitle: d.subtitle, Status: StatusIdle}
		}
		b.suppressed = true
		return true
	}

	b.doneLocked(Symptom, formatSymptoms(final.Symptoms, "No symptoms extracted."), true)

	label := firstNonEmpty(final.Complexity, final.Route, "unknown")
	b.doneLocked(Complexity, "Classification: "+label, true)

	switch mode {
	case model.ModeSpecialistPanel:
		b.doneLocked(SpecialistPanel, specialistOutput(final), true)
	case model.ModeMinimalBanner:
		b.doneLocked(PrimaryCare, strings.TrimSpace(final.PatientAdvice), false)
	}

	b.doneLocked(Simplifier, simplifierOutput(final), true)
	b.doneLocked(DoctorReview, "Ready for clinician sign-off.", false)

	// Nothing may stay running once the channel is done.
	for i := range b.agents {
		if b.agents[i].Status == StatusRunning {
			b.agents[i].Status = StatusDone
		}
	}
	return true
}

// FailPending marks every agent that is not done as failed and seals the board.
// It returns the ids that were changed.
func (b *Board) FailPending() []ID {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return nil
	}
	b.sealed = true

	var failed []ID
	for i := range b.agents {
		if b.agents[i].Status != StatusDone {
			b.agents[i].Status = StatusFailed
			failed = append(failed, b.agents[i].ID)
		}
	}
	return failed
}

// Sealed reports whether a final event or abort has been applied.
func (b *Board) Sealed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sealed
}

// Running returns the ids currently in the running state.
func (b *Board) Running() []ID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []ID
	for _, a := range b.agents {
		if a.Status == StatusRunning {
			out = append(out, a.ID)
		}
	}
	return out
}

func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Agent, len(b.agents))
	copy(out, b.agents)
	return Snapshot{Agents: out, Suppressed: b.suppressed, Sealed: b.sealed}
}

// Get returns a copy of one agent.
func (s Snapshot) Get(id ID) (Agent, bool) {
	for _, a := range s.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

func (b *Board) updateLocked(id ID, status Status, text string) {
	i := indexOf(id)
	if i < 0 {
		return
	}
	a := &b.agents[i]
	a.Status = status
	a.Visible = true
	if text != "" {
		if a.Output != "" {
			a.Output += outputSeparator + text
		} else {
			a.Output = text
		}
	}
}

// doneLocked completes an agent. With replace set the output becomes text;
// otherwise text is only used when the agent has no output yet.
func (b *Board) doneLocked(id ID, text string, replace bool) {
	i := indexOf(id)
	if i < 0 {
		return
	}
	a := &b.agents[i]
	a.Status = StatusDone
	a.Visible = true
	if d := registry[i]; d.doneSubtitle != "" {
		a.Subtitle = d.doneSubtitle
	}
	switch {
	case replace && text != "":
		a.Output = text
	case a.Output == "" && text != "":
		a.Output = text
	case a.Output == "":
		a.Output = "Done."
	}
}

func formatSymptoms(symptoms []string, empty string) string {
	if len(symptoms) == 0 {
		return "Extracted Symptoms:\n" + empty
	}
	return "Extracted Symptoms:\n" + strings.Join(symptoms, "\n")
}

func specialistOutput(final *model.FinalResult) string {
	var parts []string
	if len(final.Specialists) > 0 {
		parts = append(parts, "Specialists engaged:\n"+bullets(final.Specialists))
	}
	if d := strings.TrimSpace(final.SpecialistDiscussion); d != "" {
		parts = append(parts, d)
	}
	return strings.Join(parts, outputSeparator)
}

func simplifierOutput(final *model.FinalResult) string {
	if final.Summary.IsEmpty() {
		return firstNonEmpty(strings.TrimSpace(final.ModeratorSummary), "No simplified summary available.")
	}
	parts := make([]string, 0, len(model.SectionOrder)+1)
	for _, h := range model.SectionOrder {
		parts = append(parts, h+":\n"+final.Summary.Section(h).String())
	}
	if len(final.Specialists) > 0 {
		parts = append(parts, "SPECIALISTS INVOLVED:\n"+bullets(final.Specialists))
	}
	return strings.Join(parts, outputSeparator)
}

func bullets(items []string) string {
	lines := make([]string, len(items))
	for i, s := range items {
		lines[i] = "• " + s
	}
	return strings.Join(lines, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
