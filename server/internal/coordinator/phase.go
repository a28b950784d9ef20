package coordinator

import (
	"time"

	"rural-triage/server/internal/agents"
	"rural-triage/server/internal/branch"
	"rural-triage/server/internal/model"
)

// Phase is where a session stands in the intake and classification flow.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseAwaitingAnswer Phase = "awaiting_answer"
	PhaseSubmitting     Phase = "submitting"
	PhaseGuardrailRetry Phase = "guardrail_retry"
	PhaseStreamingOpen  Phase = "streaming_open"
	PhaseAwaitingFinal  Phase = "awaiting_final"
	PhaseFinalized      Phase = "finalized"
	PhaseFailed         Phase = "failed"
)

// Terminal reports whether the case has ended.
func (p Phase) Terminal() bool {
	return p == PhaseFinalized || p == PhaseFailed
}

// Update is what subscribers see after every change.
type Update struct {
	SessionID string `json:"session_id"`
	CaseID    string `json:"case_id,omitempty"`
	Phase     Phase  `json:"phase"`
	// Busy is set while a call or the processing channel is outstanding; input is refused meanwhile.
	Busy     bool             `json:"busy"`
	Prompt   string           `json:"prompt,omitempty"`
	Board    agents.Snapshot  `json:"board"`
	Decision *branch.Decision `json:"decision,omitempty"`
	Notice   *model.Notice    `json:"notice,omitempty"`
	Vitals   *model.Vitals    `json:"vitals,omitempty"`
	At       time.Time        `json:"at"`
}
