package timeline

import (
	"context"
	"time"
)

// Kind names an audit entry.
type Kind string

const (
	KindCaseStarted       Kind = "case_started"
	KindQuestionOffered   Kind = "question_offered"
	KindAnswerAccepted    Kind = "answer_accepted"
	KindGuardrailRejected Kind = "guardrail_rejected"
	KindIntakeFailed      Kind = "intake_failed"
	KindStreamOpened      Kind = "stream_opened"
	KindStreamEvent       Kind = "stream_event"
	KindEventDiscarded    Kind = "stream_event_discarded"
	KindFinalApplied      Kind = "final_applied"
	KindStreamAborted     Kind = "stream_aborted"
	KindPersisted         Kind = "persisted"
	KindPersistFailed     Kind = "persist_failed"
)

// Event is one append-only audit entry for a session.
type Event struct {
	Seq       int64                  `json:"seq"`
	EventID   string                 `json:"event_id,omitempty"`
	SessionID string                 `json:"session_id"`
	CaseID    string                 `json:"case_id,omitempty"`
	Kind      Kind                   `json:"kind"`
	Text      string                 `json:"text,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	At        time.Time              `json:"at"`
}

type Store interface {
	// Append writes evt and returns its seq. Seq is monotonic per session;
	// a repeated EventID returns the seq it was first given.
	Append(ctx context.Context, sessionID string, evt *Event) (int64, error)
	// List returns every entry for the session in seq order.
	List(ctx context.Context, sessionID string) ([]Event, error)
	// Delete drops every entry for the session.
	Delete(ctx context.Context, sessionID string) error
}
