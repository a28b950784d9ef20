package session

import (
	"errors"
	"fmt"
	"time"

	"rural-triage/server/internal/model"
)

var (
	ErrFrozen         = errors.New("case is frozen")
	ErrCaseIDAssigned = errors.New("case id already assigned")
	ErrOutstanding    = errors.New("a question is already outstanding")
	ErrSlotMismatch   = errors.New("answer does not target the outstanding question")
	ErrNoOutstanding  = errors.New("no outstanding question")
)

// Slot identifies the single outstanding question.
type Slot struct {
	Index    int    `json:"index"`
	Question string `json:"question"`
}

// State is the case held by one UI session.
type State struct {
	SessionID  string        `json:"session_id"`
	CaseID     string        `json:"case_id,omitempty"`
	PatientRef string        `json:"patient_ref,omitempty"`
	Complaint  string        `json:"complaint"`
	Vitals     *model.Vitals `json:"vitals,omitempty"`

	// Questions in ask order. A guardrail re-prompt does not add an entry.
	Questions   []string      `json:"questions"`
	Answers     model.Answers `json:"answers"`
	Outstanding *Slot         `json:"outstanding,omitempty"`

	Frozen    bool      `json:"frozen"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState creates a case shell. The vitals snapshot is copied and never mutated afterwards.
func NewState(sessionID, patientRef, complaint string, vitals *model.Vitals, now time.Time) *State {
	return &State{
		SessionID:  sessionID,
		PatientRef: patientRef,
		Complaint:  complaint,
		Vitals:     vitals.Clone(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AssignCaseID records the identifier handed out by the case service. It can only happen once.
func (s *State) AssignCaseID(id string, now time.Time) error {
	if s.Frozen {
		return ErrFrozen
	}
	if s.CaseID != "" {
		return fmt.Errorf("%w: %s", ErrCaseIDAssigned, s.CaseID)
	}
	s.CaseID = id
	s.UpdatedAt = now
	return nil
}

// Offer makes question the outstanding slot.
func (s *State) Offer(question string, now time.Time) (Slot, error) {
	if s.Frozen {
		return Slot{}, ErrFrozen
	}
	if s.Outstanding != nil {
		return Slot{}, ErrOutstanding
	}
	slot := Slot{Index: len(s.Questions), Question: question}
	s.Questions = append(s.Questions, question)
	s.Outstanding = &slot
	s.UpdatedAt = now
	return slot, nil
}

// Answer records the answer for slot and clears it.
func (s *State) Answer(slot Slot, answer string, now time.Time) error {
	if s.Frozen {
		return ErrFrozen
	}
	if s.Outstanding == nil {
		return ErrNoOutstanding
	}
	if *s.Outstanding != slot {
		return fmt.Errorf("%w: outstanding=%d got=%d", ErrSlotMismatch, s.Outstanding.Index, slot.Index)
	}
	s.Answers.Set(slot.Question, answer)
	s.Outstanding = nil
	s.UpdatedAt = now
	return nil
}

// Freeze ends the case. Further mutations fail with ErrFrozen.
func (s *State) Freeze(now time.Time) {
	s.Frozen = true
	s.Outstanding = nil
	s.UpdatedAt = now
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Vitals = s.Vitals.Clone()
	out.Questions = append([]string(nil), s.Questions...)
	out.Answers = s.Answers.Clone()
	if s.Outstanding != nil {
		slot := *s.Outstanding
		out.Outstanding = &slot
	}
	return &out
}
