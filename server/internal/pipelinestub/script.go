// Package pipelinestub is a local stand-in for the classification service and the
// case record service. It speaks the same wire contract and is scriptable, so the
// coordinator can be exercised end to end without the real pipeline.
package pipelinestub

import (
	"strings"
	"time"
)

// Script controls how the stub behaves.
type Script struct {
	// FollowUps is how many questions each case asks before it is done.
	FollowUps int
	// Questions is the bank follow-ups are drawn from, in order.
	Questions []string
	// RejectAnswers lists answers (case-insensitive) the guardrail refuses.
	RejectAnswers []string
	// DropFinal closes the channel right after the complexity step.
	DropFinal bool
	// ErrorMessage, when set, is sent as an error event instead of a final.
	ErrorMessage string
	// TrailingEvents are sent after the final event, before the close.
	TrailingEvents int
	// HoldOpen keeps the channel open without a final until the client gives up.
	HoldOpen bool
	// StepDelay is slept between stream frames.
	StepDelay time.Duration
	// TagAgents adds the explicit "agent" field to progress frames.
	TagAgents bool
	// Specialists overrides the medium-route panel.
	Specialists []string
}

// DefaultQuestions is the stock follow-up bank.
var DefaultQuestions = []string{
	"How many days have the symptoms been present?",
	"Is there any cough, breathlessness or chest discomfort?",
	"Has the patient taken any medicine so far?",
	"Any vomiting, diarrhoea or reduced urine output?",
	"Any known chronic illness such as diabetes or hypertension?",
}

func (s Script) question(i int) string {
	bank := s.Questions
	if len(bank) == 0 {
		bank = DefaultQuestions
	}
	return bank[i%len(bank)]
}

func (s Script) rejects(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	for _, r := range s.RejectAnswers {
		if a == strings.ToLower(r) {
			return true
		}
	}
	return false
}

var (
	highRiskTerms   = []string{"chest pain", "unconscious", "seizure", "severe bleeding", "not breathing", "breathlessness at rest"}
	mediumRiskTerms = []string{"palpitations", "breathlessness", "blood in", "jaundice", "weight loss", "high fever"}
	knownSymptoms   = []string{
		"fever", "cough", "headache", "chest pain", "breathlessness", "vomiting", "diarrhoea",
		"palpitations", "rash", "dizziness", "body ache", "jaundice", "seizure", "abdominal pain",
	}
)

// classify picks a risk level from the case text.
func classify(text string) string {
	t := strings.ToLower(text)
	for _, term := range highRiskTerms {
		if strings.Contains(t, term) {
			return "high"
		}
	}
	for _, term := range mediumRiskTerms {
		if strings.Contains(t, term) {
			return "medium"
		}
	}
	return "low"
}

// extractSymptoms returns the known symptom terms found in text, in the order of the term list.
func extractSymptoms(text string) []string {
	t := strings.ToLower(text)
	var out []string
	for _, s := range knownSymptoms {
		if strings.Contains(t, s) {
			out = append(out, s)
		}
	}
	if len(out) == 0 && strings.TrimSpace(text) != "" {
		out = append(out, strings.TrimSpace(strings.SplitN(text, "|", 2)[0]))
	}
	return out
}

func specialistsFor(text string) []string {
	t := strings.ToLower(text)
	var out []string
	if strings.Contains(t, "palpitations") || strings.Contains(t, "chest") {
		out = append(out, "cardiology")
	}
	if strings.Contains(t, "fever") || strings.Contains(t, "jaundice") {
		out = append(out, "infectious_disease")
	}
	if strings.Contains(t, "breath") {
		out = append(out, "pulmonology")
	}
	if len(out) == 0 {
		out = append(out, "general_medicine")
	}
	return out
}
