package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Summary section headings used by the pipeline's simplified summary.
const (
	SectionCondition  = "CONDITION SUMMARY"
	SectionCauses     = "POSSIBLE CAUSES"
	SectionActions    = "NURSE ACTIONS"
	SectionEscalation = "ESCALATION CRITERIA"
	SectionMedicines  = "MEDICINES ADVISED"
)

// SectionOrder is the display order of the summary sections.
var SectionOrder = []string{SectionCondition, SectionCauses, SectionActions, SectionEscalation, SectionMedicines}

// TextList accepts either a JSON string or a JSON array of strings.
type TextList []string

func (t *TextList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if strings.TrimSpace(one) == "" {
			*t = nil
			return nil
		}
		*t = TextList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*t = many
	return nil
}

// String joins the entries with newlines.
func (t TextList) String() string {
	return strings.Join(t, "\n")
}

// Summary is the nurse-facing simplified summary.
type Summary struct {
	Condition  TextList `json:"CONDITION SUMMARY,omitempty"`
	Causes     TextList `json:"POSSIBLE CAUSES,omitempty"`
	Actions    TextList `json:"NURSE ACTIONS,omitempty"`
	Escalation TextList `json:"ESCALATION CRITERIA,omitempty"`
	Medicines  TextList `json:"MEDICINES ADVISED,omitempty"`
}

// Section returns the body of a section by heading.
func (s Summary) Section(heading string) TextList {
	switch heading {
	case SectionCondition:
		return s.Condition
	case SectionCauses:
		return s.Causes
	case SectionActions:
		return s.Actions
	case SectionEscalation:
		return s.Escalation
	case SectionMedicines:
		return s.Medicines
	}
	return nil
}

// IsEmpty reports whether every section is blank.
func (s Summary) IsEmpty() bool {
	for _, h := range SectionOrder {
		if strings.TrimSpace(s.Section(h).String()) != "" {
			return false
		}
	}
	return true
}

// Render formats the non-empty sections as "HEADING:\nbody" blocks separated by a blank line.
// Medicines are rendered as a bulleted list.
func (s Summary) Render() string {
	var parts []string
	for _, h := range SectionOrder {
		body := s.Section(h)
		if strings.TrimSpace(body.String()) == "" {
			continue
		}
		text := body.String()
		if h == SectionMedicines {
			lines := make([]string, 0, len(body))
			for _, m := range body {
				lines = append(lines, "• "+strings.TrimSpace(m))
			}
			text = strings.Join(lines, "\n")
		}
		parts = append(parts, h+":\n"+text)
	}
	return strings.Join(parts, "\n\n")
}

// FinalResult is the body of the pipeline's final event.
type FinalResult struct {
	CaseID               string   `json:"case_id,omitempty"`
	Route                string   `json:"route"`
	Complexity           string   `json:"complexity,omitempty"`
	Status               string   `json:"status,omitempty"`
	Symptoms             []string `json:"symptoms"`
	PossibleDiseases     []string `json:"possible_diseases,omitempty"`
	Specialists          []string `json:"specialists_involved"`
	SpecialistDiscussion string   `json:"specialist_discussion,omitempty"`
	ModeratorSummary     string   `json:"moderator_technical_summary,omitempty"`
	PatientAdvice        string   `json:"patient_friendly_advice,omitempty"`
	Medicines            TextList `json:"medicines_advised,omitempty"`
	Summary              Summary  `json:"final_summary_simplified"`
}

// SummaryText is the best available human-readable summary: the rendered sections,
// falling back to the moderator's technical summary and then the status line.
func (f *FinalResult) SummaryText() string {
	if f == nil {
		return ""
	}
	if !f.Summary.IsEmpty() {
		return f.Summary.Render()
	}
	if s := strings.TrimSpace(f.ModeratorSummary); s != "" {
		return s
	}
	return strings.TrimSpace(f.Status)
}

// PresentationMode selects how a finalized case is shown to the nurse.
type PresentationMode string

const (
	ModeEmergency       PresentationMode = "emergency"
	ModeSpecialistPanel PresentationMode = "specialist_panel"
	ModeMinimalBanner   PresentationMode = "minimal_banner"
)

// PersistencePayload is the record handed to the case record service.
type PersistencePayload struct {
	PatientRef       string    `json:"patient_ref"`
	CaseID           string    `json:"case_id"`
	Symptoms         []string  `json:"symptoms"`
	Classification   RiskLevel `json:"classification"`
	Summary          Summary   `json:"summary"`
	Specialists      []string  `json:"specialists"`
	EscalationReason string    `json:"escalation_reason,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	RouteLabel       string    `json:"route_label,omitempty"`
}
