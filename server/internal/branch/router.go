// Package branch turns a final classification into a presentation mode and a persistence payload.
// Everything here is pure: no I/O, no clock reads.
package branch

import (
	"strings"
	"time"

	"rural-triage/server/internal/model"
)

// EscalationReason is attached to every high-risk record.
const EscalationReason = "High-risk red-flag symptoms"

// Decision is the outcome of routing one final result.
type Decision struct {
	Mode           model.PresentationMode `json:"mode"`
	CaseID         string                 `json:"case_id"`
	Classification model.RiskLevel        `json:"classification"`
	// RouteLabel is the pipeline's raw route or complexity text.
	RouteLabel string `json:"route_label"`
	// Recognized is false when the route could not be normalized and the case was
	// sent to specialist review as a precaution.
	Recognized bool `json:"recognized"`
	// ShowAgentDetail is false for emergencies.
	ShowAgentDetail bool   `json:"show_agent_detail"`
	Banner          string `json:"banner,omitempty"`
	// Summary holds the sections to show prominently.
	Summary     model.Summary            `json:"summary"`
	Specialists []string                 `json:"specialists"`
	Payload     model.PersistencePayload `json:"payload"`
}

// Route decides how a finalized case is presented and what gets persisted.
// caseID is the id the session was given at intake; it wins over the result's own id.
// now becomes the authoritative saved-at timestamp.
func Route(final *model.FinalResult, caseID, patientRef string, now time.Time) Decision {
	if final == nil {
		final = &model.FinalResult{}
	}

	label := strings.TrimSpace(final.Complexity)
	if label == "" {
		label = strings.TrimSpace(final.Route)
	}
	// The route drives branching; complexity only refines the label.
	level, ok := model.ParseRiskLevel(final.Route)
	if !ok {
		level, ok = model.ParseRiskLevel(final.Complexity)
	}
	if !ok {
		level = model.RiskMedium
	}

	if caseID == "" {
		caseID = final.CaseID
	}
	specialists := append([]string{}, final.Specialists...)
	symptoms := append([]string{}, final.Symptoms...)

	d := Decision{
		CaseID:         caseID,
		Classification: level,
		RouteLabel:     label,
		Recognized:     ok,
		Summary:        final.Summary,
		Specialists:    specialists,
		Payload: model.PersistencePayload{
			PatientRef:     patientRef,
			CaseID:         caseID,
			Symptoms:       symptoms,
			Classification: level,
			Summary:        final.Summary,
			Specialists:    specialists,
			Timestamp:      now.UTC(),
			RouteLabel:     label,
		},
	}

	switch level {
	case model.RiskHigh:
		d.Mode = model.ModeEmergency
		d.ShowAgentDetail = false
		d.Banner = "High Risk"
		d.Payload.EscalationReason = EscalationReason
	case model.RiskMedium:
		d.Mode = model.ModeSpecialistPanel
		d.ShowAgentDetail = true
		d.Banner = "Medium Risk"
	default:
		d.Mode = model.ModeMinimalBanner
		d.ShowAgentDetail = true
		d.Banner = lowBanner(caseID)
	}

	return d
}

func lowBanner(caseID string) string {
	if caseID == "" {
		return "Low Risk"
	}
	return "Case " + caseID + " · Low Risk"
}
