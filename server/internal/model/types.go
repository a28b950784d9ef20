package model

import (
	"strings"
	"time"
)

// Vitals is the optional vitals snapshot attached to a case at creation.
// Nil fields were not measured.
type Vitals struct {
	SpO2  *float64 `json:"spo2,omitempty"`
	Pulse *float64 `json:"pulse,omitempty"`
	BPSys *float64 `json:"bp_sys,omitempty"`
	BPDia *float64 `json:"bp_dia,omitempty"`
}

// IsZero reports whether no vital was recorded.
func (v *Vitals) IsZero() bool {
	return v == nil || (v.SpO2 == nil && v.Pulse == nil && v.BPSys == nil && v.BPDia == nil)
}

// Clone returns a deep copy so the session snapshot cannot be mutated through a caller's pointer.
func (v *Vitals) Clone() *Vitals {
	if v.IsZero() {
		return nil
	}
	out := &Vitals{}
	out.SpO2 = cloneFloat(v.SpO2)
	out.Pulse = cloneFloat(v.Pulse)
	out.BPSys = cloneFloat(v.BPSys)
	out.BPDia = cloneFloat(v.BPDia)
	return out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float is a helper for building Vitals literals.
func Float(v float64) *float64 { return &v }

// RiskLevel is the complexity classification produced by the pipeline.
type RiskLevel string

const (
	RiskUnknown RiskLevel = ""
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
)

// ParseRiskLevel normalizes a free-form route label such as "Medium (MDT)".
// The second return value is false when no level could be recognized.
func ParseRiskLevel(route string) (RiskLevel, bool) {
	r := strings.ToLower(strings.TrimSpace(route))
	switch {
	case strings.Contains(r, "high"), strings.Contains(r, "emergency"):
		return RiskHigh, true
	case strings.Contains(r, "medium"), strings.Contains(r, "mdt"):
		return RiskMedium, true
	case strings.Contains(r, "low"), strings.Contains(r, "pcp"):
		return RiskLow, true
	default:
		return RiskUnknown, false
	}
}

// NoticeLevel grades a user-facing notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// NoticeKind names where a notice came from.
type NoticeKind string

const (
	NoticeGuardrail    NoticeKind = "guardrail"
	NoticeNetwork      NoticeKind = "network"
	NoticeService      NoticeKind = "service"
	NoticeStreamAbort  NoticeKind = "stream_abort"
	NoticePersistence  NoticeKind = "persistence"
	NoticeUnknownRoute NoticeKind = "unknown_route"
	NoticeVitals       NoticeKind = "vitals"
)

// Notice is a single user-visible message. Every failure is turned into exactly one of these.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Kind    NoticeKind  `json:"kind"`
	Message string      `json:"message"`
	CaseID  string      `json:"case_id,omitempty"`
	At      time.Time   `json:"at"`
}
