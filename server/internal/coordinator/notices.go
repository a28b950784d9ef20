package coordinator

import (
	"errors"
	"fmt"
	"time"

	"rural-triage/server/internal/dispatch"
	"rural-triage/server/internal/intake"
	"rural-triage/server/internal/model"
	"rural-triage/server/internal/records"
	"rural-triage/server/internal/stream"
)

func intakeNotice(err error, starting bool, caseID string, now time.Time) *model.Notice {
	n := &model.Notice{Level: model.NoticeError, Kind: model.NoticeService, CaseID: caseID, At: now}

	var netErr *intake.NetworkError
	var svcErr *intake.ServiceError
	switch {
	case errors.As(err, &netErr):
		n.Kind = model.NoticeNetwork
		n.Message = "⚠️ Network error: " + netErr.Err.Error()
	case errors.As(err, &svcErr) && starting:
		n.Message = "⚠️ Error starting case: " + svcErr.Message
	case errors.As(err, &svcErr):
		n.Message = "⚠️ " + svcErr.Message
	default:
		n.Message = "⚠️ " + err.Error()
	}
	return n
}

func guardrailNotice(reason, caseID string, now time.Time) *model.Notice {
	return &model.Notice{
		Level:   model.NoticeWarning,
		Kind:    model.NoticeGuardrail,
		Message: "⚠️ Guardrail: " + reason,
		CaseID:  caseID,
		At:      now,
	}
}

func abortNotice(err error, caseID string, now time.Time) *model.Notice {
	msg := "❌ " + err.Error()
	var abort *stream.AbortError
	if errors.As(err, &abort) {
		msg = abort.UserMessage()
	}
	return &model.Notice{Level: model.NoticeError, Kind: model.NoticeStreamAbort, Message: msg, CaseID: caseID, At: now}
}

func unknownRouteNotice(label, caseID string, now time.Time) *model.Notice {
	return &model.Notice{
		Level:   model.NoticeWarning,
		Kind:    model.NoticeUnknownRoute,
		Message: fmt.Sprintf("⚠️ Unrecognized route %q; routed to specialist review.", label),
		CaseID:  caseID,
		At:      now,
	}
}

func persistenceNotice(r dispatch.Result, now time.Time) *model.Notice {
	if r.Status == dispatch.StatusDuplicate {
		return nil
	}
	level := model.NoticeInfo
	if r.Status == dispatch.StatusFailed {
		level = model.NoticeError
	}
	return &model.Notice{Level: level, Kind: model.NoticePersistence, Message: r.Message(), CaseID: r.CaseID, At: now}
}

func vitalsNotice(err error, now time.Time) *model.Notice {
	msg := "⚠️ Could not load vitals: " + err.Error()
	if errors.Is(err, records.ErrPatientNotFound) {
		msg = "⚠️ Patient not found; continuing without vitals."
	}
	return &model.Notice{Level: model.NoticeWarning, Kind: model.NoticeVitals, Message: msg, At: now}
}
