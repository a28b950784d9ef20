package pipelinestub

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"rural-triage/server/internal/model"
)

// Records simulates the case record service.
type Records struct {
	token string

	mu        sync.Mutex
	patients  map[string]*model.Vitals
	saves     []model.PersistencePayload
	failSaves int
}

// NewRecords creates an empty record store. A non-empty token is required as a bearer token on writes.
func NewRecords(token string) *Records {
	return &Records{token: token, patients: make(map[string]*model.Vitals)}
}

// SetToken changes the required bearer token.
func (r *Records) SetToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
}

// AddPatient registers a patient. vitals may be nil.
func (r *Records) AddPatient(ref string, vitals *model.Vitals) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[ref] = vitals.Clone()
}

// FailNextSaves makes the next n saves answer 500.
func (r *Records) FailNextSaves(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSaves = n
}

// Saves returns every accepted save.
func (r *Records) Saves() []model.PersistencePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.PersistencePayload, len(r.saves))
	copy(out, r.saves)
	return out
}

func (r *Records) authorized(req *http.Request) bool {
	r.mu.Lock()
	token := r.token
	r.mu.Unlock()
	if token == "" {
		return true
	}
	return req.Header.Get("Authorization") == "Bearer "+token
}

func (r *Records) handleSaveCase(w http.ResponseWriter, req *http.Request) {
	if !r.authorized(req) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Not authorized"})
		return
	}
	var payload model.PersistencePayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failSaves > 0 {
		r.failSaves--
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "database unavailable"})
		return
	}
	if _, ok := r.patients[payload.PatientRef]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Patient not found"})
		return
	}

	level, ok := model.ParseRiskLevel(string(payload.Classification))
	if ok {
		payload.Classification = level
	}
	r.saves = append(r.saves, payload)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Case saved successfully", "patientId": payload.PatientRef})
}

func (r *Records) handleGetPatient(w http.ResponseWriter, req *http.Request) {
	ref := chi.URLParam(req, "ref")

	r.mu.Lock()
	vitals, ok := r.patients[ref]
	r.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Patient not found"})
		return
	}
	body := map[string]interface{}{"patientId": ref}
	if vitals != nil {
		body["vitals"] = vitals
	}
	writeJSON(w, http.StatusOK, body)
}

func (r *Records) handleListCases(w http.ResponseWriter, req *http.Request) {
	if !r.authorized(req) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Not authorized"})
		return
	}
	ref := chi.URLParam(req, "ref")

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.patients[ref]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Patient not found"})
		return
	}
	cases := []model.PersistencePayload{}
	for _, s := range r.saves {
		if strings.EqualFold(s.PatientRef, ref) {
			cases = append(cases, s)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cases": cases})
}
