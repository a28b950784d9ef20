package pipelinestub

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"rural-triage/server/internal/model"
)

type caseRecord struct {
	complaint string
	vitals    model.Vitals
	questions []string
	answers   model.Answers
	round     int
	done      bool
}

// StreamRequest is what a client sent when it opened the processing channel.
type StreamRequest struct {
	CaseID  string        `json:"case_id"`
	Answers model.Answers `json:"answers"`
}

// Server simulates the classification service and, through Records, the case record service.
type Server struct {
	script   Script
	logger   *logrus.Logger
	upgrader websocket.Upgrader
	Records  *Records

	mu         sync.Mutex
	cases      map[string]*caseRecord
	streams    []StreamRequest
	startCalls int
	nextCalls  int
}

func New(script Script, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		script:   script,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		Records:  NewRecords(""),
		cases:    make(map[string]*caseRecord),
	}
}

// SetScript swaps the behaviour for subsequent calls.
func (s *Server) SetScript(script Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = script
}

func (s *Server) currentScript() Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.script
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Post("/api/start_case", s.handleStartCase)
	r.Post("/api/next_question", s.handleNextQuestion)
	r.Get("/ws/process_case", s.handleProcessCase)

	r.Post("/save_case", s.Records.handleSaveCase)
	r.Get("/patients/{ref}", s.Records.handleGetPatient)
	r.Get("/cases/{ref}", s.Records.handleListCases)
	return r
}

// Streams returns every processing request received so far.
func (s *Server) Streams() []StreamRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamRequest, len(s.streams))
	copy(out, s.streams)
	return out
}

// Calls returns how many start_case and next_question calls were served.
func (s *Server) Calls() (start, next int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls, s.nextCalls
}

type startCaseBody struct {
	PatientInput string       `json:"patient_input"`
	Vitals       model.Vitals `json:"vitals"`
}

func (s *Server) handleStartCase(w http.ResponseWriter, r *http.Request) {
	var req startCaseBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid request body"})
		return
	}
	complaint := strings.TrimSpace(req.PatientInput)
	if complaint == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "⚠️ Invalid first input: complaint is empty"})
		return
	}

	script := s.currentScript()
	caseID := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	rec := &caseRecord{complaint: complaint, vitals: req.Vitals}

	var first *string
	if script.FollowUps > 0 {
		q := script.question(0)
		rec.questions = append(rec.questions, q)
		first = &q
	} else {
		rec.done = true
	}

	s.mu.Lock()
	s.cases[caseID] = rec
	s.startCalls++
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"case_id": caseID, "vitals": !req.Vitals.IsZero()}).Debug("stub: case started")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"case_id":                  caseID,
		"first_follow_up_question": first,
	})
}

type nextQuestionBody struct {
	CaseID  string        `json:"case_id"`
	Answers model.Answers `json:"answers"`
}

func (s *Server) handleNextQuestion(w http.ResponseWriter, r *http.Request) {
	var req nextQuestionBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid request body"})
		return
	}
	script := s.currentScript()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCalls++

	rec, ok := s.cases[req.CaseID]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"done": false, "next_question": nil, "warning": "⚠️ Invalid case."})
		return
	}
	if rec.done {
		writeJSON(w, http.StatusOK, map[string]interface{}{"done": true, "next_question": nil})
		return
	}
	current := rec.questions[len(rec.questions)-1]

	answer, found := req.Answers.Get(current)
	if !found && req.Answers.Len() > 0 {
		answer = req.Answers.Items()[0].Answer
	}
	answer = strings.TrimSpace(answer)

	switch {
	case answer == "" || answer == "?":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"done": false, "next_question": current, "warning": "⚠️ Please answer the question",
		})
		return
	case script.rejects(answer):
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"done": false, "next_question": "Could you describe it again? " + current, "warning": "⚠️ The answer does not address the question",
		})
		return
	}

	rec.answers.Set(current, answer)
	rec.round++
	if rec.round >= script.FollowUps {
		rec.done = true
		writeJSON(w, http.StatusOK, map[string]interface{}{"done": true, "next_question": nil})
		return
	}

	next := script.question(rec.round)
	rec.questions = append(rec.questions, next)
	writeJSON(w, http.StatusOK, map[string]interface{}{"done": false, "next_question": next})
}

func (s *Server) handleProcessCase(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("stub: upgrade failed")
		return
	}
	defer conn.Close()

	var req StreamRequest
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	script := s.currentScript()

	s.mu.Lock()
	rec := s.cases[req.CaseID]
	s.streams = append(s.streams, req)
	var complaint string
	if rec != nil {
		complaint = rec.complaint
	}
	s.mu.Unlock()

	if rec == nil {
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": "Invalid case_id"})
		return
	}

	text := complaint
	for _, it := range req.Answers.Items() {
		text += " | " + it.Question + ": " + it.Answer
	}
	level := classify(text)
	symptoms := extractSymptoms(text)

	send := func(v interface{}) bool {
		if script.StepDelay > 0 {
			time.Sleep(script.StepDelay)
		}
		return conn.WriteJSON(v) == nil
	}
	progress := func(msg, agent string) bool {
		frame := map[string]string{"type": "progress", "message": msg}
		if script.TagAgents && agent != "" {
			frame["agent"] = agent
		}
		return send(frame)
	}

	if !progress("🧠 Shortlisting symptoms...", "symptom") ||
		!send(map[string]interface{}{"type": "symptoms", "symptoms": symptoms}) ||
		!progress("✅ Shortlisting done", "symptom") ||
		!progress("✅ Complexity: "+level, "complexity") {
		return
	}

	switch {
	case script.DropFinal:
		return
	case script.ErrorMessage != "":
		send(map[string]string{"type": "error", "message": script.ErrorMessage})
		return
	case script.HoldOpen:
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	var result map[string]interface{}
	switch level {
	case "high":
		progress("Emergency case detected…", "")
		result = emergencyResult(symptoms)
	case "medium":
		specialists := script.Specialists
		if len(specialists) == 0 {
			specialists = specialistsFor(text)
		}
		if !progress("Routing to MDT team…", "mdt") || !progress("MDT discussion completed.", "mdt") {
			return
		}
		result = mediumResult(req.CaseID, symptoms, specialists)
	default:
		if !progress("Routing to PCP…", "pcp") {
			return
		}
		result = lowResult(req.CaseID, symptoms)
	}

	if !send(map[string]interface{}{"type": "final", "result": result}) {
		return
	}
	for i := 0; i < script.TrailingEvents; i++ {
		if !progress("late update after final", "") {
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
