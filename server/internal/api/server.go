// Package api exposes nurse sessions over HTTP and pushes session updates over websocket.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"rural-triage/server/internal/config"
	"rural-triage/server/internal/coordinator"
	"rural-triage/server/internal/intake"
)

const writeWait = 10 * time.Second

// liveSession is a registered coordinator and the bookkeeping the idle sweep needs.
type liveSession struct {
	coord    *coordinator.Coordinator
	lastSeen time.Time
	watchers int
}

// Server owns the live coordinators, one per session.
type Server struct {
	config   *config.Config
	intake   intake.Service
	deps     coordinator.Deps
	gatherer prometheus.Gatherer
	logger   *logrus.Logger
	now      func() time.Time

	sessions   map[string]*liveSession
	sessionsMu sync.RWMutex

	upgrader websocket.Upgrader
}

// NewServer builds the HTTP surface. deps are shared by every session; each
// session gets its own intake protocol over svc.
func NewServer(cfg *config.Config, svc intake.Service, deps coordinator.Deps, gatherer prometheus.Gatherer) *Server {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		config:   cfg,
		intake:   svc,
		deps:     deps,
		gatherer: gatherer,
		logger:   deps.Logger,
		now:      now,
		sessions: make(map[string]*liveSession),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := engine.Group("/api/sessions")
	api.POST("", s.handleCreateSession)
	api.GET("/:id", s.handleGetSession)
	api.DELETE("/:id", s.handleCloseSession)
	api.POST("/:id/messages", s.handleMessage)
	api.GET("/:id/timeline", s.handleTimeline)
	api.GET("/:id/stream", s.handleStream)
	return engine
}

// Shutdown closes every open session.
func (s *Server) Shutdown() {
	s.sessionsMu.Lock()
	open := make([]*coordinator.Coordinator, 0, len(s.sessions))
	for id, live := range s.sessions {
		open = append(open, live.coord)
		delete(s.sessions, id)
	}
	s.sessionsMu.Unlock()

	for _, coord := range open {
		coord.Close()
		s.sessionClosed()
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	s.sessionsMu.RLock()
	n := len(s.sessions)
	s.sessionsMu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": n})
}

type createSessionRequest struct {
	PatientRef string `json:"patient_ref"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}

	deps := s.deps
	deps.Protocol = intake.NewProtocol(s.intake, deps.Logger, deps.Metrics, deps.Now)
	coord := coordinator.New("", req.PatientRef, deps)

	// Vitals are best effort; a failed lookup shows up as a notice on the snapshot.
	if _, err := coord.LoadVitals(c.Request.Context()); err != nil {
		s.logger.WithError(err).WithField("session_id", coord.ID()).Warn("vitals unavailable")
	}

	s.sessionsMu.Lock()
	s.sessions[coord.ID()] = &liveSession{coord: coord, lastSeen: s.now()}
	s.sessionsMu.Unlock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveSessions.Inc()
	}

	s.logger.WithFields(logrus.Fields{"session_id": coord.ID(), "patient_ref": coord.PatientRef()}).Info("session opened")
	c.JSON(http.StatusCreated, coord.Snapshot())
}

func (s *Server) handleGetSession(c *gin.Context) {
	coord, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, coord.Snapshot())
}

func (s *Server) handleCloseSession(c *gin.Context) {
	id := c.Param("id")
	s.sessionsMu.Lock()
	live, ok := s.sessions[id]
	delete(s.sessions, id)
	s.sessionsMu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	live.coord.Close()
	s.sessionClosed()
	s.logger.WithField("session_id", id).Info("session closed")
	c.Status(http.StatusNoContent)
}

type messageRequest struct {
	Text string `json:"text"`
}

// handleMessage takes the nurse's text: the chief complaint when no case is in
// progress, otherwise the answer to the outstanding question. The response is the
// snapshot after the intake call; streaming progress arrives on the stream endpoint.
func (s *Server) handleMessage(c *gin.Context) {
	coord, ok := s.lookup(c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	update, err := coord.Submit(c.Request.Context(), req.Text)
	if err != nil {
		status := statusFor(err)
		body := gin.H{"error": err.Error(), "update": update}
		if status == http.StatusBadGateway && update.Notice != nil {
			body["error"] = update.Notice.Message
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, update)
}

func (s *Server) handleTimeline(c *gin.Context) {
	coord, ok := s.lookup(c)
	if !ok {
		return
	}
	events, err := coord.Timeline(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load timeline failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": coord.ID(), "events": events})
}

// handleStream pushes every session update to the client until the session
// closes or the client goes away. The first frame is the current snapshot.
func (s *Server) handleStream(c *gin.Context) {
	coord, ok := s.lookup(c)
	if !ok {
		return
	}
	log := s.logger.WithField("session_id", coord.ID())

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.watch(coord.ID(), 1)
	defer s.watch(coord.ID(), -1)

	updates, cancel := coord.Subscribe()
	defer cancel()

	// The client never sends anything we act on; reading only notices it leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeUpdate(conn, coord.Snapshot()); err != nil {
		log.WithError(err).Debug("initial snapshot write failed")
		return
	}
	for {
		select {
		case <-gone:
			log.Debug("stream client left")
			return
		case u, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(writeWait))
				return
			}
			if err := writeUpdate(conn, u); err != nil {
				log.WithError(err).Debug("stream write failed")
				return
			}
		}
	}
}

func writeUpdate(conn *websocket.Conn, u coordinator.Update) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(u)
}

// lookup finds the session named in the path and marks it as active.
func (s *Server) lookup(c *gin.Context) (*coordinator.Coordinator, bool) {
	s.sessionsMu.Lock()
	live, ok := s.sessions[c.Param("id")]
	if ok {
		live.lastSeen = s.now()
	}
	s.sessionsMu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return live.coord, true
}

func (s *Server) watch(id string, delta int) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if live, ok := s.sessions[id]; ok {
		live.watchers += delta
		live.lastSeen = s.now()
	}
}

// SweepIdle closes sessions untouched since before now minus the idle timeout.
// Sessions with a busy case or an open stream are kept. It returns how many were closed.
func (s *Server) SweepIdle(now time.Time) int {
	timeout := s.config.Server.SessionIdleTimeout
	if timeout <= 0 {
		return 0
	}

	s.sessionsMu.Lock()
	var idle []*coordinator.Coordinator
	for id, live := range s.sessions {
		if live.watchers > 0 || now.Sub(live.lastSeen) < timeout {
			continue
		}
		if live.coord.Snapshot().Busy {
			continue
		}
		idle = append(idle, live.coord)
		delete(s.sessions, id)
	}
	s.sessionsMu.Unlock()

	for _, coord := range idle {
		coord.Close()
		s.sessionClosed()
		s.logger.WithField("session_id", coord.ID()).Info("idle session closed")
	}
	return len(idle)
}

// RunSweeper closes idle sessions until ctx is done.
func (s *Server) RunSweeper(ctx context.Context) {
	timeout := s.config.Server.SessionIdleTimeout
	if timeout <= 0 {
		return
	}
	interval := timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepIdle(s.now())
		}
	}
}

func (s *Server) sessionClosed() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveSessions.Dec()
	}
}

func statusFor(err error) int {
	var netErr *intake.NetworkError
	var svcErr *intake.ServiceError
	switch {
	case errors.Is(err, coordinator.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusGone
	case errors.As(err, &netErr), errors.As(err, &svcErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(c.Request) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	}
}
