// Package status serves the read-only proctor status API.
package status

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	goahttp "goa.design/goa/v3/http"

	"proctor/internal/alert"
	"proctor/internal/auth"
	"proctor/internal/database"
	"proctor/internal/middleware"
	"proctor/internal/pipeline"
	"proctor/internal/sessionlog"
)

// AlertSource is the live alert vector
type AlertSource interface {
	Snapshot() alert.State
	ActiveKinds() []alert.Kind
	LastActivation(kind alert.Kind) time.Time
	// Dirty reports changes not yet published to the state file
	Dirty() bool
}

// PipelineSource reports controller progress
type PipelineSource interface {
	Report() pipeline.Report
	StageStatus() []pipeline.StageStatus
}

// SessionHistory reads stored sessions
type SessionHistory interface {
	ListSessions(studentID string, limit int) ([]*database.SessionRecord, error)
	GetSession(id string) (*database.SessionRecord, error)
	ListViolations(sessionID string) ([]*database.ViolationRecord, error)
}

// EventSource is the running session's event log
type EventSource interface {
	RecentEvents(n int) []sessionlog.Event
}

// Server holds the status API handlers
type Server struct {
	alerts   AlertSource
	pipeline PipelineSource
	history  SessionHistory
	events   EventSource
	auth     *auth.Authenticator
	live     http.Handler
	preview  http.Handler
	started  time.Time
	vars     func(*http.Request) map[string]string
}

// Options wires the server; History, Events, Live and Preview are optional
type Options struct {
	Alerts   AlertSource
	Pipeline PipelineSource
	History  SessionHistory
	Events   EventSource
	Auth     *auth.Authenticator
	// Live serves the WebSocket alert feed
	Live http.Handler
	// Preview serves the annotated MJPEG stream
	Preview http.Handler
}

func New(opts Options) *Server {
	return &Server{
		alerts:   opts.Alerts,
		pipeline: opts.Pipeline,
		history:  opts.History,
		events:   opts.Events,
		auth:     opts.Auth,
		live:     opts.Live,
		preview:  opts.Preview,
		started:  time.Now(),
	}
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status        string                 `json:"status"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Stages        []pipeline.StageStatus `json:"stages"`
}

// AlertsResponse is the body of GET /api/alerts
type AlertsResponse struct {
	Vector alert.State     `json:"vector"`
	Alerts map[string]bool `json:"alerts"`
	Active []string        `json:"active"`
	// Since is the last honored activation of each active alert
	Since map[string]time.Time `json:"since"`
	// Pending is true while a change waits for the next publish
	Pending bool `json:"pending"`
}

// SessionDetail is the body of GET /api/sessions/{id}
type SessionDetail struct {
	*database.SessionRecord
	Violations []*database.ViolationRecord `json:"violations"`
}

type operatorResponse struct {
	Operator  string    `json:"operator"`
	SessionID string    `json:"session_id,omitempty"`
	TokenID   string    `json:"token_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Mount registers every route on mux
func (s *Server) Mount(mux goahttp.Muxer) {
	protect := func(h http.HandlerFunc) http.HandlerFunc {
		if s.auth == nil {
			return h
		}
		return middleware.AuthMiddleware(s.auth)(h).ServeHTTP
	}

	s.vars = mux.Vars

	mux.Handle(http.MethodGet, "/health", s.handleHealth)
	mux.Handle(http.MethodPost, "/api/auth/login", s.handleLogin)
	mux.Handle(http.MethodGet, "/api/auth/me", protect(s.handleMe))
	mux.Handle(http.MethodGet, "/api/alerts", protect(s.handleAlerts))
	mux.Handle(http.MethodGet, "/api/session", protect(s.handleSession))
	if s.events != nil {
		mux.Handle(http.MethodGet, "/api/session/events", protect(s.handleEvents))
	}
	if s.history != nil {
		mux.Handle(http.MethodGet, "/api/sessions", protect(s.handleSessions))
		mux.Handle(http.MethodGet, "/api/sessions/{id}", protect(s.handleSessionDetail))
	}
	if s.live != nil {
		mux.Handle(http.MethodGet, "/ws/alerts", protect(s.live.ServeHTTP))
	}
	if s.preview != nil {
		mux.Handle(http.MethodGet, "/stream", protect(s.preview.ServeHTTP))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	if s.pipeline != nil {
		resp.Stages = s.pipeline.StageStatus()
		for _, st := range resp.Stages {
			// A configured stage whose model failed to load
			if !st.Enabled && st.Detector != "" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil || !s.auth.IsEnabled() {
		writeError(w, http.StatusNotFound, "authentication is disabled")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			log.Printf("[Status] Failed login for %q from %s", req.Username, r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	log.Printf("[Status] Operator %q signed in from %s", req.Username, r.RemoteAddr)
	writeJSON(w, http.StatusOK, loginResponse{Token: token.Value, ExpiresAt: token.ExpiresAt})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := middleware.OperatorFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusNotFound, "authentication is disabled")
		return
	}
	resp := operatorResponse{
		Operator:  claims.Operator(),
		SessionID: claims.SessionID,
		TokenID:   claims.ID,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "alert store not available")
		return
	}
	state := s.alerts.Snapshot()
	resp := AlertsResponse{
		Vector:  state,
		Alerts:  state.Named(),
		Active:  []string{},
		Since:   map[string]time.Time{},
		Pending: s.alerts.Dirty(),
	}
	for _, k := range s.alerts.ActiveKinds() {
		resp.Active = append(resp.Active, k.String())
		if t := s.alerts.LastActivation(k); !t.IsZero() {
			resp.Since[k.String()] = t
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "no session running")
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.Report())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, 50)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.events.RecentEvents(limit))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, 20)
	if !ok {
		return
	}
	sessions, err := s.history.ListSessions(r.URL.Query().Get("student_id"), limit)
	if err != nil {
		log.Printf("[Status] Failed to list sessions: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*database.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := s.vars(r)["id"]
	rec, err := s.history.GetSession(id)
	if err != nil {
		log.Printf("[Status] Failed to load session %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	violations, err := s.history.ListViolations(id)
	if err != nil {
		log.Printf("[Status] Failed to list violations for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to list violations")
		return
	}
	if violations == nil {
		violations = []*database.ViolationRecord{}
	}
	writeJSON(w, http.StatusOK, SessionDetail{SessionRecord: rec, Violations: violations})
}

// queryLimit parses ?limit=, writing a 400 when it is not a positive integer.
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Status] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
