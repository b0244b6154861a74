package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/jobstats/app/export"
	"github.com/umputun/jobstats/app/service"
	"github.com/umputun/jobstats/app/store"
)

// GET /api/auth/user
func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := s.ledger.CurrentUser(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err, "fetch user")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// GET /api/job-types
func (s *Server) handleListJobTypes(w http.ResponseWriter, r *http.Request) {
	jobTypes, err := s.ledger.JobTypes(r.Context())
	if err != nil {
		s.writeError(w, err, "fetch job types")
		return
	}
	s.writeJSON(w, http.StatusOK, jobTypes)
}

// POST /api/job-types
func (s *Server) handleCreateJobType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	jt, err := s.ledger.CreateJobType(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, err, "create job type")
		return
	}
	s.writeJSON(w, http.StatusOK, jt)
}

// POST /api/job-sessions
func (s *Server) handleCreateJobSession(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req store.NewJobSession
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	js, err := s.ledger.LogSession(r.Context(), user.ID, req)
	if err != nil {
		s.writeError(w, err, "create job session")
		return
	}
	s.writeJSON(w, http.StatusOK, js)
}

// GET /api/job-sessions?page=1&limit=20
func (s *Server) handleListJobSessions(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))   // invalid or missing means first page
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit")) // invalid or missing means default limit
	res, err := s.ledger.History(r.Context(), user.ID, page, limit)
	if err != nil {
		s.writeError(w, err, "fetch job sessions")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// GET /api/analytics/profitability
func (s *Server) handleProfitability(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.Profitability(r.Context())
	if err != nil {
		s.writeError(w, err, "fetch profitability data")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// GET /api/analytics/user-stats
func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := s.ledger.UserStats(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err, "fetch user stats")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// GET /api/export/csv, all users in multi-user mode, own sessions otherwise
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID := user.ID
	if s.multiUser() {
		userID = ""
	}

	// buffered to report storage errors with a proper status
	var buf bytes.Buffer
	if err := s.ledger.Export(r.Context(), &buf, userID); err != nil {
		s.writeError(w, err, "generate csv export")
		return
	}
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		log.Printf("[WARN] failed to send csv export: %v", err)
	}
}

// writeError maps ledger and store errors to the response status
func (s *Server) writeError(w http.ResponseWriter, err error, action string) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid data", "fields": verr.Fields})
		return
	case errors.Is(err, store.ErrNotFound):
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, store.ErrConflict):
		s.writeJSONError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, store.ErrUnavailable):
		log.Printf("[ERROR] failed to %s: %v", action, err)
		s.writeJSONError(w, http.StatusServiceUnavailable, "failed to "+action+", storage unavailable")
		return
	}
	log.Printf("[ERROR] failed to %s: %v", action, err)
	s.writeJSONError(w, http.StatusInternalServerError, "failed to "+action)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
