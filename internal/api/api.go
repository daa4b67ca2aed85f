package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joescharf/triage/internal/models"
	"github.com/joescharf/triage/internal/remote"
	"github.com/joescharf/triage/internal/sessions"
	"github.com/joescharf/triage/internal/store"
)

const defaultHistoryLimit = 50

// Server provides the REST API handlers.
type Server struct {
	sessions *sessions.Manager
	metrics  http.Handler
}

// NewServer creates a new API server. metrics may be nil.
func NewServer(mgr *sessions.Manager, metrics http.Handler) *Server {
	return &Server{sessions: mgr, metrics: metrics}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/issues", s.listRepoIssues)
	mux.HandleFunc("GET /api/v1/repos/{owner}/{repo}/issues/{number}", s.getRepoIssue)
	mux.HandleFunc("POST /api/v1/repos/{owner}/{repo}/issues/{number}/analysis", s.startAnalysis)

	mux.HandleFunc("GET /api/v1/issues/{id}", s.getIssue)
	mux.HandleFunc("GET /api/v1/issues/{id}/sessions", s.listIssueSessions)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSessionStatus)
	mux.HandleFunc("POST /api/v1/sessions/{id}/resolution", s.startResolution)
	mux.HandleFunc("POST /api/v1/sessions/{id}/retry", s.retrySession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/messages", s.sendMessage)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorResponse carries the user-facing category next to the message.
type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

// writeServiceError maps engine and remote errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	category := ""

	switch {
	case errors.Is(err, sessions.ErrAnalysisNotReady):
		status, category = http.StatusConflict, "analysis_not_ready"
	case errors.Is(err, sessions.ErrNotRetryable):
		status, category = http.StatusConflict, "not_retryable"
	case errors.Is(err, sessions.ErrSessionTerminal):
		status, category = http.StatusConflict, "session_terminal"
	case errors.Is(err, store.ErrNotFound):
		status, category = http.StatusNotFound, "not_found"
	default:
		switch c := remote.CategoryOf(err); c {
		case remote.CategoryNotFound:
			status = http.StatusNotFound
		case remote.CategoryForbidden:
			status = http.StatusForbidden
		case remote.CategoryUnauthenticated:
			status = http.StatusUnauthorized
		case remote.CategoryRateLimited:
			status = http.StatusTooManyRequests
		case remote.CategoryUnavailable, remote.CategoryInvalid:
			status = http.StatusBadGateway
		}
		category = string(remote.CategoryOf(err))
	}

	if status == http.StatusInternalServerError {
		slog.Error("Unexpected service error", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Category: category})
}

// writeStart answers 201 for a new session and 200 when one was already running.
func writeStart(w http.ResponseWriter, res *sessions.StartResult) {
	status := http.StatusCreated
	if res.AlreadyRunning {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// decodeOptional decodes a JSON body into v, treating an empty body as {}.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// --- Issues ---

func (s *Server) listRepoIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := optionalInt(q.Get("page"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	perPage, err := optionalInt(q.Get("per_page"), 30)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid per_page")
		return
	}
	state := q.Get("state")
	if state == "" {
		state = string(models.IssueStateOpen)
	}

	issues, err := s.sessions.ListIssues(r.Context(), r.PathValue("owner"), r.PathValue("repo"), state, page, perPage)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issues)
}

func (s *Server) getRepoIssue(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "invalid issue number")
		return
	}
	issue, err := s.sessions.LoadIssue(r.Context(), r.PathValue("owner"), r.PathValue("repo"), number)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) getIssue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid issue id")
		return
	}
	issue, err := s.sessions.GetIssue(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) listIssueSessions(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid issue id")
		return
	}
	list, err := s.sessions.ListSessionsForIssue(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- Sessions ---

func (s *Server) startAnalysis(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "invalid issue number")
		return
	}

	issue, err := s.sessions.LoadIssue(r.Context(), r.PathValue("owner"), r.PathValue("repo"), number)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	res, err := s.sessions.StartAnalysis(r.Context(), issue)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeStart(w, res)
}

type resolutionRequest struct {
	Analysis *models.AnalysisResult `json:"analysis,omitempty"`
}

func (s *Server) startResolution(w http.ResponseWriter, r *http.Request) {
	var req resolutionRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.sessions.StartResolution(r.Context(), r.PathValue("id"), req.Analysis)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeStart(w, res)
}

func (s *Server) getSessionStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.sessions.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) retrySession(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeStart(w, res)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	view, err := s.sessions.SendMessage(r.Context(), r.PathValue("id"), req.Message)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionListFilter{
		Kind:   models.SessionKind(q.Get("kind")),
		Status: models.SessionStatus(q.Get("status")),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid kind")
		return
	}
	if filter.Status != "" && !validStatus(filter.Status) {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	limit, err := optionalInt(q.Get("limit"), defaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	filter.Limit = limit

	list, err := s.sessions.ListSessions(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func validStatus(st models.SessionStatus) bool {
	return st == models.SessionStatusRunning || st.Terminal()
}

// optionalInt parses a positive integer, returning def for an empty string.
func optionalInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	return n, nil
}
