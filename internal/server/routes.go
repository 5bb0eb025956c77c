package server

import (
	"net/http"
	"strings"
)

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)

	// Jobs
	mux.HandleFunc("/api/jobs", s.handleJobsRoot)
	mux.HandleFunc("/api/jobs/", s.routeJobs)

	// Chat sessions
	mux.HandleFunc("/api/chat/sessions/", s.routeChatSessions)
}

// routeJobs dispatches /api/jobs/{id}[/...] to the appropriate handler.
func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if path == "" {
		WriteError(w, http.StatusBadRequest, "job id is required in path")
		return
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	jobID := parts[0]

	switch {
	case len(parts) == 1:
		s.handleJobDetail(w, r, jobID)
	case len(parts) == 2 && parts[1] == "events":
		s.handleJobEvents(w, r, jobID)
	case len(parts) == 2 && parts[1] == "cancel":
		s.handleJobCancel(w, r, jobID)
	case len(parts) == 2 && parts[1] == "result":
		s.handleJobResult(w, r, jobID)
	case len(parts) == 3 && parts[1] == "chat" && parts[2] == "sessions":
		s.handleJobChatSessions(w, r, jobID)
	default:
		WriteError(w, http.StatusNotFound, "Unknown jobs endpoint")
	}
}

// routeChatSessions dispatches /api/chat/sessions/{sid}[/...].
func (s *Server) routeChatSessions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/chat/sessions/")
	if path == "" {
		WriteError(w, http.StatusBadRequest, "session id is required in path")
		return
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	sessionID := parts[0]

	switch {
	case len(parts) == 1:
		s.handleChatSession(w, r, sessionID)
	case len(parts) == 2 && parts[1] == "messages":
		s.handleChatMessages(w, r, sessionID)
	case len(parts) == 4 && parts[1] == "runs" && parts[3] == "events":
		s.handleChatRunEvents(w, r, sessionID, parts[2])
	default:
		WriteError(w, http.StatusNotFound, "Unknown chat endpoint")
	}
}
