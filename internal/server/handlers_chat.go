package server

import (
	"encoding/json"
	"net/http"
)

// createSessionRequest is the body of POST /api/jobs/{id}/chat/sessions.
type createSessionRequest struct {
	Title string `json:"title"`
}

// startRunRequest is the body of POST /api/chat/sessions/{sid}/messages.
type startRunRequest struct {
	Content string `json:"content"`
}

// handleJobChatSessions handles /api/jobs/{id}/chat/sessions:
// POST creates a session, GET lists them, DELETE clears them all.
func (s *Server) handleJobChatSessions(w http.ResponseWriter, r *http.Request, jobID string) {
	switch r.Method {
	case http.MethodPost:
		var req createSessionRequest
		if r.Body != nil {
			// An empty or absent body means a default title.
			json.NewDecoder(r.Body).Decode(&req)
		}
		session, err := s.chat.CreateSession(r.Context(), jobID, req.Title)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, session.Summary())

	case http.MethodGet:
		sessions, err := s.chat.ListSessions(jobID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, sessions)

	case http.MethodDelete:
		count, err := s.chat.ClearSessionsForJob(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int{"deleted_count": count})

	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

// handleChatSession handles GET and DELETE /api/chat/sessions/{sid}.
func (s *Server) handleChatSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	switch r.Method {
	case http.MethodGet:
		session, err := s.chat.GetSession(sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, session)

	case http.MethodDelete:
		if err := s.chat.DeleteSession(r.Context(), sessionID); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	default:
		RequireMethod(w, r, http.MethodGet, http.MethodDelete)
	}
}

// handleChatMessages handles POST /api/chat/sessions/{sid}/messages: starts
// a run and returns 202 with the new ids.
func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req startRunRequest
	if r.Body == nil || json.NewDecoder(r.Body).Decode(&req) != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	resp, err := s.chat.StartMessageRun(r.Context(), sessionID, req.Content)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, resp)
}

// handleChatRunEvents handles GET /api/chat/sessions/{sid}/runs/{rid}/events (SSE).
func (s *Server) handleChatRunEvents(w http.ResponseWriter, r *http.Request, sessionID, runID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	sub, err := s.chat.Subscribe(sessionID, runID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer s.chat.Unsubscribe(sessionID, runID, sub)

	s.streamEvents(w, r, sub)
}
