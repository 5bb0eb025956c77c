package server

import (
	"errors"
	"net/http"
	"os"
	"runtime"

	"github.com/graememel-kap/pageindex-web/internal/common"
	"github.com/graememel-kap/pageindex-web/internal/models"
	"github.com/graememel-kap/pageindex-web/internal/services/chatmanager"
	"github.com/graememel-kap/pageindex-web/internal/services/jobmanager"
)

const maxUploadMemory = 32 << 20 // form parse buffer; larger uploads spill to disk

// writeServiceError maps supervisor errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, chatmanager.ErrSessionNotFound):
		WriteError(w, http.StatusNotFound, "Chat session not found")
	case errors.Is(err, chatmanager.ErrResultMissing):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobmanager.ErrJobConflict), errors.Is(err, chatmanager.ErrChatConflict):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, jobmanager.ErrJobValidation), errors.Is(err, chatmanager.ErrChatValidation):
		WriteError(w, http.StatusBadRequest, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleHealth handles GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVersion handles GET /api/version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
		"go":      runtime.Version(),
	})
}

// handleJobsRoot handles POST /api/jobs (create) and GET /api/jobs (list).
func (s *Server) handleJobsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleJobCreate(w, r)
	case http.MethodGet:
		s.handleJobList(w, r)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	inputType := r.FormValue("input_type")
	options := models.JobOptions{
		Model:                 r.FormValue("model"),
		TocCheckPages:         r.FormValue("toc_check_pages"),
		MaxPagesPerNode:       r.FormValue("max_pages_per_node"),
		MaxTokensPerNode:      r.FormValue("max_tokens_per_node"),
		IfAddNodeID:           r.FormValue("if_add_node_id"),
		IfAddNodeSummary:      r.FormValue("if_add_node_summary"),
		IfAddDocDescription:   r.FormValue("if_add_doc_description"),
		IfAddNodeText:         r.FormValue("if_add_node_text"),
		IfThinning:            r.FormValue("if_thinning"),
		ThinningThreshold:     r.FormValue("thinning_threshold"),
		SummaryTokenThreshold: r.FormValue("summary_token_threshold"),
	}

	job, err := s.jobs.CreateJob(r.Context(), header.Filename, inputType, options, file)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, job.Summary())
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.ListJobs()
	summaries := make([]models.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, job.Summary())
	}
	WriteJSON(w, http.StatusOK, summaries)
}

// handleJobDetail handles GET /api/jobs/{id}.
func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	job, err := s.jobs.GetJob(jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// handleJobCancel handles POST /api/jobs/{id}/cancel.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	job, err := s.jobs.CancelJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// handleJobResult handles GET /api/jobs/{id}/result: re-reads the indexed
// JSON from disk and returns it verbatim.
func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	job, err := s.jobs.GetJob(jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if job.ResultFile == "" {
		WriteError(w, http.StatusNotFound, "Result file not available")
		return
	}

	data, err := os.ReadFile(job.ResultFile)
	if err != nil {
		WriteError(w, http.StatusNotFound, "Result file missing")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleJobEvents handles GET /api/jobs/{id}/events (SSE).
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	sub, err := s.jobs.Subscribe(jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer s.jobs.Unsubscribe(jobID, sub)

	s.streamEvents(w, r, sub)
}
