package interfaces

import (
	"context"
	"io"

	"github.com/graememel-kap/pageindex-web/internal/events"
	"github.com/graememel-kap/pageindex-web/internal/models"
)

// JobService is the public contract of the job supervisor.
type JobService interface {
	// CreateJob validates the upload, stores it, persists a QUEUED job, and
	// spawns the run task. Returns ErrJobConflict while another job is
	// non-terminal and ErrJobValidation on filename/input_type mismatch.
	CreateJob(ctx context.Context, filename, inputType string, options models.JobOptions, content io.Reader) (*models.Job, error)

	// CancelJob terminates the running process (terminate, 6s grace, kill)
	// and marks the job CANCELLED. No-op if the process already exited.
	CancelJob(ctx context.Context, jobID string) (*models.Job, error)

	GetJob(jobID string) (*models.Job, error)
	ListJobs() []*models.Job

	// Subscribe registers a bounded event queue for the job and immediately
	// publishes a job.update snapshot to it.
	Subscribe(jobID string) (*events.Subscriber, error)
	Unsubscribe(jobID string, sub *events.Subscriber)
}

// ChatService is the public contract of the chat supervisor.
type ChatService interface {
	CreateSession(ctx context.Context, jobID, title string) (*models.ChatSession, error)
	ListSessions(jobID string) ([]models.ChatSessionSummary, error)
	GetSession(sessionID string) (*models.ChatSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ClearSessionsForJob(ctx context.Context, jobID string) (int, error)

	// StartMessageRun appends the user and empty assistant messages, starts
	// the retrieval/generation pipeline, and returns the new ids.
	StartMessageRun(ctx context.Context, sessionID, content string) (*models.ChatRunStartResponse, error)

	Subscribe(sessionID, runID string) (*events.Subscriber, error)
	Unsubscribe(sessionID, runID string, sub *events.Subscriber)
}
