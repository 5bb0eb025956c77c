// Package interfaces defines the service, client, and storage contracts
// wired together in internal/app.
package interfaces

import (
	"io"

	"github.com/graememel-kap/pageindex-web/internal/models"
)

// JobStorage persists jobs as one JSON file per entity.
type JobStorage interface {
	SaveJob(job *models.Job) error
	LoadJobs() (map[string]*models.Job, error)
	DeleteJob(jobID string) (bool, error)
}

// ChatStorage persists chat sessions as one JSON file per entity.
type ChatStorage interface {
	SaveSession(session *models.ChatSession) error
	LoadSessions() (map[string]*models.ChatSession, error)
	DeleteSession(sessionID string) (bool, error)
	// SessionsByJob groups all persisted sessions by job id, each group
	// ordered by updated_at descending.
	SessionsByJob() (map[string][]*models.ChatSession, error)
}

// UploadStorage streams raw uploads into the store's uploads area.
type UploadStorage interface {
	// SaveUpload writes the reader to uploads/<job_id>_<safe_name> in bounded
	// chunks and returns the absolute path of the stored file.
	SaveUpload(jobID, safeName string, r io.Reader) (string, error)
}

// StorageManager bundles the storage areas owned by the file store.
type StorageManager interface {
	JobStorage() JobStorage
	ChatStorage() ChatStorage
	UploadStorage() UploadStorage
	BaseDir() string
	Close() error
}
