// Package filestore implements file-based JSON persistence for jobs, chat
// sessions, and raw uploads under <repo_root>/.pageindex-web. One file per
// entity; writes are atomic (tmp file + rename on the same filesystem) so a
// partial file is never visible to a reader.
package filestore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/graememel-kap/pageindex-web/internal/common"
	"github.com/graememel-kap/pageindex-web/internal/interfaces"
	"github.com/graememel-kap/pageindex-web/internal/models"
)

const uploadChunkSize = 1 << 20 // 1 MiB

// Store provides file-based JSON storage for jobs, sessions, and uploads.
type Store struct {
	baseDir    string
	jobsDir    string
	chatsDir   string
	uploadsDir string
	logger     *common.Logger
}

// NewStore creates the store rooted at <repoRoot>/.pageindex-web.
func NewStore(logger *common.Logger, repoRoot string) (*Store, error) {
	baseDir := filepath.Join(repoRoot, ".pageindex-web")
	jobsDir := filepath.Join(baseDir, "jobs")
	chatsDir := filepath.Join(baseDir, "chats")
	uploadsDir := filepath.Join(baseDir, "uploads")
	for _, dir := range []string{jobsDir, chatsDir, uploadsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store path %s: %w", dir, err)
		}
	}

	logger.Info().Str("path", baseDir).Msg("File store opened")
	return &Store{
		baseDir:    baseDir,
		jobsDir:    jobsDir,
		chatsDir:   chatsDir,
		uploadsDir: uploadsDir,
		logger:     logger,
	}, nil
}

// BaseDir returns the store root.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// JobStorage returns the job storage interface.
func (s *Store) JobStorage() interfaces.JobStorage {
	return &jobStorage{store: s}
}

// ChatStorage returns the chat session storage interface.
func (s *Store) ChatStorage() interfaces.ChatStorage {
	return &chatStorage{store: s}
}

// UploadStorage returns the upload storage interface.
func (s *Store) UploadStorage() interfaces.UploadStorage {
	return &uploadStorage{store: s}
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// --- jobs ---

type jobStorage struct {
	store *Store
}

func (j *jobStorage) SaveJob(job *models.Job) error {
	return writeJSON(j.store.jobsDir, job.ID, job)
}

func (j *jobStorage) LoadJobs() (map[string]*models.Job, error) {
	result := make(map[string]*models.Job)
	err := loadDir(j.store.jobsDir, func(data []byte) error {
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		result[job.ID] = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (j *jobStorage) DeleteJob(jobID string) (bool, error) {
	return deleteEntity(j.store.jobsDir, jobID)
}

// --- chat sessions ---

type chatStorage struct {
	store *Store
}

func (c *chatStorage) SaveSession(session *models.ChatSession) error {
	return writeJSON(c.store.chatsDir, session.ID, session)
}

func (c *chatStorage) LoadSessions() (map[string]*models.ChatSession, error) {
	result := make(map[string]*models.ChatSession)
	err := loadDir(c.store.chatsDir, func(data []byte) error {
		var session models.ChatSession
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}
		result[session.ID] = &session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *chatStorage) DeleteSession(sessionID string) (bool, error) {
	return deleteEntity(c.store.chatsDir, sessionID)
}

func (c *chatStorage) SessionsByJob() (map[string][]*models.ChatSession, error) {
	sessions, err := c.LoadSessions()
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]*models.ChatSession)
	for _, session := range sessions {
		grouped[session.JobID] = append(grouped[session.JobID], session)
	}
	for _, group := range grouped {
		sort.Slice(group, func(a, b int) bool {
			return group[a].UpdatedAt > group[b].UpdatedAt
		})
	}
	return grouped, nil
}

// --- uploads ---

type uploadStorage struct {
	store *Store
}

func (u *uploadStorage) SaveUpload(jobID, safeName string, r io.Reader) (string, error) {
	target := filepath.Join(u.store.uploadsDir, jobID+"_"+safeName)
	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}

	// The wrappers hide ReaderFrom/WriterTo so CopyBuffer really moves the
	// data through buf, one chunk of at most uploadChunkSize at a time.
	buf := make([]byte, uploadChunkSize)
	if _, err := io.CopyBuffer(struct{ io.Writer }{f}, struct{ io.Reader }{r}, buf); err != nil {
		f.Close()
		os.Remove(target)
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("failed to close upload file: %w", err)
	}

	abs, err := filepath.Abs(target)
	if err != nil {
		return target, nil
	}
	return abs, nil
}

// --- helpers ---

func entityPath(dir, id string) string {
	return filepath.Join(dir, id+".json")
}

// writeJSON marshals the entity and atomically replaces <id>.json via the
// <id>.json.tmp sibling. The tmp file lives in the same directory so the
// rename never crosses filesystems.
func writeJSON(dir, id string, entity any) error {
	target := entityPath(dir, id)
	tmp := target + ".tmp"

	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// loadDir reads every *.json file in dir (tmp files never match) and feeds
// the raw bytes to parse. Unreadable or corrupt entries are skipped rather
// than failing the whole load.
func loadDir(dir string, parse func(data []byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		if err := parse(data); err != nil {
			continue
		}
	}
	return nil
}

func deleteEntity(dir, id string) (bool, error) {
	err := os.Remove(entityPath(dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return true, nil
}

var _ interfaces.StorageManager = (*Store)(nil)
