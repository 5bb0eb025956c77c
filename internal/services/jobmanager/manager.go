// Package jobmanager implements the single-active-job supervisor: it accepts
// uploads, launches the external indexing subprocess, multiplexes its stdout,
// stderr, and JSON log file onto the monotonic stage machine, persists every
// transition, and broadcasts events to subscribers.
package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/graememel-kap/pageindex-web/internal/common"
	"github.com/graememel-kap/pageindex-web/internal/events"
	"github.com/graememel-kap/pageindex-web/internal/interfaces"
	"github.com/graememel-kap/pageindex-web/internal/models"
)

// Sentinel errors mapped to HTTP statuses at the API boundary.
var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobConflict   = errors.New("a job is already running")
	ErrJobValidation = errors.New("invalid job request")
)

const restartErrorMessage = "Backend restarted while job was running"

// runningProc tracks one live subprocess. exited is closed by the reaper
// goroutine after Wait returns; exitCode is valid only after that.
type runningProc struct {
	cmd       *exec.Cmd
	exited    chan struct{}
	exitCode  int
	cancelled bool
}

// Manager supervises at most one active indexing job.
type Manager struct {
	repoRoot   string
	logsDir    string
	resultsDir string
	indexer    common.IndexerConfig

	storage interfaces.StorageManager
	broker  *events.Broker
	logger  *common.Logger

	mu          sync.Mutex
	jobs        map[string]*models.Job
	processes   map[string]*runningProc
	activeJobID string
	wg          sync.WaitGroup
}

// NewManager loads persisted jobs, reconciles any left mid-execution by a
// previous process, and prepares the logs/ and results/ directories.
func NewManager(storage interfaces.StorageManager, broker *events.Broker, logger *common.Logger, indexer common.IndexerConfig) (*Manager, error) {
	repoRoot, err := filepath.Abs(indexer.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo root: %w", err)
	}
	indexer.RepoRoot = repoRoot

	m := &Manager{
		repoRoot:   repoRoot,
		logsDir:    filepath.Join(repoRoot, "logs"),
		resultsDir: filepath.Join(repoRoot, "results"),
		indexer:    indexer,
		storage:    storage,
		broker:     broker,
		logger:     logger,
		jobs:       make(map[string]*models.Job),
		processes:  make(map[string]*runningProc),
	}
	if err := m.ensureDirs(); err != nil {
		return nil, err
	}

	jobs, err := storage.JobStorage().LoadJobs()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	m.jobs = jobs

	// A job persisted as QUEUED or RUNNING can only mean the previous process
	// died mid-execution; the subprocess is gone, so the job is failed.
	for _, job := range m.jobs {
		if job.Status != models.JobStatusRunning && job.Status != models.JobStatusQueued {
			continue
		}
		job.Status = models.JobStatusFailed
		job.Error = restartErrorMessage
		job.UpdatedAt = common.NowRFC3339()
		if err := storage.JobStorage().SaveJob(job); err != nil {
			logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to persist reconciled job")
		}
		logger.Info().Str("job_id", job.ID).Msg("Reconciled orphaned job to FAILED")
	}

	return m, nil
}

// Wait blocks until all run goroutines have finished. Used by tests and
// graceful shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// safeGo launches a goroutine with panic recovery and logging.
func (m *Manager) safeGo(name string, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in job manager goroutine")
			}
		}()
		fn()
	}()
}

// CreateJob validates and stores the upload, persists the QUEUED job, and
// spawns the run task. Only one non-terminal job may exist at a time.
func (m *Manager) CreateJob(ctx context.Context, filename, inputType string, options models.JobOptions, content io.Reader) (*models.Job, error) {
	if filename == "" {
		filename = "document"
	}
	safeName := safeFilename(filename)
	suffix := strings.ToLower(filepath.Ext(safeName))

	switch inputType {
	case models.InputTypePDF:
		if suffix != ".pdf" {
			return nil, fmt.Errorf("%w: input_type=pdf requires a .pdf file", ErrJobValidation)
		}
	case models.InputTypeMD:
		if suffix != ".md" && suffix != ".markdown" {
			return nil, fmt.Errorf("%w: input_type=md requires a .md or .markdown file", ErrJobValidation)
		}
	default:
		return nil, fmt.Errorf("%w: input_type must be pdf or md", ErrJobValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeJobID != "" {
		if active, ok := m.jobs[m.activeJobID]; ok && !active.Status.Terminal() {
			return nil, ErrJobConflict
		}
	}

	now := common.NowRFC3339()
	jobID := common.NewID("")

	inputPath, err := m.storage.UploadStorage().SaveUpload(jobID, safeName, content)
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	job := &models.Job{
		ID:         jobID,
		Filename:   filename,
		InputType:  inputType,
		Status:     models.JobStatusQueued,
		Stage:      models.StageQueued,
		Progress:   StageProgress[models.StageQueued],
		CreatedAt:  now,
		UpdatedAt:  now,
		Options:    options,
		InputPath:  inputPath,
		StdoutTail: []string{},
		Activity:   []models.ActivityItem{},
	}
	m.jobs[jobID] = job

	m.appendActivity(job, models.ActivitySourceSystem, "Job created")
	if err := m.persist(job); err != nil {
		return nil, err
	}
	m.activeJobID = jobID
	m.emitUpdate(job)

	m.safeGo("job-run-"+jobID, func() { m.runJob(jobID) })

	m.logger.Info().
		Str("job_id", jobID).
		Str("filename", filename).
		Str("input_type", inputType).
		Msg("Job created")

	return job.Clone(), nil
}

// GetJob returns a snapshot of the job.
func (m *Manager) GetJob(jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListJobs returns snapshots of all jobs sorted by created_at descending.
func (m *Manager) ListJobs() []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt > out[b].CreatedAt
	})
	return out
}

// Subscribe registers a bounded event queue for the job and publishes a
// job.update snapshot to the topic.
func (m *Manager) Subscribe(jobID string) (*events.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}

	sub := m.broker.Subscribe(jobID, events.JobQueueCapacity)
	m.emitUpdate(job)
	return sub, nil
}

// Unsubscribe removes the subscriber from the job topic.
func (m *Manager) Unsubscribe(jobID string, sub *events.Subscriber) {
	m.broker.Unsubscribe(jobID, sub)
}

// CancelJob terminates the running subprocess: SIGTERM, a grace window, then
// SIGKILL. Idempotent; a no-op when the process has already exited.
func (m *Manager) CancelJob(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrJobNotFound
	}

	proc := m.processes[jobID]
	if proc == nil || proc.hasExited() {
		snapshot := job.Clone()
		m.mu.Unlock()
		return snapshot, nil
	}
	proc.cancelled = true
	m.mu.Unlock()

	proc.terminate(CancelGraceTimeout, m.logger)

	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = models.JobStatusCancelled
	job.UpdatedAt = common.NowRFC3339()
	m.appendActivity(job, models.ActivitySourceSystem, "Job cancelled by user")
	if err := m.persist(job); err != nil {
		return nil, err
	}
	m.emitUpdate(job)

	if m.activeJobID == jobID {
		m.activeJobID = ""
	}

	m.logger.Info().Str("job_id", jobID).Msg("Job cancelled")
	return job.Clone(), nil
}

// --- internal helpers (callers hold m.mu) ---

func (m *Manager) ensureDirs() error {
	for _, dir := range []string{m.logsDir, m.resultsDir} {
		if err := ensureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// persist saves the job; a failed save is logged and surfaced but does not
// roll back in-memory state. The next successful save reconciles the file.
func (m *Manager) persist(job *models.Job) error {
	if err := m.storage.JobStorage().SaveJob(job); err != nil {
		m.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to persist job")
		return fmt.Errorf("failed to persist job: %w", err)
	}
	return nil
}

func (m *Manager) emitUpdate(job *models.Job) {
	m.broker.Publish(job.ID, models.Event{
		Name: models.EventJobUpdate,
		Data: models.JobUpdatePayload{Job: job.Clone()},
	})
}

func (m *Manager) appendStdoutTail(job *models.Job, source, message string) {
	job.StdoutTail = append(job.StdoutTail, "["+source+"] "+message)
	if len(job.StdoutTail) > models.StdoutTailLimit {
		job.StdoutTail = job.StdoutTail[len(job.StdoutTail)-models.StdoutTailLimit:]
	}
}

func (m *Manager) appendActivity(job *models.Job, source, message string) {
	item := models.ActivityItem{
		Timestamp: common.NowRFC3339(),
		Source:    source,
		Message:   message,
	}
	job.Activity = append(job.Activity, item)
	if len(job.Activity) > models.ActivityLimit {
		job.Activity = job.Activity[len(job.Activity)-models.ActivityLimit:]
	}
	m.broker.Publish(job.ID, models.Event{
		Name: models.EventJobActivity,
		Data: models.JobActivityPayload{JobID: job.ID, Activity: item},
	})
}

// advanceStage applies a candidate stage if it ranks strictly above the
// current one. Returns true when the job advanced.
func (m *Manager) advanceStage(job *models.Job, candidate models.JobStage, reason string) bool {
	if candidate == "" {
		return false
	}
	if StageRank(candidate) <= StageRank(job.Stage) {
		return false
	}
	job.Stage = candidate
	job.Progress = StageProgress[candidate]
	job.UpdatedAt = common.NowRFC3339()
	m.appendActivity(job, models.ActivitySourceSystem, fmt.Sprintf("Stage -> %s: %s", candidate, reason))
	m.persist(job)
	m.emitUpdate(job)
	return true
}

// finalize moves the job to its terminal status and emits the closing
// events. For COMPLETED the stage and progress are forced to their terminal
// values.
func (m *Manager) finalize(job *models.Job, status models.JobStatus, errMsg string) {
	job.Status = status
	job.UpdatedAt = common.NowRFC3339()
	if errMsg != "" {
		job.Error = errMsg
		m.broker.Publish(job.ID, models.Event{
			Name: models.EventJobError,
			Data: models.JobErrorPayload{JobID: job.ID, Error: errMsg, Timestamp: common.NowRFC3339()},
		})
	}

	if status == models.JobStatusCompleted {
		job.Stage = models.StageCompleted
		job.Progress = StageProgress[models.StageCompleted]
	}

	m.persist(job)
	if status == models.JobStatusCompleted {
		m.broker.Publish(job.ID, models.Event{
			Name: models.EventJobCompleted,
			Data: models.JobCompletedPayload{
				JobID:      job.ID,
				Timestamp:  common.NowRFC3339(),
				ResultFile: job.ResultFile,
			},
		})
	}
	m.emitUpdate(job)
}

var _ interfaces.JobService = (*Manager)(nil)
