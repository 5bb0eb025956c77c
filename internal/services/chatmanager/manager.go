// Package chatmanager implements the per-session chat supervisor: session
// lifecycle, run serialisation, the retrieval/generation pipeline, event
// emission, and crash-safe persistence.
package chatmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
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
	ErrSessionNotFound = errors.New("chat session not found")
	ErrChatConflict    = errors.New("chat run conflict")
	ErrChatValidation  = errors.New("invalid chat request")
	ErrResultMissing   = errors.New("result file not available")
)

const (
	defaultSessionTitle    = "Document Chat"
	messagePreviewLimit    = 140
	restartRunErrorMessage = "Backend restarted while chat run was active"
)

// JobProvider is the narrow view of the job supervisor the chat side needs.
type JobProvider interface {
	GetJob(jobID string) (*models.Job, error)
}

// Manager supervises chat sessions and serialises runs within each.
type Manager struct {
	jobs    JobProvider
	llm     interfaces.LLMClient
	storage interfaces.StorageManager
	broker  *events.Broker
	logger  *common.Logger

	mu       sync.Mutex
	sessions map[string]*models.ChatSession
	runTasks map[string]struct{}
	wg       sync.WaitGroup
}

// NewManager loads persisted sessions and reconciles any run left RUNNING by
// a previous process.
func NewManager(jobs JobProvider, llm interfaces.LLMClient, storage interfaces.StorageManager, broker *events.Broker, logger *common.Logger) (*Manager, error) {
	sessions, err := storage.ChatStorage().LoadSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to load chat sessions: %w", err)
	}

	m := &Manager{
		jobs:     jobs,
		llm:      llm,
		storage:  storage,
		broker:   broker,
		logger:   logger,
		sessions: sessions,
		runTasks: make(map[string]struct{}),
	}

	for _, session := range m.sessions {
		run := session.ActiveRun()
		if run == nil || run.Status != models.RunStatusRunning {
			continue
		}
		run.Status = models.RunStatusFailed
		run.Error = restartRunErrorMessage
		run.UpdatedAt = common.NowRFC3339()
		session.ActiveRunID = ""
		session.UpdatedAt = common.NowRFC3339()
		m.persist(session)
		logger.Info().Str("session_id", session.ID).Str("run_id", run.ID).Msg("Reconciled orphaned chat run to FAILED")
	}

	return m, nil
}

// Wait blocks until all run pipelines have finished. Used by tests and
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
					Msg("Recovered from panic in chat manager goroutine")
			}
		}()
		fn()
	}()
}

// persist recomputes the denormalised session fields and saves. Called with
// m.mu held (or during construction, before any concurrency).
func (m *Manager) persist(session *models.ChatSession) {
	session.MessageCount = len(session.Messages)
	session.LastMessagePreview = ""
	if len(session.Messages) > 0 {
		preview := strings.TrimSpace(session.Messages[len(session.Messages)-1].Content)
		session.LastMessagePreview = clipRunes(preview, messagePreviewLimit)
	}
	session.ActiveRunStatus = ""
	if run := session.ActiveRun(); run != nil {
		session.ActiveRunStatus = run.Status
	}
	m.sessions[session.ID] = session
	if err := m.storage.ChatStorage().SaveSession(session); err != nil {
		m.logger.Error().Str("session_id", session.ID).Err(err).Msg("Failed to persist chat session")
	}
}

func topic(sessionID, runID string) string {
	return sessionID + "/" + runID
}

func (m *Manager) publish(sessionID, runID, name string, data any) {
	m.broker.Publish(topic(sessionID, runID), models.Event{Name: name, Data: data})
}

// validateJobReady checks that the session's job is COMPLETED and its result
// file exists on disk. Returns the job snapshot and result path.
func (m *Manager) validateJobReady(jobID string) (*models.Job, string, error) {
	job, err := m.jobs.GetJob(jobID)
	if err != nil {
		return nil, "", err
	}
	if job.Status != models.JobStatusCompleted {
		return nil, "", fmt.Errorf("%w: chat is only available for completed jobs", ErrChatValidation)
	}
	if job.ResultFile == "" {
		return nil, "", fmt.Errorf("%w for this job", ErrResultMissing)
	}
	if _, err := os.Stat(job.ResultFile); err != nil {
		return nil, "", fmt.Errorf("%w: result file is missing on disk", ErrResultMissing)
	}
	return job, job.ResultFile, nil
}

// CreateSession creates a session against a completed job.
func (m *Manager) CreateSession(ctx context.Context, jobID, title string) (*models.ChatSession, error) {
	if _, _, err := m.validateJobReady(jobID); err != nil {
		return nil, err
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultSessionTitle
	}

	now := common.NowRFC3339()
	session := &models.ChatSession{
		ID:        common.NewID("chat"),
		JobID:     jobID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []models.ChatMessage{},
		Runs:      []models.ChatRun{},
	}

	m.mu.Lock()
	m.persist(session)
	m.mu.Unlock()

	m.logger.Info().Str("session_id", session.ID).Str("job_id", jobID).Msg("Chat session created")
	return session.Clone(), nil
}

// ListSessions returns summaries of the job's sessions, updated_at
// descending. The job must exist.
func (m *Manager) ListSessions(jobID string) ([]models.ChatSessionSummary, error) {
	if _, err := m.jobs.GetJob(jobID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ChatSessionSummary
	for _, session := range m.sessions {
		if session.JobID == jobID {
			out = append(out, session.Summary())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].UpdatedAt > out[b].UpdatedAt
	})
	return out, nil
}

// GetSession returns a snapshot of the full session.
func (m *Manager) GetSession(sessionID string) (*models.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Clone(), nil
}

// removeSessionState drops a session from memory and deletes its file.
// Subscriber topics are left to their subscribers. Called with m.mu held.
func (m *Manager) removeSessionState(session *models.ChatSession) {
	delete(m.sessions, session.ID)
	if _, err := m.storage.ChatStorage().DeleteSession(session.ID); err != nil {
		m.logger.Warn().Str("session_id", session.ID).Err(err).Msg("Failed to delete session file")
	}
}

// DeleteSession deletes one session; refused while a run is active.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if run := session.ActiveRun(); run != nil && run.Status == models.RunStatusRunning {
		return fmt.Errorf("%w: cannot delete a session while a run is active", ErrChatConflict)
	}
	m.removeSessionState(session)
	return nil
}

// ClearSessionsForJob deletes all of the job's sessions and returns the
// count; refused if any of them has an active run.
func (m *Manager) ClearSessionsForJob(ctx context.Context, jobID string) (int, error) {
	if _, err := m.jobs.GetJob(jobID); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var targets []*models.ChatSession
	for _, session := range m.sessions {
		if session.JobID == jobID {
			targets = append(targets, session)
		}
	}
	for _, session := range targets {
		if run := session.ActiveRun(); run != nil && run.Status == models.RunStatusRunning {
			return 0, fmt.Errorf("%w: cannot clear sessions while a run is active", ErrChatConflict)
		}
	}
	for _, session := range targets {
		m.removeSessionState(session)
	}
	return len(targets), nil
}

// Subscribe registers a bounded event queue for one run of a session.
func (m *Manager) Subscribe(sessionID, runID string) (*events.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	return m.broker.Subscribe(topic(sessionID, runID), events.ChatQueueCapacity), nil
}

// Unsubscribe removes the subscriber from the run topic.
func (m *Manager) Unsubscribe(sessionID, runID string, sub *events.Subscriber) {
	m.broker.Unsubscribe(topic(sessionID, runID), sub)
}

// StartMessageRun appends the user and empty assistant messages, registers
// the RUNNING run, and spawns the pipeline. At most one run per session may
// be RUNNING.
func (m *Manager) StartMessageRun(ctx context.Context, sessionID, content string) (*models.ChatRunStartResponse, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: message content cannot be empty", ErrChatValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if run := session.ActiveRun(); run != nil && run.Status == models.RunStatusRunning {
		return nil, fmt.Errorf("%w: a chat run is already active for this session", ErrChatConflict)
	}

	job, _, err := m.validateJobReady(session.JobID)
	if err != nil {
		return nil, err
	}

	now := common.NowRFC3339()
	userMessage := models.ChatMessage{
		ID:        common.NewID("msg"),
		Role:      models.RoleUser,
		Content:   trimmed,
		CreatedAt: now,
		Citations: []models.NodeCitation{},
	}
	assistantMessage := models.ChatMessage{
		ID:        common.NewID("msg"),
		Role:      models.RoleAssistant,
		Content:   "",
		CreatedAt: now,
		Citations: []models.NodeCitation{},
	}
	run := models.ChatRun{
		ID:                 common.NewID("run"),
		Status:             models.RunStatusRunning,
		UserMessageID:      userMessage.ID,
		AssistantMessageID: assistantMessage.ID,
		CreatedAt:          now,
		UpdatedAt:          now,
		SelectedNodeIDs:    []string{},
	}

	session.Messages = append(session.Messages, userMessage, assistantMessage)
	session.Runs = append(session.Runs, run)
	session.ActiveRunID = run.ID
	session.UpdatedAt = now
	m.persist(session)

	m.publish(sessionID, run.ID, models.EventChatRunStarted, models.ChatRunStartedPayload{
		SessionID:          sessionID,
		RunID:              run.ID,
		UserMessageID:      userMessage.ID,
		AssistantMessageID: assistantMessage.ID,
		Timestamp:          now,
	})

	m.runTasks[run.ID] = struct{}{}
	runID := run.ID
	model := job.Options.Model
	m.safeGo("chat-run-"+runID, func() {
		defer func() {
			m.mu.Lock()
			delete(m.runTasks, runID)
			m.mu.Unlock()
		}()
		m.runPipeline(sessionID, runID, trimmed, model)
	})

	return &models.ChatRunStartResponse{
		RunID:              run.ID,
		UserMessageID:      userMessage.ID,
		AssistantMessageID: assistantMessage.ID,
	}, nil
}

var _ interfaces.ChatService = (*Manager)(nil)
