package chatmanager

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/graememel-kap/pageindex-web/internal/common"
	"github.com/graememel-kap/pageindex-web/internal/events"
	"github.com/graememel-kap/pageindex-web/internal/interfaces"
	"github.com/graememel-kap/pageindex-web/internal/models"
	"github.com/graememel-kap/pageindex-web/internal/storage/filestore"
)

// --- stubs ---

type stubJobProvider struct {
	jobs map[string]*models.Job
}

func (s *stubJobProvider) GetJob(jobID string) (*models.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, errors.New("job not found")
	}
	return job.Clone(), nil
}

// stubLLM answers the selection call with a fixed JSON payload and streams a
// fixed delta sequence. gate, when set, blocks the selection call until the
// test has subscribed to the run topic.
type stubLLM struct {
	selection    string
	selectionErr error
	deltas       []string
	streamErr    error
	gate         chan struct{}
}

func (s *stubLLM) ChatCompletion(ctx context.Context, model string, messages []interfaces.LLMMessage, temperature float32) (string, error) {
	if s.gate != nil {
		<-s.gate
	}
	if s.selectionErr != nil {
		return "", s.selectionErr
	}
	return s.selection, nil
}

func (s *stubLLM) StreamChatCompletion(ctx context.Context, model string, messages []interfaces.LLMMessage, temperature float32, onDelta func(delta string) error) (string, error) {
	if s.streamErr != nil {
		return "", s.streamErr
	}
	var out string
	for _, delta := range s.deltas {
		out += delta
		if err := onDelta(delta); err != nil {
			return "", err
		}
	}
	return out, nil
}

func (s *stubLLM) DefaultModel() string { return "stub-model" }
func (s *stubLLM) Close() error         { return nil }

// --- harness ---

type chatEnv struct {
	t       *testing.T
	root    string
	store   *filestore.Store
	jobs    *stubJobProvider
	llm     *stubLLM
	manager *Manager
}

func newChatEnv(t *testing.T, llm *stubLLM) *chatEnv {
	t.Helper()
	root := t.TempDir()
	logger := common.NewSilentLogger()

	store, err := filestore.NewStore(logger, root)
	if err != nil {
		t.Fatal(err)
	}

	jobs := &stubJobProvider{jobs: make(map[string]*models.Job)}
	manager, err := NewManager(jobs, llm, store, events.NewBroker(logger), logger)
	if err != nil {
		t.Fatal(err)
	}

	return &chatEnv{t: t, root: root, store: store, jobs: jobs, llm: llm, manager: manager}
}

// addCompletedJob registers a COMPLETED job whose result file contains one
// node with stored text.
func (e *chatEnv) addCompletedJob(jobID string) *models.Job {
	e.t.Helper()

	resultPath := filepath.Join(e.root, "results")
	os.MkdirAll(resultPath, 0755)
	resultFile := filepath.Join(resultPath, jobID+"_structure.json")
	result := map[string]any{
		"doc_name": "doc.pdf",
		"structure": []any{
			map[string]any{
				"title":       "Section A",
				"node_id":     "0001",
				"start_index": 1,
				"end_index":   1,
				"text":        "Revenue was 10 million.",
			},
		},
	}
	data, _ := json.Marshal(result)
	if err := os.WriteFile(resultFile, data, 0644); err != nil {
		e.t.Fatal(err)
	}

	job := &models.Job{
		ID:         jobID,
		Filename:   "doc.pdf",
		InputType:  models.InputTypePDF,
		Status:     models.JobStatusCompleted,
		Stage:      models.StageCompleted,
		Progress:   1.0,
		CreatedAt:  "2026-01-01T00:00:00Z",
		UpdatedAt:  "2026-01-01T00:00:00Z",
		InputPath:  filepath.Join(e.root, "doc.pdf"),
		ResultFile: resultFile,
	}
	e.jobs.jobs[jobID] = job
	return job
}

func waitForRunStatus(t *testing.T, m *Manager, sessionID, runID string, status models.ChatRunStatus) *models.ChatSession {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		session, err := m.GetSession(sessionID)
		if err == nil {
			if run := session.Run(runID); run != nil && run.Status == status {
				return session
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for run %s status %s", runID, status)
	return nil
}

// --- tests ---

func TestCreateSessionValidation(t *testing.T) {
	env := newChatEnv(t, &stubLLM{})

	// Unknown job.
	if _, err := env.manager.CreateSession(context.Background(), "missing", ""); err == nil {
		t.Error("expected error for unknown job")
	}

	// Job not completed.
	env.jobs.jobs["running"] = &models.Job{ID: "running", Status: models.JobStatusRunning}
	if _, err := env.manager.CreateSession(context.Background(), "running", ""); !errors.Is(err, ErrChatValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	// Completed but result file missing on disk.
	env.jobs.jobs["gone"] = &models.Job{
		ID:         "gone",
		Status:     models.JobStatusCompleted,
		ResultFile: filepath.Join(env.root, "results", "gone_structure.json"),
	}
	if _, err := env.manager.CreateSession(context.Background(), "gone", ""); !errors.Is(err, ErrResultMissing) {
		t.Errorf("expected missing-result error, got %v", err)
	}

	// Completed with no result file recorded.
	env.jobs.jobs["bare"] = &models.Job{ID: "bare", Status: models.JobStatusCompleted}
	if _, err := env.manager.CreateSession(context.Background(), "bare", ""); !errors.Is(err, ErrResultMissing) {
		t.Errorf("expected missing-result error, got %v", err)
	}
}

func TestCreateSessionDefaultsTitle(t *testing.T) {
	env := newChatEnv(t, &stubLLM{})
	env.addCompletedJob("job1")

	session, err := env.manager.CreateSession(context.Background(), "job1", "   ")
	if err != nil {
		t.Fatal(err)
	}
	if session.Title != "Document Chat" {
		t.Errorf("expected default title, got %q", session.Title)
	}
	if session.ID[:5] != "chat_" {
		t.Errorf("unexpected session id: %s", session.ID)
	}
}

func TestChatHappyPath(t *testing.T) {
	llm := &stubLLM{
		selection: `{"thinking": "Node 0001 likely contains the answer.", "node_list": ["0001"]}`,
		deltas:    []string{"Revenue was 10 million. ", "Sources: node 0001 (pages 1-1)."},
		gate:      make(chan struct{}),
	}
	env := newChatEnv(t, llm)
	env.addCompletedJob("job1")

	session, err := env.manager.CreateSession(context.Background(), "job1", "")
	if err != nil {
		t.Fatal(err)
	}

	started, err := env.manager.StartMessageRun(context.Background(), session.ID, "What is revenue?")
	if err != nil {
		t.Fatal(err)
	}

	// Subscribe before letting the pipeline proceed so every event from the
	// retrieval phase onward is observed.
	sub, err := env.manager.Subscribe(session.ID, started.RunID)
	if err != nil {
		t.Fatal(err)
	}
	defer env.manager.Unsubscribe(session.ID, started.RunID, sub)
	close(llm.gate)

	final := waitForRunStatus(t, env.manager, session.ID, started.RunID, models.RunStatusCompleted)
	env.manager.Wait()

	assistant := final.Message(started.AssistantMessageID)
	if assistant == nil {
		t.Fatal("assistant message missing")
	}
	if assistant.Content != "Revenue was 10 million. Sources: node 0001 (pages 1-1)." {
		t.Errorf("unexpected assistant content: %q", assistant.Content)
	}
	if len(assistant.Citations) < 1 || assistant.Citations[0].NodeID != "0001" {
		t.Errorf("expected citation for node 0001, got %+v", assistant.Citations)
	}

	run := final.Run(started.RunID)
	if run.RetrievalThinking != "Node 0001 likely contains the answer." {
		t.Errorf("thinking not recorded: %q", run.RetrievalThinking)
	}
	if len(run.SelectedNodeIDs) != 1 || run.SelectedNodeIDs[0] != "0001" {
		t.Errorf("selected nodes not recorded: %v", run.SelectedNodeIDs)
	}
	if final.ActiveRunID != "" {
		t.Error("active run not cleared after completion")
	}
	if final.MessageCount != 2 {
		t.Errorf("expected message_count 2, got %d", final.MessageCount)
	}
	if final.LastMessagePreview == "" {
		t.Error("last_message_preview not set")
	}

	// Events arrive in pipeline order.
	var names []string
	drain := time.After(2 * time.Second)
	for len(names) < 5 {
		select {
		case ev := <-sub.C():
			names = append(names, ev.Name)
		case <-drain:
			t.Fatalf("timed out draining events, got %v", names)
		}
	}
	expected := []string{
		models.EventChatRetrievalCompleted,
		models.EventChatAnswerDelta,
		models.EventChatAnswerDelta,
		models.EventChatAnswerCompleted,
		models.EventChatRunCompleted,
	}
	for i, want := range expected {
		if names[i] != want {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, names[i], want, names)
		}
	}

	// The session round-trips through the store.
	loaded, err := env.store.ChatStorage().LoadSessions()
	if err != nil {
		t.Fatal(err)
	}
	if persisted := loaded[session.ID]; persisted == nil || persisted.Run(started.RunID).Status != models.RunStatusCompleted {
		t.Error("completed run not persisted")
	}
}

func TestStartMessageRunValidation(t *testing.T) {
	env := newChatEnv(t, &stubLLM{})
	env.addCompletedJob("job1")
	session, _ := env.manager.CreateSession(context.Background(), "job1", "")

	if _, err := env.manager.StartMessageRun(context.Background(), session.ID, "   "); !errors.Is(err, ErrChatValidation) {
		t.Errorf("expected validation error for empty content, got %v", err)
	}
	if _, err := env.manager.StartMessageRun(context.Background(), "missing", "q"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestSecondConcurrentRunConflicts(t *testing.T) {
	llm := &stubLLM{
		selection: `{"thinking":"t","node_list":["0001"]}`,
		deltas:    []string{"x"},
		gate:      make(chan struct{}),
	}
	env := newChatEnv(t, llm)
	env.addCompletedJob("job1")
	session, _ := env.manager.CreateSession(context.Background(), "job1", "")

	started, err := env.manager.StartMessageRun(context.Background(), session.ID, "first")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.manager.StartMessageRun(context.Background(), session.ID, "second"); !errors.Is(err, ErrChatConflict) {
		t.Errorf("expected conflict while run active, got %v", err)
	}

	// Deleting the session is refused while the run is active.
	if err := env.manager.DeleteSession(context.Background(), session.ID); !errors.Is(err, ErrChatConflict) {
		t.Errorf("expected delete conflict, got %v", err)
	}
	if _, err := env.manager.ClearSessionsForJob(context.Background(), "job1"); !errors.Is(err, ErrChatConflict) {
		t.Errorf("expected clear conflict, got %v", err)
	}

	close(llm.gate)
	waitForRunStatus(t, env.manager, session.ID, started.RunID, models.RunStatusCompleted)
	env.manager.Wait()

	// After completion a new run may start.
	if _, err := env.manager.StartMessageRun(context.Background(), session.ID, "third"); err != nil {
		t.Errorf("expected run to start after completion, got %v", err)
	}
	env.manager.Wait()
}

func TestRunFailureEmitsRunFailed(t *testing.T) {
	llm := &stubLLM{selectionErr: errors.New("model unavailable"), gate: make(chan struct{})}
	env := newChatEnv(t, llm)
	env.addCompletedJob("job1")
	session, _ := env.manager.CreateSession(context.Background(), "job1", "")

	started, err := env.manager.StartMessageRun(context.Background(), session.ID, "q")
	if err != nil {
		t.Fatal(err)
	}
	sub, err := env.manager.Subscribe(session.ID, started.RunID)
	if err != nil {
		t.Fatal(err)
	}
	defer env.manager.Unsubscribe(session.ID, started.RunID, sub)
	close(llm.gate)

	final := waitForRunStatus(t, env.manager, session.ID, started.RunID, models.RunStatusFailed)
	env.manager.Wait()

	run := final.Run(started.RunID)
	if run.Error == "" {
		t.Error("run error not recorded")
	}
	if final.ActiveRunID != "" {
		t.Error("active run not cleared on failure")
	}

	select {
	case ev := <-sub.C():
		if ev.Name != models.EventChatRunFailed {
			t.Errorf("expected chat.run.failed, got %s", ev.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failure event received")
	}
}

func TestDeleteAndClearSessions(t *testing.T) {
	env := newChatEnv(t, &stubLLM{})
	env.addCompletedJob("job1")

	s1, _ := env.manager.CreateSession(context.Background(), "job1", "one")
	s2, _ := env.manager.CreateSession(context.Background(), "job1", "two")

	if err := env.manager.DeleteSession(context.Background(), s1.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.manager.GetSession(s1.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("deleted session still retrievable")
	}

	count, err := env.manager.ClearSessionsForJob(context.Background(), "job1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected deleted_count 1, got %d", count)
	}
	if _, err := env.manager.GetSession(s2.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("cleared session still retrievable")
	}

	// Files are gone from the store too.
	loaded, err := env.store.ChatStorage().LoadSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected no persisted sessions, got %d", len(loaded))
	}
}

func TestListSessionsOrdering(t *testing.T) {
	env := newChatEnv(t, &stubLLM{})
	env.addCompletedJob("job1")

	s1, _ := env.manager.CreateSession(context.Background(), "job1", "one")
	time.Sleep(5 * time.Millisecond)
	s2, _ := env.manager.CreateSession(context.Background(), "job1", "two")

	summaries, err := env.manager.ListSessions("job1")
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(summaries))
	}
	if summaries[0].ID != s2.ID || summaries[1].ID != s1.ID {
		t.Errorf("sessions not sorted by updated_at desc: %v then %v", summaries[0].ID, summaries[1].ID)
	}
}

func TestChatRestartReconciliation(t *testing.T) {
	root := t.TempDir()
	logger := common.NewSilentLogger()
	store, err := filestore.NewStore(logger, root)
	if err != nil {
		t.Fatal(err)
	}

	orphan := &models.ChatSession{
		ID:        "chat_deadbeef0001",
		JobID:     "job1",
		Title:     "Document Chat",
		CreatedAt: "2026-01-01T00:00:00Z",
		UpdatedAt: "2026-01-01T00:00:00Z",
		Messages: []models.ChatMessage{
			{ID: "msg_a", Role: models.RoleUser, Content: "q", CreatedAt: "2026-01-01T00:00:00Z"},
			{ID: "msg_b", Role: models.RoleAssistant, Content: "", CreatedAt: "2026-01-01T00:00:00Z"},
		},
		Runs: []models.ChatRun{{
			ID:                 "run_deadbeef0001",
			Status:             models.RunStatusRunning,
			UserMessageID:      "msg_a",
			AssistantMessageID: "msg_b",
			CreatedAt:          "2026-01-01T00:00:00Z",
			UpdatedAt:          "2026-01-01T00:00:00Z",
		}},
		ActiveRunID:     "run_deadbeef0001",
		ActiveRunStatus: models.RunStatusRunning,
	}
	if err := store.ChatStorage().SaveSession(orphan); err != nil {
		t.Fatal(err)
	}

	jobs := &stubJobProvider{jobs: make(map[string]*models.Job)}
	manager, err := NewManager(jobs, &stubLLM{}, store, events.NewBroker(logger), logger)
	if err != nil {
		t.Fatal(err)
	}

	session, err := manager.GetSession("chat_deadbeef0001")
	if err != nil {
		t.Fatal(err)
	}
	run := session.Run("run_deadbeef0001")
	if run.Status != models.RunStatusFailed {
		t.Errorf("expected FAILED after restart, got %s", run.Status)
	}
	if run.Error != "Backend restarted while chat run was active" {
		t.Errorf("unexpected reconciliation error: %q", run.Error)
	}
	if session.ActiveRunID != "" {
		t.Error("active run not cleared by reconciliation")
	}

	loaded, err := store.ChatStorage().LoadSessions()
	if err != nil {
		t.Fatal(err)
	}
	if loaded["chat_deadbeef0001"].Runs[0].Status != models.RunStatusFailed {
		t.Error("reconciled run not persisted")
	}
}

func TestActiveRunInvariant(t *testing.T) {
	llm := &stubLLM{
		selection: `{"thinking":"t","node_list":["0001"]}`,
		deltas:    []string{"x"},
		gate:      make(chan struct{}),
	}
	env := newChatEnv(t, llm)
	env.addCompletedJob("job1")
	session, _ := env.manager.CreateSession(context.Background(), "job1", "")

	started, err := env.manager.StartMessageRun(context.Background(), session.ID, "q")
	if err != nil {
		t.Fatal(err)
	}

	// While RUNNING, active_run_id points at the RUNNING run.
	mid, err := env.manager.GetSession(session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if mid.ActiveRunID != started.RunID || mid.ActiveRun().Status != models.RunStatusRunning {
		t.Errorf("active run invariant violated mid-run: %+v", mid.ActiveRunID)
	}

	close(llm.gate)
	final := waitForRunStatus(t, env.manager, session.ID, started.RunID, models.RunStatusCompleted)
	env.manager.Wait()

	if final.ActiveRunID != "" {
		t.Error("active_run_id set with no RUNNING run")
	}
}
