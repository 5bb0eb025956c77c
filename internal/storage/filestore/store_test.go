package filestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/graememel-kap/pageindex-web/internal/common"
	"github.com/graememel-kap/pageindex-web/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(common.NewSilentLogger(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func sampleJob(id string) *models.Job {
	return &models.Job{
		ID:         id,
		Filename:   "doc.pdf",
		InputType:  models.InputTypePDF,
		Status:     models.JobStatusQueued,
		Stage:      models.StageQueued,
		Progress:   0.05,
		CreatedAt:  "2026-01-01T00:00:00Z",
		UpdatedAt:  "2026-01-01T00:00:00Z",
		Options:    models.JobOptions{Model: "gemini-3-flash-preview"},
		InputPath:  "/tmp/doc.pdf",
		StdoutTail: []string{},
		Activity:   []models.ActivityItem{},
	}
}

func TestJobRoundTrip(t *testing.T) {
	store := newTestStore(t)
	jobs := store.JobStorage()

	job := sampleJob("abc123def456")
	job.Activity = append(job.Activity, models.ActivityItem{
		Timestamp: "2026-01-01T00:00:01Z",
		Source:    models.ActivitySourceSystem,
		Message:   "Job created",
	})

	if err := jobs.SaveJob(job); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}

	loaded, err := jobs.LoadJobs()
	if err != nil {
		t.Fatalf("LoadJobs failed: %v", err)
	}
	got, ok := loaded["abc123def456"]
	if !ok {
		t.Fatal("job not found after reload")
	}
	if got.Filename != "doc.pdf" || got.Options.Model != "gemini-3-flash-preview" {
		t.Errorf("job fields lost in round trip: %+v", got)
	}
	if len(got.Activity) != 1 || got.Activity[0].Message != "Job created" {
		t.Errorf("activity lost in round trip: %+v", got.Activity)
	}
}

func TestSaveLeavesNoTmpFile(t *testing.T) {
	store := newTestStore(t)
	if err := store.JobStorage().SaveJob(sampleJob("a1b2c3d4e5f6")); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(store.jobsDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Errorf("tmp file visible after save: %s", entry.Name())
		}
	}
}

func TestLoadIgnoresTmpAndCorruptFiles(t *testing.T) {
	store := newTestStore(t)
	if err := store.JobStorage().SaveJob(sampleJob("a1b2c3d4e5f6")); err != nil {
		t.Fatal(err)
	}

	// A crashed writer leaves a tmp file; a partial write leaves bad JSON.
	os.WriteFile(filepath.Join(store.jobsDir, "ghost.json.tmp"), []byte("{"), 0644)
	os.WriteFile(filepath.Join(store.jobsDir, "corrupt.json"), []byte("{nope"), 0644)

	loaded, err := store.JobStorage().LoadJobs()
	if err != nil {
		t.Fatalf("LoadJobs failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Errorf("expected 1 job, got %d", len(loaded))
	}
}

func TestDeleteJob(t *testing.T) {
	store := newTestStore(t)
	jobs := store.JobStorage()
	if err := jobs.SaveJob(sampleJob("a1b2c3d4e5f6")); err != nil {
		t.Fatal(err)
	}

	deleted, err := jobs.DeleteJob("a1b2c3d4e5f6")
	if err != nil || !deleted {
		t.Fatalf("expected delete to succeed, got %v %v", deleted, err)
	}
	deleted, err = jobs.DeleteJob("a1b2c3d4e5f6")
	if err != nil || deleted {
		t.Fatalf("expected second delete to be a no-op, got %v %v", deleted, err)
	}
}

func sampleSession(id, jobID, updatedAt string) *models.ChatSession {
	return &models.ChatSession{
		ID:        id,
		JobID:     jobID,
		Title:     "Document Chat",
		CreatedAt: "2026-01-01T00:00:00Z",
		UpdatedAt: updatedAt,
		Messages:  []models.ChatMessage{},
		Runs:      []models.ChatRun{},
	}
}

func TestSessionRoundTripAndGrouping(t *testing.T) {
	store := newTestStore(t)
	chats := store.ChatStorage()

	older := sampleSession("chat_aaaaaaaaaaaa", "job1", "2026-01-01T01:00:00Z")
	newer := sampleSession("chat_bbbbbbbbbbbb", "job1", "2026-01-02T01:00:00Z")
	other := sampleSession("chat_cccccccccccc", "job2", "2026-01-01T01:00:00Z")

	for _, s := range []*models.ChatSession{older, newer, other} {
		if err := chats.SaveSession(s); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}

	loaded, err := chats.LoadSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(loaded))
	}

	grouped, err := chats.SessionsByJob()
	if err != nil {
		t.Fatal(err)
	}
	job1 := grouped["job1"]
	if len(job1) != 2 {
		t.Fatalf("expected 2 sessions for job1, got %d", len(job1))
	}
	if job1[0].ID != "chat_bbbbbbbbbbbb" {
		t.Errorf("sessions not ordered by updated_at desc: %s first", job1[0].ID)
	}
	if len(grouped["job2"]) != 1 {
		t.Errorf("expected 1 session for job2")
	}
}

func TestSaveUploadStreamsContent(t *testing.T) {
	store := newTestStore(t)

	content := strings.Repeat("x", 3*1024*1024) // spans multiple chunks
	path, err := store.UploadStorage().SaveUpload("a1b2c3d4e5f6", "doc.pdf", strings.NewReader(content))
	if err != nil {
		t.Fatalf("SaveUpload failed: %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Errorf("expected absolute path, got %s", path)
	}
	if filepath.Base(path) != "a1b2c3d4e5f6_doc.pdf" {
		t.Errorf("unexpected upload name: %s", filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != len(content) {
		t.Errorf("upload truncated: %d != %d", len(data), len(content))
	}
}
