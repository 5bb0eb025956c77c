package jobmanager

import (
	"reflect"
	"testing"

	"github.com/graememel-kap/pageindex-web/internal/common"
	"github.com/graememel-kap/pageindex-web/internal/models"
)

func TestSafeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"doc.pdf", "doc.pdf"},
		{"annual report 2026.pdf", "annual_report_2026.pdf"},
		{"a/b/c.md", "a_b_c.md"},
		{"..hidden.pdf", "hidden.pdf"},
		{"résumé.pdf", "rsum.pdf"},
		{"!!!", "document"},
		{"", "document"},
	}
	for _, tc := range cases {
		if got := safeFilename(tc.in); got != tc.want {
			t.Errorf("safeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildCommand(t *testing.T) {
	m := &Manager{indexer: common.IndexerConfig{RepoRoot: "/srv/pi"}}

	job := &models.Job{
		InputType: models.InputTypePDF,
		InputPath: "/srv/pi/.pageindex-web/uploads/ab_doc.pdf",
		Options: models.JobOptions{
			Model:         "gemini-3-flash-preview",
			TocCheckPages: "20",
		},
	}

	got := m.buildCommand(job)
	want := []string{
		"python3", "/srv/pi/run_pageindex.py",
		"--pdf_path", "/srv/pi/.pageindex-web/uploads/ab_doc.pdf",
		"--model", "gemini-3-flash-preview",
		"--toc-check-pages", "20",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("buildCommand = %v, want %v", got, want)
	}
}

func TestBuildCommandMarkdownAndEmptyOptions(t *testing.T) {
	m := &Manager{indexer: common.IndexerConfig{Command: []string{"/bin/sh", "stub.sh"}}}

	job := &models.Job{
		InputType: models.InputTypeMD,
		InputPath: "/tmp/doc.md",
	}

	got := m.buildCommand(job)
	want := []string{"/bin/sh", "stub.sh", "--md_path", "/tmp/doc.md"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("buildCommand = %v, want %v", got, want)
	}
}
