package jobmanager

import (
	"strings"

	"github.com/graememel-kap/pageindex-web/internal/models"
)

// buildCommand assembles the indexer argv for a job: the configured argv
// prefix, the input path flag, then one flag per populated option in a
// stable order. Empty options are omitted.
func (m *Manager) buildCommand(job *models.Job) []string {
	cmd := m.indexer.BuildArgv()

	if job.InputType == models.InputTypePDF {
		cmd = append(cmd, "--pdf_path", job.InputPath)
	} else {
		cmd = append(cmd, "--md_path", job.InputPath)
	}

	opts := job.Options
	flags := []struct {
		name  string
		value string
	}{
		{"--model", opts.Model},
		{"--toc-check-pages", opts.TocCheckPages},
		{"--max-pages-per-node", opts.MaxPagesPerNode},
		{"--max-tokens-per-node", opts.MaxTokensPerNode},
		{"--if-add-node-id", opts.IfAddNodeID},
		{"--if-add-node-summary", opts.IfAddNodeSummary},
		{"--if-add-doc-description", opts.IfAddDocDescription},
		{"--if-add-node-text", opts.IfAddNodeText},
		{"--if-thinning", opts.IfThinning},
		{"--thinning-threshold", opts.ThinningThreshold},
		{"--summary-token-threshold", opts.SummaryTokenThreshold},
	}
	for _, flag := range flags {
		if flag.value == "" {
			continue
		}
		cmd = append(cmd, flag.name, flag.value)
	}

	return cmd
}

// safeFilename sanitises an uploaded filename for use on disk: keep
// [A-Za-z0-9._-], map spaces and slashes to underscores, drop everything
// else, trim leading/trailing dots and underscores. Falls back to
// "document" when nothing survives.
func safeFilename(name string) string {
	var sb strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			sb.WriteRune(ch)
		case ch == '-' || ch == '_' || ch == '.':
			sb.WriteRune(ch)
		case ch == ' ' || ch == '/':
			sb.WriteRune('_')
		}
	}
	cleaned := strings.Trim(sb.String(), "._")
	if cleaned == "" {
		return "document"
	}
	return cleaned
}
