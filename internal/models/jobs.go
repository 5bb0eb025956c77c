// Package models defines the data model shared across the pageindex web
// service: indexing jobs, chat sessions, and the events broadcast for both.
package models

// Job status constants. Terminal statuses never transition.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobStage is the coarse monotonic progress phase of a job. Stages are
// totally ordered; see jobmanager.StageRank.
type JobStage string

const (
	StageQueued        JobStage = "QUEUED"
	StageParsingInput  JobStage = "PARSING_INPUT"
	StageTOCAnalysis   JobStage = "TOC_ANALYSIS"
	StageIndexBuild    JobStage = "INDEX_BUILD"
	StageRefinement    JobStage = "REFINEMENT"
	StageSummarization JobStage = "SUMMARIZATION"
	StageFinalizing    JobStage = "FINALIZING"
	StageCompleted     JobStage = "COMPLETED"
)

// Activity sources
const (
	ActivitySourceStdout = "stdout"
	ActivitySourceStderr = "stderr"
	ActivitySourceLog    = "log"
	ActivitySourceSystem = "system"
)

// ActivityItem is one line of job activity from any signal source.
type ActivityItem struct {
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Message   string `json:"message"`
}

// Input types
const (
	InputTypePDF = "pdf"
	InputTypeMD  = "md"
)

// Bounds on the ring buffers kept on each job.
const (
	StdoutTailLimit = 300
	ActivityLimit   = 400
)

// Job is the full persisted record of one indexing task. Timestamps are
// RFC 3339 UTC strings.
type Job struct {
	ID         string         `json:"id"`
	Filename   string         `json:"filename"`
	InputType  string         `json:"input_type"`
	Status     JobStatus      `json:"status"`
	Stage      JobStage       `json:"stage"`
	Progress   float64        `json:"progress"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
	Options    JobOptions     `json:"options"`
	InputPath  string         `json:"input_path"`
	LogFile    string         `json:"log_file,omitempty"`
	ResultFile string         `json:"result_file,omitempty"`
	Error      string         `json:"error,omitempty"`
	StdoutTail []string       `json:"stdout_tail"`
	Activity   []ActivityItem `json:"activity"`
	PID        int            `json:"pid,omitempty"`
}

// JobOptions is the closed bag of scalar overrides forwarded to the external
// indexer command. Empty fields are omitted from both persistence and the
// built command line; unknown form fields are ignored at the HTTP boundary.
type JobOptions struct {
	Model                 string `json:"model,omitempty"`
	TocCheckPages         string `json:"toc_check_pages,omitempty"`
	MaxPagesPerNode       string `json:"max_pages_per_node,omitempty"`
	MaxTokensPerNode      string `json:"max_tokens_per_node,omitempty"`
	IfAddNodeID           string `json:"if_add_node_id,omitempty"`
	IfAddNodeSummary      string `json:"if_add_node_summary,omitempty"`
	IfAddDocDescription   string `json:"if_add_doc_description,omitempty"`
	IfAddNodeText         string `json:"if_add_node_text,omitempty"`
	IfThinning            string `json:"if_thinning,omitempty"`
	ThinningThreshold     string `json:"thinning_threshold,omitempty"`
	SummaryTokenThreshold string `json:"summary_token_threshold,omitempty"`
}

// JobSummary is the list-endpoint projection of a Job.
type JobSummary struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	InputType string    `json:"input_type"`
	Status    JobStatus `json:"status"`
	Stage     JobStage  `json:"stage"`
	Progress  float64   `json:"progress"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
}

// Summary returns the JobSummary projection of the job.
func (j *Job) Summary() JobSummary {
	return JobSummary{
		ID:        j.ID,
		Filename:  j.Filename,
		InputType: j.InputType,
		Status:    j.Status,
		Stage:     j.Stage,
		Progress:  j.Progress,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// Clone returns a deep copy of the job. Supervisor snapshots hand clones to
// subscribers and HTTP handlers so readers never share slices with the
// mutating run goroutines.
func (j *Job) Clone() *Job {
	out := *j
	out.StdoutTail = append([]string(nil), j.StdoutTail...)
	out.Activity = append([]ActivityItem(nil), j.Activity...)
	return &out
}
