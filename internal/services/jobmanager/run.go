package jobmanager

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/graememel-kap/pageindex-web/internal/common"
	"github.com/graememel-kap/pageindex-web/internal/models"
)

// Timing constants for the run protocol. The post-exit poll counts are a
// deliberate grace window for log files the indexer flushes at shutdown.
const (
	LogDetectTimeout       = 20 * time.Second
	LogDetectInterval      = 400 * time.Millisecond
	LogDetectPostExitPolls = 2
	LogPollInterval        = 500 * time.Millisecond
	LogPostExitPolls       = 4
	CancelGraceTimeout     = 6 * time.Second
)

const resultSavedMarker = "tree structure saved to:"

const maxLineSize = 1 << 20

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

func (p *runningProc) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// terminate sends SIGTERM, waits out the grace window, then escalates to
// SIGKILL. Returns once the reaper has observed process exit.
func (p *runningProc) terminate(grace time.Duration, logger *common.Logger) {
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Debug().Err(err).Msg("SIGTERM failed; process may have exited")
		}
	}

	select {
	case <-p.exited:
		return
	case <-time.After(grace):
	}

	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil {
			logger.Debug().Err(err).Msg("SIGKILL failed; process may have exited")
		}
	}
	<-p.exited
}

// runJob drives one subprocess from launch to finalisation. It owns the
// process: the process is reaped before the job leaves RUNNING.
func (m *Manager) runJob(jobID string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}

	before := m.snapshotLogNames()
	argv := m.buildCommand(job)

	job.Status = models.JobStatusRunning
	job.UpdatedAt = common.NowRFC3339()
	m.appendActivity(job, models.ActivitySourceSystem, "Launching: "+strings.Join(argv, " "))
	m.persist(job)
	m.emitUpdate(job)
	m.mu.Unlock()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = m.repoRoot

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.failLaunch(jobID, fmt.Sprintf("Failed to open stdout pipe: %v", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.failLaunch(jobID, fmt.Sprintf("Failed to open stderr pipe: %v", err))
		return
	}

	if err := cmd.Start(); err != nil {
		m.failLaunch(jobID, fmt.Sprintf("Failed to launch indexer: %v", err))
		return
	}

	proc := &runningProc{cmd: cmd, exited: make(chan struct{})}

	m.mu.Lock()
	m.processes[jobID] = proc
	job.PID = cmd.Process.Pid
	job.UpdatedAt = common.NowRFC3339()
	m.persist(job)
	m.emitUpdate(job)
	m.mu.Unlock()

	streamsDone := make(chan struct{}, 2)
	m.safeGo("job-stdout-"+jobID, func() {
		m.consumeStream(jobID, stdout, models.ActivitySourceStdout)
		streamsDone <- struct{}{}
	})
	m.safeGo("job-stderr-"+jobID, func() {
		m.consumeStream(jobID, stderr, models.ActivitySourceStderr)
		streamsDone <- struct{}{}
	})

	// Reap after both pipes have drained so no output is lost.
	m.safeGo("job-reap-"+jobID, func() {
		<-streamsDone
		<-streamsDone
		err := cmd.Wait()
		if cmd.ProcessState != nil {
			proc.exitCode = cmd.ProcessState.ExitCode()
		} else if err != nil {
			proc.exitCode = -1
		}
		close(proc.exited)
	})

	var logDone chan struct{}
	if logFile := m.detectLogFile(before, proc); logFile != "" {
		m.mu.Lock()
		job.LogFile = logFile
		job.UpdatedAt = common.NowRFC3339()
		m.appendActivity(job, models.ActivitySourceSystem, "Attached log file: "+logFile)
		m.persist(job)
		m.emitUpdate(job)
		m.mu.Unlock()

		logDone = make(chan struct{})
		done := logDone
		m.safeGo("job-log-"+jobID, func() {
			defer close(done)
			m.consumeLogFile(jobID, logFile, proc)
		})
	}

	<-proc.exited
	if logDone != nil {
		<-logDone
	}

	m.finalizeRun(jobID, proc)
}

// failLaunch finalises a job that never produced a process.
func (m *Manager) failLaunch(jobID, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return
	}
	m.finalize(job, models.JobStatusFailed, errMsg)
	if m.activeJobID == jobID {
		m.activeJobID = ""
	}
}

// finalizeRun applies the post-exit rules: cancelled jobs keep their status,
// a zero exit with an existing result file completes, anything else fails
// with the most specific error available.
func (m *Manager) finalizeRun(jobID string, proc *runningProc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return
	}
	delete(m.processes, jobID)

	if proc.cancelled || job.Status == models.JobStatusCancelled {
		if m.activeJobID == jobID {
			m.activeJobID = ""
		}
		m.persist(job)
		m.emitUpdate(job)
		return
	}

	if job.ResultFile == "" {
		stem := strings.TrimSuffix(filepath.Base(job.InputPath), filepath.Ext(job.InputPath))
		expected := filepath.Join(m.resultsDir, stem+"_structure.json")
		if _, err := os.Stat(expected); err == nil {
			job.ResultFile = expected
		}
	}

	resultExists := false
	if job.ResultFile != "" {
		if _, err := os.Stat(job.ResultFile); err == nil {
			resultExists = true
		}
	}

	if proc.exitCode == 0 && resultExists {
		m.advanceStage(job, models.StageFinalizing, "subprocess exited successfully")
		m.finalize(job, models.JobStatusCompleted, "")
	} else {
		errMsg := job.Error
		if errMsg == "" {
			if last := lastStderrLine(job.StdoutTail); last != "" {
				errMsg = last
			} else if proc.exitCode != 0 {
				errMsg = fmt.Sprintf("Process exited with code %d", proc.exitCode)
			} else {
				errMsg = "Process completed but no result file was found"
			}
		}
		m.finalize(job, models.JobStatusFailed, errMsg)
	}

	if m.activeJobID == jobID {
		m.activeJobID = ""
	}
}

func lastStderrLine(tail []string) string {
	for i := len(tail) - 1; i >= 0; i-- {
		if strings.HasPrefix(tail[i], "[stderr]") {
			return tail[i]
		}
	}
	return ""
}

// consumeStream processes one pipe line by line: ring-buffer the raw line,
// record activity, classify the stage, and pick up the result path marker.
func (m *Manager) consumeStream(jobID string, r io.Reader, source string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		message := strings.TrimRight(scanner.Text(), "\n")
		if message == "" {
			continue
		}

		m.mu.Lock()
		job, ok := m.jobs[jobID]
		if !ok {
			m.mu.Unlock()
			return
		}

		m.appendStdoutTail(job, source, message)
		m.appendActivity(job, source, message)
		m.advanceStage(job, StageFromText(message), "signal from "+source)

		if strings.Contains(strings.ToLower(message), resultSavedMarker) {
			// The path is everything after the first ':' in the line; paths
			// containing ':' before the marker are not supported.
			if parts := strings.SplitN(message, ":", 2); len(parts) == 2 {
				if rel := strings.TrimSpace(parts[1]); rel != "" {
					if filepath.IsAbs(rel) {
						job.ResultFile = rel
					} else {
						job.ResultFile = filepath.Join(m.repoRoot, rel)
					}
				}
			}
		}

		job.UpdatedAt = common.NowRFC3339()
		m.persist(job)
		m.emitUpdate(job)
		m.mu.Unlock()
	}
}

// snapshotLogNames returns the current *.json filenames in the logs dir.
func (m *Manager) snapshotLogNames() map[string]struct{} {
	names := make(map[string]struct{})
	entries, err := os.ReadDir(m.logsDir)
	if err != nil {
		return names
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			names[entry.Name()] = struct{}{}
		}
	}
	return names
}

// detectLogFile polls the logs directory for a *.json file that was not
// present before launch. Gives up after the timeout, or after a short grace
// window once the process has exited.
func (m *Manager) detectLogFile(before map[string]struct{}, proc *runningProc) string {
	deadline := time.Now().Add(LogDetectTimeout)
	postExitChecks := 0

	for time.Now().Before(deadline) {
		var fresh []string
		for name := range m.snapshotLogNames() {
			if _, seen := before[name]; !seen {
				fresh = append(fresh, name)
			}
		}
		if len(fresh) > 0 {
			sort.Strings(fresh)
			return filepath.Join(m.logsDir, fresh[len(fresh)-1])
		}

		if proc.hasExited() {
			postExitChecks++
			if postExitChecks >= LogDetectPostExitPolls {
				return ""
			}
		}
		time.Sleep(LogDetectInterval)
	}
	return ""
}

// consumeLogFile re-reads the growing JSON array and processes entries past
// the cursor. The file is rewritten wholesale by the indexer, so a failed
// parse just means we caught it mid-write and try again next poll.
func (m *Manager) consumeLogFile(jobID, logFile string, proc *runningProc) {
	parsed := 0
	postExitPolls := 0

	for {
		if data, err := os.ReadFile(logFile); err == nil {
			var content []any
			if err := json.Unmarshal(data, &content); err == nil && len(content) > parsed {
				fresh := content[parsed:]
				parsed = len(content)

				m.mu.Lock()
				job, ok := m.jobs[jobID]
				if !ok {
					m.mu.Unlock()
					return
				}
				for _, entry := range fresh {
					message := logEntryMessage(entry)
					m.appendActivity(job, models.ActivitySourceLog, message)
					m.advanceStage(job, StageFromLogEntry(entry), "signal from log")
				}
				job.UpdatedAt = common.NowRFC3339()
				m.persist(job)
				m.emitUpdate(job)
				m.mu.Unlock()
			}
		}

		if proc.hasExited() {
			postExitPolls++
			if postExitPolls >= LogPostExitPolls {
				return
			}
		}
		time.Sleep(LogPollInterval)
	}
}

func logEntryMessage(entry any) string {
	if m, ok := entry.(map[string]any); ok {
		if data, err := json.Marshal(m); err == nil {
			return string(data)
		}
	}
	return fmt.Sprint(entry)
}
