package chatmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/graememel-kap/pageindex-web/internal/common"
	"github.com/graememel-kap/pageindex-web/internal/models"
)

// runPipeline executes one run: load the index, select nodes, gather
// context, stream the answer. The manager lock is re-entered between the
// external I/O steps; no LLM call, result-file read or context extraction
// happens while it is held (session saves do).
// Any failure flips the run to FAILED and emits chat.run.failed.
func (m *Manager) runPipeline(sessionID, runID, query, model string) {
	ctx := context.Background()

	if err := m.executePipeline(ctx, sessionID, runID, query, model); err != nil {
		m.failRun(sessionID, runID, err)
	}
}

func (m *Manager) executePipeline(ctx context.Context, sessionID, runID, query, model string) error {
	if m.llm == nil {
		return errors.New("LLM client is not configured")
	}

	// Snapshot what the external steps need, then release the lock.
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	run := session.Run(runID)
	if run == nil {
		m.mu.Unlock()
		return nil
	}
	userMessage := session.Message(run.UserMessageID)
	assistantMessage := session.Message(run.AssistantMessageID)
	if userMessage == nil || assistantMessage == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: run messages are missing", ErrChatValidation)
	}
	assistantMessageID := assistantMessage.ID

	var history []models.ChatMessage
	for i, msg := range session.Messages {
		if msg.ID == userMessage.ID {
			history = append([]models.ChatMessage(nil), session.Messages[:i]...)
			break
		}
	}

	job, resultPath, err := m.validateJobReady(session.JobID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	data, err := os.ReadFile(resultPath)
	if err != nil {
		return fmt.Errorf("failed to read result file: %w", err)
	}
	var resultPayload map[string]json.RawMessage
	if err := json.Unmarshal(data, &resultPayload); err != nil {
		return fmt.Errorf("%w: invalid result JSON", ErrChatValidation)
	}
	var structure []any
	if raw, ok := resultPayload["structure"]; !ok || json.Unmarshal(raw, &structure) != nil || structure == nil {
		return fmt.Errorf("%w: invalid result structure; expected top-level list", ErrChatValidation)
	}

	nodeMap := FlattenTree(structure)
	treePayload := BuildTreePromptPayload(structure)
	validIDs := make(map[string]struct{}, len(nodeMap))
	for id := range nodeMap {
		validIDs[id] = struct{}{}
	}

	thinking, nodeIDs, err := SelectNodes(ctx, m.llm, model, query, history, treePayload, validIDs)
	if err != nil {
		return err
	}

	m.mu.Lock()
	session, ok = m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	run = session.Run(runID)
	if run == nil {
		m.mu.Unlock()
		return nil
	}
	run.RetrievalThinking = thinking
	run.SelectedNodeIDs = nodeIDs
	run.UpdatedAt = common.NowRFC3339()
	m.persist(session)

	m.publish(sessionID, runID, models.EventChatRetrievalCompleted, models.ChatRetrievalCompletedPayload{
		SessionID: sessionID,
		RunID:     runID,
		Thinking:  thinking,
		NodeIDs:   nodeIDs,
		Citations: BuildCitations(nodeIDs, nodeMap),
		Timestamp: common.NowRFC3339(),
	})
	m.mu.Unlock()

	contextNodes := GetContextForNodes(job, nodeIDs, nodeMap)

	onDelta := func(delta string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		session, ok := m.sessions[sessionID]
		if !ok {
			return nil
		}
		assistant := session.Message(assistantMessageID)
		if assistant == nil {
			return nil
		}
		assistant.Content += delta
		session.UpdatedAt = common.NowRFC3339()
		m.publish(sessionID, runID, models.EventChatAnswerDelta, models.ChatAnswerDeltaPayload{
			SessionID:          sessionID,
			RunID:              runID,
			AssistantMessageID: assistantMessageID,
			Delta:              delta,
			Timestamp:          common.NowRFC3339(),
		})
		return nil
	}

	finalAnswer, err := StreamAnswer(ctx, m.llm, model, query, history, contextNodes, onDelta)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok = m.sessions[sessionID]
	if !ok {
		return nil
	}
	run = session.Run(runID)
	assistant := session.Message(assistantMessageID)
	if run == nil || assistant == nil {
		return nil
	}

	assistant.Content = finalAnswer
	assistant.Citations = BuildCitations(nodeIDs, nodeMap)
	run.Status = models.RunStatusCompleted
	run.UpdatedAt = common.NowRFC3339()
	session.ActiveRunID = ""
	session.UpdatedAt = common.NowRFC3339()
	m.persist(session)

	m.publish(sessionID, runID, models.EventChatAnswerCompleted, models.ChatAnswerCompletedPayload{
		SessionID:          sessionID,
		RunID:              runID,
		AssistantMessageID: assistantMessageID,
		Citations:          assistant.Citations,
		Timestamp:          common.NowRFC3339(),
	})
	m.publish(sessionID, runID, models.EventChatRunCompleted, models.ChatRunCompletedPayload{
		SessionID: sessionID,
		RunID:     runID,
		Timestamp: common.NowRFC3339(),
	})

	m.logger.Info().Str("session_id", sessionID).Str("run_id", runID).Msg("Chat run completed")
	return nil
}

// failRun flips the run to FAILED, clears the active run, and emits the
// failure event.
func (m *Manager) failRun(sessionID, runID string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if ok {
		if run := session.Run(runID); run != nil {
			run.Status = models.RunStatusFailed
			run.Error = cause.Error()
			run.UpdatedAt = common.NowRFC3339()
			session.ActiveRunID = ""
			session.UpdatedAt = common.NowRFC3339()
			m.persist(session)
		}
	}

	m.publish(sessionID, runID, models.EventChatRunFailed, models.ChatRunFailedPayload{
		SessionID: sessionID,
		RunID:     runID,
		Error:     cause.Error(),
		Timestamp: common.NowRFC3339(),
	})

	m.logger.Warn().Str("session_id", sessionID).Str("run_id", runID).Err(cause).Msg("Chat run failed")
}
