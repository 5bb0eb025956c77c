package models

// Event names broadcast over the in-process broker and re-emitted as SSE
// event types. Names are part of the wire contract; do not rename.
const (
	EventJobUpdate    = "job.update"
	EventJobActivity  = "job.activity"
	EventJobError     = "job.error"
	EventJobCompleted = "job.completed"

	EventChatRunStarted         = "chat.run.started"
	EventChatRetrievalCompleted = "chat.retrieval.completed"
	EventChatAnswerDelta        = "chat.answer.delta"
	EventChatAnswerCompleted    = "chat.answer.completed"
	EventChatRunCompleted       = "chat.run.completed"
	EventChatRunFailed          = "chat.run.failed"
)

// Event is one broadcast frame: a named event plus its JSON-serialisable
// payload. Payloads are one of the typed structs below, already snapshotted
// so subscribers never observe later mutation.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// JobUpdatePayload carries a full job snapshot.
type JobUpdatePayload struct {
	Job *Job `json:"job"`
}

// JobActivityPayload carries one appended activity item.
type JobActivityPayload struct {
	JobID    string       `json:"job_id"`
	Activity ActivityItem `json:"activity"`
}

// JobErrorPayload reports a job-level failure.
type JobErrorPayload struct {
	JobID     string `json:"job_id"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// JobCompletedPayload reports successful completion with the result path.
type JobCompletedPayload struct {
	JobID      string `json:"job_id"`
	Timestamp  string `json:"timestamp"`
	ResultFile string `json:"result_file"`
}

// ChatRunStartedPayload announces a new run and its message ids.
type ChatRunStartedPayload struct {
	SessionID          string `json:"session_id"`
	RunID              string `json:"run_id"`
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
	Timestamp          string `json:"timestamp"`
}

// ChatRetrievalCompletedPayload reports the node-selection phase result.
type ChatRetrievalCompletedPayload struct {
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id"`
	Thinking  string         `json:"thinking"`
	NodeIDs   []string       `json:"node_ids"`
	Citations []NodeCitation `json:"citations"`
	Timestamp string         `json:"timestamp"`
}

// ChatAnswerDeltaPayload carries one streamed answer fragment.
type ChatAnswerDeltaPayload struct {
	SessionID          string `json:"session_id"`
	RunID              string `json:"run_id"`
	AssistantMessageID string `json:"assistant_message_id"`
	Delta              string `json:"delta"`
	Timestamp          string `json:"timestamp"`
}

// ChatAnswerCompletedPayload reports the final answer and citations.
type ChatAnswerCompletedPayload struct {
	SessionID          string         `json:"session_id"`
	RunID              string         `json:"run_id"`
	AssistantMessageID string         `json:"assistant_message_id"`
	Citations          []NodeCitation `json:"citations"`
	Timestamp          string         `json:"timestamp"`
}

// ChatRunCompletedPayload closes the event sequence for a successful run.
type ChatRunCompletedPayload struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Timestamp string `json:"timestamp"`
}

// ChatRunFailedPayload closes the event sequence for a failed run.
type ChatRunFailedPayload struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}
