package interfaces

import "context"

// LLMMessage is one turn of a chat-completion request.
type LLMMessage struct {
	Role    string
	Content string
}

// LLMClient is the two-phase LLM surface the chat pipeline depends on:
// a blocking completion for node selection and a streaming completion for
// answer generation. Implementations map roles onto their provider's wire
// format; "system" content becomes the system instruction.
type LLMClient interface {
	// ChatCompletion returns the full completion text.
	ChatCompletion(ctx context.Context, model string, messages []LLMMessage, temperature float32) (string, error)

	// StreamChatCompletion invokes onDelta for every non-empty text chunk and
	// returns the concatenated, trimmed text. A non-nil error from onDelta
	// aborts the stream.
	StreamChatCompletion(ctx context.Context, model string, messages []LLMMessage, temperature float32, onDelta func(delta string) error) (string, error)

	// DefaultModel returns the model used when the job options name none:
	// the configured model, or the client's built-in default when the config
	// names none either.
	DefaultModel() string

	Close() error
}
