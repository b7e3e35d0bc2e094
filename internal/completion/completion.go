// Package completion turns a conversation history into the assistant's next
// reply.
package completion

import "context"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the conversation history. The system prompt is never
// stored as a turn.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Invoker requests one completion. Implementations are stateless and never
// retry; failures are *reliability.BackendError.
type Invoker interface {
	Complete(ctx context.Context, history []Turn) (string, error)
}
