package voice

import (
	"sync"

	"github.com/ent0n29/voicerelay/internal/completion"
)

// Conversation is the ordered user/assistant history of one session. Turn
// cycles may run concurrently, so every access goes through mu.
type Conversation struct {
	mu       sync.Mutex
	turns    []completion.Turn
	maxTurns int
	evicted  int
}

// NewConversation keeps at most maxTurns turns, dropping the oldest first.
// maxTurns <= 0 keeps everything.
func NewConversation(maxTurns int) *Conversation {
	if maxTurns < 0 {
		maxTurns = 0
	}
	return &Conversation{maxTurns: maxTurns}
}

func (c *Conversation) AppendUser(text string) {
	c.append(completion.Turn{Role: completion.RoleUser, Content: text})
}

func (c *Conversation) AppendAssistant(text string) {
	c.append(completion.Turn{Role: completion.RoleAssistant, Content: text})
}

func (c *Conversation) append(turn completion.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, turn)
	if c.maxTurns > 0 && len(c.turns) > c.maxTurns {
		drop := len(c.turns) - c.maxTurns
		c.turns = append(c.turns[:0:0], c.turns[drop:]...)
		c.evicted += drop
	}
}

// Snapshot returns a copy of the current history.
func (c *Conversation) Snapshot() []completion.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]completion.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Evicted reports how many turns the cap has dropped so far.
func (c *Conversation) Evicted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}
