package completion

import (
	"context"
	"fmt"
	"strings"
)

// MockInvoker answers locally without a backend. Reply, when set, overrides
// the default echo.
type MockInvoker struct {
	Reply func(ctx context.Context, history []Turn) (string, error)
}

func NewMockInvoker() *MockInvoker { return &MockInvoker{} }

func (m *MockInvoker) Complete(ctx context.Context, history []Turn) (string, error) {
	if m.Reply != nil {
		return m.Reply(ctx, history)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	last := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			last = strings.TrimSpace(history[i].Content)
			break
		}
	}
	if last == "" {
		return "I did not catch that.", nil
	}
	return fmt.Sprintf("You said: %s", last), nil
}
