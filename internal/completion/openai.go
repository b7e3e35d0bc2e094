package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ent0n29/voicerelay/internal/reliability"
)

const serviceOpenAI = "openai"

type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
}

type OpenAIInvoker struct {
	client       openai.Client
	model        string
	systemPrompt string
}

func NewOpenAIInvoker(cfg OpenAIConfig) *OpenAIInvoker {
	// Retries are left to the caller; a failed turn is simply dropped.
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	return &OpenAIInvoker{
		client:       openai.NewClient(opts...),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
	}
}

func (o *OpenAIInvoker) Complete(ctx context.Context, history []Turn) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    o.model,
		Messages: o.messages(history),
	}
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", reliability.NewBackendError(serviceOpenAI, statusOf(err), fmt.Errorf("openai chat: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", reliability.NewBackendError(serviceOpenAI, 0, errors.New("openai chat: no choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAIInvoker) messages(history []Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if o.systemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(o.systemPrompt))
	}
	for _, turn := range history {
		switch turn.Role {
		case RoleUser:
			msgs = append(msgs, openai.UserMessage(turn.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(turn.Content))
		}
	}
	return msgs
}

func statusOf(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.StatusCode
	}
	return 0
}
