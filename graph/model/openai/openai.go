// Package openai adapts OpenAI's chat completions API to the
// model.ChatModel contract using the official openai-go client.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/duraflow/graph/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "gpt-4o"

// Client implements model.ChatModel against the chat completions API.
// Safe for concurrent use.
type Client struct {
	client    sdk.Client
	modelName string
}

// New creates a GPT-backed chat model. An empty modelName selects
// DefaultModel.
func New(apiKey, modelName string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Client{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
	}, nil
}

// Chat implements model.ChatModel. SDK errors are wrapped with the
// upstream status text intact for failure classification.
func (c *Client) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	params := sdk.ChatCompletionNewParams{
		Model: shared.ChatModel(c.modelName),
	}
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			params.Messages = append(params.Messages, sdk.SystemMessage(msg.Content))
		case model.RoleAssistant:
			params.Messages = append(params.Messages, sdk.AssistantMessage(msg.Content))
		default:
			params.Messages = append(params.Messages, sdk.UserMessage(msg.Content))
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("openai: %w", err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("openai: empty completion")
	}

	return model.ChatOut{
		Text:   completion.Choices[0].Message.Content,
		Tokens: int(completion.Usage.TotalTokens),
	}, nil
}
