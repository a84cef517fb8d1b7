// Package anthropic adapts Anthropic's Claude API to the model.ChatModel
// contract using the official anthropic-sdk-go client.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/duraflow/graph/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "claude-3-5-sonnet-20241022"

const defaultMaxTokens = 4096

// Client implements model.ChatModel against the Claude Messages API.
// Safe for concurrent use.
type Client struct {
	client    sdk.Client
	modelName string
	maxTokens int64
}

// New creates a Claude-backed chat model. An empty modelName selects
// DefaultModel.
func New(apiKey, modelName string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Client{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		modelName: modelName,
		maxTokens: defaultMaxTokens,
	}, nil
}

// Chat implements model.ChatModel.
//
// System messages are lifted into the API's dedicated system parameter.
// SDK errors are wrapped, not rewritten: the upstream status text (429,
// overloaded, and so on) must survive for failure classification.
func (c *Client) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	system, conversation := model.SplitSystem(messages)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.modelName),
		MaxTokens: c.maxTokens,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	for _, msg := range conversation {
		switch msg.Role {
		case model.RoleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic: %w", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return model.ChatOut{
		Text:   text,
		Tokens: int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}, nil
}
