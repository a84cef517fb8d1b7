// Package google adapts Google's Gemini API to the model.ChatModel
// contract using the generative-ai-go client.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/duraflow/graph/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "gemini-1.5-pro"

// Client implements model.ChatModel against the Gemini API. Safe for
// concurrent use. Close releases the underlying connection.
type Client struct {
	client    *genai.Client
	modelName string
}

// New creates a Gemini-backed chat model. An empty modelName selects
// DefaultModel.
func New(ctx context.Context, apiKey, modelName string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("google: api key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}
	return &Client{client: client, modelName: modelName}, nil
}

// Close releases the underlying API connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Chat implements model.ChatModel.
//
// Gemini takes the system prompt as a model-level instruction; the rest
// of the conversation is flattened into a single prompt with role
// prefixes. SDK errors are wrapped with the upstream status text intact
// for failure classification.
func (c *Client) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	system, conversation := model.SplitSystem(messages)

	gm := c.client.GenerativeModel(c.modelName)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	var prompt strings.Builder
	for i, msg := range conversation {
		if i > 0 {
			prompt.WriteString("\n\n")
		}
		if msg.Role == model.RoleAssistant {
			prompt.WriteString("Assistant: ")
		}
		prompt.WriteString(msg.Content)
	}

	resp, err := gm.GenerateContent(ctx, genai.Text(prompt.String()))
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("google: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return model.ChatOut{}, errors.New("google: empty response")
	}

	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text += string(t)
		}
	}

	out := model.ChatOut{Text: text}
	if resp.UsageMetadata != nil {
		out.Tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}
