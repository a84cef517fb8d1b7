package model

import (
	"context"
	"fmt"

	"github.com/dshills/duraflow/graph"
)

// NodeConfig wires a ChatModel into a workflow node.
type NodeConfig struct {
	// System is an optional system prompt prepended to every call.
	System string

	// PromptChannel is the state channel holding the user prompt.
	PromptChannel string

	// OutputChannel receives the generated text.
	OutputChannel string

	// Route is taken after a successful generation. Zero falls back to
	// the graph's edges.
	Route graph.Next
}

// Node builds a generation node around a ChatModel.
//
// The node reads the prompt channel, calls the model, and writes the
// response to the output channel. Model errors are returned unwrapped to
// the engine, which classifies them and retries transient ones; pair the
// node with the generation timeout class when registering it.
func Node(m ChatModel, cfg NodeConfig) graph.NodeFunc {
	return func(ctx context.Context, state graph.State) graph.NodeResult {
		prompt, _ := state[cfg.PromptChannel].(string)
		if prompt == "" {
			return graph.NodeResult{Err: graph.Fatal(
				fmt.Errorf("channel %q holds no prompt", cfg.PromptChannel))}
		}

		messages := make([]Message, 0, 2)
		if cfg.System != "" {
			messages = append(messages, Message{Role: RoleSystem, Content: cfg.System})
		}
		messages = append(messages, Message{Role: RoleUser, Content: prompt})

		out, err := m.Chat(ctx, messages)
		if err != nil {
			return graph.NodeResult{Err: err}
		}
		return graph.NodeResult{
			Delta: graph.State{cfg.OutputChannel: out.Text},
			Route: cfg.Route,
		}
	}
}
