// Package model adapts LLM chat providers to workflow nodes.
//
// Providers return their errors with the upstream status text intact, so
// the engine's failure classifier can tell throttling from capacity
// overruns from transient outages and apply the right retry policy.
package model

import "context"

// Message is one turn in a chat conversation.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the message text.
	Content string
}

// Standard conversation roles shared by the supported providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatOut is a provider's response.
type ChatOut struct {
	// Text is the generated response.
	Text string

	// Tokens is the total token usage reported by the provider, zero
	// when the provider does not report usage.
	Tokens int
}

// ChatModel is the provider contract.
//
// Implementations must respect context cancellation and return raw
// provider errors (wrapped, not rewritten) so failure classification can
// see the upstream status text.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// SplitSystem separates system messages from the conversation. Several
// providers take the system prompt as a dedicated parameter; multiple
// system messages are joined with blank lines.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	conversation := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return system, conversation
}
