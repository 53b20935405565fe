// Package llm provides reasoning model client implementations.
package llm

import "context"

// Client is the interface that all model providers must implement.
type Client interface {
	// Chat sends the conversation and the available tools and returns
	// the model's reply, which carries either text or tool calls.
	Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
