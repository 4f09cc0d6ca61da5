// Package llm defines the Client contract the core consumes for the
// out-of-scope "LLM inference server" collaborator (spec.md §6), plus a
// go-openai-backed adapter and an in-memory mock used as the test and
// local-development default. Every component that needs generation (C1's
// LLM fallback, C7's synthesiser) depends on this interface, never on a
// concrete provider.
package llm

import (
	"context"
	"time"
)

// Request is one generation call. The same Request serves Generate and
// GenerateStream; calling GenerateStream with a StreamFunc is what asks
// for incremental chunks.
type Request struct {
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	Temperature  float32
	Stop         []string
	Model        string
}

// Response is a completed (non-streamed) generation.
type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamFunc receives one incremental text chunk. Returning an error
// aborts the stream.
type StreamFunc func(chunk string) error

// Model describes one model entry returned by ListModels. Nothing in this
// module calls ListModels or compares its entries with the local model
// registry (plan.ModelSpec).
type Model struct {
	Name          string
	ContextWindow int
}

// Client is the contract the core consumes for text generation. A real
// deployment wires an adapter (e.g. the OpenAI one below); tests and local
// development use the Mock.
type Client interface {
	// Generate performs a synchronous, non-streamed completion.
	Generate(ctx context.Context, req Request) (Response, error)
	// GenerateStream performs a streamed completion, invoking fn once per
	// chunk; it returns the same aggregate Response Generate would once the
	// stream completes.
	GenerateStream(ctx context.Context, req Request, fn StreamFunc) (Response, error)
	// ListModels returns the models the backend currently serves, per
	// spec.md §6's "also list_models()".
	ListModels(ctx context.Context) ([]Model, error)
}

// DefaultTimeout is a per-call timeout value matching the teacher's
// AIConfig.Timeout default. The clients in this package do not apply it
// themselves; a call is bounded only by its context.
const DefaultTimeout = 30 * time.Second
