package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockClient is a deterministic, injectable Client used as the test and
// local-development default, mirroring the teacher's mock-services
// examples (examples/mock-services) which stand in for external AI/agent
// collaborators without a network dependency.
type MockClient struct {
	mu sync.Mutex
	// Responder, if set, computes the reply for a Request. Otherwise a
	// canned echo response is returned.
	Responder func(req Request) (string, error)
	Models    []Model
	Calls     []Request
}

// NewMockClient builds a MockClient with a canned list of models.
func NewMockClient() *MockClient {
	return &MockClient{
		Models: []Model{
			{Name: "mock-small", ContextWindow: 4096},
			{Name: "mock-large", ContextWindow: 32768},
		},
	}
}

func (m *MockClient) reply(req Request) (string, error) {
	if m.Responder != nil {
		return m.Responder(req)
	}
	return "mock response to: " + truncate(req.Prompt, 80), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Generate implements Client.
func (m *MockClient) Generate(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	m.mu.Unlock()

	content, err := m.reply(req)
	if err != nil {
		return Response{}, err
	}
	return Response{
		Content:          content,
		Model:            orDefault(req.Model, "mock-small"),
		PromptTokens:     len(strings.Fields(req.Prompt)),
		CompletionTokens: len(strings.Fields(content)),
		TotalTokens:      len(strings.Fields(req.Prompt)) + len(strings.Fields(content)),
	}, nil
}

// GenerateStream implements Client by chunking the full reply word by word.
func (m *MockClient) GenerateStream(ctx context.Context, req Request, fn StreamFunc) (Response, error) {
	full, err := m.Generate(ctx, req)
	if err != nil {
		return Response{}, err
	}
	for _, w := range strings.Fields(full.Content) {
		select {
		case <-ctx.Done():
			return full, ctx.Err()
		default:
		}
		if err := fn(w + " "); err != nil {
			return full, err
		}
	}
	return full, nil
}

// ListModels implements Client.
func (m *MockClient) ListModels(ctx context.Context) ([]Model, error) {
	return m.Models, nil
}

func orDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

// FailingClient always returns an error, used to exercise
// ResourceUnavailable / graceful-degradation paths in tests.
type FailingClient struct{ Err error }

func (f *FailingClient) Generate(ctx context.Context, req Request) (Response, error) {
	return Response{}, f.errOr()
}
func (f *FailingClient) GenerateStream(ctx context.Context, req Request, fn StreamFunc) (Response, error) {
	return Response{}, f.errOr()
}
func (f *FailingClient) ListModels(ctx context.Context) ([]Model, error) { return nil, f.errOr() }
func (f *FailingClient) errOr() error {
	if f.Err != nil {
		return f.Err
	}
	return fmt.Errorf("mock llm client failure")
}

var (
	_ Client = (*MockClient)(nil)
	_ Client = (*FailingClient)(nil)
)
