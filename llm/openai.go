package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/veritas-project/veritas/core"
)

// OpenAIClient adapts github.com/sashabaranov/go-openai to the Client
// contract, grounded on the teacher's ai.OpenAIClient
// (ai/client.go GenerateResponse) but using the SDK instead of a
// hand-rolled net/http request, per SPEC_FULL.md §11.
type OpenAIClient struct {
	sdk    *openai.Client
	model  string
	logger core.Logger
}

// NewOpenAIClient builds an adapter. baseURL may be empty to use the
// public OpenAI endpoint; model is the default used when a Request
// leaves Model empty.
func NewOpenAIClient(apiKey, baseURL, model string, logger core.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIClient{sdk: openai.NewClientWithConfig(cfg), model: model, logger: logger}
}

func (c *OpenAIClient) messages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})
	return msgs
}

func (c *OpenAIClient) resolveModel(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}

// Generate implements Client.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	resp, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.resolveModel(req),
		Messages:    c.messages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	})
	if err != nil {
		return Response{}, core.NewPipelineError("llm.Generate", core.KindResourceUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, core.NewPipelineError("llm.Generate", core.KindResourceUnavailable, fmt.Errorf("no choices returned"))
	}
	return Response{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

// GenerateStream implements Client, forwarding each delta's content to fn.
func (c *OpenAIClient) GenerateStream(ctx context.Context, req Request, fn StreamFunc) (Response, error) {
	stream, err := c.sdk.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       c.resolveModel(req),
		Messages:    c.messages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Stream:      true,
	})
	if err != nil {
		return Response{}, core.NewPipelineError("llm.GenerateStream", core.KindResourceUnavailable, err)
	}
	defer stream.Close()

	var full Response
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return full, core.NewPipelineError("llm.GenerateStream", core.KindResourceUnavailable, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.Content += delta
		full.Model = chunk.Model
		if err := fn(delta); err != nil {
			return full, err
		}
	}
	return full, nil
}

// ListModels implements Client. go-openai's List returns provider
// metadata without context windows, so context windows are filled from
// the static table below, mirroring the teacher's pattern of pairing a
// live discovery call with a local capability table.
func (c *OpenAIClient) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := c.sdk.ListModels(ctx)
	if err != nil {
		return nil, core.NewPipelineError("llm.ListModels", core.KindResourceUnavailable, err)
	}
	out := make([]Model, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, Model{Name: m.ID, ContextWindow: contextWindowOf(m.ID)})
	}
	return out, nil
}

var knownContextWindows = map[string]int{
	"gpt-4o":      128000,
	"gpt-4o-mini": 128000,
	"gpt-4-turbo": 128000,
	"gpt-4":       8192,
	"gpt-3.5-turbo": 16385,
}

func contextWindowOf(name string) int {
	if w, ok := knownContextWindows[name]; ok {
		return w
	}
	return 4096
}

var _ Client = (*OpenAIClient)(nil)
