package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClient_Generate(t *testing.T) {
	c := NewMockClient()
	resp, err := c.Generate(context.Background(), Request{Prompt: "hello world"})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "hello world")
	assert.Len(t, c.Calls, 1)
}

func TestMockClient_GenerateStream(t *testing.T) {
	c := NewMockClient()
	c.Responder = func(req Request) (string, error) { return "alpha beta gamma", nil }

	var chunks []string
	resp, err := c.GenerateStream(context.Background(), Request{Prompt: "x"}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha beta gamma", resp.Content)
	assert.Len(t, chunks, 3)
}

func TestFailingClient(t *testing.T) {
	c := &FailingClient{}
	_, err := c.Generate(context.Background(), Request{})
	assert.Error(t, err)
}
