package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-project/veritas/agents"
	"github.com/veritas-project/veritas/budget"
	"github.com/veritas-project/veritas/contextwindow"
	"github.com/veritas-project/veritas/intent"
	"github.com/veritas-project/veritas/llm"
	"github.com/veritas-project/veritas/plan"
	"github.com/veritas-project/veritas/retrieval"
	"github.com/veritas-project/veritas/synthesis"
)

// testResources builds a full Resources bundle from in-memory/mock
// implementations, exercising the same construction path (New +
// WithLogger/WithTelemetry option chains) a real veritasd process would
// use, per spec.md §4.6's "built once at process startup" contract.
func testResources(t *testing.T) Resources {
	t.Helper()

	store, embedder := retrieval.NewInMemoryVectorStore(), retrieval.NewHashEmbedder()
	emb, err := embedder.Embed(context.Background(), "Verwaltungsakt und Ermessen der Behörde")
	require.NoError(t, err)
	require.NoError(t, store.Upsert(context.Background(), "docs",
		[]retrieval.VectorMatch{{DocumentID: "d1", ChunkID: "c1", Content: "Verwaltungsakt und Ermessen der Behörde"}},
		[][]float32{emb},
	))
	retriever := retrieval.New(retrieval.DefaultConfig(), retrieval.WithVectorStore(store, embedder))

	registry := agents.New()
	mockAgent := agents.NewMockAgent("legal-analyst", "administrative_law", []string{"analysis"})
	registry.Register(mockAgent)

	llmClient := llm.NewMockClient()
	llmClient.Responder = func(req llm.Request) (string, error) {
		return "Der Bescheid ist rechtmäßig {cite:c1}.", nil
	}

	return Resources{
		Intent:        intent.New(intent.DefaultConfig()),
		Budget:        budget.New(budget.DefaultConfig()),
		Retriever:     retriever,
		Agents:        registry,
		Synthesiser:   synthesis.New(synthesis.WithLLMClient(llmClient)),
		ContextWindow: contextwindow.New(),
		LLMClient:     llmClient,
	}
}

func testFactory(t *testing.T) *Factory {
	t.Helper()
	return NewFactory(DefaultConfig(), testResources(t))
}

// TestPipeline_Run_EmptyQuery_ReturnsClarificationAnswer exercises
// spec.md §4.1/§8's boundary behaviour: an empty query is not an error,
// it's a successful answer asking the user to rephrase, with a budget
// clamped to the VERITAS_TOKEN_MIN floor and no sources.
func TestPipeline_Run_EmptyQuery_ReturnsClarificationAnswer(t *testing.T) {
	f := testFactory(t)
	p := f.CreatePipeline(context.Background(), plan.Query{RequestID: "req-1"}, "")
	defer p.Cleanup()

	answer, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, answer.Sources)
	assert.Equal(t, budget.DefaultConfig().Min, answer.Metadata.AllocatedTokens)
	assert.NotEmpty(t, answer.Content)
}

func TestPipeline_Run_HappyPath_ProducesCitedAnswer(t *testing.T) {
	f := testFactory(t)
	q := plan.Query{RequestID: "req-2", QueryText: "Ist der Bescheid wegen Ermessensfehler rechtswidrig?", QueryLanguage: "de"}
	p := f.CreatePipeline(context.Background(), q, "")
	defer p.Cleanup()

	answer, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, answer.Content, "Bescheid")
	require.Len(t, answer.Sources, 1)
	assert.Equal(t, "c1", answer.Sources[0].SourceID)
	assert.Equal(t, 1, answer.Sources[0].Number)
}

func TestPipeline_Run_NoAgentsAvailable_FailsPlanBuild(t *testing.T) {
	res := testResources(t)
	res.Agents = agents.New() // no agent registered
	f := NewFactory(DefaultConfig(), res)

	q := plan.Query{RequestID: "req-3", QueryText: "Wie ist der Verwaltungsakt zu beurteilen?"}
	p := f.CreatePipeline(context.Background(), q, "")
	defer p.Cleanup()

	_, err := p.Run(context.Background())
	require.Error(t, err)
}

func TestPipeline_Run_UnresolvedCitation_FailsLoudly(t *testing.T) {
	res := testResources(t)
	failingClient := res.LLMClient.(*llm.MockClient)
	failingClient.Responder = func(req llm.Request) (string, error) {
		return "Der Bescheid ist rechtmäßig {cite:does-not-exist}.", nil
	}
	f := NewFactory(DefaultConfig(), res)

	q := plan.Query{RequestID: "req-4", QueryText: "Ist der Bescheid rechtmäßig?"}
	p := f.CreatePipeline(context.Background(), q, "")
	defer p.Cleanup()

	_, err := p.Run(context.Background())
	require.Error(t, err)
}

func TestFactory_CreatePipeline_DefaultsModelWhenUnknown(t *testing.T) {
	f := testFactory(t)
	p := f.CreatePipeline(context.Background(), plan.Query{RequestID: "req-5"}, "nonexistent-model")
	defer p.Cleanup()

	assert.Equal(t, f.res.Models[0].ModelName, p.model.ModelName)
}
