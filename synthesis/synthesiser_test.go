package synthesis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-project/veritas/llm"
	"github.com/veritas-project/veritas/plan"
)

func evidence() []plan.EvidenceChunk {
	return []plan.EvidenceChunk{
		{ChunkID: "c1", DocumentID: "d1", Content: "Section 34 requires a permit.", Metadata: plan.ChunkMetadata{Title: "VwVfG", Year: 2020}},
		{ChunkID: "c2", DocumentID: "d2", Content: "Fees are capped at 500 EUR.", Metadata: plan.ChunkMetadata{Title: "GebOrd", Year: 2019}},
	}
}

func TestSynthesise_ResolvesCitationsInFirstAppearanceOrder(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Responder = func(req llm.Request) (string, error) {
		return "A permit is required {cite:c1}. Fees are capped {cite:c2}. Also {cite:c1} again.", nil
	}
	s := New(WithLLMClient(mock))

	req := Request{
		Query:    "What permit and fee rules apply?",
		Evidence: evidence(),
		ModelName: "gpt-4o-mini",
		Budget:   plan.BudgetSnapshot{Allocated: 800},
	}
	answer, err := s.Synthesise(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, answer.Sources, 2)
	assert.Equal(t, "c1", answer.Sources[0].SourceID)
	assert.Equal(t, 1, answer.Sources[0].Number)
	assert.Equal(t, "c2", answer.Sources[1].SourceID)
	assert.Equal(t, 2, answer.Sources[1].Number)
}

func TestSynthesise_FailsLoudlyOnUnresolvedCitation(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Responder = func(req llm.Request) (string, error) {
		return "This cites a ghost source {cite:does-not-exist}.", nil
	}
	s := New(WithLLMClient(mock))

	req := Request{Query: "q", Evidence: evidence(), ModelName: "gpt-4o-mini", Budget: plan.BudgetSnapshot{Allocated: 500}}
	_, err := s.Synthesise(context.Background(), req)
	require.Error(t, err)
}

// TestSynthesise_NoEvidenceSkipsLLMAndReturnsCannedAnswer exercises
// spec.md §8's boundary behaviour: zero chunks retrieved and no agent
// contributions means no LLM call happens and the answer carries no
// sources or citation markers.
func TestSynthesise_NoEvidenceSkipsLLMAndReturnsCannedAnswer(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Responder = func(req llm.Request) (string, error) {
		t.Fatal("LLM must not be called when there is no evidence")
		return "", nil
	}
	s := New(WithLLMClient(mock))

	req := Request{Query: "q", ModelName: "gpt-4o-mini", Budget: plan.BudgetSnapshot{Allocated: 250}}
	answer, err := s.Synthesise(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, answer.Sources)
	assert.NotContains(t, answer.Content, "{cite:")
}

func TestSynthesise_AgentSourcesAreCitable(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Responder = func(req llm.Request) (string, error) {
		return "The agent found this {cite:agent-src-1}.", nil
	}
	s := New(WithLLMClient(mock))

	req := Request{
		Query:        "q",
		ModelName:    "gpt-4o-mini",
		Budget:       plan.BudgetSnapshot{Allocated: 500},
		AgentResults: []AgentContribution{{AgentID: "legal-1", KeyPoints: "fact", SourceIDs: []string{"agent-src-1"}}},
	}
	answer, err := s.Synthesise(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, answer.Sources, 1)
	assert.Equal(t, "agent-src-1", answer.Sources[0].SourceID)
}
