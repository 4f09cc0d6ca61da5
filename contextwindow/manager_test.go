package contextwindow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-project/veritas/plan"
)

// stubCounter counts words, avoiding a dependency on the tiktoken bpe
// data file being present in the test sandbox.
type stubCounter struct{}

func (stubCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(strings.Fields(text))
}

func smallModel() plan.ModelSpec {
	return plan.ModelSpec{ModelName: "test-model", ContextWindow: 1000}
}

func section(id string, words int, score float64) Section {
	return Section{ID: id, Content: strings.Repeat("word ", words), Score: score, Kind: "evidence"}
}

func TestFit_NoOverflowReturnsRequestedOutput(t *testing.T) {
	m := New(WithCounter(stubCounter{}))
	result := m.Fit(smallModel(), "system", "user", nil, 100)
	assert.Equal(t, 100, result.AdjustedOutput)
	assert.Nil(t, result.Decision)
}

func TestFit_RerankChunksDropsLowestScoring(t *testing.T) {
	m := New(WithCounter(stubCounter{}))
	var sections []Section
	for i := 0; i < 6; i++ {
		sections = append(sections, section("c"+string(rune('0'+i)), 100, float64(6-i)))
	}
	result := m.Fit(smallModel(), "sys", "usr", sections, 750)
	require.NotNil(t, result.Decision)
	assert.Equal(t, plan.StrategyRerankChunks, result.Decision.Strategy)
	assert.Less(t, len(result.Sections), len(sections))
}

func TestFit_SummarizeWhenTooFewChunksToRerank(t *testing.T) {
	m := New(WithCounter(stubCounter{}))
	sections := []Section{
		{ID: "c1", Content: strings.Repeat("sentence one. ", 40), Kind: "evidence", Score: 1},
	}
	result := m.Fit(smallModel(), "sys", "usr", sections, 750)
	require.NotNil(t, result.Decision)
	assert.Equal(t, plan.StrategySummarize, result.Decision.Strategy)
	assert.NotEmpty(t, result.Sections[0].Summary)
}

func TestFit_ChunkedResponseAsLastResort(t *testing.T) {
	m := New(WithCounter(stubCounter{}))
	model := plan.ModelSpec{ModelName: "tiny", ContextWindow: 100}
	result := m.Fit(model, "", "", nil, 10000)
	require.NotNil(t, result.Decision)
	assert.Equal(t, plan.StrategyChunkedResponse, result.Decision.Strategy)
	assert.Greater(t, result.ChunkedParts, 1)
}

func TestChunksToSections_PreservesFusedScore(t *testing.T) {
	chunks := []plan.EvidenceChunk{{ChunkID: "c1", Content: "x", FusedScore: 0.5}}
	sections := ChunksToSections(chunks)
	require.Len(t, sections, 1)
	assert.Equal(t, 0.5, sections[0].Score)
}
