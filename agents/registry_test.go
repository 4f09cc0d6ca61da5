package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-project/veritas/plan"
)

func TestSelectFor_MatchesRequiredCapability(t *testing.T) {
	r := New()
	r.Register(NewMockAgent("legal-1", "administrative_law", []string{"legal_analysis", "search"}))
	r.Register(NewMockAgent("env-1", "environmental", []string{"environmental_analysis"}))

	step := &plan.Step{StepID: "s1", AgentCapabilityReq: []string{"legal_analysis"}}
	handles, err := r.SelectFor(context.Background(), step, nil)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, "legal-1", handles[0].Describe().ID)
}

func TestSelectFor_ExcludesUnhealthyAgents(t *testing.T) {
	r := New()
	down := NewMockAgent("legal-1", "administrative_law", []string{"legal_analysis"})
	down.SetHealth(HealthDown)
	r.Register(down)
	r.Register(NewMockAgent("legal-2", "administrative_law", []string{"legal_analysis"}))

	step := &plan.Step{StepID: "s1", AgentCapabilityReq: []string{"legal_analysis"}}
	handles, err := r.SelectFor(context.Background(), step, nil)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, "legal-2", handles[0].Describe().ID)
}

func TestSelectFor_NoMatchReturnsError(t *testing.T) {
	r := New()
	r.Register(NewMockAgent("legal-1", "administrative_law", []string{"legal_analysis"}))
	step := &plan.Step{StepID: "s1", AgentCapabilityReq: []string{"unrelated_capability"}}
	_, err := r.SelectFor(context.Background(), step, nil)
	assert.Error(t, err)
}

func TestSelectFor_DomainMatchRankedFirst(t *testing.T) {
	r := New()
	r.Register(NewMockAgent("generic-1", "general", []string{"search"}))
	r.Register(NewMockAgent("legal-1", "administrative_law", []string{"search"}))

	step := &plan.Step{StepID: "s1", AgentCapabilityReq: []string{"search"}}
	handles, err := r.SelectFor(context.Background(), step, []string{"administrative_law"})
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, "legal-1", handles[0].Describe().ID)
}

func TestSelectFor_HigherSuccessRateRankedFirst(t *testing.T) {
	r := New()
	r.Register(NewMockAgent("a", "general", []string{"search"}))
	r.Register(NewMockAgent("b", "general", []string{"search"}))

	r.RecordOutcome("a", false, 10*time.Millisecond)
	r.RecordOutcome("a", false, 10*time.Millisecond)
	r.RecordOutcome("b", true, 10*time.Millisecond)
	r.RecordOutcome("b", true, 10*time.Millisecond)

	step := &plan.Step{StepID: "s1", AgentCapabilityReq: []string{"search"}}
	handles, err := r.SelectFor(context.Background(), step, nil)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, "b", handles[0].Describe().ID)
}

// TestSelectFor_TiedAgentsRotateRoundRobin exercises spec.md §4.4's
// final tie-break: when domain match, success rate and p95 latency are
// all equal, repeated calls must rotate which tied agent comes first
// instead of always returning the same stable-sort order.
func TestSelectFor_TiedAgentsRotateRoundRobin(t *testing.T) {
	r := New()
	r.Register(NewMockAgent("a", "general", []string{"search"}))
	r.Register(NewMockAgent("b", "general", []string{"search"}))
	r.Register(NewMockAgent("c", "general", []string{"search"}))

	step := &plan.Step{StepID: "s1", AgentCapabilityReq: []string{"search"}}

	var firstPicks []string
	for i := 0; i < 3; i++ {
		handles, err := r.SelectFor(context.Background(), step, nil)
		require.NoError(t, err)
		require.Len(t, handles, 3)
		firstPicks = append(firstPicks, handles[0].Describe().ID)
	}

	assert.NotEqual(t, firstPicks[0], firstPicks[1], "tied agents must rotate, not return the same order every call")
	assert.NotEqual(t, firstPicks[1], firstPicks[2])
}

func TestDeregister_RemovesAgentFromSelection(t *testing.T) {
	r := New()
	r.Register(NewMockAgent("a", "general", []string{"search"}))
	r.Deregister("a")

	step := &plan.Step{StepID: "s1", AgentCapabilityReq: []string{"search"}}
	_, err := r.SelectFor(context.Background(), step, nil)
	assert.Error(t, err)
}
