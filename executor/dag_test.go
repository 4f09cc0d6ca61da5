package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-project/veritas/plan"
)

func step(id string, deps ...string) *plan.Step {
	return &plan.Step{StepID: id, Status: plan.StepPending, Dependencies: deps}
}

func TestValidate_RejectsCycle(t *testing.T) {
	p := &plan.Plan{PlanID: "p1", Steps: []*plan.Step{
		step("a", "b"),
		step("b", "a"),
	}}
	err := validate(p)
	require.Error(t, err)
}

func TestValidate_RejectsUnknownDependency(t *testing.T) {
	p := &plan.Plan{PlanID: "p1", Steps: []*plan.Step{
		step("a", "ghost"),
	}}
	err := validate(p)
	require.Error(t, err)
}

func TestValidate_AcceptsDiamond(t *testing.T) {
	p := &plan.Plan{PlanID: "p1", Steps: []*plan.Step{
		step("a"),
		step("b", "a"),
		step("c", "a"),
		step("d", "b", "c"),
	}}
	require.NoError(t, validate(p))
}

func TestReadyPending_GroupsByParallelGroup(t *testing.T) {
	a := step("a")
	b := step("b", "a")
	b.ParallelGroup = "g1"
	c := step("c", "a")
	c.ParallelGroup = "g1"
	p := &plan.Plan{Steps: []*plan.Step{a, b, c}}
	d := buildDAG(p)

	groups, sequential := readyPending(d, p)
	assert.Empty(t, sequential)
	assert.Len(t, groups["g1"], 0) // b,c depend on a which is still pending

	a.Status = plan.StepCompleted
	groups, sequential = readyPending(d, p)
	assert.Len(t, groups["g1"], 2)
	assert.Empty(t, sequential)
}

func TestDescendantsOf_WalksTransitively(t *testing.T) {
	p := &plan.Plan{Steps: []*plan.Step{
		step("a"),
		step("b", "a"),
		step("c", "b"),
		step("d"),
	}}
	desc := descendantsOf(p, "a")
	assert.True(t, desc["b"])
	assert.True(t, desc["c"])
	assert.False(t, desc["d"])
}

func TestAllPendingAreDescendantsOfFailure(t *testing.T) {
	a := step("a")
	b := step("b", "a")
	c := step("c") // independent subgraph
	a.Status = plan.StepFailed
	p := &plan.Plan{Steps: []*plan.Step{a, b, c}}

	failed := map[string]bool{"a": true}
	assert.False(t, allPendingAreDescendantsOfFailure(p, failed), "c is independent, plan must not fail yet")

	c.Status = plan.StepCompleted
	assert.True(t, allPendingAreDescendantsOfFailure(p, failed))
}
