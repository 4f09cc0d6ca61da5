// Package executor implements the Step Executor (C5): it validates a
// plan's flat step list as a DAG, resolves dependencies, runs ready steps
// in parallel groups under a bounded worker pool, retries transient
// failures with exponential backoff, and propagates cancellation and
// pause/resume. Grounded on the teacher's orchestration.WorkflowDAG
// (orchestration/workflow_dag.go, cycle detection via DFS) and
// orchestration/executor.go's ready-set/parallel-group scheduling loop,
// adapted to run over golang.org/x/sync/errgroup instead of a hand-rolled
// WaitGroup+semaphore, per SPEC_FULL.md §11.
package executor

import (
	"fmt"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/plan"
)

// dag is the dependency graph computed from a plan's flat step list.
type dag struct {
	byID map[string]*plan.Step
}

func buildDAG(p *plan.Plan) *dag {
	d := &dag{byID: make(map[string]*plan.Step, len(p.Steps))}
	for _, s := range p.Steps {
		d.byID[s.StepID] = s
	}
	return d
}

// validate rejects plans whose dependency graph is not a DAG, or that
// reference a dependency step_id not present in the plan, per spec.md
// §4.5 ("Cycle detection at plan load").
func validate(p *plan.Plan) error {
	d := buildDAG(p)
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if _, ok := d.byID[dep]; !ok {
				return core.NewPipelineError("executor.validate", core.KindInternal,
					fmt.Errorf("step %s depends on unknown step %s", s.StepID, dep)).WithID(p.PlanID)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Steps))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range d.byID[id].Dependencies {
			switch color[dep] {
			case gray:
				return core.NewPipelineError("executor.validate", core.KindInternal, core.ErrCyclicDependency).WithID(p.PlanID)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range p.Steps {
		if color[s.StepID] == white {
			if err := visit(s.StepID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ready reports whether every dependency of s has reached StepCompleted,
// per spec.md §4.5's ready(S) predicate.
func ready(d *dag, s *plan.Step) bool {
	for _, dep := range s.Dependencies {
		depStep, ok := d.byID[dep]
		if !ok || depStep.Status != plan.StepCompleted {
			return false
		}
	}
	return true
}

// readyPending returns every pending step whose dependencies are all
// completed, grouped by parallel_group ("" for ungrouped/sequential).
func readyPending(d *dag, p *plan.Plan) (groups map[string][]*plan.Step, sequential []*plan.Step) {
	groups = make(map[string][]*plan.Step)
	for _, s := range p.Steps {
		if s.Status != plan.StepPending || !ready(d, s) {
			continue
		}
		if s.ParallelGroup != "" {
			groups[s.ParallelGroup] = append(groups[s.ParallelGroup], s)
		} else {
			sequential = append(sequential, s)
		}
	}
	return groups, sequential
}

// descendantsOf returns every step_id reachable from start via
// dependents, used to mark downstream steps skipped on a non-retryable
// failure, per spec.md §4.5.
func descendantsOf(p *plan.Plan, start string) map[string]bool {
	dependents := make(map[string][]string)
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s.StepID)
		}
	}
	seen := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		for _, child := range dependents[id] {
			if seen[child] {
				continue
			}
			seen[child] = true
			walk(child)
		}
	}
	walk(start)
	return seen
}

// allPendingAreDescendantsOfFailure reports whether every remaining
// pending/running step is a descendant of a failed step, which is when
// spec.md §4.5 says the whole plan must transition to failed rather than
// letting independent subgraphs continue.
func allPendingAreDescendantsOfFailure(p *plan.Plan, failedIDs map[string]bool) bool {
	descendants := map[string]bool{}
	for id := range failedIDs {
		for d := range descendantsOf(p, id) {
			descendants[d] = true
		}
	}
	for _, s := range p.Steps {
		if s.Status == plan.StepPending || s.Status == plan.StepRunning {
			if !descendants[s.StepID] {
				return false
			}
		}
	}
	return true
}
