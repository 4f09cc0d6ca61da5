package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-project/veritas/agents"
	"github.com/veritas-project/veritas/budget"
	"github.com/veritas-project/veritas/contextwindow"
	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/executor"
	"github.com/veritas-project/veritas/plan"
	"github.com/veritas-project/veritas/retrieval"
	"github.com/veritas-project/veritas/state"
	"github.com/veritas-project/veritas/streaming"
	"github.com/veritas-project/veritas/synthesis"
)

// maxAnalysisAgents bounds how many of the agents SelectFor ranks
// highest actually get their own parallel analysis step, keeping the
// per-request DAG within the default worker pool size.
const maxAnalysisAgents = 3

// analysisCapability is the capability every domain worker is expected
// to expose to take part in a plan's analysis phase.
var analysisCapability = []string{"analysis"}

// Pipeline is the C6 per-request object: an executor pool and progress
// queue exclusive to one query, plus references to the Factory's shared
// Resources. Never shared across requests; torn down via Cleanup.
type Pipeline struct {
	factory *Factory
	query   plan.Query
	model   plan.ModelSpec

	mu          sync.Mutex
	evidence    []plan.EvidenceChunk
	agentByStep map[string]agents.Agent

	logger    core.Logger
	telemetry core.Telemetry
	sink      *streaming.ExecutorSink
	persister *statePersister
}

// Cleanup implements spec.md §4.6's teardown: the pipeline shuts down
// its own state (the progress queue) while leaving every shared
// Resources entry untouched.
func (p *Pipeline) Cleanup() {
	p.factory.res.Channel.Close(p.query.RequestID)
	p.factory.res.Channel.Remove(p.query.RequestID)
}

func (p *Pipeline) publish(ctx context.Context, e streaming.Event) {
	_ = p.factory.res.Channel.Publish(ctx, p.query.RequestID, e)
}

// Run executes the full dataflow named in spec.md §3: intent analysis,
// initial budgeting, evidence retrieval, post-retrieval budgeting, agent
// selection, the step-executor DAG (analysis then synthesis), context-
// window fitting, synthesis, streaming and persistence.
func (p *Pipeline) Run(ctx context.Context) (plan.Answer, error) {
	ctx, span := p.telemetry.StartSpan(ctx, "pipeline.Run")
	defer span.End()
	span.SetAttribute("request_id", p.query.RequestID)

	if p.query.QueryText == "" {
		return p.clarificationAnswer(ctx), nil
	}

	intentRecord := p.factory.res.Intent.Analyse(ctx, p.query.QueryText, p.query.QueryLanguage)
	p.publish(ctx, streaming.Event{Type: streaming.EventStatus, Stage: "intent_classified", Progress: 5})

	tokenBudget := &plan.TokenBudget{}
	budget.Append(tokenBudget, p.factory.res.Budget.Calculate(plan.StageInitial, budget.Inputs{
		Intent: intentRecord.IntentClass, ComplexityScore: intentRecord.ComplexityScore, UserPreference: 1,
	}))

	retResult, err := p.factory.res.Retriever.Retrieve(ctx, retrieval.Request{
		Query: p.query.QueryText, TopK: p.factory.cfg.VectorTopK,
	})
	if err != nil {
		p.logger.Warn("retrieval degraded", map[string]interface{}{"error": err.Error()})
	}
	p.mu.Lock()
	p.evidence = retResult.Chunks
	p.mu.Unlock()
	p.publish(ctx, streaming.Event{Type: streaming.EventStatus, Stage: "evidence_retrieved", Progress: 25})

	researchPlan, err := p.buildPlan(ctx, intentRecord)
	if err != nil {
		p.publish(ctx, streaming.Event{Type: streaming.EventError, Kind: string(core.ErrorKindOf(err)), Message: err.Error()})
		return plan.Answer{}, err
	}

	budget.Append(tokenBudget, p.factory.res.Budget.Calculate(plan.StagePostRetrieval, budget.Inputs{
		Intent: intentRecord.IntentClass, ComplexityScore: intentRecord.ComplexityScore,
		ChunkCount: len(retResult.Chunks), SourceKindsCount: retResult.DistinctSources,
		AgentCount: len(p.agentByStep), UserPreference: 1,
	}))

	if p.factory.res.Store != nil {
		_ = p.factory.res.Store.CreatePlan(ctx, researchPlan, state.MustPersist)
	}

	exec := executor.New(p.factory.cfg.ExecutorConfig(),
		executor.WithLogger(p.logger),
		executor.WithTelemetry(p.telemetry),
		executor.WithPersister(p.persister),
		executor.WithProgressSink(p.sink),
	)

	var answer plan.Answer
	var synthErr error
	runStep := func(ctx context.Context, pl *plan.Plan, step *plan.Step) (plan.StepResult, error) {
		switch step.Type {
		case plan.StepAnalysis:
			return p.runAnalysisStep(ctx, step)
		case plan.StepSynthesis:
			result, ans, err := p.runSynthesisStep(ctx, pl, step, intentRecord, tokenBudget)
			answer = ans
			synthErr = err
			return result, err
		default:
			return plan.StepResult{}, fmt.Errorf("unhandled step type %q", step.Type)
		}
	}

	if err := exec.Execute(ctx, researchPlan, runStep); err != nil {
		p.publish(ctx, streaming.Event{Type: streaming.EventError, Kind: string(core.ErrorKindOf(err)), Message: err.Error()})
		return plan.Answer{}, err
	}
	if synthErr != nil {
		p.publish(ctx, streaming.Event{Type: streaming.EventError, Kind: "data_integrity", Message: synthErr.Error()})
		return plan.Answer{}, synthErr
	}

	p.publish(ctx, streaming.Event{Type: streaming.EventSources, Sources: answer.Sources})
	p.publish(ctx, streaming.Event{Type: streaming.EventMetadata, Metadata: answer.Metadata, Progress: 100})

	if p.factory.res.Store != nil {
		_ = p.factory.res.Store.AppendLog(ctx, plan.ExecutionLogEntry{
			Timestamp: time.Now(), EventType: plan.LogPlanTransition, PlanID: researchPlan.PlanID,
			Payload: map[string]interface{}{"status": string(researchPlan.Status)},
		})
	}

	return answer, nil
}

// clarificationContent is the canned response spec.md §4.1/§8's
// empty-query boundary behaviour requires: no retrieval call, no
// sources, a budget clamped to the VERITAS_TOKEN_MIN floor.
const clarificationContent = "Your request didn't include a question. Could you rephrase it with what you'd like to know?"

// clarificationAnswer builds the successful Answer an empty query
// resolves to, publishing the same status/metadata events a normal run
// would at 100% progress.
func (p *Pipeline) clarificationAnswer(ctx context.Context) plan.Answer {
	minTokens := p.factory.res.Budget.MinTokens()
	p.publish(ctx, streaming.Event{Type: streaming.EventStatus, Stage: "clarification_requested", Progress: 100})
	answer := plan.Answer{
		Content: clarificationContent,
		Sources: []plan.Source{},
		Metadata: plan.AnswerMetadata{
			AllocatedTokens: minTokens,
			Breakdown:       plan.BudgetSnapshot{Stage: plan.StageInitial, Allocated: minTokens},
		},
	}
	p.publish(ctx, streaming.Event{Type: streaming.EventSources, Sources: answer.Sources})
	p.publish(ctx, streaming.Event{Type: streaming.EventMetadata, Metadata: answer.Metadata, Progress: 100})
	return answer
}

// buildPlan selects up to maxAnalysisAgents candidate agents and lays
// out the per-request step graph: one analysis step per selected agent,
// all sharing a "analysis" parallel_group, feeding a single sequential
// synthesis step, per spec.md §4.4/§4.5.
func (p *Pipeline) buildPlan(ctx context.Context, intentRecord plan.IntentRecord) (*plan.Plan, error) {
	probe := &plan.Step{StepID: "probe", AgentCapabilityReq: analysisCapability}
	candidates, err := p.factory.res.Agents.SelectFor(ctx, probe, intentRecord.DetectedDomains)
	if err != nil {
		return nil, err
	}
	if len(candidates) > maxAnalysisAgents {
		candidates = candidates[:maxAnalysisAgents]
	}

	researchPlan := &plan.Plan{
		PlanID:           p.query.RequestID,
		ResearchQuestion: p.query.QueryText,
		Status:           plan.StatusPending,
		SecurityLevel:    plan.SecurityInternal,
		CreatedAt:        time.Now(),
	}

	analysisIDs := make([]string, 0, len(candidates))
	for i, a := range candidates {
		stepID := fmt.Sprintf("analysis-%d-%s", i, uuid.NewString()[:8])
		researchPlan.Steps = append(researchPlan.Steps, &plan.Step{
			StepID: stepID, PlanID: researchPlan.PlanID, Index: i,
			Name: a.Describe().ID, Type: plan.StepAnalysis,
			AgentCapabilityReq: analysisCapability, Status: plan.StepPending,
			ParallelGroup: "analysis",
		})
		p.agentByStep[stepID] = a
		analysisIDs = append(analysisIDs, stepID)
	}

	synthesisStep := &plan.Step{
		StepID: "synthesis-" + uuid.NewString()[:8], PlanID: researchPlan.PlanID, Index: len(candidates),
		Name: "synthesis", Type: plan.StepSynthesis, Status: plan.StepPending,
		Dependencies: analysisIDs,
	}
	researchPlan.Steps = append(researchPlan.Steps, synthesisStep)
	researchPlan.RecomputeProgress()
	return researchPlan, nil
}

func (p *Pipeline) runAnalysisStep(ctx context.Context, step *plan.Step) (plan.StepResult, error) {
	p.mu.Lock()
	agent := p.agentByStep[step.StepID]
	p.mu.Unlock()
	if agent == nil {
		return plan.StepResult{}, core.NewPipelineError("pipeline.runAnalysisStep", core.KindInternal, core.ErrAgentNotFound).WithID(step.StepID)
	}

	stepContext := map[string]interface{}{"query": p.query.QueryText}
	start := time.Now()
	r, err := agent.Execute(ctx, p.query.QueryText, stepContext, p.factory.cfg.TokenBase)
	p.factory.res.Agents.RecordOutcome(agent.Describe().ID, err == nil, time.Since(start))
	if err != nil {
		return plan.StepResult{}, err
	}
	return plan.StepResult{PlanID: step.PlanID, StepID: step.StepID, ResultData: r.Data, Confidence: r.Confidence, Quality: r.Quality, Sources: r.Sources}, nil
}

func (p *Pipeline) runSynthesisStep(ctx context.Context, pl *plan.Plan, step *plan.Step, intentRecord plan.IntentRecord, tokenBudget *plan.TokenBudget) (plan.StepResult, plan.Answer, error) {
	var contributions []synthesis.AgentContribution
	for _, s := range pl.Steps {
		if s.Type != plan.StepAnalysis || s.Result == nil {
			continue
		}
		contributions = append(contributions, synthesis.ContributionFromStepResult(s.Name, agents.StepResult{
			Data: s.Result.ResultData, Confidence: s.Result.Confidence, Quality: s.Result.Quality, Sources: s.Result.Sources,
		}))
	}

	p.mu.Lock()
	evidence := p.evidence
	p.mu.Unlock()

	finalBudget := p.factory.res.Budget.Calculate(plan.StageFinal, budget.Inputs{
		Intent: intentRecord.IntentClass, ComplexityScore: intentRecord.ComplexityScore,
		ChunkCount: len(evidence), AgentCount: len(contributions), UserPreference: 1,
	})
	budget.Append(tokenBudget, finalBudget)

	sections := contextwindow.ChunksToSections(evidence)
	for _, c := range contributions {
		sections = append(sections, contextwindow.Section{ID: c.AgentID, Content: c.KeyPoints, Score: 1.0, Kind: "agent"})
	}
	fit := p.factory.res.ContextWindow.Fit(p.model, "", p.query.QueryText, sections, tokenBudget.Allocated)
	tokenBudget.OverflowDecision = fit.Decision

	req := synthesis.Request{
		Query: p.query.QueryText, Evidence: evidence, AgentResults: contributions,
		Intent: intentRecord, Budget: finalBudget, ModelName: p.model.ModelName,
		MaxOutputTokens: fit.AdjustedOutput, Language: p.query.QueryLanguage,
	}
	answer, err := p.factory.res.Synthesiser.Synthesise(ctx, req)
	if err != nil {
		return plan.StepResult{}, plan.Answer{}, err
	}

	result := plan.StepResult{PlanID: step.PlanID, StepID: step.StepID, Confidence: 1, Quality: 1, ResultData: map[string]interface{}{"content": answer.Content}}
	if fit.Decision != nil {
		result.Quality = fit.Decision.QualityFactor
	}
	return result, answer, nil
}
