package pipeline

import (
	"context"

	"github.com/veritas-project/veritas/agents"
	"github.com/veritas-project/veritas/budget"
	"github.com/veritas-project/veritas/contextwindow"
	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/intent"
	"github.com/veritas-project/veritas/llm"
	"github.com/veritas-project/veritas/plan"
	"github.com/veritas-project/veritas/retrieval"
	"github.com/veritas-project/veritas/state"
	"github.com/veritas-project/veritas/streaming"
	"github.com/veritas-project/veritas/synthesis"
)

// Resources bundles every shared, read-mostly dependency a Pipeline
// references but never owns, per spec.md §4.6/§5. These are built once
// at process startup (cmd/veritasd) and passed to NewFactory.
type Resources struct {
	Intent        *intent.Analyser
	Budget        *budget.Calculator
	Retriever     *retrieval.Retriever
	Agents        *agents.Registry
	Synthesiser   *synthesis.Synthesiser
	ContextWindow *contextwindow.Manager
	Store         state.Store
	Channel       *streaming.Channel
	LLMClient     llm.Client
	Models        []plan.ModelSpec // the local model registry; not checked against llm.Client.ListModels

	Logger    core.Logger
	Telemetry core.Telemetry
}

func (r *Resources) applyDefaults() {
	if r.Logger == nil {
		r.Logger = &core.NoOpLogger{}
	}
	if r.Telemetry == nil {
		r.Telemetry = &core.NoOpTelemetry{}
	}
	if r.Channel == nil {
		r.Channel = streaming.New(streaming.WithLogger(r.Logger))
	}
	if len(r.Models) == 0 {
		r.Models = []plan.ModelSpec{{ModelName: "gpt-4o-mini", ContextWindow: 128000}}
	}
}

// Factory is the C6 Pipeline Factory: create_pipeline(request_context) →
// Pipeline. It owns Config and a Resources bundle, both shared across
// every Pipeline it creates.
type Factory struct {
	cfg Config
	res Resources
}

// NewFactory builds a Factory. res.Logger/Telemetry/Channel/Models are
// defaulted if left zero.
func NewFactory(cfg Config, res Resources) *Factory {
	res.applyDefaults()
	return &Factory{cfg: cfg, res: res}
}

func (f *Factory) modelFor(name string) plan.ModelSpec {
	for _, m := range f.res.Models {
		if m.ModelName == name {
			return m
		}
	}
	return f.res.Models[0]
}

// CreatePipeline implements spec.md §4.6's contract: a fresh object
// holding a request-dedicated executor pool and progress queue, plus
// references (never ownership) to the shared Resources. Call
// (*Pipeline).Cleanup when the request is done.
func (f *Factory) CreatePipeline(ctx context.Context, q plan.Query, modelName string) *Pipeline {
	logger := f.res.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("pipeline/factory")
	}

	model := f.modelFor(modelName)
	sink := &streaming.ExecutorSink{Channel: f.res.Channel}
	persister := &statePersister{store: f.res.Store, logger: logger}

	return &Pipeline{
		factory: f,
		query:   q,
		model:   model,

		agentByStep: make(map[string]agents.Agent),

		logger:    logger,
		telemetry: f.res.Telemetry,
		sink:      sink,
		persister: persister,
	}
}

// statePersister adapts state.Store into executor.Persister: a
// best-effort, fire-and-forget save_state(plan) call per spec.md §4.5.
// Errors are logged, never propagated — a transient store outage must
// never stall step scheduling.
type statePersister struct {
	store  state.Store
	logger core.Logger
}

func (p *statePersister) SaveState(ctx context.Context, pl *plan.Plan) {
	if p.store == nil {
		return
	}
	if err := p.store.UpdatePlan(ctx, pl, state.BestEffort); err != nil {
		p.logger.Warn("best-effort plan persistence failed", map[string]interface{}{"plan_id": pl.PlanID, "error": err.Error()})
	}
}
