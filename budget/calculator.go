// Package budget implements the Token Budget Calculator (C2): a pure,
// deterministic function from intent, complexity, evidence volume, agent
// count and user preference to a clamped output-token allocation,
// recording the full factor breakdown at each pipeline stage. Grounded on
// the teacher's prompt_builder_metrics.go (budget-adjacent factor
// tracking) and orchestration.OrchestratorConfig's env-var-default
// construction pattern (orchestration/interfaces.go).
package budget

import (
	"time"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/plan"
	"github.com/veritas-project/veritas/telemetry"
)

// Config holds the tunable constants of the budget formula, each an
// env-overridable knob per spec.md §6.
type Config struct {
	BaseTokens int     // VERITAS_TOKEN_BASE, default 600
	Min        int     // VERITAS_TOKEN_MIN, default 250
	Max        int     // VERITAS_TOKEN_MAX, default 4000
	ChunkCap   int     // cap on chunk_count contributing to the chunk bonus, default 20
	ChunkStep  float64 // per-chunk bonus weight, default 0.08
}

// DefaultConfig mirrors spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{BaseTokens: 600, Min: 250, Max: 4000, ChunkCap: 20, ChunkStep: 0.08}
}

// intentWeights implements spec §4.2's intent_weight(intent_class).
var intentWeights = map[plan.IntentClass]float64{
	plan.IntentQuickAnswer: 0.5,
	plan.IntentExplanation: 1.0,
	plan.IntentAnalysis:    1.5,
	plan.IntentResearch:    2.0,
}

// Calculator is the stateless, thread-safe C2 implementation.
type Calculator struct {
	cfg       Config
	logger    core.Logger
	telemetry core.Telemetry
}

// Option configures a Calculator at construction time.
type Option func(*Calculator)

// WithLogger injects a component-scoped logger.
func WithLogger(l core.Logger) Option { return func(c *Calculator) { c.logger = l } }

// WithTelemetry injects a component-scoped metrics/tracing sink.
func WithTelemetry(t core.Telemetry) Option { return func(c *Calculator) { c.telemetry = t } }

// New builds a Calculator from cfg.
func New(cfg Config, opts ...Option) *Calculator {
	c := &Calculator{cfg: cfg, logger: &core.NoOpLogger{}, telemetry: &core.NoOpTelemetry{}}
	for _, o := range opts {
		o(c)
	}
	if cal, ok := c.logger.(core.ComponentAwareLogger); ok {
		c.logger = cal.WithComponent("pipeline/budget")
	}
	return c
}

// Inputs bundles everything spec §4.2's calculate() contract consumes.
type Inputs struct {
	Intent           plan.IntentClass
	ComplexityScore  float64 // 1..10
	ChunkCount       int
	SourceKindsCount int // distinct retrieval source kinds present (1..3)
	AgentCount       int
	UserPreference   float64 // [0.5, 2.0], default 1.0
	ConfidenceHint   float64 // optional; 0 means "not supplied", treated as 1.0 adjustment
}

// complexityFactor maps a 1..10 complexity score onto [0.1, 2.0] via a
// piecewise-linear curve, per spec §4.1/§4.2.
func complexityFactor(score float64) float64 {
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	// Two linear segments: 1..5 maps to 0.1..1.0, 5..10 maps to 1.0..2.0.
	if score <= 5 {
		return 0.1 + (score-1)*(1.0-0.1)/4
	}
	return 1.0 + (score-5)*(2.0-1.0)/5
}

// sourceMultiplier implements spec §4.2's source_multiplier table: 1.0 for
// vector only, 1.2 when a second kind (graph) adds, 1.4 for a third.
func sourceMultiplier(distinctKinds int) float64 {
	switch {
	case distinctKinds <= 1:
		return 1.0
	case distinctKinds == 2:
		return 1.2
	default:
		return 1.4
	}
}

// confidenceAdjustment maps an optional confidence hint onto [0.8, 1.2];
// a hint of 0 (unsupplied) is neutral (1.0).
func confidenceAdjustment(hint float64) float64 {
	if hint <= 0 {
		return 1.0
	}
	if hint > 1 {
		hint = 1
	}
	return 0.8 + hint*0.4
}

func clampUserPreference(v float64) float64 {
	if v <= 0 {
		return 1.0
	}
	if v < 0.5 {
		return 0.5
	}
	if v > 2.0 {
		return 2.0
	}
	return v
}

// Calculate implements spec §4.2's formula, returning a BudgetSnapshot for
// the given stage. It is a pure function of in: deterministic, sub-50ms,
// and the result is always within [cfg.Min, cfg.Max].
func (c *Calculator) Calculate(stage plan.BudgetStage, in Inputs) plan.BudgetSnapshot {
	cf := complexityFactor(in.ComplexityScore)

	chunkCount := in.ChunkCount
	if chunkCount > c.cfg.ChunkCap {
		chunkCount = c.cfg.ChunkCap
	}
	chunkBonus := 1 + float64(chunkCount)*c.cfg.ChunkStep

	srcMult := sourceMultiplier(in.SourceKindsCount)
	agentFactor := 1 + 0.15*float64(in.AgentCount)
	intentWeight := intentWeights[in.Intent]
	if intentWeight == 0 {
		intentWeight = intentWeights[plan.IntentExplanation]
	}
	userPref := clampUserPreference(in.UserPreference)
	confAdj := confidenceAdjustment(in.ConfidenceHint)

	raw := float64(c.cfg.BaseTokens) * cf * chunkBonus * srcMult * agentFactor * intentWeight * userPref * confAdj
	rounded := int(raw + 0.5)
	allocated := clamp(rounded, c.cfg.Min, c.cfg.Max)

	stageLabel := map[string]string{"stage": string(stage)}
	c.telemetry.RecordMetric(telemetry.MetricBudgetAllocated, float64(allocated), stageLabel)
	if allocated != rounded {
		c.telemetry.RecordMetric(telemetry.MetricBudgetClamped, 1, stageLabel)
	}

	return plan.BudgetSnapshot{
		Stage:            stage,
		BaseTokens:       c.cfg.BaseTokens,
		ComplexityFactor: cf,
		ChunkBonus:       chunkBonus,
		SourceMultiplier: srcMult,
		AgentFactor:      agentFactor,
		IntentWeight:     intentWeight,
		UserPreference:   userPref,
		ConfidenceAdj:    confAdj,
		Allocated:        allocated,
		ComputedAt:       time.Now(),
	}
}

// MinTokens returns the configured floor (VERITAS_TOKEN_MIN), the
// allocation spec.md §4.1's empty-query clarification path clamps to
// since there is no query to size a budget against.
func (c *Calculator) MinTokens() int { return c.cfg.Min }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Append computes a new snapshot for stage and appends it to budget's
// history, updating Allocated to the latest value. This is the shape the
// pipeline calls at each of the three stages named in spec §3 ("initial",
// "post-retrieval", "final").
func Append(budget *plan.TokenBudget, snap plan.BudgetSnapshot) {
	budget.History = append(budget.History, snap)
	budget.Allocated = snap.Allocated
}
