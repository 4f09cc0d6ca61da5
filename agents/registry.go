// Package agents implements the Agent Registry & Router (C4): it
// maintains the set of domain agents and their capabilities, and selects
// handles for a step by matching required capabilities, breaking ties by
// domain proximity, rolling success rate, p95 latency and round-robin.
// Grounded on the teacher's orchestration.AgentCatalog
// (orchestration/catalog.go, in-memory capability index + RWMutex) and
// tiered_capability_provider.go's multi-factor selection scoring, adapted
// from HTTP-service discovery to the in-process AgentHandle contract this
// spec requires (spec.md §4.4 — agents are injected, never reached
// through a global).
package agents

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/plan"
)

// StepResult is the outcome of one agent execution, per spec.md §4.4.
type StepResult struct {
	Data       map[string]interface{}
	Confidence float64
	Quality    float64
	Sources    []string
}

// Agent is the polymorphic contract every domain worker implements.
// Agents must be idempotent with respect to their own state and must not
// share mutable state with peers; they reach the retriever/LLM through
// injected clients, never a global, per spec.md §4.4.
type Agent interface {
	Describe() Capability
	Health(ctx context.Context) HealthState
	Execute(ctx context.Context, query string, stepContext map[string]interface{}, budgetHint int) (StepResult, error)
}

// Capability describes one agent's identity and what it can do.
type Capability struct {
	ID           string
	Domain       string
	Capabilities []string
}

// HealthState is an agent's current health signal.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// handleStats tracks the rolling metrics used to break routing ties.
type handleStats struct {
	successCount  int64
	totalCount    int64
	latencies     []time.Duration // ring-buffer-like recent sample, capped
	roundRobinHit int64
}

const maxLatencySamples = 50

func (s *handleStats) successRate() float64 {
	if s.totalCount == 0 {
		return 1.0 // unknown agents start optimistic, matching the teacher's "assume healthy until proven otherwise"
	}
	return float64(s.successCount) / float64(s.totalCount)
}

func (s *handleStats) p95Latency() time.Duration {
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), s.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (s *handleStats) record(success bool, d time.Duration) {
	s.totalCount++
	if success {
		s.successCount++
	}
	s.latencies = append(s.latencies, d)
	if len(s.latencies) > maxLatencySamples {
		s.latencies = s.latencies[len(s.latencies)-maxLatencySamples:]
	}
}

// Registry is the C4 Agent Registry & Router: mutable (agents may be
// registered/deregistered) under a mutex, but reads use a snapshot so
// routing never blocks on a concurrent update, per spec.md §5.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]Agent
	enabled  map[string]bool
	stats    map[string]*handleStats
	roundRobinCursor int

	logger core.Logger
}

// Option configures a Registry at construction.
type Option func(*Registry)

func WithLogger(l core.Logger) Option { return func(r *Registry) { r.logger = l } }

// New builds an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		agents:  make(map[string]Agent),
		enabled: make(map[string]bool),
		stats:   make(map[string]*handleStats),
		logger:  &core.NoOpLogger{},
	}
	for _, o := range opts {
		o(r)
	}
	if cal, ok := r.logger.(core.ComponentAwareLogger); ok {
		r.logger = cal.WithComponent("pipeline/agents")
	}
	return r
}

// Register adds or replaces an agent in the registry.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.Describe().ID
	r.agents[id] = a
	r.enabled[id] = true
	if _, ok := r.stats[id]; !ok {
		r.stats[id] = &handleStats{}
	}
}

// Deregister removes an agent from the registry.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
	delete(r.enabled, agentID)
}

// SetEnabled toggles whether an agent participates in routing without
// removing its recorded statistics.
func (r *Registry) SetEnabled(agentID string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled[agentID] = enabled
}

// snapshot is an immutable copy of the registry's current membership,
// used so SelectFor does not hold the registry's lock while it checks
// health and sorts; it locks only briefly to advance the round-robin
// cursor.
type snapshot struct {
	agents []Agent
	stats  map[string]*handleStats
}

func (r *Registry) snapshot() snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for id, a := range r.agents {
		if !r.enabled[id] {
			continue
		}
		out = append(out, a)
	}
	statsCopy := make(map[string]*handleStats, len(r.stats))
	for k, v := range r.stats {
		cp := *v
		statsCopy[k] = &cp
	}
	// stable order for deterministic round-robin
	sort.Slice(out, func(i, j int) bool { return out[i].Describe().ID < out[j].Describe().ID })
	return snapshot{agents: out, stats: statsCopy}
}

// RecordOutcome feeds a completed execution's success/latency back into
// the rolling statistics used by future routing decisions.
func (r *Registry) RecordOutcome(agentID string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[agentID]
	if !ok {
		s = &handleStats{}
		r.stats[agentID] = s
	}
	s.record(success, latency)
}

func hasAllCapabilities(have []string, required []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, req := range required {
		if !set[req] {
			return false
		}
	}
	return true
}

// SelectFor implements spec.md §4.4's select_for(step) contract: it
// matches the step's required capability set against registered agents,
// excludes disabled/unhealthy ones, and breaks ties by domain proximity
// to the step's detected domains, rolling success rate, p95 latency, and
// finally round-robin.
func (r *Registry) SelectFor(ctx context.Context, step *plan.Step, detectedDomains []string) ([]Agent, error) {
	snap := r.snapshot()
	if len(snap.agents) == 0 {
		return nil, core.NewPipelineError("agents.SelectFor", core.KindResourceUnavailable, core.ErrAgentNotFound).WithID(step.StepID)
	}

	domainSet := make(map[string]bool, len(detectedDomains))
	for _, d := range detectedDomains {
		domainSet[d] = true
	}

	type candidate struct {
		agent        Agent
		domainMatch  bool
		successRate  float64
		p95          time.Duration
		roundRobinAt int
	}

	r.mu.Lock()
	cursor := r.roundRobinCursor
	r.roundRobinCursor++
	r.mu.Unlock()
	nAgents := len(snap.agents)

	var candidates []candidate
	for i, a := range snap.agents {
		cap := a.Describe()
		if !hasAllCapabilities(cap.Capabilities, step.AgentCapabilityReq) {
			continue
		}
		if a.Health(ctx) != HealthHealthy {
			continue
		}
		s := snap.stats[cap.ID]
		if s == nil {
			s = &handleStats{}
		}
		candidates = append(candidates, candidate{
			agent:        a,
			domainMatch:  domainSet[cap.Domain],
			successRate:  s.successRate(),
			p95:          s.p95Latency(),
			roundRobinAt: (i - cursor%nAgents + nAgents) % nAgents,
		})
	}
	if len(candidates) == 0 {
		return nil, core.NewPipelineError("agents.SelectFor", core.KindResourceUnavailable, core.ErrAgentNotFound).WithID(step.StepID)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.domainMatch != b.domainMatch {
			return a.domainMatch // domain-matching agents first
		}
		if a.successRate != b.successRate {
			return a.successRate > b.successRate
		}
		if a.p95 != b.p95 {
			return a.p95 < b.p95
		}
		return a.roundRobinAt < b.roundRobinAt
	})

	out := make([]Agent, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.agent)
	}

	return out, nil
}
