package contextwindow

import (
	"sort"
	"strings"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/plan"
	"github.com/veritas-project/veritas/telemetry"
)

// SafetyFactor is the fraction of a model's context window considered
// usable, per spec.md §4.8 (`safe_output = floor(0.8 * context_window)
// - prompt_tokens`).
const SafetyFactor = 0.8

// Section is one removable/summarisable unit of the prompt: an evidence
// chunk or an agent's contribution. Overflow strategies operate on
// Sections rather than on plan.EvidenceChunk directly so the manager
// doesn't need to know about the agents package.
type Section struct {
	ID       string
	Content  string
	Score    float64 // relevance/priority; lower is dropped first
	Kind     string  // "evidence" | "agent"
	Summary  string  // populated by summarize_context, empty otherwise
}

// ChunksToSections converts retrieved evidence into Sections, carrying
// each chunk's fused retrieval score as its Score. The input order is
// kept; the chunks are not re-sorted.
func ChunksToSections(chunks []plan.EvidenceChunk) []Section {
	out := make([]Section, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, Section{ID: c.ChunkID, Content: c.Content, Score: c.FusedScore, Kind: "evidence"})
	}
	return out
}

// Manager is the C8 Context-Window & Overflow Manager.
type Manager struct {
	counter   Counter
	logger    core.Logger
	telemetry core.Telemetry
}

// Option configures a Manager at construction.
type Option func(*Manager)

func WithCounter(c Counter) Option         { return func(m *Manager) { m.counter = c } }
func WithLogger(l core.Logger) Option      { return func(m *Manager) { m.logger = l } }
func WithTelemetry(t core.Telemetry) Option { return func(m *Manager) { m.telemetry = t } }

// New builds a Manager, defaulting to the tiktoken-backed Counter.
func New(opts ...Option) *Manager {
	m := &Manager{counter: NewCounter(), logger: &core.NoOpLogger{}, telemetry: &core.NoOpTelemetry{}}
	for _, o := range opts {
		o(m)
	}
	if cal, ok := m.logger.(core.ComponentAwareLogger); ok {
		m.logger = cal.WithComponent("pipeline/contextwindow")
	}
	return m
}

// FitResult is the outcome of Fit.
type FitResult struct {
	AdjustedOutput int
	Sections       []Section // possibly trimmed/summarised
	Decision       *plan.OverflowDecision
	ChunkedParts   int // >1 when strategy is chunked_response
}

func (m *Manager) contentTokens(sections []Section) int {
	total := 0
	for _, s := range sections {
		text := s.Content
		if s.Summary != "" {
			text = s.Summary
		}
		total += m.counter.Count(text)
	}
	return total
}

// Fit implements spec.md §4.8's fit(model, system_prompt, user_prompt,
// evidence_bundle, requested_output) contract. It first checks whether
// requested_output already fits the model's safe window; if not, it
// tries overflow strategies in priority order until one fits or all are
// exhausted, in which case it falls back to chunked_response.
func (m *Manager) Fit(model plan.ModelSpec, systemPrompt, userPrompt string, sections []Section, requestedOutput int) FitResult {
	promptTokens := m.counter.Count(systemPrompt) + m.counter.Count(userPrompt) + m.contentTokens(sections)
	safeOutput := model.SafeMaxOutput(promptTokens, SafetyFactor)

	if requestedOutput <= safeOutput {
		return FitResult{AdjustedOutput: requestedOutput, Sections: sections, ChunkedParts: 1}
	}

	m.logger.Info("context window overflow", map[string]interface{}{
		"model":           model.ModelName,
		"requested":       requestedOutput,
		"safe_output":     safeOutput,
		"prompt_tokens":   promptTokens,
		"section_count":   len(sections),
	})
	m.telemetry.RecordMetric(telemetry.MetricOverflowTriggered, 1, map[string]string{"model": model.ModelName})

	if result, ok := m.tryRerankChunks(model, systemPrompt, userPrompt, sections, requestedOutput); ok {
		return result
	}
	if result, ok := m.trySummarize(model, systemPrompt, userPrompt, sections, requestedOutput); ok {
		return result
	}
	if result, ok := m.tryReduceAgents(model, systemPrompt, userPrompt, sections, requestedOutput); ok {
		return result
	}
	return m.chunkedResponse(model, systemPrompt, userPrompt, sections, requestedOutput)
}

// tryRerankChunks drops the lowest-scoring evidence sections, one at a
// time, until the remaining bundle fits. Only attempted when at least 5
// evidence sections are present, per spec.md §4.8.
func (m *Manager) tryRerankChunks(model plan.ModelSpec, system, user string, sections []Section, requested int) (FitResult, bool) {
	evidenceCount := 0
	for _, s := range sections {
		if s.Kind == "evidence" {
			evidenceCount++
		}
	}
	if evidenceCount < 5 {
		return FitResult{}, false
	}

	kept := append([]Section(nil), sections...)
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Kind != kept[j].Kind {
			return kept[i].Kind == "agent" // keep agent contributions ahead of evidence when both present
		}
		return kept[i].Score > kept[j].Score
	})

	tokensSaved := 0
	for len(kept) > 0 {
		last := kept[len(kept)-1]
		if last.Kind != "evidence" {
			break
		}
		promptTokens := m.counter.Count(system) + m.counter.Count(user) + m.contentTokens(kept[:len(kept)-1])
		safe := model.SafeMaxOutput(promptTokens, SafetyFactor)
		tokensSaved += m.counter.Count(last.Content)
		kept = kept[:len(kept)-1]
		if requested <= safe {
			return FitResult{
				AdjustedOutput: requested,
				Sections:       kept,
				ChunkedParts:   1,
				Decision: &plan.OverflowDecision{
					Strategy:       plan.StrategyRerankChunks,
					QualityFactor:  0.95,
					TokensSaved:    tokensSaved,
					ResidualBudget: safe - requested,
				},
			}, true
		}
	}
	return FitResult{}, false
}

// trySummarize replaces each evidence section's content with a
// key-sentence, rule-based summary (the first two sentences), reducing
// token count while keeping every citation anchor alive.
func (m *Manager) trySummarize(model plan.ModelSpec, system, user string, sections []Section, requested int) (FitResult, bool) {
	summarized := append([]Section(nil), sections...)
	tokensSaved := 0
	for i, s := range summarized {
		if s.Kind != "evidence" || s.Summary != "" {
			continue
		}
		sum := firstSentences(s.Content, 2)
		tokensSaved += m.counter.Count(s.Content) - m.counter.Count(sum)
		summarized[i].Summary = sum
	}

	promptTokens := m.counter.Count(system) + m.counter.Count(user) + m.contentTokens(summarized)
	safe := model.SafeMaxOutput(promptTokens, SafetyFactor)
	if requested > safe {
		return FitResult{}, false
	}
	return FitResult{
		AdjustedOutput: requested,
		Sections:       summarized,
		ChunkedParts:   1,
		Decision: &plan.OverflowDecision{
			Strategy:       plan.StrategySummarize,
			QualityFactor:  0.80,
			TokensSaved:    tokensSaved,
			ResidualBudget: safe - requested,
		},
	}, true
}

// tryReduceAgents drops the lowest-priority agent contribution, one at a
// time, applying a 0.85-per-removal quality penalty, per spec.md §4.8.
func (m *Manager) tryReduceAgents(model plan.ModelSpec, system, user string, sections []Section, requested int) (FitResult, bool) {
	kept := append([]Section(nil), sections...)
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })

	removed := 0
	tokensSaved := 0
	for {
		idx := -1
		for i := len(kept) - 1; i >= 0; i-- {
			if kept[i].Kind == "agent" {
				idx = i
				break
			}
		}
		if idx < 0 {
			return FitResult{}, false
		}
		tokensSaved += m.counter.Count(kept[idx].Content)
		kept = append(kept[:idx], kept[idx+1:]...)
		removed++

		promptTokens := m.counter.Count(system) + m.counter.Count(user) + m.contentTokens(kept)
		safe := model.SafeMaxOutput(promptTokens, SafetyFactor)
		if requested <= safe {
			quality := 1.0
			for i := 0; i < removed; i++ {
				quality *= 0.85
			}
			return FitResult{
				AdjustedOutput: requested,
				Sections:       kept,
				ChunkedParts:   1,
				Decision: &plan.OverflowDecision{
					Strategy:       plan.StrategyReduceAgents,
					QualityFactor:  quality,
					TokensSaved:    tokensSaved,
					ResidualBudget: safe - requested,
				},
			}, true
		}
	}
}

// chunkedResponse is the last-resort strategy: the answer is split
// across multiple turns instead of trimming any content, quality 1.00.
func (m *Manager) chunkedResponse(model plan.ModelSpec, system, user string, sections []Section, requested int) FitResult {
	promptTokens := m.counter.Count(system) + m.counter.Count(user) + m.contentTokens(sections)
	safe := model.SafeMaxOutput(promptTokens, SafetyFactor)
	if safe <= 0 {
		safe = requested / 4
		if safe <= 0 {
			safe = 1
		}
	}
	parts := (requested + safe - 1) / safe
	if parts < 1 {
		parts = 1
	}
	return FitResult{
		AdjustedOutput: safe,
		Sections:       sections,
		ChunkedParts:   parts,
		Decision: &plan.OverflowDecision{
			Strategy:       plan.StrategyChunkedResponse,
			QualityFactor:  1.0,
			TokensSaved:    0,
			ResidualBudget: 0,
		},
	}
}

func firstSentences(text string, n int) string {
	parts := strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' })
	if len(parts) <= n {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.Join(parts[:n], ".") + ".")
}
