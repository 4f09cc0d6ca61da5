// Package synthesis implements the LLM Synthesiser (C7): it assembles a
// system/evidence/agent-result/task prompt, calls the LLM client, and
// enforces that every {cite:source_id} marker resolves to exactly one
// source before returning an Answer. Grounded on the teacher's
// orchestration/synthesizer.go (AISynthesizer.buildSynthesisPrompt's
// section-by-section prompt assembly) and prompt_builder.go, adapted
// from free-text agent responses to this spec's citation-anchored
// Answer contract.
package synthesis

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/veritas-project/veritas/agents"
	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/llm"
	"github.com/veritas-project/veritas/plan"
	"github.com/veritas-project/veritas/telemetry"
)

// AgentContribution is one agent's normalised key points, attached to
// the sources it drew on, per spec.md §4.7's agent-result block.
type AgentContribution struct {
	AgentID    string
	KeyPoints  string
	SourceIDs  []string
}

// Request bundles everything the synthesiser needs, per spec.md §4.7's
// synthesise(query, evidence, agent_results, intent, budget_snapshot,
// model_name) contract.
type Request struct {
	Query         string
	Evidence      []plan.EvidenceChunk
	AgentResults  []AgentContribution
	Intent        plan.IntentRecord
	Budget        plan.BudgetSnapshot
	ModelName     string
	MaxOutputTokens int
	Language      string // BCP-47, defaults to "de"
	FormFields    map[string]interface{}
}

var citeMarker = regexp.MustCompile(`\{cite:([^}]+)\}`)

// Synthesiser is the C7 component.
type Synthesiser struct {
	client    llm.Client
	logger    core.Logger
	telemetry core.Telemetry
}

// Option configures a Synthesiser at construction.
type Option func(*Synthesiser)

func WithLLMClient(c llm.Client) Option  { return func(s *Synthesiser) { s.client = c } }
func WithLogger(l core.Logger) Option    { return func(s *Synthesiser) { s.logger = l } }
func WithTelemetry(t core.Telemetry) Option { return func(s *Synthesiser) { s.telemetry = t } }

// New builds a Synthesiser.
func New(opts ...Option) *Synthesiser {
	s := &Synthesiser{logger: &core.NoOpLogger{}, telemetry: &core.NoOpTelemetry{}}
	for _, o := range opts {
		o(s)
	}
	if cal, ok := s.logger.(core.ComponentAwareLogger); ok {
		s.logger = cal.WithComponent("pipeline/synthesis")
	}
	return s
}

func (s *Synthesiser) systemPrompt(lang string) string {
	if lang == "" {
		lang = "de"
	}
	return fmt.Sprintf(
		"You are a careful administrative-law research assistant. Answer in %s. "+
			"Cite every factual claim with a {cite:<source_id>} marker placed at the claim boundary, "+
			"using only the source_ids given in the evidence and agent-result blocks below. "+
			"Never invent a source_id and never state a claim without a citation.", lang)
}

func (s *Synthesiser) evidenceBlock(evidence []plan.EvidenceChunk) string {
	var b strings.Builder
	b.WriteString("Evidence:\n")
	for _, c := range evidence {
		fmt.Fprintf(&b, "[%s] %s\n", c.ChunkID, c.Content)
	}
	return b.String()
}

func (s *Synthesiser) agentResultBlock(results []AgentContribution) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Agent findings:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "Agent %s (sources: %s): %s\n", r.AgentID, strings.Join(r.SourceIDs, ", "), r.KeyPoints)
	}
	return b.String()
}

func (s *Synthesiser) taskBlock(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", req.Query)
	if len(req.FormFields) > 0 {
		fmt.Fprintf(&b, "User-supplied clarifications: %v\n", req.FormFields)
	}
	return b.String()
}

// knownSourceIDs collects every source_id the model is allowed to cite.
func knownSourceIDs(req Request) map[string]bool {
	ids := make(map[string]bool, len(req.Evidence))
	for _, c := range req.Evidence {
		ids[c.ChunkID] = true
	}
	for _, r := range req.AgentResults {
		for _, id := range r.SourceIDs {
			ids[id] = true
		}
	}
	return ids
}

// noEvidenceContent is the canned response spec.md §8's boundary
// behaviour requires when retrieval returns zero chunks and no agent
// contributed a result: the LLM is then never called, so there is
// nothing it could cite.
const noEvidenceContent = "I found no evidence in the available sources to answer this question."

// Synthesise implements spec.md §4.7. On an unresolved citation marker
// it fails loudly with a DataIntegrity-kind PipelineError — it never
// silently drops the marker.
func (s *Synthesiser) Synthesise(ctx context.Context, req Request) (plan.Answer, error) {
	ctx, span := s.telemetry.StartSpan(ctx, "synthesis.Synthesise")
	defer span.End()
	start := time.Now()

	if len(req.Evidence) == 0 && len(req.AgentResults) == 0 {
		s.logger.Info("no evidence retrieved, skipping LLM call", map[string]interface{}{"query": req.Query})
		return plan.Answer{
			Content: noEvidenceContent,
			Sources: []plan.Source{},
			Metadata: plan.AnswerMetadata{
				Model:           req.ModelName,
				Intent:          req.Intent.IntentClass,
				Complexity:      req.Intent.ComplexityScore,
				DurationMS:      time.Since(start).Milliseconds(),
				AllocatedTokens: req.Budget.Allocated,
				Breakdown:       req.Budget,
			},
		}, nil
	}

	userPrompt := s.taskBlock(req) + "\n" + s.evidenceBlock(req.Evidence) + "\n" + s.agentResultBlock(req.AgentResults)
	systemPrompt := s.systemPrompt(req.Language)

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = req.Budget.Allocated
	}

	resp, err := s.client.Generate(ctx, llm.Request{
		Model:        req.ModelName,
		SystemPrompt: systemPrompt,
		Prompt:       userPrompt,
		MaxTokens:    maxTokens,
		Temperature:  0.2,
	})
	if err != nil {
		span.RecordError(err)
		return plan.Answer{}, core.NewPipelineError("synthesis.Synthesise", core.KindResourceUnavailable, err)
	}

	answer, err := s.buildAnswer(resp.Content, req, start)
	s.telemetry.RecordMetric(telemetry.MetricSynthesisDuration, float64(time.Since(start).Milliseconds()), map[string]string{"model": req.ModelName})
	if err != nil {
		s.telemetry.RecordMetric(telemetry.MetricUnresolvedCitation, 1, map[string]string{"model": req.ModelName})
		span.RecordError(err)
		return plan.Answer{Content: "", Error: "unresolved_citation"}, err
	}
	s.telemetry.RecordMetric(telemetry.MetricSynthesisTokensUsed, float64(resp.CompletionTokens), map[string]string{"model": req.ModelName})
	return answer, nil
}

// buildAnswer validates every {cite:...} marker resolves to a known
// source and builds the ordered Source list in first-appearance order,
// numbering sources 1..N contiguously, per spec.md §4.7. The markers in
// the returned content are left as {cite:source_id}.
func (s *Synthesiser) buildAnswer(content string, req Request, start time.Time) (plan.Answer, error) {
	known := knownSourceIDs(req)
	chunkByID := make(map[string]plan.EvidenceChunk, len(req.Evidence))
	for _, c := range req.Evidence {
		chunkByID[c.ChunkID] = c
	}

	order := make([]string, 0)
	seen := make(map[string]int) // source_id -> assigned number
	for _, m := range citeMarker.FindAllStringSubmatch(content, -1) {
		id := m[1]
		if !known[id] {
			return plan.Answer{}, core.NewPipelineError("synthesis.buildAnswer", core.KindDataIntegrity, core.ErrUnresolvedCitation).WithID(id)
		}
		if _, ok := seen[id]; !ok {
			seen[id] = len(order) + 1
			order = append(order, id)
		}
	}

	sources := make([]plan.Source, 0, len(order))
	for _, id := range order {
		if chunk, ok := chunkByID[id]; ok {
			sources = append(sources, plan.Source{
				SourceID:   id,
				Number:     seen[id],
				Kind:       kindFromMetadata(chunk),
				Formatted:  formatIEEE(seen[id], chunk),
				DocumentID: chunk.DocumentID,
				URL:        chunk.Metadata.URL,
			})
			continue
		}
		sources = append(sources, plan.Source{
			SourceID:  id,
			Number:    seen[id],
			Kind:      plan.SourceGeneric,
			Formatted: fmt.Sprintf("[%d] %s", seen[id], id),
		})
	}

	return plan.Answer{
		Content: content,
		Sources: sources,
		Metadata: plan.AnswerMetadata{
			Model:           req.ModelName,
			Intent:          req.Intent.IntentClass,
			Complexity:      req.Intent.ComplexityScore,
			DurationMS:      time.Since(start).Milliseconds(),
			AllocatedTokens: req.Budget.Allocated,
			Breakdown:       req.Budget,
		},
	}, nil
}

func kindFromMetadata(c plan.EvidenceChunk) plan.SourceKind {
	if c.Metadata.URL != "" {
		return plan.SourceWeb
	}
	if c.Metadata.Page > 0 {
		return plan.SourcePDF
	}
	return plan.SourceGeneric
}

// formatIEEE renders a minimal IEEE-style reference entry:
// [n] Author, "Title," Year. URL
func formatIEEE(n int, c plan.EvidenceChunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] ", n)
	if c.Metadata.Author != "" {
		fmt.Fprintf(&b, "%s, ", c.Metadata.Author)
	}
	if c.Metadata.Title != "" {
		fmt.Fprintf(&b, "\"%s,\" ", c.Metadata.Title)
	} else {
		fmt.Fprintf(&b, "%s, ", c.DocumentID)
	}
	if c.Metadata.Year > 0 {
		fmt.Fprintf(&b, "%d", c.Metadata.Year)
	}
	if c.Metadata.URL != "" {
		fmt.Fprintf(&b, ". %s", c.Metadata.URL)
	}
	return b.String()
}

// ContributionFromStepResult adapts an agent's raw StepResult into the
// normalised block the prompt assembler expects.
func ContributionFromStepResult(agentID string, r agents.StepResult) AgentContribution {
	return AgentContribution{
		AgentID:   agentID,
		KeyPoints: fmt.Sprintf("%v", r.Data),
		SourceIDs: r.Sources,
	}
}
