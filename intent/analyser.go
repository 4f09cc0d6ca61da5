// Package intent implements the Intent & Complexity Analyser (C1): it
// classifies a query into an intent class and complexity score and
// extracts domain hints, falling back from an LLM classification to a
// rule-only one whenever the model is slow, unavailable, or returns
// malformed output. The analyser never fails outright — the worst case
// is a low-confidence rule-only IntentRecord.
package intent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/llm"
	"github.com/veritas-project/veritas/plan"
)

// DomainWeight boosts complexity scoring for a vocabulary set, e.g.
// administrative-law terms score higher than everyday words.
type DomainWeight struct {
	Domain   string
	Keywords []string
	Weight   float64
}

// Config tunes the analyser's rule stage and LLM fallback.
type Config struct {
	// LLMConfidenceThreshold: below this rule-stage confidence, attempt
	// the LLM fallback classification (if a client is configured).
	LLMConfidenceThreshold float64
	LLMTimeout             time.Duration
	DomainWeights          []DomainWeight
}

// DefaultConfig mirrors the teacher's env-var-then-default construction
// pattern; the analyser has no required external configuration so every
// field here is a literal default rather than env-sourced.
func DefaultConfig() Config {
	return Config{
		LLMConfidenceThreshold: 0.7,
		LLMTimeout:             3 * time.Second,
		DomainWeights: []DomainWeight{
			{
				Domain: "administrative_law",
				Weight: 1.5,
				Keywords: []string{
					"verwaltungsverfahren", "ermessen", "behörde", "bescheid",
					"widerspruch", "vwvfg", "verwaltungsakt", "rechtsbehelf",
				},
			},
			{
				Domain: "environmental",
				Weight: 1.3,
				Keywords: []string{
					"immissionsschutz", "umwelt", "emission", "naturschutz",
					"bimschg", "abfall", "gewässer",
				},
			},
			{
				Domain: "building_law",
				Weight: 1.3,
				Keywords: []string{
					"baugenehmigung", "bauordnung", "lbo", "bebauungsplan",
				},
			},
		},
	}
}

type intentRule struct {
	class    plan.IntentClass
	patterns []*regexp.Regexp
	weight   float64
}

type questionRule struct {
	qtype    plan.QuestionType
	patterns []*regexp.Regexp
}

// Analyser is the stateless (thread-safe, read-mostly) C1 implementation.
type Analyser struct {
	cfg       Config
	llmClient llm.Client
	logger    core.Logger
	telemetry core.Telemetry

	intentRules   []intentRule
	questionRules []questionRule
	entityRules   []*regexp.Regexp
}

// Option configures an Analyser at construction time.
type Option func(*Analyser)

// WithLLMClient injects the optional LLM fallback client.
func WithLLMClient(c llm.Client) Option { return func(a *Analyser) { a.llmClient = c } }

// WithLogger injects a component-scoped logger.
func WithLogger(l core.Logger) Option { return func(a *Analyser) { a.logger = l } }

// WithTelemetry injects a telemetry sink.
func WithTelemetry(t core.Telemetry) Option { return func(a *Analyser) { a.telemetry = t } }

// New builds an Analyser from cfg and the given options. llmClient may be
// nil, in which case the analyser always falls back to method=rule.
func New(cfg Config, opts ...Option) *Analyser {
	a := &Analyser{
		cfg:       cfg,
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	for _, o := range opts {
		o(a)
	}
	if cal, ok := a.logger.(core.ComponentAwareLogger); ok {
		a.logger = cal.WithComponent("pipeline/intent")
	}
	a.intentRules = buildIntentRules()
	a.questionRules = buildQuestionRules()
	a.entityRules = buildEntityRules()
	return a
}

func buildIntentRules() []intentRule {
	mustC := func(exprs ...string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, 0, len(exprs))
		for _, e := range exprs {
			out = append(out, regexp.MustCompile(e))
		}
		return out
	}
	return []intentRule{
		{
			class:  plan.IntentResearch,
			weight: 2.0,
			patterns: mustC(
				`\banalysiere\b`, `\bvergleiche\b`, `\brechtsprechung\b`,
				`\bforschung\b`, `\bumfassend\b`, `\bdetailliert\b`,
			),
		},
		{
			class:  plan.IntentAnalysis,
			weight: 1.6,
			patterns: mustC(
				`\bwarum\b`, `\binwiefern\b`, `\bwie ist .* zu beurteilen\b`,
				`\bbewerte\b`, `\bermessen\b`, `\bfehler\b`,
			),
		},
		{
			class:  plan.IntentExplanation,
			weight: 1.2,
			patterns: mustC(
				`\berkläre\b`, `\berläutere\b`, `\bwie funktioniert\b`, `\bwas bedeutet\b`,
			),
		},
		{
			class:  plan.IntentQuickAnswer,
			weight: 1.0,
			patterns: mustC(
				`^was ist\b`, `^wer ist\b`, `^wann\b`, `\?$`,
			),
		},
	}
}

func buildQuestionRules() []questionRule {
	mustC := func(exprs ...string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, 0, len(exprs))
		for _, e := range exprs {
			out = append(out, regexp.MustCompile(e))
		}
		return out
	}
	return []questionRule{
		{plan.QuestionWhat, mustC(`\bwas\b`, `\bwhat\b`)},
		{plan.QuestionWho, mustC(`\bwer\b`, `\bwho\b`)},
		{plan.QuestionWhere, mustC(`\bwo\b`, `\bwhere\b`)},
		{plan.QuestionWhen, mustC(`\bwann\b`, `\bwhen\b`)},
		{plan.QuestionHowMuch, mustC(`\bwie viel\b`, `\bwieviel\b`, `\bhow much\b`)},
		{plan.QuestionHow, mustC(`\bwie\b`, `\bhow\b`)},
		{plan.QuestionWhy, mustC(`\bwarum\b`, `\bweshalb\b`, `\bwhy\b`)},
		{plan.QuestionWhich, mustC(`\bwelche[rs]?\b`, `\bwhich\b`)},
	}
}

func buildEntityRules() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`§\s*\d+[a-z]?\s+[A-Za-zÄÖÜäöüß]+(\s+[A-Z]{2,4})?`), // section refs
		regexp.MustCompile(`\b\d{1,2}\.\d{1,2}\.\d{2,4}\b`),                    // dates
		regexp.MustCompile(`\b\d+[.,]?\d*\s?(€|EUR|Euro)\b`),                   // amounts
	}
}

// classificationSchema is the fixed JSON schema the LLM fallback prompt
// constrains its output to, per spec §4.1.
type classificationSchema struct {
	IntentClass     string   `json:"intent_class"`
	Confidence      float64  `json:"confidence"`
	ComplexityScore float64  `json:"complexity_score"`
	DetectedDomains []string `json:"detected_domains"`
}

// Analyse classifies query_text and never returns an error: on any
// failure it degrades to the rule-only result already computed.
func (a *Analyser) Analyse(ctx context.Context, queryText, language string) plan.IntentRecord {
	ctx, span := a.telemetry.StartSpan(ctx, "intent.analyse")
	defer span.End()

	trimmed := strings.TrimSpace(queryText)
	if trimmed == "" {
		return plan.IntentRecord{
			IntentClass:     plan.IntentQuickAnswer,
			Confidence:      0,
			Method:          plan.MethodRule,
			ComplexityScore: 1,
			QuestionType:    plan.QuestionStatement,
		}
	}

	rec := a.ruleStage(trimmed, language)

	if rec.Confidence < a.cfg.LLMConfidenceThreshold && a.llmClient != nil {
		if refined, ok := a.llmFallback(ctx, trimmed, language, rec); ok {
			return refined
		}
	}
	return rec
}

func (a *Analyser) ruleStage(text, language string) plan.IntentRecord {
	normalized := strings.ToLower(text)

	bestClass := plan.IntentQuickAnswer
	bestScore := 0.0
	totalHits := 0
	for _, rule := range a.intentRules {
		hits := 0
		for _, p := range rule.patterns {
			if p.MatchString(normalized) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := float64(hits) * rule.weight
		totalHits += hits
		if score > bestScore {
			bestScore = score
			bestClass = rule.class
		}
	}

	qtype := plan.QuestionStatement
	for _, rule := range a.questionRules {
		for _, p := range rule.patterns {
			if p.MatchString(normalized) {
				qtype = rule.qtype
				break
			}
		}
		if qtype != plan.QuestionStatement {
			break
		}
	}

	domainScore, domains := a.scoreDomains(normalized)
	complexity := a.complexityScore(text, domainScore)
	confidence := ruleConfidence(bestScore, totalHits)

	return plan.IntentRecord{
		IntentClass:     bestClass,
		Confidence:      confidence,
		Method:          plan.MethodRule,
		ComplexityScore: complexity,
		DetectedDomains: domains,
		QuestionType:    qtype,
		Entities:        a.extractEntities(text),
	}
}

func ruleConfidence(bestScore float64, totalHits int) float64 {
	if totalHits == 0 {
		return 0.3 // no keyword matched anything; weak default guess
	}
	c := 0.5 + bestScore/10
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func (a *Analyser) scoreDomains(normalized string) (float64, []string) {
	var domains []string
	total := 0.0
	for _, dw := range a.cfg.DomainWeights {
		hits := 0
		for _, kw := range dw.Keywords {
			if strings.Contains(normalized, kw) {
				hits++
			}
		}
		if hits > 0 {
			domains = append(domains, dw.Domain)
			total += float64(hits) * dw.Weight
		}
	}
	return total, domains
}

// complexityScore maps domain-weighted keyword sum, sentence count,
// clause length, enumeration presence and interrogative depth onto
// 1..10, per spec §4.1.
func (a *Analyser) complexityScore(text string, domainScore float64) float64 {
	sentences := countSentences(text)
	clauses := countClauses(text)
	hasEnumeration := strings.Contains(text, ";") || strings.Contains(text, "\n-") ||
		regexp.MustCompile(`\b\d\.\s`).MatchString(text)
	interrogatives := strings.Count(text, "?")

	score := 1.0
	score += float64(sentences-1) * 1.2
	score += float64(clauses) * 0.6
	score += domainScore * 0.8
	if hasEnumeration {
		score += 1.0
	}
	if interrogatives > 1 {
		score += float64(interrogatives-1) * 0.5
	}
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

func countSentences(text string) int {
	n := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

func countClauses(text string) int {
	n := strings.Count(text, ",") + strings.Count(text, " und ") + strings.Count(text, " dass ")
	return n
}

func (a *Analyser) extractEntities(text string) []plan.Entity {
	var entities []plan.Entity
	kinds := []string{"section_reference", "date", "amount"}
	for i, rule := range a.entityRules {
		for _, m := range rule.FindAllString(text, -1) {
			entities = append(entities, plan.Entity{Type: kinds[i], Value: strings.TrimSpace(m)})
		}
	}
	return entities
}

// llmFallback issues a structured classification prompt constrained to a
// fixed JSON schema; on timeout or malformed output it signals ok=false
// so the caller keeps the rule result, per spec §4.1.
func (a *Analyser) llmFallback(ctx context.Context, text, language string, ruleResult plan.IntentRecord) (plan.IntentRecord, bool) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.LLMTimeout)
	defer cancel()

	prompt := buildClassificationPrompt(text, language)
	resp, err := a.llmClient.Generate(ctx, llm.Request{
		SystemPrompt: "You are a strict JSON classifier. Respond with JSON only, matching the requested schema.",
		Prompt:       prompt,
		MaxTokens:    200,
		Temperature:  0,
	})
	if err != nil {
		a.logger.Warn("llm intent fallback failed, keeping rule result", map[string]interface{}{"error": err.Error()})
		return plan.IntentRecord{}, false
	}

	var parsed classificationSchema
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		a.logger.Warn("llm intent fallback returned malformed json", map[string]interface{}{"error": err.Error()})
		return plan.IntentRecord{}, false
	}
	class := plan.IntentClass(parsed.IntentClass)
	if !validIntentClass(class) {
		return plan.IntentRecord{}, false
	}

	out := ruleResult
	out.IntentClass = class
	out.Confidence = clamp01(parsed.Confidence)
	out.Method = plan.MethodHybrid
	if parsed.ComplexityScore >= 1 && parsed.ComplexityScore <= 10 {
		out.ComplexityScore = parsed.ComplexityScore
	}
	if len(parsed.DetectedDomains) > 0 {
		out.DetectedDomains = parsed.DetectedDomains
	}
	return out, true
}

func validIntentClass(c plan.IntentClass) bool {
	switch c {
	case plan.IntentQuickAnswer, plan.IntentExplanation, plan.IntentAnalysis, plan.IntentResearch:
		return true
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func buildClassificationPrompt(text, language string) string {
	var b strings.Builder
	b.WriteString("Classify the following query (language: ")
	b.WriteString(language)
	b.WriteString("). Return JSON: {\"intent_class\": one of quick_answer|explanation|analysis|research, ")
	b.WriteString("\"confidence\": 0..1, \"complexity_score\": 1..10, \"detected_domains\": [string]}.\n\nQuery: ")
	b.WriteString(text)
	return b.String()
}

// extractJSON trims any prose wrapped around a JSON object, tolerating
// models that ignore the "JSON only" instruction.
func extractJSON(s string) string {
	start := strings.IndexRune(s, '{')
	end := strings.LastIndexFunc(s, func(r rune) bool { return r == '}' })
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
