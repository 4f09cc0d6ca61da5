package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/veritas-project/veritas/llm"
	"github.com/veritas-project/veritas/plan"
)

func TestAnalyse_EmptyQuery(t *testing.T) {
	a := New(DefaultConfig())
	rec := a.Analyse(context.Background(), "", "de")

	assert.Equal(t, plan.IntentQuickAnswer, rec.IntentClass)
	assert.Equal(t, 1.0, rec.ComplexityScore)
	assert.Equal(t, 0.0, rec.Confidence)
	assert.Equal(t, plan.MethodRule, rec.Method)
}

func TestAnalyse_SimpleFactQuery(t *testing.T) {
	a := New(DefaultConfig())
	rec := a.Analyse(context.Background(), "What is a permit?", "en")

	assert.Equal(t, plan.IntentQuickAnswer, rec.IntentClass)
	assert.Equal(t, plan.MethodRule, rec.Method)
	assert.Equal(t, plan.QuestionWhat, rec.QuestionType)
}

func TestAnalyse_ComplexAdministrativeLawAnalysis(t *testing.T) {
	a := New(DefaultConfig())
	q := "Wie ist das Ermessen der Behörde im Verwaltungsverfahren nach VwVfG zu beurteilen? " +
		"Analysiere die Rechtsprechung und erläutere die Ermessensfehler."
	rec := a.Analyse(context.Background(), q, "de")

	assert.Equal(t, plan.IntentResearch, rec.IntentClass, "the 'analysiere' pattern outweighs the single 'erläutere' hit")
	assert.Contains(t, rec.DetectedDomains, "administrative_law")
	assert.GreaterOrEqual(t, rec.ComplexityScore, 5.0)
}

func TestAnalyse_NeverFails_LowConfidenceFallsBackToRuleOnUnavailableLLM(t *testing.T) {
	failing := &llm.MockClient{Responder: func(req llm.Request) (string, error) {
		return "", assert.AnError
	}}
	a := New(DefaultConfig(), WithLLMClient(failing))
	rec := a.Analyse(context.Background(), "xyz qqq zzz", "de")

	assert.Equal(t, plan.MethodRule, rec.Method, "a failing LLM must never change the method away from rule")
}

func TestAnalyse_LLMFallback_UsedWhenRuleConfidenceLow(t *testing.T) {
	mock := &llm.MockClient{Responder: func(req llm.Request) (string, error) {
		return `{"intent_class":"analysis","confidence":0.9,"complexity_score":6,"detected_domains":["environmental"]}`, nil
	}}
	a := New(DefaultConfig(), WithLLMClient(mock))
	rec := a.Analyse(context.Background(), "xyz qqq zzz", "de")

	assert.Equal(t, plan.IntentAnalysis, rec.IntentClass)
	assert.Equal(t, plan.MethodHybrid, rec.Method)
	assert.Equal(t, 0.9, rec.Confidence)
	assert.Equal(t, []string{"environmental"}, rec.DetectedDomains)
}

func TestAnalyse_LLMFallback_MalformedJSONKeepsRuleResult(t *testing.T) {
	mock := &llm.MockClient{Responder: func(req llm.Request) (string, error) {
		return "not json at all", nil
	}}
	a := New(DefaultConfig(), WithLLMClient(mock))
	rec := a.Analyse(context.Background(), "xyz qqq zzz", "de")

	assert.Equal(t, plan.MethodRule, rec.Method)
}

func TestAnalyse_EntityExtraction(t *testing.T) {
	a := New(DefaultConfig())
	rec := a.Analyse(context.Background(), "Gemäß § 58 LBO BW ist der Antrag bis zum 12.03.2024 zu stellen.", "de")

	var found bool
	for _, e := range rec.Entities {
		if e.Type == "section_reference" {
			found = true
		}
	}
	assert.True(t, found, "expected a section_reference entity for '§ 58 LBO BW'")
}

func TestAnalyse_ConfidenceWithinBounds(t *testing.T) {
	a := New(DefaultConfig())
	rec := a.Analyse(context.Background(), "Was ist eine Genehmigung?", "de")

	assert.GreaterOrEqual(t, rec.Confidence, 0.0)
	assert.LessOrEqual(t, rec.Confidence, 1.0)
	assert.GreaterOrEqual(t, rec.ComplexityScore, 1.0)
	assert.LessOrEqual(t, rec.ComplexityScore, 10.0)
}
