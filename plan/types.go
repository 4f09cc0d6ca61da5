// Package plan defines the shared data model exchanged between every
// pipeline component: queries, intent records, token budgets, evidence
// chunks, research plans and steps, citations, and the model/overflow
// records consumed by the context-window manager. Centralising the
// vocabulary here mirrors the teacher's orchestration/interfaces.go,
// which plays the same role for its workflow engine.
package plan

import "time"

// Status is the lifecycle state of a Query or a Plan.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Query is the unit of work submitted to the pipeline.
type Query struct {
	RequestID    string    `json:"request_id"`
	SessionID    string    `json:"session_id"`
	UserIdentity string    `json:"user_identity,omitempty"`
	QueryText    string    `json:"query_text"`
	QueryLanguage string   `json:"query_language"`
	CreatedAt    time.Time `json:"created_at"`
	Status       Status    `json:"status"`
}

// IntentClass classifies the kind of answer a query needs (C1).
type IntentClass string

const (
	IntentQuickAnswer IntentClass = "quick_answer"
	IntentExplanation IntentClass = "explanation"
	IntentAnalysis    IntentClass = "analysis"
	IntentResearch    IntentClass = "research"
)

// ClassificationMethod records how an IntentRecord was produced.
type ClassificationMethod string

const (
	MethodRule   ClassificationMethod = "rule"
	MethodLLM    ClassificationMethod = "llm"
	MethodHybrid ClassificationMethod = "hybrid"
)

// QuestionType is the grammatical shape of the query.
type QuestionType string

const (
	QuestionWhat     QuestionType = "what"
	QuestionWho      QuestionType = "who"
	QuestionWhere    QuestionType = "where"
	QuestionWhen     QuestionType = "when"
	QuestionHow      QuestionType = "how"
	QuestionWhy      QuestionType = "why"
	QuestionWhich    QuestionType = "which"
	QuestionHowMuch  QuestionType = "how_much"
	QuestionStatement QuestionType = "statement"
)

// Entity is a typed span extracted from the query text.
type Entity struct {
	Type  string `json:"type"` // date, amount, section_reference, place, org
	Value string `json:"value"`
}

// IntentRecord is the output of the Intent & Complexity Analyser (C1).
type IntentRecord struct {
	IntentClass     IntentClass           `json:"intent_class"`
	Confidence      float64               `json:"confidence"`
	Method          ClassificationMethod  `json:"method"`
	ComplexityScore float64               `json:"complexity_score"` // 1..10
	DetectedDomains []string              `json:"detected_domains"`
	QuestionType    QuestionType          `json:"question_type"`
	Entities        []Entity              `json:"entities"`
}

// BudgetStage names one of the three snapshots recorded across a
// request's lifetime.
type BudgetStage string

const (
	StageInitial       BudgetStage = "initial"
	StagePostRetrieval BudgetStage = "post_retrieval"
	StageFinal         BudgetStage = "final"
)

// BudgetSnapshot is an immutable record of one token-budget calculation
// (C2), including the full factor breakdown for observability.
type BudgetSnapshot struct {
	Stage            BudgetStage `json:"stage"`
	BaseTokens        int        `json:"base_tokens"`
	ComplexityFactor  float64    `json:"complexity_factor"`
	ChunkBonus        float64    `json:"chunk_bonus"`
	SourceMultiplier  float64    `json:"source_multiplier"`
	AgentFactor       float64    `json:"agent_factor"`
	IntentWeight      float64    `json:"intent_weight"`
	UserPreference    float64    `json:"user_preference"`
	ConfidenceAdj     float64    `json:"confidence_adjustment"`
	Allocated         int        `json:"allocated"`
	ComputedAt        time.Time  `json:"computed_at"`
}

// TokenBudget aggregates the stage history for one request plus the
// currently active allocation and overflow decision, if any.
type TokenBudget struct {
	Allocated        int               `json:"allocated"`
	History          []BudgetSnapshot  `json:"history"`
	OverflowDecision *OverflowDecision `json:"overflow_decision,omitempty"`
}

// EvidenceSource names the retrieval backend that produced a chunk.
type EvidenceSource string

const (
	SourceVector EvidenceSource = "vector"
	SourceSparse EvidenceSource = "sparse"
	SourceGraph  EvidenceSource = "graph"
)

// ChunkMetadata carries citation-relevant bibliographic fields.
type ChunkMetadata struct {
	Title  string   `json:"title,omitempty"`
	Author string   `json:"author,omitempty"`
	Year   int      `json:"year,omitempty"`
	Page   int      `json:"page,omitempty"`
	URL    string   `json:"url,omitempty"`
	Domain string   `json:"domain,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// EvidenceChunk is one retrieved, ranked passage (C3). Unique per
// (DocumentID, ChunkID) within a single retrieval call.
type EvidenceChunk struct {
	ChunkID     string         `json:"chunk_id"`
	DocumentID  string         `json:"document_id"`
	Content     string         `json:"content"`
	Metadata    ChunkMetadata  `json:"metadata"`
	Source      EvidenceSource `json:"source"`
	RawScore    float64        `json:"raw_score"`
	RRFRank     int            `json:"rrf_rank"`
	FusedScore  float64        `json:"fused_score"`
	RerankScore *float64       `json:"rerank_score,omitempty"`
	Confidence  float64        `json:"confidence"`
}

// Key identifies a chunk for deduplication purposes.
func (c EvidenceChunk) Key() string {
	return c.DocumentID + "\x00" + c.ChunkID
}

// SecurityLevel orders plan/artefact confidentiality.
type SecurityLevel string

const (
	SecurityPublic       SecurityLevel = "public"
	SecurityInternal     SecurityLevel = "internal"
	SecurityConfidential SecurityLevel = "confidential"
	SecuritySecret       SecurityLevel = "secret"
)

var securityRank = map[SecurityLevel]int{
	SecurityPublic:       0,
	SecurityInternal:     1,
	SecurityConfidential: 2,
	SecuritySecret:       3,
}

// AtLeast reports whether s is at least as restrictive as other, enforcing
// the invariant that every stored artefact's security level is >= its
// plan's.
func (s SecurityLevel) AtLeast(other SecurityLevel) bool {
	return securityRank[s] >= securityRank[other]
}

// StepType enumerates the kind of work a step performs.
type StepType string

const (
	StepSearch      StepType = "search"
	StepRetrieval   StepType = "retrieval"
	StepAnalysis    StepType = "analysis"
	StepSynthesis   StepType = "synthesis"
	StepComparison  StepType = "comparison"
	StepCalculation StepType = "calculation"
	StepValidation  StepType = "validation"
	StepAggregation StepType = "aggregation"
)

// StepStatus is a step's lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one atomic unit of work within a Plan's flat step graph.
type Step struct {
	StepID             string            `json:"step_id"`
	PlanID             string            `json:"plan_id"`
	Index              int               `json:"index"`
	Name               string            `json:"name"`
	Type               StepType          `json:"type"`
	AgentCapabilityReq []string          `json:"agent_capability_req"`
	Status             StepStatus        `json:"status"`
	Dependencies       []string          `json:"dependencies"`
	ParallelGroup      string            `json:"parallel_group,omitempty"`
	InputRef           string            `json:"input_ref"`
	Result             *StepResult       `json:"result,omitempty"`
	Confidence         float64           `json:"confidence"`
	QualityScore       float64           `json:"quality_score"`
	Error              string            `json:"error,omitempty"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	ExecutionMS        int64             `json:"execution_ms"`
}

// StepResult is the opaque outcome of one step's execution.
type StepResult struct {
	PlanID     string                 `json:"plan_id"`
	StepID     string                 `json:"step_id"`
	ResultData map[string]interface{} `json:"result_data"`
	Confidence float64                `json:"confidence"`
	Quality    float64                `json:"quality"`
	Sources    []string               `json:"sources,omitempty"`
}

// Plan is the full step graph and metadata persisted for one query.
type Plan struct {
	PlanID             string        `json:"plan_id"`
	ResearchQuestion   string        `json:"research_question"`
	Status             Status        `json:"status"`
	UDS3Databases      []string      `json:"uds3_databases"`
	SecurityLevel      SecurityLevel `json:"security_level"`
	ProgressPercentage float64       `json:"progress_percentage"`
	TotalSteps         int           `json:"total_steps"`
	CompletedSteps     int           `json:"completed_steps"`
	Steps              []*Step       `json:"steps"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// RecomputeProgress enforces the spec's loop invariant:
// completed_steps <= total_steps and progress = completed/total*100,
// rounded to 0.01.
func (p *Plan) RecomputeProgress() {
	p.TotalSteps = len(p.Steps)
	completed := 0
	for _, s := range p.Steps {
		if s.Status == StepCompleted || s.Status == StepFailed || s.Status == StepSkipped {
			completed++
		}
	}
	if completed > p.TotalSteps {
		completed = p.TotalSteps
	}
	p.CompletedSteps = completed
	if p.TotalSteps == 0 {
		p.ProgressPercentage = 0
		return
	}
	raw := float64(p.CompletedSteps) / float64(p.TotalSteps) * 100
	p.ProgressPercentage = float64(int(raw*100+0.5)) / 100
}

// LogEventType enumerates execution_log entry kinds.
type LogEventType string

const (
	LogStepStarted    LogEventType = "step_started"
	LogStepCompleted  LogEventType = "step_completed"
	LogStepFailed     LogEventType = "step_failed"
	LogStepSkipped    LogEventType = "step_skipped"
	LogPlanTransition LogEventType = "plan_transition"
	LogError          LogEventType = "error"
)

// ExecutionLogEntry is one append-only audit record.
type ExecutionLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType LogEventType           `json:"event_type"`
	PlanID    string                 `json:"plan_id"`
	StepID    string                 `json:"step_id,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// SourceKind is the medium a cited source originates from.
type SourceKind string

const (
	SourcePDF     SourceKind = "pdf"
	SourceWeb     SourceKind = "web"
	SourceBook    SourceKind = "book"
	SourceDB      SourceKind = "db"
	SourceGeneric SourceKind = "generic"
)

// Source is one IEEE-formatted reference entry in an Answer.
type Source struct {
	SourceID   string     `json:"source_id"`
	Number     int        `json:"number"` // 1..N, first-appearance order
	Kind       SourceKind `json:"kind"`
	Formatted  string     `json:"formatted"` // IEEE reference string
	DocumentID string     `json:"document_id,omitempty"`
	URL        string     `json:"url,omitempty"`
}

// ModelSpec describes one LLM's addressable window (C8 input).
type ModelSpec struct {
	ModelName     string `json:"model_name"`
	ContextWindow int    `json:"context_window"`
	Notes         string `json:"notes,omitempty"`
}

// SafeMaxOutput computes floor(context_window*safetyFactor) - promptTokens,
// never returning less than zero.
func (m ModelSpec) SafeMaxOutput(promptTokens int, safetyFactor float64) int {
	safe := int(float64(m.ContextWindow)*safetyFactor) - promptTokens
	if safe < 0 {
		return 0
	}
	return safe
}

// OverflowStrategy is the tactic chosen when requested output exceeds a
// model's safe window (C8).
type OverflowStrategy string

const (
	StrategyRerankChunks    OverflowStrategy = "rerank_chunks"
	StrategySummarize       OverflowStrategy = "summarize_context"
	StrategyReduceAgents    OverflowStrategy = "reduce_agents"
	StrategyChunkedResponse OverflowStrategy = "chunked_response"
)

// OverflowDecision records which overflow strategy was applied and its
// effect, attached to the budget snapshot (C8).
type OverflowDecision struct {
	Strategy       OverflowStrategy `json:"strategy"`
	QualityFactor  float64          `json:"quality_factor"`
	TokensSaved    int              `json:"tokens_saved"`
	ResidualBudget int              `json:"residual_budget"`
}

// Answer is the synthesiser's output (C7).
type Answer struct {
	Content  string         `json:"content"`
	Sources  []Source       `json:"sources"`
	Metadata AnswerMetadata `json:"metadata"`
	Error    string         `json:"error,omitempty"`
}

// AnswerMetadata carries the aggregate timings/budgets of the answer.
type AnswerMetadata struct {
	Model           string  `json:"model"`
	Intent          IntentClass `json:"intent"`
	Complexity      float64 `json:"complexity"`
	DurationMS      int64   `json:"duration_ms"`
	AllocatedTokens int     `json:"allocated_tokens"`
	Breakdown       BudgetSnapshot `json:"breakdown"`
}
