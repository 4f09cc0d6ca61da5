package retrieval

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/plan"
	"github.com/veritas-project/veritas/resilience"
	"github.com/veritas-project/veritas/telemetry"
)

// Config tunes the retriever's fan-out and re-ranking behaviour, each
// field an env-overridable knob per spec.md §6.
type Config struct {
	VectorTopK           int  // VERITAS_VECTOR_TOP_K, default 20
	SparseTopK           int  // VERITAS_SPARSE_TOP_K, default 20
	GraphTopK            int  // default 20
	EnableHybridSearch   bool // VERITAS_ENABLE_HYBRID_SEARCH
	EnableSparse         bool // VERITAS_ENABLE_SPARSE
	EnableReranking      bool // VERITAS_ENABLE_RERANKING
	RerankMinChunks      int  // cross-encoder only engages at or above this chunk count
	MaxConcurrentBackends int // bounded fan-out, default 3 per spec §5
	BM25                 BM25Config
	RRF                  RRFConfig
}

// DefaultConfig matches spec.md's documented top-k and fusion defaults.
// Hybrid (graph) search and sparse search start enabled and reranking
// starts disabled; pipeline.Config.RetrievalConfig sets all three flags
// from its own VERITAS_ENABLE_* values.
func DefaultConfig() Config {
	return Config{
		VectorTopK: 20, SparseTopK: 20, GraphTopK: 20,
		EnableHybridSearch: true, EnableSparse: true, EnableReranking: false,
		RerankMinChunks:       5,
		MaxConcurrentBackends: 3,
		BM25:                  DefaultBM25Config(),
		RRF:                   DefaultRRFConfig(),
	}
}

// Retriever is the C3 Hybrid Retriever: a shared, read-mostly resource
// referenced (never owned) by each request's Pipeline, per §4.6/§5.
type Retriever struct {
	cfg Config

	vector   VectorStore
	embedder Embedder
	sparse   SparseIndex
	graph    GraphStore
	rerank   CrossEncoder

	logger    core.Logger
	telemetry core.Telemetry

	// breakers trip per backend so a single ailing data-plane dependency
	// (e.g. the vector store timing out under load) stops being retried
	// on every request and degrades to the remaining sources immediately,
	// per spec.md §4.3 step 6's "graceful degradation" contract.
	breakers map[plan.EvidenceSource]*resilience.CircuitBreaker
}

// Option configures a Retriever at construction time.
type Option func(*Retriever)

func WithVectorStore(v VectorStore, e Embedder) Option {
	return func(r *Retriever) { r.vector = v; r.embedder = e }
}
func WithSparseIndex(s SparseIndex) Option    { return func(r *Retriever) { r.sparse = s } }
func WithGraphStore(g GraphStore) Option      { return func(r *Retriever) { r.graph = g } }
func WithCrossEncoder(c CrossEncoder) Option  { return func(r *Retriever) { r.rerank = c } }
func WithLogger(l core.Logger) Option         { return func(r *Retriever) { r.logger = l } }
func WithTelemetry(t core.Telemetry) Option   { return func(r *Retriever) { r.telemetry = t } }

// New builds a Retriever. Any backend left nil is simply skipped at
// query time, implementing the "graceful degradation" contract of
// spec.md §4.3 step 6 at the construction boundary as well as per-call.
func New(cfg Config, opts ...Option) *Retriever {
	r := &Retriever{cfg: cfg, logger: &core.NoOpLogger{}, telemetry: &core.NoOpTelemetry{}}
	for _, o := range opts {
		o(r)
	}
	if cal, ok := r.logger.(core.ComponentAwareLogger); ok {
		r.logger = cal.WithComponent("pipeline/retrieval")
	}
	r.breakers = map[plan.EvidenceSource]*resilience.CircuitBreaker{
		plan.SourceVector: newBackendBreaker(plan.SourceVector, r.logger),
		plan.SourceSparse: newBackendBreaker(plan.SourceSparse, r.logger),
		plan.SourceGraph:  newBackendBreaker(plan.SourceGraph, r.logger),
	}
	return r
}

// newBackendBreaker never fails: DefaultConfig's Validate invariants are
// satisfied by construction, so the only error path is unreachable here.
func newBackendBreaker(source plan.EvidenceSource, logger core.Logger) *resilience.CircuitBreaker {
	cb, _ := resilience.CreateCircuitBreaker(source, resilience.ResilienceDependencies{Logger: logger})
	return cb
}

// Request bundles a single retrieve() call's inputs, per spec.md §4.3.
type Request struct {
	Query            string
	TopK             int
	Filters          map[string]string
	SourcesRequested []plan.EvidenceSource // empty means "all configured backends"
	Weights          map[plan.EvidenceSource]float64
}

// Result is retrieve()'s output: fused, ordered evidence plus diagnostics
// about which backends were tried and which failed, per spec.md §4.3's
// "diagnostic chunk in metadata" requirement on total failure.
type Result struct {
	Chunks          []plan.EvidenceChunk
	SourcesAttempted []plan.EvidenceSource
	SourcesFailed    map[plan.EvidenceSource]string
	DistinctSources  int
}

func wants(req Request, s plan.EvidenceSource) bool {
	if len(req.SourcesRequested) == 0 {
		return true
	}
	for _, r := range req.SourcesRequested {
		if r == s {
			return true
		}
	}
	return false
}

// Retrieve implements spec.md §4.3's contract: fan out to the configured
// backends (bounded to MaxConcurrentBackends concurrent calls), fuse with
// RRF, optionally re-rank, and return at most req.TopK chunks ordered by
// descending fused_score. It never panics on an empty query — an empty
// query simply yields no lists to fuse and an empty result.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (Result, error) {
	ctx, span := r.telemetry.StartSpan(ctx, "retrieval.retrieve")
	defer span.End()
	start := time.Now()

	topK := req.TopK
	if topK <= 0 {
		topK = r.cfg.VectorTopK
	}

	result := Result{SourcesFailed: make(map[plan.EvidenceSource]string)}
	if req.Query == "" {
		return result, nil
	}

	var lists []rankedList
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrentBackends)

	if r.vector != nil && r.embedder != nil && wants(req, plan.SourceVector) {
		result.SourcesAttempted = append(result.SourcesAttempted, plan.SourceVector)
		g.Go(func() error {
			var list rankedList
			err := r.breakers[plan.SourceVector].Execute(gctx, func() error {
				var innerErr error
				list, innerErr = r.searchVector(gctx, req, topK)
				return innerErr
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("vector backend failed, skipping", map[string]interface{}{"error": err.Error()})
				r.telemetry.RecordMetric(telemetry.MetricRetrievalBackendKO, 1, map[string]string{"source": string(plan.SourceVector)})
				result.SourcesFailed[plan.SourceVector] = err.Error()
				return nil
			}
			lists = append(lists, list)
			return nil
		})
	}

	if r.sparse != nil && r.cfg.EnableSparse && wants(req, plan.SourceSparse) {
		result.SourcesAttempted = append(result.SourcesAttempted, plan.SourceSparse)
		g.Go(func() error {
			var list rankedList
			err := r.breakers[plan.SourceSparse].Execute(gctx, func() error {
				var innerErr error
				list, innerErr = r.searchSparse(gctx, req, topK)
				return innerErr
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("sparse backend failed, skipping", map[string]interface{}{"error": err.Error()})
				r.telemetry.RecordMetric(telemetry.MetricRetrievalBackendKO, 1, map[string]string{"source": string(plan.SourceSparse)})
				result.SourcesFailed[plan.SourceSparse] = err.Error()
				return nil
			}
			lists = append(lists, list)
			return nil
		})
	}

	if r.graph != nil && r.cfg.EnableHybridSearch && wants(req, plan.SourceGraph) {
		result.SourcesAttempted = append(result.SourcesAttempted, plan.SourceGraph)
		g.Go(func() error {
			var list rankedList
			err := r.breakers[plan.SourceGraph].Execute(gctx, func() error {
				var innerErr error
				list, innerErr = r.searchGraph(gctx, req, topK)
				return innerErr
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("graph backend failed, skipping", map[string]interface{}{"error": err.Error()})
				r.telemetry.RecordMetric(telemetry.MetricRetrievalBackendKO, 1, map[string]string{"source": string(plan.SourceGraph)})
				result.SourcesFailed[plan.SourceGraph] = err.Error()
				return nil
			}
			lists = append(lists, list)
			return nil
		})
	}

	_ = g.Wait() // errors are recorded per-backend above, never propagated

	if len(lists) == 0 {
		if len(result.SourcesAttempted) > 0 {
			return result, core.NewPipelineError("retrieval.Retrieve", core.KindResourceUnavailable, core.ErrAllBackendsFailed)
		}
		return result, nil
	}

	rrfCfg := r.cfg.RRF
	if req.Weights != nil {
		rrfCfg.Weights = req.Weights
	}
	fused := Fuse(rrfCfg, lists...)

	if r.cfg.EnableReranking && r.rerank != nil && len(fused) >= r.cfg.RerankMinChunks {
		fused = r.rerankChunks(ctx, req.Query, fused)
	}

	if len(fused) > topK {
		fused = fused[:topK]
	}
	for i := range fused {
		fused[i].Confidence = confidenceFromRank(i, len(fused))
	}

	distinct := map[plan.EvidenceSource]bool{}
	for _, c := range fused {
		distinct[c.Source] = true
	}
	result.Chunks = fused
	result.DistinctSources = len(distinct)
	r.telemetry.RecordMetric(telemetry.MetricRetrievalDuration, float64(time.Since(start).Milliseconds()), nil)
	r.telemetry.RecordMetric(telemetry.MetricRetrievalChunks, float64(len(fused)), nil)
	return result, nil
}

func confidenceFromRank(rank, total int) float64 {
	if total <= 1 {
		return 1.0
	}
	return 1.0 - float64(rank)/float64(total)*0.5
}

func (r *Retriever) searchVector(ctx context.Context, req Request, topK int) (rankedList, error) {
	emb, err := r.embedder.Embed(ctx, req.Query)
	if err != nil {
		return rankedList{}, err
	}
	matches, err := r.vector.SearchSimilar(ctx, emb, topK*2, req.Filters)
	if err != nil {
		return rankedList{}, err
	}
	chunks := make([]plan.EvidenceChunk, 0, len(matches))
	for _, m := range matches {
		chunks = append(chunks, plan.EvidenceChunk{
			ChunkID: m.ChunkID, DocumentID: m.DocumentID, Content: m.Content,
			Metadata: m.Metadata, Source: plan.SourceVector, RawScore: 1 - m.Distance,
		})
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].RawScore > chunks[j].RawScore })
	return rankedList{source: plan.SourceVector, chunks: chunks}, nil
}

func (r *Retriever) searchSparse(ctx context.Context, req Request, topK int) (rankedList, error) {
	hits, err := r.sparse.Search(ctx, req.Query, topK*2)
	if err != nil {
		return rankedList{}, err
	}
	chunks := make([]plan.EvidenceChunk, 0, len(hits))
	for _, h := range hits {
		chunks = append(chunks, plan.EvidenceChunk{
			ChunkID: h.Doc.ChunkID, DocumentID: h.Doc.DocumentID, Content: h.Doc.Content,
			Metadata: h.Doc.Metadata, Source: plan.SourceSparse, RawScore: h.Score,
		})
	}
	return rankedList{source: plan.SourceSparse, chunks: chunks}, nil
}

func (r *Retriever) searchGraph(ctx context.Context, req Request, topK int) (rankedList, error) {
	rows, err := r.graph.ExecuteQuery(ctx, req.Query, map[string]interface{}{"limit": topK * 2})
	if err != nil {
		return rankedList{}, err
	}
	chunks := make([]plan.EvidenceChunk, 0, len(rows))
	for _, row := range rows {
		chunks = append(chunks, plan.EvidenceChunk{
			ChunkID: row.ChunkID, DocumentID: row.DocumentID, Content: row.Content,
			Metadata: row.Metadata, Source: plan.SourceGraph, RawScore: row.Score,
		})
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].RawScore > chunks[j].RawScore })
	return rankedList{source: plan.SourceGraph, chunks: chunks}, nil
}

// rerankChunks batches a single cross-encoder call capped to keep P95
// overhead within spec.md's 200ms budget on CPU; on failure it logs and
// keeps the RRF order rather than failing the whole retrieval.
func (r *Retriever) rerankChunks(ctx context.Context, query string, chunks []plan.EvidenceChunk) []plan.EvidenceChunk {
	const maxSeqChunks = 512
	batch := chunks
	if len(batch) > maxSeqChunks {
		batch = batch[:maxSeqChunks]
	}
	contents := make([]string, len(batch))
	for i, c := range batch {
		contents[i] = c.Content
	}

	start := time.Now()
	scores, err := r.rerank.Score(ctx, query, contents)
	r.telemetry.RecordMetric(telemetry.MetricRerankDuration, float64(time.Since(start).Milliseconds()), nil)
	if err != nil {
		r.logger.Warn("cross-encoder rerank failed, keeping RRF order", map[string]interface{}{"error": err.Error()})
		return chunks
	}
	for i := range batch {
		s := scores[i]
		batch[i].RerankScore = &s
	}
	sort.SliceStable(batch, func(i, j int) bool { return *batch[i].RerankScore > *batch[j].RerankScore })
	if len(batch) < len(chunks) {
		return append(batch, chunks[len(batch):]...)
	}
	return batch
}
