// Command veritasd wires the shared Resources and the C6 Pipeline
// Factory together and runs a handful of seed queries end to end, the
// way the teacher's examples/orchestrator/main.go wires a discovery
// client, a router and an AI client from environment variables before
// driving a request through them. It is a local/dev demonstration of
// the factory, not a production server: the HTTP/SSE surface stays out
// of scope per spec.md §1.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/veritas-project/veritas/agents"
	"github.com/veritas-project/veritas/budget"
	"github.com/veritas-project/veritas/contextwindow"
	"github.com/veritas-project/veritas/core"
	"github.com/veritas-project/veritas/intent"
	"github.com/veritas-project/veritas/llm"
	"github.com/veritas-project/veritas/pipeline"
	"github.com/veritas-project/veritas/plan"
	"github.com/veritas-project/veritas/retrieval"
	"github.com/veritas-project/veritas/state"
	"github.com/veritas-project/veritas/streaming"
	"github.com/veritas-project/veritas/synthesis"
	"github.com/veritas-project/veritas/telemetry"
)

func main() {
	// Optional local-dev convenience, never required in production
	// (a missing .env is not an error).
	_ = godotenv.Load()

	logger := telemetry.NewTelemetryLogger("veritasd")
	cfg := pipeline.LoadConfig()

	res, shutdown := buildResources(logger)
	defer shutdown(context.Background())

	factory := pipeline.NewFactory(cfg, res)
	seedAgents(res.Agents)

	queries := []string{
		"What is a permit?",
		"Wie ist das Ermessen der Behörde im Verwaltungsverfahren nach VwVfG zu beurteilen? Analysiere die Rechtsprechung und erläutere die Ermessensfehler.",
	}

	for _, q := range queries {
		runQuery(context.Background(), factory, res.Channel, q)
	}
}

// buildResources constructs the process-wide, shared, read-mostly
// Resources bundle (spec.md §4.6/§5): a vector store swapped for Qdrant
// when VERITAS_QDRANT_ADDR is set, a Redis-backed state store swapped
// in when VERITAS_REDIS_ADDR is set (falling back to the JSON store
// otherwise), and an OpenAI-backed LLM client swapped in when
// OPENAI_API_KEY is set. Absent every env var, everything runs against
// the in-memory/mock defaults so `go run ./cmd/veritasd` works with no
// external dependencies.
func buildResources(logger core.Logger) (pipeline.Resources, func(context.Context) error) {
	var telemetryProvider core.Telemetry = &core.NoOpTelemetry{}
	shutdown := func(context.Context) error { return nil }
	if endpoint := os.Getenv("VERITAS_OTEL_ENDPOINT"); endpoint != "" {
		provider, err := telemetry.NewOTelProvider("veritasd", endpoint)
		if err != nil {
			logger.Warn("otel init failed, continuing with no-op telemetry", map[string]interface{}{"error": err.Error()})
		} else {
			telemetryProvider = provider
			shutdown = provider.Shutdown
		}
	}

	sparseIndex := retrieval.NewInMemoryBM25Index(retrieval.DefaultBM25Config())
	graphStore := retrieval.NewInMemoryGraphStore()
	seedSparseAndGraph(sparseIndex, graphStore)

	retrievalOpts := []retrieval.Option{
		retrieval.WithSparseIndex(sparseIndex),
		retrieval.WithGraphStore(graphStore),
		retrieval.WithLogger(logger),
		retrieval.WithTelemetry(telemetryProvider),
	}
	if addr := os.Getenv("VERITAS_QDRANT_ADDR"); addr != "" {
		qdrant, err := retrieval.NewQdrantStore(addr, "veritas_chunks", logger)
		if err != nil {
			log.Fatalf("qdrant unavailable at %s: %v", addr, err)
		}
		retrievalOpts = append(retrievalOpts, retrieval.WithVectorStore(qdrant, retrieval.NewHashEmbedder()))
	} else {
		embedder := retrieval.NewHashEmbedder()
		vectorStore := retrieval.NewInMemoryVectorStore()
		seedVectorStore(vectorStore, embedder)
		retrievalOpts = append(retrievalOpts, retrieval.WithVectorStore(vectorStore, embedder))
	}
	retriever := retrieval.New(retrieval.DefaultConfig(), retrievalOpts...)

	var llmClient llm.Client = llm.NewMockClient()
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		llmClient = llm.NewOpenAIClient(apiKey, os.Getenv("OPENAI_BASE_URL"), os.Getenv("VERITAS_MODEL"), logger)
	}

	store := buildStateStore(logger)

	counter := contextwindow.NewCounter()

	return pipeline.Resources{
		Intent:      intent.New(intent.DefaultConfig(), intent.WithLLMClient(llmClient), intent.WithLogger(logger), intent.WithTelemetry(telemetryProvider)),
		Budget:      budget.New(budget.DefaultConfig(), budget.WithLogger(logger), budget.WithTelemetry(telemetryProvider)),
		Retriever:   retriever,
		Agents:      agents.New(agents.WithLogger(logger)),
		Synthesiser: synthesis.New(synthesis.WithLLMClient(llmClient), synthesis.WithLogger(logger), synthesis.WithTelemetry(telemetryProvider)),
		ContextWindow: contextwindow.New(contextwindow.WithCounter(counter), contextwindow.WithLogger(logger), contextwindow.WithTelemetry(telemetryProvider)),
		Store:     store,
		Channel:   streaming.New(streaming.WithLogger(logger)),
		LLMClient: llmClient,
		Models: []plan.ModelSpec{
			{ModelName: "gpt-4o-mini", ContextWindow: 128000},
			{ModelName: "gpt-4o", ContextWindow: 128000},
		},
		Logger:    logger,
		Telemetry: telemetryProvider,
	}, shutdown
}

// buildStateStore prefers Redis (VERITAS_REDIS_ADDR) wrapped in the
// composite store's fallback-to-JSON degradation per spec.md §4.10;
// absent a Redis address it runs fallback-only, which is a legitimate
// standalone state.Store per the JSON-fallback contract.
func buildStateStore(logger core.Logger) state.Store {
	fallback, err := state.NewFallbackStore(dataDir(), logger)
	if err != nil {
		log.Fatalf("fallback store init: %v", err)
	}

	addr := os.Getenv("VERITAS_REDIS_ADDR")
	if addr == "" {
		return fallback
	}
	primary := state.NewRedisStore(&redis.Options{Addr: addr}, state.WithRedisLogger(logger), state.WithTTL(30*24*time.Hour))
	return state.NewCompositeStore(primary, fallback, logger)
}

func dataDir() string {
	if d := os.Getenv("VERITAS_FALLBACK_DIR"); d != "" {
		return d
	}
	return "data/fallback_db"
}

func seedAgents(registry *agents.Registry) {
	registry.Register(agents.NewMockAgent("admin-law-agent", "administrative_law", []string{"analysis"}))
	registry.Register(agents.NewMockAgent("environmental-agent", "environmental", []string{"analysis"}))
	registry.Register(agents.NewMockAgent("general-agent", "general", []string{"analysis"}))
}

// seedCorpus is a minimal fixture so the demo queries return evidence
// without a real document-ingestion pipeline wired in (out of scope per
// spec.md §1); a production deployment replaces this with the data
// plane's own upsert path.
var seedCorpus = []retrieval.SparseDocument{
	{
		DocumentID: "vwvfg-35a", ChunkID: "c1",
		Content:  "Eine Genehmigung ist ein Verwaltungsakt, der eine an sich verbotene Tätigkeit im Einzelfall erlaubt, sofern die gesetzlichen Voraussetzungen erfüllt sind.",
		Metadata: plan.ChunkMetadata{Title: "VwVfG Kommentar", Author: "Musterautor", Year: 2022, Domain: "administrative_law", Tags: []string{"genehmigung", "verwaltungsakt"}},
	},
	{
		DocumentID: "vwvfg-40", ChunkID: "c1",
		Content:  "Das Ermessen der Behörde nach § 40 VwVfG ist entsprechend dem Zweck der Ermächtigung auszuüben; die gesetzlichen Grenzen des Ermessens sind einzuhalten.",
		Metadata: plan.ChunkMetadata{Title: "VwVfG Kommentar", Author: "Musterautor", Year: 2022, Domain: "administrative_law", Tags: []string{"ermessen", "verwaltungsverfahren"}},
	},
	{
		DocumentID: "bimschg-5", ChunkID: "c1",
		Content:  "Genehmigungsbedürftige Anlagen sind so zu errichten und zu betreiben, dass schädliche Umwelteinwirkungen verhindert werden.",
		Metadata: plan.ChunkMetadata{Title: "BImSchG", Year: 2021, Domain: "environmental", Tags: []string{"immissionsschutz", "genehmigung"}},
	},
}

func seedSparseAndGraph(sparse *retrieval.InMemoryBM25Index, graph *retrieval.InMemoryGraphStore) {
	for _, doc := range seedCorpus {
		sparse.Add(doc)
		graph.Add(retrieval.GraphRow{DocumentID: doc.DocumentID, ChunkID: doc.ChunkID, Content: doc.Content, Metadata: doc.Metadata})
	}
}

func seedVectorStore(store *retrieval.InMemoryVectorStore, embedder retrieval.Embedder) {
	ctx := context.Background()
	for _, doc := range seedCorpus {
		embedding, err := embedder.Embed(ctx, doc.Content)
		if err != nil {
			continue
		}
		_ = store.Upsert(ctx, "veritas_chunks",
			[]retrieval.VectorMatch{{DocumentID: doc.DocumentID, ChunkID: doc.ChunkID, Content: doc.Content, Metadata: doc.Metadata}},
			[][]float32{embedding})
	}
}

func runQuery(ctx context.Context, factory *pipeline.Factory, ch *streaming.Channel, queryText string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	requestID := uuid.NewString()
	q := plan.Query{
		RequestID:     requestID,
		SessionID:     uuid.NewString(),
		QueryText:     queryText,
		QueryLanguage: "de",
		CreatedAt:     time.Now(),
		Status:        plan.StatusPending,
	}

	sub := ch.Subscribe(ctx, requestID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case evt, ok := <-sub:
				if !ok {
					return
				}
				fmt.Printf("[%s] %s\n", requestID[:8], evt.Type)
			case <-ctx.Done():
				return
			}
		}
	}()

	p := factory.CreatePipeline(ctx, q, "gpt-4o-mini")
	answer, err := p.Run(ctx)
	p.Cleanup()
	<-done

	if err != nil {
		fmt.Printf("query %q failed: %v\n", queryText, err)
		return
	}
	fmt.Printf("query %q -> %d sources, %d chars\n", queryText, len(answer.Sources), len(answer.Content))
}
