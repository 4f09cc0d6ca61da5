// Package pipeline implements the Pipeline Factory (C6): it owns the
// shared, process-wide resources (C1-C4, C7, C8, C10, the model
// registry, the LLM client and retriever) and hands out per-request
// Pipeline instances holding a dedicated executor pool and progress
// queue, per spec.md §4.6. Grounded on the teacher's
// orchestration.OrchestratorConfig env-var-then-default construction
// pattern (orchestration/interfaces.go) and the capability-provider/
// executor wiring style of orchestrator.go, where dependencies are
// passed into constructors rather than fetched from a global.
package pipeline

import (
	"os"
	"strconv"
	"time"

	"github.com/veritas-project/veritas/budget"
	"github.com/veritas-project/veritas/executor"
	"github.com/veritas-project/veritas/retrieval"
)

// Config is the umbrella configuration for one veritasd process,
// enumerating every knob of spec.md §6. Each field is set from its
// struct default, then overridden by a VERITAS_* environment variable
// if present, matching the teacher's documented precedence.
type Config struct {
	WorkerPoolSize int // VERITAS_WORKER_POOL_SIZE

	TokenMin  int // VERITAS_TOKEN_MIN
	TokenMax  int // VERITAS_TOKEN_MAX
	TokenBase int // VERITAS_TOKEN_BASE

	RRFK       int // VERITAS_RRF_K
	VectorTopK int // VERITAS_VECTOR_TOP_K
	SparseTopK int // VERITAS_SPARSE_TOP_K

	BM25K1 float64 // VERITAS_BM25_K1
	BM25B  float64 // VERITAS_BM25_B

	SafetyFactor float64 // VERITAS_SAFETY_FACTOR

	EnableHybridSearch    bool // VERITAS_ENABLE_HYBRID_SEARCH
	EnableSparse          bool // VERITAS_ENABLE_SPARSE
	EnableQueryExpansion  bool // VERITAS_ENABLE_QUERY_EXPANSION
	EnableReranking       bool // VERITAS_ENABLE_RERANKING

	MaxHybridLatency    time.Duration // VERITAS_MAX_HYBRID_LATENCY_MS
	StreamQueueCapacity int           // VERITAS_STREAM_QUEUE_CAPACITY
	GracePeriod         time.Duration // VERITAS_GRACE_PERIOD_MS

	RetryMaxAttempts   int           // VERITAS_MAX_ATTEMPTS
	RetryBackoffBase   time.Duration // VERITAS_BACKOFF_BASE_MS
	RetryBackoffFactor float64       // VERITAS_BACKOFF_FACTOR
}

// DefaultConfig returns every knob at the value spec.md §6 documents.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize: 5,

		TokenMin:  250,
		TokenMax:  4000,
		TokenBase: 600,

		RRFK:       60,
		VectorTopK: 20,
		SparseTopK: 20,

		BM25K1: 1.5,
		BM25B:  0.75,

		SafetyFactor: 0.8,

		EnableHybridSearch:   false,
		EnableSparse:         false,
		EnableQueryExpansion: false,
		EnableReranking:      false,

		MaxHybridLatency:    200 * time.Millisecond,
		StreamQueueCapacity: 256,
		GracePeriod:         2 * time.Second,

		RetryMaxAttempts:   3,
		RetryBackoffBase:   200 * time.Millisecond,
		RetryBackoffFactor: 2,
	}
}

// LoadConfig starts from DefaultConfig and layers VERITAS_* environment
// overrides on top, following the teacher's "explicit default, then env
// var" precedence (orchestration/capability_provider.go).
func LoadConfig() Config {
	c := DefaultConfig()

	c.WorkerPoolSize = envInt("VERITAS_WORKER_POOL_SIZE", c.WorkerPoolSize)

	c.TokenMin = envInt("VERITAS_TOKEN_MIN", c.TokenMin)
	c.TokenMax = envInt("VERITAS_TOKEN_MAX", c.TokenMax)
	c.TokenBase = envInt("VERITAS_TOKEN_BASE", c.TokenBase)

	c.RRFK = envInt("VERITAS_RRF_K", c.RRFK)
	c.VectorTopK = envInt("VERITAS_VECTOR_TOP_K", c.VectorTopK)
	c.SparseTopK = envInt("VERITAS_SPARSE_TOP_K", c.SparseTopK)

	c.BM25K1 = envFloat("VERITAS_BM25_K1", c.BM25K1)
	c.BM25B = envFloat("VERITAS_BM25_B", c.BM25B)

	c.SafetyFactor = envFloat("VERITAS_SAFETY_FACTOR", c.SafetyFactor)

	c.EnableHybridSearch = envBool("VERITAS_ENABLE_HYBRID_SEARCH", c.EnableHybridSearch)
	c.EnableSparse = envBool("VERITAS_ENABLE_SPARSE", c.EnableSparse)
	c.EnableQueryExpansion = envBool("VERITAS_ENABLE_QUERY_EXPANSION", c.EnableQueryExpansion)
	c.EnableReranking = envBool("VERITAS_ENABLE_RERANKING", c.EnableReranking)

	c.MaxHybridLatency = envMillis("VERITAS_MAX_HYBRID_LATENCY_MS", c.MaxHybridLatency)
	c.StreamQueueCapacity = envInt("VERITAS_STREAM_QUEUE_CAPACITY", c.StreamQueueCapacity)
	c.GracePeriod = envMillis("VERITAS_GRACE_PERIOD_MS", c.GracePeriod)

	c.RetryMaxAttempts = envInt("VERITAS_MAX_ATTEMPTS", c.RetryMaxAttempts)
	c.RetryBackoffBase = envMillis("VERITAS_BACKOFF_BASE_MS", c.RetryBackoffBase)
	c.RetryBackoffFactor = envFloat("VERITAS_BACKOFF_FACTOR", c.RetryBackoffFactor)

	return c
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

// BudgetConfig derives a budget.Config from the umbrella Config.
func (c Config) BudgetConfig() budget.Config {
	return budget.Config{BaseTokens: c.TokenBase, Min: c.TokenMin, Max: c.TokenMax, ChunkCap: 20, ChunkStep: 0.08}
}

// RetrievalConfig derives a retrieval.Config from the umbrella Config.
func (c Config) RetrievalConfig() retrieval.Config {
	rc := retrieval.DefaultConfig()
	rc.VectorTopK = c.VectorTopK
	rc.SparseTopK = c.SparseTopK
	rc.EnableHybridSearch = c.EnableHybridSearch
	rc.EnableSparse = c.EnableSparse
	rc.EnableReranking = c.EnableReranking
	rc.BM25.K1 = c.BM25K1
	rc.BM25.B = c.BM25B
	rc.RRF.K = c.RRFK
	return rc
}

// ExecutorConfig derives an executor.Config from the umbrella Config.
func (c Config) ExecutorConfig() executor.Config {
	return executor.Config{
		WorkerPoolSize: c.WorkerPoolSize,
		GracePeriod:    c.GracePeriod,
		Retry: executor.RetryPolicy{
			MaxAttempts:   c.RetryMaxAttempts,
			BackoffBase:   c.RetryBackoffBase,
			BackoffFactor: c.RetryBackoffFactor,
		},
	}
}
