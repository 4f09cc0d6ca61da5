// Package retrieval implements the Hybrid Retriever (C3): dense (vector),
// sparse (BM25) and graph search fused with Reciprocal Rank Fusion and an
// optional cross-encoder re-rank pass. Grounded on the teacher's
// discovery/registry fan-out style (core/redis_discovery.go,
// core/discovery.go use the same "try several backends, skip failures"
// shape) and Tangerg-lynx's vectorstores package for the Qdrant client
// wiring named in SPEC_FULL.md §11.
package retrieval

import (
	"context"

	"github.com/veritas-project/veritas/plan"
)

// VectorMatch is one dense-search hit before normalisation into an
// EvidenceChunk.
type VectorMatch struct {
	DocumentID string
	ChunkID    string
	Content    string
	Metadata   plan.ChunkMetadata
	Distance   float64 // raw cosine/L2 distance as returned by the store
}

// VectorStore is the data-plane interface consumed for dense search, per
// spec.md §6.
type VectorStore interface {
	SearchSimilar(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]VectorMatch, error)
	Upsert(ctx context.Context, collection string, docs []VectorMatch, embeddings [][]float32) error
	CollectionOf(ctx context.Context, name string) (string, error)
}

// Embedder turns query text into a dense vector. A real deployment wires
// an embedding model; the in-memory default used in tests hashes terms
// into a small fixed-width vector so cosine similarity still behaves
// sensibly for relative ranking in unit tests.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SparseDocument is one document indexed for BM25 lexical search.
type SparseDocument struct {
	DocumentID string
	ChunkID    string
	Content    string
	Metadata   plan.ChunkMetadata
}

// SparseIndex is the in-memory Okapi BM25 index contract.
type SparseIndex interface {
	Search(ctx context.Context, query string, topK int) ([]SparseHit, error)
}

// SparseHit is one BM25 match with its raw score.
type SparseHit struct {
	Doc   SparseDocument
	Score float64
}

// GraphRow is one result row from a graph query.
type GraphRow struct {
	DocumentID string
	ChunkID    string
	Content    string
	Metadata   plan.ChunkMetadata
	Score      float64
}

// GraphStore is the data-plane interface consumed for graph search, per
// spec.md §6: a parameterised keyword/relationship query over
// document-typed nodes.
type GraphStore interface {
	ExecuteQuery(ctx context.Context, query string, params map[string]interface{}) ([]GraphRow, error)
}

// CrossEncoder scores (query, chunk) pairs for the optional re-rank pass.
// Implementations must batch internally; the retriever caps total chunks
// scored per call to keep P95 overhead within spec.md §4.3's 200ms budget.
type CrossEncoder interface {
	Score(ctx context.Context, query string, contents []string) ([]float64, error)
}
