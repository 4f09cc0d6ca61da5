package retrieval

import (
	"context"
	"math"
	"strings"
)

// InMemoryVectorStore is a deterministic VectorStore used as the test and
// local-development default, per SPEC_FULL.md §6's "in-memory/mock
// reference implementation" for the otherwise out-of-scope physical
// polyglot store.
type InMemoryVectorStore struct {
	docs       []VectorMatch
	embeddings [][]float32
}

func NewInMemoryVectorStore() *InMemoryVectorStore { return &InMemoryVectorStore{} }

func (s *InMemoryVectorStore) Upsert(ctx context.Context, collection string, docs []VectorMatch, embeddings [][]float32) error {
	s.docs = append(s.docs, docs...)
	s.embeddings = append(s.embeddings, embeddings...)
	return nil
}

func (s *InMemoryVectorStore) CollectionOf(ctx context.Context, name string) (string, error) {
	return "mem://" + name, nil
}

func (s *InMemoryVectorStore) SearchSimilar(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]VectorMatch, error) {
	type scored struct {
		doc   VectorMatch
		score float64
	}
	scoredDocs := make([]scored, 0, len(s.docs))
	for i, d := range s.docs {
		scoredDocs = append(scoredDocs, scored{doc: d, score: cosineSimilarity(embedding, s.embeddings[i])})
	}
	// simple selection sort for the top-k; doc counts in tests are tiny.
	out := make([]VectorMatch, 0, topK)
	used := make(map[int]bool)
	for len(out) < topK && len(out) < len(scoredDocs) {
		best, bestScore := -1, -1.0
		for i, sd := range scoredDocs {
			if used[i] {
				continue
			}
			if sd.score > bestScore {
				best, bestScore = i, sd.score
			}
		}
		if best == -1 {
			break
		}
		used[best] = true
		m := scoredDocs[best].doc
		m.Distance = 1 - bestScore
		out = append(out, m)
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// HashEmbedder turns text into a small fixed-width vector by hashing
// terms into buckets; it preserves no semantic meaning but gives stable,
// comparable vectors for ranking in tests absent a real embedding model.
type HashEmbedder struct{ Dims int }

func NewHashEmbedder() *HashEmbedder { return &HashEmbedder{Dims: 32} }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.Dims)
	for _, term := range tokenize(text) {
		idx := int(fnv32(term)) % h.Dims
		if idx < 0 {
			idx += h.Dims
		}
		vec[idx]++
	}
	return vec, nil
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

// InMemoryGraphStore matches documents whose content contains at least
// one query term, case-insensitively, scoring each row by the fraction of
// query terms it contains, per spec.md §4.3's graph-search contract.
type InMemoryGraphStore struct {
	rows []GraphRow
}

func NewInMemoryGraphStore() *InMemoryGraphStore { return &InMemoryGraphStore{} }

func (g *InMemoryGraphStore) Add(row GraphRow) { g.rows = append(g.rows, row) }

func (g *InMemoryGraphStore) ExecuteQuery(ctx context.Context, query string, params map[string]interface{}) ([]GraphRow, error) {
	terms := tokenize(query)
	limit := -1
	if l, ok := params["limit"].(int); ok {
		limit = l
	}
	var out []GraphRow
	for _, row := range g.rows {
		lower := strings.ToLower(row.Content)
		matched := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		scored := row
		scored.Score = float64(matched) / float64(len(terms))
		out = append(out, scored)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// StaticCrossEncoder scores by a caller-supplied function, defaulting to
// a no-op ranking pass-through that preserves input order.
type StaticCrossEncoder struct {
	ScoreFunc func(query, content string) float64
}

func (c *StaticCrossEncoder) Score(ctx context.Context, query string, contents []string) ([]float64, error) {
	out := make([]float64, len(contents))
	for i, content := range contents {
		if c.ScoreFunc != nil {
			out[i] = c.ScoreFunc(query, content)
			continue
		}
		out[i] = float64(len(contents) - i)
	}
	return out, nil
}

var (
	_ VectorStore  = (*InMemoryVectorStore)(nil)
	_ Embedder     = (*HashEmbedder)(nil)
	_ GraphStore   = (*InMemoryGraphStore)(nil)
	_ CrossEncoder = (*StaticCrossEncoder)(nil)
)
