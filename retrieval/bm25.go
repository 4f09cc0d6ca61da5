package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// BM25Config holds the Okapi BM25 tuning constants from spec.md §6.
type BM25Config struct {
	K1 float64 // default 1.5
	B  float64 // default 0.75
}

// DefaultBM25Config matches spec.md's documented defaults.
func DefaultBM25Config() BM25Config { return BM25Config{K1: 1.5, B: 0.75} }

// InMemoryBM25Index is the in-memory sparse index named in spec.md §4.3
// step 2. It is read-mostly safe for concurrent Search calls; documents
// are loaded once at construction or via Add.
type InMemoryBM25Index struct {
	cfg BM25Config

	mu        sync.RWMutex
	docs      []SparseDocument
	termFreqs []map[string]int // per-doc term -> count
	docLens   []int
	avgDocLen float64
	df        map[string]int // document frequency per term
}

// NewInMemoryBM25Index builds an empty index.
func NewInMemoryBM25Index(cfg BM25Config) *InMemoryBM25Index {
	return &InMemoryBM25Index{cfg: cfg, df: make(map[string]int)}
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || 'ä' == r || 'ö' == r || 'ü' == r || 'ß' == r)
	})
	return fields
}

// Add indexes one document.
func (idx *InMemoryBM25Index) Add(doc SparseDocument) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	terms := tokenize(doc.Content)
	tf := make(map[string]int, len(terms))
	for _, t := range terms {
		tf[t]++
	}
	idx.docs = append(idx.docs, doc)
	idx.termFreqs = append(idx.termFreqs, tf)
	idx.docLens = append(idx.docLens, len(terms))

	seen := make(map[string]bool, len(tf))
	for t := range tf {
		if !seen[t] {
			idx.df[t]++
			seen[t] = true
		}
	}

	total := 0
	for _, l := range idx.docLens {
		total += l
	}
	if len(idx.docLens) > 0 {
		idx.avgDocLen = float64(total) / float64(len(idx.docLens))
	}
}

// Search implements SparseIndex using Okapi BM25 scoring.
func (idx *InMemoryBM25Index) Search(ctx context.Context, query string, topK int) ([]SparseHit, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	qTerms := tokenize(query)
	if len(qTerms) == 0 || len(idx.docs) == 0 {
		return nil, nil
	}
	n := float64(len(idx.docs))

	scores := make([]float64, len(idx.docs))
	for _, qt := range qTerms {
		df := idx.df[qt]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
		for i, tf := range idx.termFreqs {
			freq := float64(tf[qt])
			if freq == 0 {
				continue
			}
			denom := freq + idx.cfg.K1*(1-idx.cfg.B+idx.cfg.B*float64(idx.docLens[i])/idx.avgDocLen)
			scores[i] += idf * (freq * (idx.cfg.K1 + 1) / denom)
		}
	}

	hits := make([]SparseHit, 0, len(idx.docs))
	for i, s := range scores {
		if s <= 0 {
			continue
		}
		hits = append(hits, SparseHit{Doc: idx.docs[i], Score: s})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

var _ SparseIndex = (*InMemoryBM25Index)(nil)
