package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/veritas-project/veritas/plan"
)

func chunk(doc, id string) plan.EvidenceChunk {
	return plan.EvidenceChunk{DocumentID: doc, ChunkID: id}
}

func TestFuse_SymmetricInEqualWeightSources(t *testing.T) {
	cfg := RRFConfig{K: 60, Weights: map[plan.EvidenceSource]float64{
		plan.SourceVector: 0.5, plan.SourceSparse: 0.5,
	}}
	a := rankedList{source: plan.SourceVector, chunks: []plan.EvidenceChunk{chunk("d1", "c1"), chunk("d2", "c2")}}
	b := rankedList{source: plan.SourceSparse, chunks: []plan.EvidenceChunk{chunk("d2", "c2"), chunk("d1", "c1")}}

	out1 := Fuse(cfg, a, b)
	out2 := Fuse(cfg, b, a)

	scores1 := map[string]float64{}
	for _, c := range out1 {
		scores1[c.Key()] = c.FusedScore
	}
	scores2 := map[string]float64{}
	for _, c := range out2 {
		scores2[c.Key()] = c.FusedScore
	}
	assert.InDelta(t, scores1["d1\x00c1"], scores2["d1\x00c1"], 1e-9)
	assert.InDelta(t, scores1["d2\x00c2"], scores2["d2\x00c2"], 1e-9)
}

func TestFuse_DocumentInMultipleSourcesScoresHigher(t *testing.T) {
	cfg := DefaultRRFConfig()
	vector := rankedList{source: plan.SourceVector, chunks: []plan.EvidenceChunk{chunk("d1", "c1"), chunk("d2", "c2")}}
	sparse := rankedList{source: plan.SourceSparse, chunks: []plan.EvidenceChunk{chunk("d1", "c1")}}

	out := Fuse(cfg, vector, sparse)
	scores := map[string]float64{}
	for _, c := range out {
		scores[c.Key()] = c.FusedScore
	}
	assert.Greater(t, scores["d1\x00c1"], scores["d2\x00c2"])
}

func TestFuse_OrderIsDescending(t *testing.T) {
	cfg := DefaultRRFConfig()
	vector := rankedList{source: plan.SourceVector, chunks: []plan.EvidenceChunk{
		chunk("d1", "c1"), chunk("d2", "c2"), chunk("d3", "c3"),
	}}
	out := Fuse(cfg, vector)
	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, out[i-1].FusedScore, out[i].FusedScore)
	}
}

func TestBM25_RanksExactMatchHigher(t *testing.T) {
	idx := NewInMemoryBM25Index(DefaultBM25Config())
	idx.Add(SparseDocument{DocumentID: "d1", ChunkID: "c1", Content: "Das Ermessen der Behörde im Verwaltungsverfahren"})
	idx.Add(SparseDocument{DocumentID: "d2", ChunkID: "c2", Content: "Eine völlig andere Angelegenheit über Finanzen"})

	hits, err := idx.Search(context.Background(), "Ermessen Behörde", 5)
	assert.NoError(t, err)
	if assert.NotEmpty(t, hits) {
		assert.Equal(t, "d1", hits[0].Doc.DocumentID)
	}
}
