package retrieval

import (
	"sort"

	"github.com/samber/lo"

	"github.com/veritas-project/veritas/plan"
)

// RRFConfig holds the fusion constant and per-source weights from
// spec.md §4.3 step 4.
type RRFConfig struct {
	K       int
	Weights map[plan.EvidenceSource]float64
}

// DefaultRRFConfig matches spec.md's documented defaults.
func DefaultRRFConfig() RRFConfig {
	return RRFConfig{
		K: 60,
		Weights: map[plan.EvidenceSource]float64{
			plan.SourceVector: 0.5,
			plan.SourceSparse: 0.3,
			plan.SourceGraph:  0.2,
		},
	}
}

// rankedList is one source's chunks in descending-score order, used only
// to compute per-source ranks for the RRF sum.
type rankedList struct {
	source plan.EvidenceSource
	chunks []plan.EvidenceChunk
}

// Fuse combines per-source ranked lists into one list ordered by
// descending fused_score, implementing spec.md §4.3 step 4:
// fused_score(d) = Σ w_s / (k + rank_s(d)), summed over every source the
// chunk appears in. Chunks are deduplicated by (document_id, chunk_id);
// when the same chunk appears from multiple sources, its fields from the
// highest-weighted source are kept and every source's rank contributes.
//
// Fuse is symmetric in equal-weight sources: swapping two sources with
// identical weights yields the same fused scores, since the sum is
// commutative and weights are looked up by source key, not list order.
func Fuse(cfg RRFConfig, lists ...rankedList) []plan.EvidenceChunk {
	type acc struct {
		chunk      plan.EvidenceChunk
		fused      float64
		bestWeight float64
	}
	byKey := make(map[string]*acc)

	for _, list := range lists {
		w := cfg.Weights[list.source]
		for rank, c := range list.chunks {
			key := c.Key()
			contribution := w / float64(cfg.K+rank+1)
			if existing, ok := byKey[key]; ok {
				existing.fused += contribution
				if w > existing.bestWeight {
					existing.bestWeight = w
					existing.chunk = mergeChunkFields(existing.chunk, c)
				}
			} else {
				c.Source = list.source
				c.RRFRank = rank + 1
				byKey[key] = &acc{chunk: c, fused: contribution, bestWeight: w}
			}
		}
	}

	out := lo.MapToSlice(byKey, func(_ string, a *acc) plan.EvidenceChunk {
		a.chunk.FusedScore = a.fused
		return a.chunk
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].FusedScore > out[j].FusedScore })
	for i := range out {
		out[i].RRFRank = i + 1
	}
	return out
}

// mergeChunkFields prefers the incoming chunk's content/metadata when it
// came from a more heavily-weighted source, keeping whichever raw score
// is larger for observability.
func mergeChunkFields(existing, incoming plan.EvidenceChunk) plan.EvidenceChunk {
	merged := incoming
	if existing.RawScore > incoming.RawScore {
		merged.RawScore = existing.RawScore
	}
	return merged
}
