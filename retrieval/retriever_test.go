package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-project/veritas/plan"
)

func seedVectorStore(t *testing.T) (*InMemoryVectorStore, *HashEmbedder) {
	t.Helper()
	store := NewInMemoryVectorStore()
	embedder := NewHashEmbedder()
	ctx := context.Background()

	docs := []VectorMatch{
		{DocumentID: "d1", ChunkID: "c1", Content: "Verwaltungsakt und Ermessen der Behörde"},
		{DocumentID: "d2", ChunkID: "c2", Content: "Baugenehmigung nach Landesbauordnung"},
	}
	embs := make([][]float32, len(docs))
	for i, d := range docs {
		e, _ := embedder.Embed(ctx, d.Content)
		embs[i] = e
	}
	require.NoError(t, store.Upsert(ctx, "docs", docs, embs))
	return store, embedder
}

func TestRetrieve_EmptyQuery_NoPanicNoChunks(t *testing.T) {
	store, embedder := seedVectorStore(t)
	r := New(DefaultConfig(), WithVectorStore(store, embedder))

	res, err := r.Retrieve(context.Background(), Request{Query: "", TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, res.Chunks)
}

func TestRetrieve_DedupedAndBoundedByTopK(t *testing.T) {
	store, embedder := seedVectorStore(t)
	sparse := NewInMemoryBM25Index(DefaultBM25Config())
	sparse.Add(SparseDocument{DocumentID: "d1", ChunkID: "c1", Content: "Verwaltungsakt und Ermessen der Behörde"})
	sparse.Add(SparseDocument{DocumentID: "d2", ChunkID: "c2", Content: "Baugenehmigung nach Landesbauordnung"})

	r := New(DefaultConfig(), WithVectorStore(store, embedder), WithSparseIndex(sparse))

	res, err := r.Retrieve(context.Background(), Request{Query: "Ermessen der Behörde", TopK: 1})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Chunks), 1)

	seen := map[string]bool{}
	for _, c := range res.Chunks {
		key := c.Key()
		assert.False(t, seen[key], "duplicate chunk returned")
		seen[key] = true
	}
}

func TestRetrieve_FusedScoreMonotonicallyDescending(t *testing.T) {
	store, embedder := seedVectorStore(t)
	r := New(DefaultConfig(), WithVectorStore(store, embedder))

	res, err := r.Retrieve(context.Background(), Request{Query: "Verwaltungsakt Ermessen", TopK: 10})
	require.NoError(t, err)
	for i := 1; i < len(res.Chunks); i++ {
		assert.GreaterOrEqual(t, res.Chunks[i-1].FusedScore, res.Chunks[i].FusedScore)
	}
}

func TestRetrieve_AllBackendsFail_ReturnsResourceUnavailable(t *testing.T) {
	r := New(DefaultConfig(), WithVectorStore(&failingVectorStore{}, NewHashEmbedder()))
	_, err := r.Retrieve(context.Background(), Request{Query: "anything", TopK: 5})
	require.Error(t, err)
}

func TestRetrieve_GracefulDegradation_OneBackendFailsOthersContinue(t *testing.T) {
	store, embedder := seedVectorStore(t)
	sparse := NewInMemoryBM25Index(DefaultBM25Config())
	sparse.Add(SparseDocument{DocumentID: "d1", ChunkID: "c1", Content: "Verwaltungsakt und Ermessen der Behörde"})

	r := New(DefaultConfig(),
		WithVectorStore(store, embedder),
		WithSparseIndex(sparse),
		WithGraphStore(&failingGraphStore{}),
	)
	res, err := r.Retrieve(context.Background(), Request{Query: "Ermessen", TopK: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Chunks)
	assert.Contains(t, res.SourcesFailed, plan.SourceGraph)
}

type failingVectorStore struct{}

func (f *failingVectorStore) SearchSimilar(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]VectorMatch, error) {
	return nil, assertErr
}
func (f *failingVectorStore) Upsert(ctx context.Context, collection string, docs []VectorMatch, embeddings [][]float32) error {
	return assertErr
}
func (f *failingVectorStore) CollectionOf(ctx context.Context, name string) (string, error) {
	return "", assertErr
}

type failingGraphStore struct{}

func (f *failingGraphStore) ExecuteQuery(ctx context.Context, query string, params map[string]interface{}) ([]GraphRow, error) {
	return nil, assertErr
}

var assertErr = assertError("backend unavailable")

type assertError string

func (e assertError) Error() string { return string(e) }
